// ABOUTME: Entry point for coven-locker, a passkey-gated container server
// ABOUTME: Serves the viewer and API, and manages containers, tokens and QR labels offline

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-locker/internal/auth"
	"github.com/2389/coven-locker/internal/config"
	"github.com/2389/coven-locker/internal/gateway"
	"github.com/2389/coven-locker/internal/render"
	"github.com/2389/coven-locker/internal/store"
	"github.com/2389/coven-locker/internal/vault"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                    _            _
  ___ _____   _____ _ __           | | ___   ___| | _____ _ __
 / __/ _ \ \ / / _ \ '_ \   _____  | |/ _ \ / __| |/ / _ \ '__|
| (_| (_) \ V /  __/ | | | |_____| | | (_) | (__|   <  __/ |
 \___\___/ \_/ \___|_| |_|         |_|\___/ \___|_|\_\___|_|
`

func usage() {
	fmt.Println("Usage: coven-locker <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the locker server")
	fmt.Println("  init [--force]                 Write a config with fresh keys")
	fmt.Println("  put ID [--scope NAME] [FILE]   Seal FILE (or stdin) into container ID")
	fmt.Println("  list                           List containers")
	fmt.Println("  rm ID                          Delete a container")
	fmt.Println("  qr ID [--out FILE]             Write the QR label for a container")
	fmt.Println("  token --sub NAME [--role R]    Issue an authoring token")
	fmt.Println("  health                         Check server health")
	fmt.Println()
	fmt.Printf("Config: %s (override with %s)\n", config.DefaultPath(), config.EnvConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(args)
	case "put":
		err = runPut(ctx, args)
	case "list", "ls":
		err = runList(ctx)
	case "rm":
		err = runRemove(ctx, args)
	case "qr":
		err = runQR(args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Authoring API disabled (no auth.jwt_secret)")
	}
	fmt.Println()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating locker: %w", err)
	}
	green.Print("    ▶ ")
	fmt.Printf("Public:    %s\n\n", gw.BaseURL())

	logger.Info("starting coven-locker", "config", configPath, "version", version)
	return gw.Run(ctx)
}

// getDataPath returns the path to the locker data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// sampleConfig renders a config with freshly generated secrets.
func sampleConfig(dbPath string) (string, error) {
	masterKey, err := vault.GenerateMasterKey()
	if err != nil {
		return "", err
	}
	jwtSecret, err := randomString(32)
	if err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	decoyKey, err := randomString(24)
	if err != nil {
		return "", fmt.Errorf("generating decoy key: %w", err)
	}

	return fmt.Sprintf(`# coven-locker configuration
# Generated by coven-locker init

server:
  http_addr: "localhost:8080"

database:
  path: %q

public:
  # Printed on QR labels. Passkeys are bound to this host name.
  base_url: "http://localhost:8080"

webauthn:
  rp_display_name: "coven locker"
  challenge_ttl: "90s"
  # "sqlite" keeps in-flight ceremonies across restarts; "memory" does not.
  challenge_store: "sqlite"
  conceal_unknown_identities: true
  decoy_key: %q

sessions:
  ttl: "12h"
  sweep_interval: "10m"

vault:
  # Losing this key makes every container unreadable.
  master_key: %q

auth:
  jwt_secret: %q

logging:
  level: "info"
  format: "text"
`, dbPath, decoyKey, base64.StdEncoding.EncodeToString(masterKey), jwtSecret), nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "overwrite an existing config")
	path := fs.String("config", config.DefaultPath(), "config file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *path)
	}

	content, err := sampleConfig(filepath.Join(getDataPath(), "locker.db"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(*path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(*path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", *path)
	yellow.Println("  Back up vault.master_key; containers cannot be opened without it.")
	fmt.Println()
	fmt.Println("    coven-locker serve    # start the server")
	return nil
}

// openVault opens the configured store and a vault over it for offline use.
func openVault() (*vault.Vault, *config.Config, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	key, err := vault.DecodeMasterKey(cfg.Vault.MasterKey)
	if err != nil {
		_ = s.Close()
		return nil, nil, nil, err
	}
	v, err := vault.New(s, key,
		vault.WithAuditStore(s),
		vault.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		_ = s.Close()
		return nil, nil, nil, err
	}
	return v, cfg, func() { _ = s.Close() }, nil
}

// localActor names the operator for the audit log.
func localActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

// baseURL returns the public URL printed on labels made offline.
func baseURL(cfg *config.Config) string {
	if cfg.Public.BaseURL != "" {
		return cfg.Public.BaseURL
	}
	if env := os.Getenv("COVEN_LOCKER_URL"); env != "" {
		return env
	}
	return "http://" + cfg.Server.HTTPAddr
}

// splitArgs separates positional arguments from flags so flags may follow
// the container id.
func splitArgs(args []string, valueFlags ...string) (flags, positional []string) {
	takesValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takesValue["-"+f] = true
		takesValue["--"+f] = true
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		if takesValue[arg] && i+1 < len(args) {
			flags = append(flags, args[i+1])
			i++
		}
	}
	return flags, positional
}

func runPut(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	scope := fs.String("scope", "", "identity allowed to read the container (empty for any signed-in identity)")
	qrOut := fs.String("qr", "", "also write the QR label to this file")
	flags, positional := splitArgs(args, "scope", "qr")
	if err := fs.Parse(flags); err != nil {
		return err
	}
	if len(positional) < 1 || len(positional) > 2 {
		return errors.New("usage: coven-locker put ID [--scope NAME] [--qr FILE] [FILE]")
	}
	id := positional[0]

	var content []byte
	var err error
	if len(positional) == 2 && positional[1] != "-" {
		content, err = os.ReadFile(positional[1])
	} else {
		content, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}

	v, cfg, closeFn, err := openVault()
	if err != nil {
		return err
	}
	defer closeFn()

	info, err := v.Put(vault.ActorContext(ctx, localActor()), id, content, *scope)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Sealed %s (%d bytes", info.ID, len(content))
	if info.Scope != "" {
		green.Printf(", readable by %s", info.Scope)
	}
	green.Println(")")
	viewer := render.ViewerURL(baseURL(cfg), info.ID)
	fmt.Printf("    %s\n", viewer)

	if *qrOut != "" {
		if err := writeLabel(viewer, info.ID, *qrOut); err != nil {
			return err
		}
		green.Printf("  ✓ Label: %s\n", *qrOut)
	}
	return nil
}

func runList(ctx context.Context) error {
	v, _, closeFn, err := openVault()
	if err != nil {
		return err
	}
	defer closeFn()

	infos, err := v.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no containers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCOPE\tSIZE\tUPDATED")
	for _, info := range infos {
		scope := info.Scope
		if scope == "" {
			scope = "(any)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", info.ID, scope, info.Size, info.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runRemove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: coven-locker rm ID")
	}
	v, _, closeFn, err := openVault()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := v.Delete(vault.ActorContext(ctx, localActor()), args[0]); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Deleted %s\n", args[0])
	return nil
}

func writeLabel(viewerURL, id, path string) error {
	png, err := render.Label(viewerURL, id)
	if err != nil {
		return fmt.Errorf("rendering label: %w", err)
	}
	if err := os.WriteFile(path, png, 0644); err != nil {
		return fmt.Errorf("writing label: %w", err)
	}
	return nil
}

func runQR(args []string) error {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	out := fs.String("out", "", "output file (default ID.png)")
	flags, positional := splitArgs(args, "out")
	if err := fs.Parse(flags); err != nil {
		return err
	}
	if len(positional) != 1 {
		return errors.New("usage: coven-locker qr ID [--out FILE]")
	}
	id := positional[0]
	if err := vault.ValidateContainerID(id); err != nil {
		return err
	}
	if *out == "" {
		*out = id + ".png"
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	viewer := render.ViewerURL(baseURL(cfg), id)
	if err := writeLabel(viewer, id, *out); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ %s -> %s\n", viewer, *out)
	return nil
}

// rolesFlag collects repeated --role flags.
type rolesFlag []string

func (r *rolesFlag) String() string { return strings.Join(*r, ",") }

func (r *rolesFlag) Set(v string) error {
	switch v {
	case auth.RoleAdmin, auth.RoleAuthor:
	default:
		return fmt.Errorf("unknown role %q (want %s or %s)", v, auth.RoleAdmin, auth.RoleAuthor)
	}
	*r = append(*r, v)
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "subject recorded as the actor in the audit log")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	var roles rolesFlag
	fs.Var(&roles, "role", "role to grant (admin or author); repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sub) == "" {
		return errors.New("--sub is required")
	}
	if len(roles) == 0 {
		roles = rolesFlag{auth.RoleAuthor}
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*sub, roles, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := strings.TrimRight(baseURL(cfg), "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
