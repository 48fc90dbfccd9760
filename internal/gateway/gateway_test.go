// ABOUTME: Tests for the gateway orchestrator
// ABOUTME: Starts the full server on a loopback port and drives it over HTTP

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-locker/internal/config"
	"github.com/2389/coven-locker/internal/store"
)

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	port := httpListener.Addr().(*net.TCPAddr).Port
	httpListener.Close()
	httpAddr := fmt.Sprintf("localhost:%d", port)

	cfg := &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: httpAddr,
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "locker.db"),
		},
		Vault: config.VaultConfig{
			MasterKey: "QkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkI=",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs gw until the test ends and waits for it to accept connections.
func startGateway(t *testing.T, gw *Gateway) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shut down in time")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", gw.config.Server.HTTPAddr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("gateway never listened on %s", gw.config.Server.HTTPAddr)
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.engine == nil || gw.vault == nil || gw.access == nil || gw.ledger == nil {
		t.Error("components should not be nil")
	}

	wantBase := "http://" + cfg.Server.HTTPAddr
	if gw.BaseURL() != wantBase {
		t.Errorf("BaseURL() = %q, want %q", gw.BaseURL(), wantBase)
	}
	if gw.engine.RPID() != "localhost" {
		t.Errorf("RPID() = %q, want localhost", gw.engine.RPID())
	}
}

func TestGatewayNew_BadMasterKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.MasterKey = "too-short"

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("New() should reject a malformed master key")
	}
}

func TestGatewayNew_ConfiguredRelyingParty(t *testing.T) {
	cfg := testConfig(t)
	cfg.Public.BaseURL = "https://locker.example.com"
	cfg.WebAuthn.RPID = "example.com"

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.engine.RPID() != "example.com" {
		t.Errorf("RPID() = %q, want example.com", gw.engine.RPID())
	}
	if gw.BaseURL() != "https://locker.example.com" {
		t.Errorf("BaseURL() = %q", gw.BaseURL())
	}
}

func TestGatewayNew_ChallengeStore(t *testing.T) {
	tests := []struct {
		backend   string
		persisted bool
	}{
		{config.ChallengeStoreSQLite, true},
		{config.ChallengeStoreMemory, false},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.WebAuthn.ChallengeStore = tt.backend

			gw, err := New(cfg, testLogger())
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer gw.Shutdown(context.Background())

			ctx := context.Background()
			opts, err := gw.engine.BeginRegistration(ctx, "alice", nil)
			if err != nil {
				t.Fatalf("BeginRegistration() failed: %v", err)
			}

			_, err = gw.store.TakeChallenge(ctx, opts.Challenge)
			if tt.persisted && err != nil {
				t.Errorf("challenge missing from the database: %v", err)
			}
			if !tt.persisted {
				if !errors.Is(err, store.ErrNotFound) {
					t.Errorf("TakeChallenge() error = %v, want ErrNotFound", err)
				}
				if _, err := gw.ledger.Consume(ctx, opts.Challenge); err != nil {
					t.Errorf("Consume() from memory backend failed: %v", err)
				}
			}
		})
	}
}

func TestDetermineBaseURL(t *testing.T) {
	t.Setenv("COVEN_LOCKER_URL", "")
	logger := testLogger()

	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "explicit",
			cfg:  config.Config{Public: config.PublicConfig{BaseURL: "https://x.example"}},
			want: "https://x.example",
		},
		{
			name: "tcp",
			cfg:  config.Config{Server: config.ServerConfig{HTTPAddr: "localhost:8080"}},
			want: "http://localhost:8080",
		},
		{
			name: "tailscale http",
			cfg:  config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "locker"}},
			want: "http://locker",
		},
		{
			name: "tailscale https",
			cfg:  config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "locker", HTTPS: true}},
			want: "https://locker",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := determineBaseURL(&tt.cfg, logger); got != tt.want {
				t.Errorf("determineBaseURL() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Setenv("COVEN_LOCKER_URL", "https://env.example")
	cfg := config.Config{Server: config.ServerConfig{HTTPAddr: "localhost:8080"}}
	if got := determineBaseURL(&cfg, logger); got != "https://env.example" {
		t.Errorf("determineBaseURL() with env = %q", got)
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error without an auth key")
	}
	if key, err := resolveTailscaleAuthKey("tskey-config"); err != nil || key != "tskey-config" {
		t.Errorf("resolveTailscaleAuthKey(config) = %q, %v", key, err)
	}
	t.Setenv("TS_AUTHKEY", "tskey-env")
	if key, err := resolveTailscaleAuthKey(""); err != nil || key != "tskey-env" {
		t.Errorf("resolveTailscaleAuthKey(env) = %q, %v", key, err)
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestRun_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if err := gw.Run(context.Background()); err == nil {
		t.Error("Run() should fail when the address is taken")
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startGateway(t, gw)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestAuthoringRoutes(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startGateway(t, gw)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/api/admin/containers")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("authoring without jwt_secret: status = %d, want 404", resp.StatusCode)
	}
}

func TestSealedContainerIsReadProtected(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := gw.Vault().Put(context.Background(), "box-1", []byte("secret"), ""); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	startGateway(t, gw)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/api/containers/box-1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["error"] != "unauthenticated" {
		t.Errorf("error = %q, want unauthenticated", body["error"])
	}

	qr, err := http.Get("http://" + cfg.Server.HTTPAddr + "/containers/box-1/qr.png")
	if err != nil {
		t.Fatalf("qr request failed: %v", err)
	}
	defer qr.Body.Close()
	if ct := qr.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/png") {
		t.Errorf("qr content type = %q", ct)
	}
}
