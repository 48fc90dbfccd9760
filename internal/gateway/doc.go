// Package gateway assembles and runs the coven-locker server.
//
// # Overview
//
// New builds every component from a loaded config.Config:
//
//	store    *store.SQLiteStore   identities, credentials, challenges, sessions, containers, audit
//	ledger   *ledger.Ledger       single-use ceremony challenges
//	engine   *ceremony.Engine     passkey registration and authentication
//	vault    *vault.Vault         sealed container content
//	access   *access.Gateway      bearer sessions and authorized reads
//	web      *web.Server          HTTP API, viewer page and QR labels
//
// # Relying Party
//
// The WebAuthn relying party id and origins come from webauthn.rp_id and
// webauthn.origins. When unset they are derived from the public base URL,
// which in turn comes from public.base_url, COVEN_LOCKER_URL, or the listen
// address. Passkeys are bound to the relying party id, so changing it
// orphans every enrolled credential.
//
// # Listeners
//
// Without Tailscale the server listens on server.http_addr. With
// tailscale.enabled a tsnet node is started and the server listens on :80,
// on :443 with tailnet certificates (tailscale.https), or publicly through
// Funnel (tailscale.funnel).
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	err = gw.Run(ctx) // blocks; shuts down when ctx is canceled
//
// Run starts the challenge and session sweepers alongside the HTTP server.
// Shutdown stops both and closes the store.
package gateway
