// Package config handles configuration loading for coven-locker.
//
// # Configuration File
//
// The file is found at (in order):
//
//  1. Path from the COVEN_LOCKER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/locker.yaml
//  3. ~/.config/coven/locker.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both
// use the same keys.
//
// # Environment Variable Expansion
//
// Values can reference environment variables, which keeps secrets out of
// the file:
//
//	vault:
//	  master_key: "${COVEN_LOCKER_MASTER_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Durations use Go's time.ParseDuration syntax:
//
//	webauthn:
//	  challenge_ttl: "90s"   # between 10s and 10m
//	sessions:
//	  ttl: "12h"
//	  sweep_interval: "10m"
//
// # Sections
//
//	server:      http_addr
//	tailscale:   enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:    path, driver (sqlite | sqlite3)
//	auth:        jwt_secret (enables the authoring API)
//	webauthn:    rp_id, rp_display_name, origins, challenge_ttl,
//	             conceal_unknown_identities, decoy_key
//	sessions:    ttl, sweep_interval
//	vault:       master_key (32 bytes, base64 or hex)
//	public:      base_url (QR links; relying party defaults)
//	logging:     level, format (text | json)
//
// When webauthn.rp_id is unset, the relying party id and origins are derived
// from public.base_url.
package config
