// Package config loads, normalizes, and validates the TOML configuration for
// the sakuga daemon. Secrets may be supplied through the environment
// (VAULT_ROOT_TOKEN, ANIME_DB_PASSWORD, JELLYFIN_API_KEY, JWT_SECRET_KEY);
// env values take precedence over the file.
package config
