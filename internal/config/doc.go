// Package config provides configuration loading, merging, and path
// management for Turnix.
//
// # Configuration loading
//
// Load implements the layered strategy from spec §6, in priority order:
//
//  1. Global config (GetPaths().Config/turnix.json[c])
//  2. Project config (<directory>/.turnix/turnix.json[c])
//  3. Environment variables (TURNIX_HOST, TURNIX_PORT, TURNIX_ROOT,
//     TURNIX_USERDATA, TURNIX_SAVES, TURNIX_LOG_LEVEL)
//
// # Formats
//
// Config files may be JSON or JSONC; JSONC is converted to plain JSON via
// github.com/tidwall/jsonc before unmarshaling.
//
// # Paths
//
// GetPaths resolves the four XDG-style base directories. TURNIX_ROOT is
// handled separately by internal/packs as the pack-discovery root override;
// XDG_DATA_HOME/XDG_CONFIG_HOME/XDG_CACHE_HOME/XDG_STATE_HOME (or their
// platform defaults, including APPDATA/USERPROFILE on Windows) govern where
// Turnix keeps its own engine state.
package config
