// Package config loads and merges Turnix's layered configuration and
// resolves the platform-specific data/config/cache/state directories.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// ServerConfig controls the HTTP/WebSocket surface.
type ServerConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	CookieSecure     bool   `json:"cookieSecure"`
	CookieSameSite   string `json:"cookieSameSite"` // "strict", "lax", "none"
	CookieMaxAgeDays int    `json:"cookieMaxAgeDays"`
}

// RootsConfig controls content-root discovery (spec §4.2).
type RootsConfig struct {
	// CLIRoot (also set from TURNIX_ROOT) ranks right after the --root
	// flag's root; its standard subdirectories are created if absent.
	CLIRoot string `json:"cliRoot,omitempty"`
	// UserdataOverride and SavesOverride force the exact write directory
	// for those two kinds, bypassing the preferred-write-base selection.
	UserdataOverride string `json:"userdataOverride,omitempty"`
	SavesOverride    string `json:"savesOverride,omitempty"`
	// PreferredWriteBase selects "<base>/<kind>" as the write target when
	// no override is set.
	PreferredWriteBase string `json:"preferredWriteBase,omitempty"`
	AllowSymlinks       bool   `json:"allowSymlinks"`
}

// LogConfig mirrors the subset of logging.Config that is user-configurable.
type LogConfig struct {
	Level     string `json:"level"`
	Pretty    bool   `json:"pretty"`
	LogToFile bool   `json:"logToFile"`
	LogDir    string `json:"logDir,omitempty"`
}

// Config is Turnix's merged configuration.
type Config struct {
	Server ServerConfig `json:"server"`
	Roots  RootsConfig  `json:"roots"`
	Log    LogConfig    `json:"log"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8813,
			CookieSecure:     false,
			CookieSameSite:   "lax",
			CookieMaxAgeDays: 30,
		},
		Roots: RootsConfig{
			AllowSymlinks: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from multiple sources in priority order:
//  1. Global config (GetPaths().Config/turnix.json[c])
//  2. Project config (<directory>/.turnix/turnix.json[c])
//  3. Environment variables (TURNIX_*)
func Load(directory string) (*Config, error) {
	cfg := defaults()

	globalDir := GetPaths().Config
	loadConfigFile(filepath.Join(globalDir, "turnix.json"), cfg)
	loadConfigFile(filepath.Join(globalDir, "turnix.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".turnix", "turnix.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".turnix", "turnix.jsonc"), cfg)

		// A .env file, if present, is loaded before reading TURNIX_* so a
		// project can pin overrides without exporting them into the shell.
		_ = godotenv.Load(filepath.Join(directory, ".turnix", ".env"))
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadConfigFile merges a single config file into cfg, if present.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // file doesn't exist, skip
	}

	data = jsonc.ToJSON(data)

	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}

	mergeConfig(cfg, &file)
	return nil
}

// mergeConfig overlays non-zero fields of source onto target.
func mergeConfig(target, source *Config) {
	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.CookieSameSite != "" {
		target.Server.CookieSameSite = source.Server.CookieSameSite
	}
	if source.Server.CookieMaxAgeDays != 0 {
		target.Server.CookieMaxAgeDays = source.Server.CookieMaxAgeDays
	}
	target.Server.CookieSecure = target.Server.CookieSecure || source.Server.CookieSecure

	if source.Roots.CLIRoot != "" {
		target.Roots.CLIRoot = source.Roots.CLIRoot
	}
	if source.Roots.UserdataOverride != "" {
		target.Roots.UserdataOverride = source.Roots.UserdataOverride
	}
	if source.Roots.SavesOverride != "" {
		target.Roots.SavesOverride = source.Roots.SavesOverride
	}
	if source.Roots.PreferredWriteBase != "" {
		target.Roots.PreferredWriteBase = source.Roots.PreferredWriteBase
	}
	target.Roots.AllowSymlinks = target.Roots.AllowSymlinks || source.Roots.AllowSymlinks

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.LogDir != "" {
		target.Log.LogDir = source.Log.LogDir
	}
	target.Log.Pretty = target.Log.Pretty || source.Log.Pretty
	target.Log.LogToFile = target.Log.LogToFile || source.Log.LogToFile
}

// applyEnvOverrides applies TURNIX_* environment variable overrides, which
// take precedence over every file source (spec §6).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TURNIX_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TURNIX_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("TURNIX_ROOT"); v != "" {
		cfg.Roots.CLIRoot = v
	}
	if v := os.Getenv("TURNIX_USERDATA"); v != "" {
		cfg.Roots.UserdataOverride = v
	}
	if v := os.Getenv("TURNIX_SAVES"); v != "" {
		cfg.Roots.SavesOverride = v
	}
	if v := os.Getenv("TURNIX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Save writes the configuration to path as indented JSON.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
