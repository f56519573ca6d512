package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"
	yaml "gopkg.in/yaml.v3"

	"github.com/hyperifyio/talven/internal/engine"
)

// LoadConfigFile decodes a settings file over cfg, so keys the file leaves
// out keep their current value. The format follows the extension; unknown
// extensions are tried as YAML and then JSON. Durations are strings like
// "3s" in YAML and nanoseconds in JSON.
func LoadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return &engine.SettingsError{File: path, Message: "cannot read", Err: err}
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = decodeYAML(b, cfg)
	case ".json":
		err = decodeJSON(b, cfg)
	default:
		if yerr := decodeYAML(b, cfg); yerr != nil {
			if jerr := decodeJSON(b, cfg); jerr != nil {
				err = fmt.Errorf("%v (yaml) / %v (json)", yerr, jerr)
			}
		}
	}
	if err != nil {
		return &engine.SettingsError{File: path, Message: "cannot parse", Err: err}
	}
	return nil
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeJSON(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// ValidateConfig reports the first structural problem as a
// *engine.SettingsError. Engine entries are checked when the registry is
// built.
func ValidateConfig(cfg Config) error {
	bad := func(format string, args ...any) error {
		return &engine.SettingsError{Message: fmt.Sprintf(format, args...)}
	}
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		return bad("server.listen is required")
	}
	if cfg.Server.SecretKey != "" && len(cfg.Server.SecretKey) < 32 {
		return bad("server.secret_key must be at least 32 bytes")
	}
	if cfg.BotDetection.Enabled && cfg.Server.SecretKey == "" {
		return bad("botdetection.enabled requires server.secret_key")
	}
	if cfg.BotDetection.Window < 0 {
		return bad("botdetection.window must not be negative")
	}
	s := cfg.Search
	if s.Deadline < 0 {
		return bad("search.deadline must not be negative")
	}
	if s.Workers < 0 {
		return bad("search.workers must not be negative")
	}
	if s.RankExponent < 0 {
		return bad("search.rank_exponent must not be negative")
	}
	if s.MaxPerCategory < 0 {
		return bad("search.max_per_category must not be negative")
	}
	if s.SafeSearch < 0 || s.SafeSearch > 2 {
		return bad("search.safe_search must be 0, 1 or 2, got %d", s.SafeSearch)
	}
	if s.SuspendedTimes.AccessDenied < 0 || s.SuspendedTimes.Captcha < 0 || s.SuspendedTimes.TooManyRequests < 0 {
		return bad("search.suspended_times must not be negative")
	}
	for _, l := range s.Locales {
		if _, err := language.Parse(l); err != nil {
			return &engine.SettingsError{Message: fmt.Sprintf("search.locales: %q", l), Err: err}
		}
	}
	if cfg.Outgoing.MaxConcurrent < 0 {
		return bad("outgoing.max_concurrent must not be negative")
	}
	if cfg.EngineCache.MaxAge < 0 || cfg.EngineCache.ReloadInterval < 0 || cfg.EngineCache.MaintenanceInterval < 0 {
		return bad("enginecache durations must not be negative")
	}
	if t := cfg.Server.AdminToken; t != "" && len(t) < 16 {
		return bad("server.admin_token must be at least 16 characters")
	}
	if (cfg.LLM.BaseURL == "") != (cfg.LLM.Model == "") {
		return bad("llm.base_url and llm.model must be set together")
	}
	return nil
}

// LoadSettings returns the defaults overlaid with the settings file at path
// (skipped when path is empty) and then with environment overrides.
func LoadSettings(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := LoadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	ApplyEnvOverrides(&cfg)
	return cfg, nil
}
