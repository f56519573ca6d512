package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ApplyEnvOverrides overrides cfg fields with environment variables when
// they are set. Env beats the settings file; flags applied afterwards in main
// beat both. Unparseable values are logged and ignored.
func ApplyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if s := strings.TrimSpace(os.Getenv(key)); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				log.Warn().Str("env", key).Str("value", s).Msg("ignoring non-integer value")
				return
			}
			*dst = n
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if s := strings.TrimSpace(os.Getenv(key)); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				log.Warn().Str("env", key).Str("value", s).Msg("ignoring invalid duration")
				return
			}
			*dst = d
		}
	}
	setBool := func(dst *bool, key string) {
		if s := strings.ToLower(strings.TrimSpace(os.Getenv(key))); s != "" {
			switch s {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	setString(&cfg.Server.Listen, "TALVEN_LISTEN")
	setString(&cfg.Server.SecretKey, "TALVEN_SECRET_KEY")
	setBool(&cfg.Server.CookieSecure, "TALVEN_COOKIE_SECURE")
	setString(&cfg.Server.AdminToken, "TALVEN_ADMIN_TOKEN")

	setDuration(&cfg.Search.Deadline, "TALVEN_SEARCH_DEADLINE")
	setInt(&cfg.Search.Workers, "TALVEN_SEARCH_WORKERS")
	setInt(&cfg.Search.SafeSearch, "TALVEN_SAFE_SEARCH")
	if v := strings.TrimSpace(os.Getenv("TALVEN_LOCALES")); v != "" {
		var locales []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				locales = append(locales, p)
			}
		}
		cfg.Search.Locales = locales
	}

	setString(&cfg.Outgoing.UserAgent, "TALVEN_USER_AGENT")
	setInt(&cfg.Outgoing.MaxConcurrent, "TALVEN_MAX_CONCURRENT")
	setBool(&cfg.Outgoing.VerifySSL, "TALVEN_SSL_VERIFY")

	setString(&cfg.EngineCache.Path, "TALVEN_ENGINECACHE_PATH")
	setDuration(&cfg.EngineCache.MaxAge, "TALVEN_ENGINECACHE_MAX_AGE")
	setDuration(&cfg.EngineCache.ReloadInterval, "TALVEN_ENGINECACHE_RELOAD")
	setDuration(&cfg.EngineCache.MaintenanceInterval, "TALVEN_ENGINECACHE_MAINTENANCE")

	setBool(&cfg.BotDetection.Enabled, "TALVEN_BOTDETECTION")

	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
}
