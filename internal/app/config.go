package app

import (
	"time"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/llm"
	"github.com/hyperifyio/talven/internal/plugin"
	"github.com/hyperifyio/talven/internal/preferences"
	"github.com/hyperifyio/talven/internal/suspend"
)

// Config is the whole settings tree. It is read from the settings file, then
// environment overrides apply, then command-line flags set in main.
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Search       SearchConfig       `yaml:"search" json:"search"`
	Outgoing     OutgoingConfig     `yaml:"outgoing" json:"outgoing"`
	Engines      []engine.Config    `yaml:"engines" json:"engines"`
	Plugins      PluginsConfig      `yaml:"plugins" json:"plugins"`
	Preferences  preferences.Policy `yaml:"preferences" json:"preferences"`
	EngineCache  EngineCacheConfig  `yaml:"enginecache" json:"enginecache"`
	LLM          llm.Settings       `yaml:"llm" json:"llm"`
	BotDetection BotDetectionConfig `yaml:"botdetection" json:"botdetection"`

	// Verbose is set from the -v flag only.
	Verbose bool `yaml:"-" json:"-"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	// SecretKey signs the preferences cookie and keys link tokens. When
	// empty, cookies are ignored and no tokens are issued.
	SecretKey    string            `yaml:"secret_key" json:"secret_key"`
	CookieSecure bool              `yaml:"cookie_secure" json:"cookie_secure"`
	Headers      map[string]string `yaml:"default_http_headers" json:"default_http_headers"`
	// AdminToken enables the /admin routes used by enginelib. Empty keeps
	// them unmounted.
	AdminToken string `yaml:"admin_token" json:"admin_token"`
}

type SearchConfig struct {
	// Deadline bounds one dispatch; engines still running are abandoned.
	Deadline       time.Duration     `yaml:"deadline" json:"deadline"`
	Workers        int               `yaml:"workers" json:"workers"`
	RankExponent   float64           `yaml:"rank_exponent" json:"rank_exponent"`
	MaxPerCategory int               `yaml:"max_per_category" json:"max_per_category"`
	SafeSearch     int               `yaml:"safe_search" json:"safe_search"`
	Locales        []string          `yaml:"locales" json:"locales"`
	SuspendedTimes suspend.Durations `yaml:"suspended_times" json:"suspended_times"`
}

// OutgoingConfig tunes the HTTP client shared by all engine adapters.
type OutgoingConfig struct {
	UserAgent     string        `yaml:"useragent" json:"useragent"`
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	Retry         bool          `yaml:"retry" json:"retry"`
	VerifySSL     bool          `yaml:"verify" json:"verify"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

type PluginsConfig struct {
	Hostnames plugin.HostnamesSettings `yaml:"hostnames" json:"hostnames"`
	LLMAnswer LLMAnswerConfig          `yaml:"llm_answer" json:"llm_answer"`
}

type LLMAnswerConfig struct {
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxResults int           `yaml:"max_results" json:"max_results"`
	// CacheDir keeps model replies on disk; empty disables caching.
	CacheDir    string        `yaml:"cache_dir" json:"cache_dir"`
	CacheMaxAge time.Duration `yaml:"cache_max_age" json:"cache_max_age"`
}

type EngineCacheConfig struct {
	// Path of the bbolt file; empty keeps traits in memory only.
	Path   string        `yaml:"path" json:"path"`
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
	// ReloadInterval re-reads the file so writes by enginelib reach the
	// running server. Zero disables reloading.
	ReloadInterval time.Duration `yaml:"reload_interval" json:"reload_interval"`
	// MaintenanceInterval runs maintenance inside the server. Zero leaves
	// it to enginelib.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`
}

type BotDetectionConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Window  time.Duration `yaml:"window" json:"window"`
}

// DefaultConfig returns the settings used for anything the file leaves out.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8888",
			Headers: map[string]string{
				"X-Content-Type-Options": "nosniff",
				"Referrer-Policy":        "no-referrer",
			},
		},
		Search: SearchConfig{
			Deadline:       5 * time.Second,
			Workers:        16,
			RankExponent:   1,
			Locales:        []string{"en"},
			SuspendedTimes: suspend.DefaultDurations(),
		},
		Outgoing: OutgoingConfig{
			UserAgent:     "talven/" + BuildVersion,
			MaxConcurrent: 64,
			Retry:         true,
			VerifySSL:     true,
			Timeout:       10 * time.Second,
		},
		Plugins: PluginsConfig{
			LLMAnswer: LLMAnswerConfig{Timeout: 5 * time.Second, MaxResults: 5, CacheMaxAge: 24 * time.Hour},
		},
		EngineCache:  EngineCacheConfig{MaxAge: 24 * time.Hour, ReloadInterval: time.Minute},
		BotDetection: BotDetectionConfig{Window: time.Hour},
	}
}
