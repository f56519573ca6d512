package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEnvFiles_LoadsKeyValues(t *testing.T) {
	t.Setenv("FOO", "")
	t.Setenv("BAR", "")
	t.Setenv("BAZ", "")

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "\n# sample dotenv file\nFOO=alpha\nexport BAR=\"beta gamma\"\nBAZ='x=y'\nmalformed\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}

	if err := LoadEnvFiles(envPath); err != nil {
		t.Fatalf("LoadEnvFiles error: %v", err)
	}
	if got := os.Getenv("FOO"); got != "alpha" {
		t.Fatalf("FOO=%q, want alpha", got)
	}
	if got := os.Getenv("BAR"); got != "beta gamma" {
		t.Fatalf("BAR=%q, want %q", got, "beta gamma")
	}
	if got := os.Getenv("BAZ"); got != "x=y" {
		t.Fatalf("BAZ=%q, want x=y", got)
	}
}

// Later files override earlier ones; missing files are skipped.
func TestLoadEnvFiles_OverrideOrder(t *testing.T) {
	t.Setenv("K", "")
	dir := t.TempDir()
	a := filepath.Join(dir, ".env.a")
	b := filepath.Join(dir, ".env.b")
	if err := os.WriteFile(a, []byte("K=first\n"), 0o600); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(b, []byte("K=second\n"), 0o600); err != nil {
		t.Fatalf("write b: %v", err)
	}

	if err := LoadEnvFiles(a, filepath.Join(dir, "missing"), b); err != nil {
		t.Fatalf("LoadEnvFiles error: %v", err)
	}
	if got := os.Getenv("K"); got != "second" {
		t.Fatalf("override order failed: got %q, want second", got)
	}
}

func TestApplyEnvOverrides_BeatsFileValues(t *testing.T) {
	t.Setenv("TALVEN_LISTEN", "0.0.0.0:9000")
	t.Setenv("TALVEN_SEARCH_DEADLINE", "2s")
	t.Setenv("TALVEN_SEARCH_WORKERS", "4")
	t.Setenv("TALVEN_LOCALES", "en, de ,fi")
	t.Setenv("TALVEN_SSL_VERIFY", "off")
	t.Setenv("TALVEN_BOTDETECTION", "yes")
	t.Setenv("LLM_BASE_URL", "http://llm.local/v1")
	t.Setenv("LLM_MODEL", "tiny")

	cfg := DefaultConfig()
	cfg.Server.Listen = "127.0.0.1:1"
	ApplyEnvOverrides(&cfg)

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Fatalf("listen=%q", cfg.Server.Listen)
	}
	if cfg.Search.Deadline != 2*time.Second || cfg.Search.Workers != 4 {
		t.Fatalf("search=%+v", cfg.Search)
	}
	if len(cfg.Search.Locales) != 3 || cfg.Search.Locales[1] != "de" {
		t.Fatalf("locales=%v", cfg.Search.Locales)
	}
	if cfg.Outgoing.VerifySSL {
		t.Fatalf("expected verify to be switched off")
	}
	if !cfg.BotDetection.Enabled {
		t.Fatalf("expected botdetection on")
	}
	if cfg.LLM.BaseURL != "http://llm.local/v1" || cfg.LLM.Model != "tiny" {
		t.Fatalf("llm=%+v", cfg.LLM)
	}
}

func TestApplyEnvOverrides_IgnoresInvalidValues(t *testing.T) {
	t.Setenv("TALVEN_SEARCH_WORKERS", "many")
	t.Setenv("TALVEN_SEARCH_DEADLINE", "soon")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.Search.Workers != 16 || cfg.Search.Deadline != 5*time.Second {
		t.Fatalf("invalid env values should be ignored, got %+v", cfg.Search)
	}
}
