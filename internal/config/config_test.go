package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ADMIN_TOKEN", "admin-secret")
	t.Setenv("CHAT_TOKEN_SECRET", "chat-secret")
	t.Setenv("DB_DSN", "file:test.db")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppMode != ModeAll || cfg.TelegramEnabled() {
		t.Fatalf("unexpected mode %q telegram=%v", cfg.AppMode, cfg.TelegramEnabled())
	}
	if cfg.OpenAI.MaxPolls != 60 || cfg.OpenAI.PollInterval != time.Second {
		t.Fatalf("unexpected poll policy %+v", cfg.OpenAI)
	}
	if cfg.Rate.SendInterval != 2*time.Second || cfg.Rate.TokenInterval != 10*time.Second {
		t.Fatalf("unexpected widget limits %+v", cfg.Rate)
	}
	if cfg.OpenAI.UploadTimeout != 180*time.Second || cfg.OpenAI.ClientTimeout != 30*time.Second {
		t.Fatalf("unexpected client timeouts %+v", cfg.OpenAI)
	}
	if cfg.Files.MaxUploadSize != 512<<20 {
		t.Fatalf("unexpected upload limit %d", cfg.Files.MaxUploadSize)
	}
	if len(cfg.HTTP.AllowOrigins) != 2 || cfg.HTTP.AllowOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.HTTP.AllowOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("CHAT_TOKEN_SECRET", "chat-secret")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("BOT_TOKEN", "")
	if _, err := Load(); !errors.Is(err, ErrMissingAdminToken) {
		t.Fatalf("expected ErrMissingAdminToken, got %v", err)
	}

	t.Setenv("APP_MODE", "worker")
	if _, err := Load(); !errors.Is(err, ErrMissingBotToken) {
		t.Fatalf("expected ErrMissingBotToken, got %v", err)
	}

	t.Setenv("APP_MODE", "webhook")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}

func TestProviderSettingsOverlay(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "provider.yaml")
	body := "key_prefixes: [\"sk-live-\"]\nallowed_extensions:\n  - pdf\n  - html\nmax_upload_bytes: 1048576\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	t.Setenv("PROVIDER_SETTINGS_FILE", path)
	t.Setenv("OPENAI_KEY_PREFIXES", "sk-")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.OpenAI.KeyPrefixes) != 1 || cfg.OpenAI.KeyPrefixes[0] != "sk-live-" {
		t.Fatalf("overlay should replace prefixes, got %v", cfg.OpenAI.KeyPrefixes)
	}
	if len(cfg.Files.Extensions) != 2 || cfg.Files.MaxUploadSize != 1<<20 {
		t.Fatalf("unexpected files config %+v", cfg.Files)
	}
}

func TestProviderSettingsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider.yaml")
	if err := os.WriteFile(path, []byte("max_upload_bytes: -5\n"), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if _, err := LoadProviderSettings(path); err == nil {
		t.Fatalf("negative limit should be rejected")
	}
	if _, err := LoadProviderSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file should be an error")
	}
}

func TestDotenvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	prevWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prevWD) })
	setRequired(t)
	t.Setenv("LOG_LEVEL", "warn")
	t.Cleanup(func() { _ = os.Unsetenv("ASSISTANTBRIDGE_TEST_DOTENV") })

	env := "LOG_LEVEL=debug\nASSISTANTBRIDGE_TEST_DOTENV=from-env-file\n"
	local := "ASSISTANTBRIDGE_TEST_DOTENV=from-local\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env.local"), []byte(local), 0o600); err != nil {
		t.Fatalf("write .env.local: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("process environment must win, got %q", cfg.Log.Level)
	}
	if got := os.Getenv("ASSISTANTBRIDGE_TEST_DOTENV"); got != "from-local" {
		t.Fatalf(".env.local must win over .env, got %q", got)
	}
}
