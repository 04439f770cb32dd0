package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("DOCFLOW_CONFIG", "")
	t.Setenv("DOCFLOW_LOCK_TTL_SECONDS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("expected empty redis url, got %q", cfg.RedisURL)
	}
	if cfg.LockTTL != 30*time.Minute {
		t.Fatalf("expected fallback lock ttl, got %v", cfg.LockTTL)
	}
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docflow.yaml")
	body := `
addr: ":9000"
lock_ttl_seconds: 60
document_types:
  article:
    required: [title, summary]
    schema: article.json
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DOCFLOW_CONFIG", path)
	t.Setenv("API_ADDR", ":1234")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("expected file addr to win, got %q", cfg.Addr)
	}
	if cfg.LockTTL != time.Minute {
		t.Fatalf("unexpected lock ttl %v", cfg.LockTTL)
	}
	article, ok := cfg.DocumentTypes["article"]
	if !ok {
		t.Fatal("expected article document type")
	}
	if len(article.Required) != 2 || article.Schema != "article.json" {
		t.Fatalf("unexpected article type %+v", article)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Setenv("DOCFLOW_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
