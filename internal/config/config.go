package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	JWTSecret     string
	AccessTTL     time.Duration
	ReposDir      string
	MigrationsDir string
	CORSOrigin    string
	LogMode       string
	// Redis backs the draft lock and change observation; empty means in-process.
	RedisURL  string
	LockTTL   time.Duration
	SchemaDir string
	// DocumentTypes maps a document type to the fields a save requires.
	DocumentTypes map[string]DocumentType
}

type DocumentType struct {
	Required []string `yaml:"required"`
	Schema   string   `yaml:"schema"`
}

type fileOverlay struct {
	Addr          string                  `yaml:"addr"`
	ReposDir      string                  `yaml:"repos_dir"`
	SchemaDir     string                  `yaml:"schema_dir"`
	LockTTLSecond int                     `yaml:"lock_ttl_seconds"`
	DocumentTypes map[string]DocumentType `yaml:"document_types"`
}

func Load() (Config, error) {
	cfg := Config{
		Addr:          getenv("API_ADDR", ":8787"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		JWTSecret:     getenv("DOCFLOW_JWT_SECRET", "docflow-dev-secret"),
		AccessTTL:     time.Duration(getenvInt("DOCFLOW_ACCESS_TTL_SECONDS", 3600)) * time.Second,
		ReposDir:      getenv("DOCFLOW_REPOS_DIR", "./data/repos"),
		MigrationsDir: getenv("DOCFLOW_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("DOCFLOW_CORS_ORIGIN", "*"),
		LogMode:       getenv("LOG_MODE", "dev"),
		RedisURL:      getenv("REDIS_URL", ""),
		LockTTL:       time.Duration(getenvInt("DOCFLOW_LOCK_TTL_SECONDS", 1800)) * time.Second,
		SchemaDir:     getenv("DOCFLOW_SCHEMA_DIR", ""),
		DocumentTypes: map[string]DocumentType{},
	}
	if path := strings.TrimSpace(os.Getenv("DOCFLOW_CONFIG")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	if overlay.Addr != "" {
		c.Addr = overlay.Addr
	}
	if overlay.ReposDir != "" {
		c.ReposDir = overlay.ReposDir
	}
	if overlay.SchemaDir != "" {
		c.SchemaDir = overlay.SchemaDir
	}
	if overlay.LockTTLSecond > 0 {
		c.LockTTL = time.Duration(overlay.LockTTLSecond) * time.Second
	}
	for name, docType := range overlay.DocumentTypes {
		c.DocumentTypes[name] = docType
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
