// ABOUTME: Server configuration: YAML file, environment overrides, and defaults.
// ABOUTME: Secrets prefer the environment; the file covers everything else.

package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`

	JWTSecret       string `yaml:"jwt_secret"`
	VaultPassphrase string `yaml:"vault_passphrase"`
	VaultSalt       string `yaml:"vault_salt"`

	Model struct {
		Name     string `yaml:"name"`
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		BaseURL  string `yaml:"base_url"`
	} `yaml:"model"`

	YOLO         bool   `yaml:"yolo"`
	SystemPrompt string `yaml:"system_prompt"`

	Context struct {
		MaxTokens       int     `yaml:"max_tokens"`
		CompactFraction float64 `yaml:"compact_fraction"`
		UntouchedTail   int     `yaml:"untouched_tail"`
	} `yaml:"context"`

	Sync struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"sync"`

	S3 struct {
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"s3"`

	MCP struct {
		Command    []string `yaml:"command"`
		Endpoint   string   `yaml:"endpoint"`
		Disallowed []string `yaml:"disallowed"`
	} `yaml:"mcp"`
}

// LoadConfig reads the YAML file (optional), then applies environment
// overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"MAHOUT_ADDR", &cfg.Addr},
		{"MAHOUT_DATA_DIR", &cfg.DataDir},
		{"MAHOUT_JWT_SECRET", &cfg.JWTSecret},
		{"MAHOUT_VAULT_PASSPHRASE", &cfg.VaultPassphrase},
		{"MAHOUT_VAULT_SALT", &cfg.VaultSalt},
		{"MAHOUT_MODEL", &cfg.Model.Name},
		{"OPENAI_API_KEY", &cfg.Model.APIKey},
		{"OPENAI_BASE_URL", &cfg.Model.BaseURL},
		{"MAHOUT_S3_BUCKET", &cfg.S3.Bucket},
		{"MAHOUT_S3_REGION", &cfg.S3.Region},
		{"MAHOUT_S3_ENDPOINT", &cfg.S3.Endpoint},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
	if os.Getenv("MAHOUT_YOLO") == "1" {
		cfg.YOLO = true
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = "gpt-4o"
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "openai"
	}
	if cfg.Context.MaxTokens <= 0 {
		cfg.Context.MaxTokens = 128000
	}
	if cfg.Context.CompactFraction <= 0 {
		cfg.Context.CompactFraction = 0.1
	}
	if cfg.Context.UntouchedTail <= 0 {
		cfg.Context.UntouchedTail = 10
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = 30
	}
}

// SyncInterval returns the flush interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}
