// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "/app/config/config.yaml"

	// defaultKeyFile is where docker compose mounts the API key secret.
	defaultKeyFile = "/run/secrets/openai_api_key"
)

// CompletionConfig holds the completion API settings.
type CompletionConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration

	// OAuth2 client credentials, used instead of APIKey when TokenURL is set.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config holds all configuration for the extraction service.
type Config struct {
	DatabaseURL string

	// Redis
	RedisURL    string
	EventsQueue string
	ClaimTTL    time.Duration

	Completion CompletionConfig

	// API server
	JWTSecret string
	Port      int

	// Batch runner
	Workers int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
		ClaimTTL string `yaml:"claim_ttl"`
	} `yaml:"redis"`
	Completion struct {
		Endpoint     string   `yaml:"endpoint"`
		APIKey       string   `yaml:"api_key"`
		APIKeyFile   string   `yaml:"api_key_file"`
		Timeout      string   `yaml:"timeout"`
		TokenURL     string   `yaml:"token_url"`
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"completion"`
	Server struct {
		Port      int    `yaml:"port"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Runner struct {
		Workers int `yaml:"workers"`
	} `yaml:"runner"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. The file is optional unless CONFIG_PATH names it
// explicitly.
func Load() (*Config, error) {
	configPath, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || configPath == "" {
		configPath = defaultConfigPath
	}

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Environment only.
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	timeout, err := parseDuration(raw.Completion.Timeout, envOrDefaultDuration("COMPLETION_TIMEOUT", 120*time.Second))
	if err != nil {
		return nil, fmt.Errorf("completion.timeout: %w", err)
	}
	claimTTL, err := parseDuration(raw.Redis.ClaimTTL, envOrDefaultDuration("CLAIM_TTL", 10*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("redis.claim_ttl: %w", err)
	}

	cfg := &Config{
		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EventsQueue: firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "extractions")),
		ClaimTTL:    claimTTL,
		Completion: CompletionConfig{
			Endpoint:     firstNonEmpty(raw.Completion.Endpoint, envOrDefault("COMPLETION_ENDPOINT", "https://api.openai.com/v1/responses")),
			Timeout:      timeout,
			TokenURL:     firstNonEmpty(raw.Completion.TokenURL, os.Getenv("COMPLETION_TOKEN_URL")),
			ClientID:     firstNonEmpty(raw.Completion.ClientID, os.Getenv("COMPLETION_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.Completion.ClientSecret, os.Getenv("COMPLETION_CLIENT_SECRET")),
			Scopes:       raw.Completion.Scopes,
		},
		JWTSecret: firstNonEmpty(raw.Server.JWTSecret, os.Getenv("JWT_SECRET")),
		Port:      firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		Workers:   firstPositive(raw.Runner.Workers, envOrDefaultInt("WORKERS", 4)),
	}

	key, err := resolveAPIKey(
		firstNonEmpty(raw.Completion.APIKey, os.Getenv("OPENAI_API_KEY")),
		firstNonEmpty(raw.Completion.APIKeyFile, os.Getenv("OPENAI_API_KEY_FILE")),
	)
	if err != nil {
		return nil, err
	}
	cfg.Completion.APIKey = key

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database configured: set database.url or DATABASE_URL")
	}

	return cfg, nil
}

// RequireCompletion reports whether the completion API can be called.
func (c *Config) RequireCompletion() error {
	if c.Completion.APIKey == "" && c.Completion.TokenURL == "" {
		return fmt.Errorf("completion API key missing: set OPENAI_API_KEY, OPENAI_API_KEY_FILE or mount %s", defaultKeyFile)
	}
	return nil
}

// RequireServer reports whether the API server can authenticate sessions.
func (c *Config) RequireServer() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("no session secret configured: set server.jwt_secret or JWT_SECRET")
	}
	return nil
}

// resolveAPIKey prefers an explicit key, then an explicit key file, then
// the docker secret if it is mounted.
func resolveAPIKey(key, keyFile string) (string, error) {
	if key != "" {
		return key, nil
	}
	if keyFile != "" {
		k, err := readKeyFile(keyFile)
		if err != nil {
			return "", fmt.Errorf("read API key file %s: %w", keyFile, err)
		}
		return k, nil
	}
	k, err := readKeyFile(defaultKeyFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read API key file %s: %w", defaultKeyFile, err)
	}
	return k, nil
}

// readKeyFile returns the key from a secret file. Secret files carry a
// label on the first line and the key on the second; a file without a
// second line yields its first line that is neither blank nor a comment.
func readKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > 1 {
		if k := strings.TrimSpace(lines[1]); k != "" {
			return k, nil
		}
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("no key found")
}

func parseDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
