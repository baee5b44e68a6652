// Package config loads the server settings file. Provider API keys are
// never stored in the file itself; each provider names the environment
// variable that carries its key.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHost                  = "127.0.0.1"
	defaultPort                  = 8800
	defaultRequestTimeoutSeconds = 120
	defaultTemperature           = 0.7
	defaultCollapseRole          = "user"
	defaultCatalogPath           = "models.yaml"
	defaultLogLevel              = "info"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Defaults  DefaultsConfig   `yaml:"defaults"`
	Catalog   CatalogConfig    `yaml:"catalog"`
	Providers []ProviderConfig `yaml:"providers"`
	LogLevel  string           `yaml:"log_level"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AuthToken, when set, is required as a bearer token on every
	// route, including the WebSocket and SSE streams.
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DefaultsConfig struct {
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	Temperature           float64 `yaml:"temperature"`
	MaxTokens             int     `yaml:"max_tokens"`
	// CollapseRole is the role given to the synthetic message when a
	// transfer runs with preserve_roles=false.
	CollapseRole string `yaml:"collapse_role"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
	// Watch enables hot reload of the catalog file.
	Watch bool `yaml:"watch"`
}

type ProviderConfig struct {
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"base_url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// APIKey resolves the provider's key from the environment.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
}

func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return defaultRequestTimeoutSeconds * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Defaults.RequestTimeoutSeconds) * time.Second
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load reads the settings file and fills in defaults. A missing file is
// not an error; the defaults describe a usable local server.
func Load(path string) (Config, error) {
	config := Config{}

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(payload, &config); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	config = withDefaults(config)
	if err := validate(config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func withDefaults(config Config) Config {
	if config.Server.Host == "" {
		config.Server.Host = defaultHost
	}
	if config.Server.Port == 0 {
		config.Server.Port = defaultPort
	}
	if config.Defaults.RequestTimeoutSeconds <= 0 {
		config.Defaults.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if config.Defaults.Temperature == 0 {
		config.Defaults.Temperature = defaultTemperature
	}
	if config.Defaults.CollapseRole == "" {
		config.Defaults.CollapseRole = defaultCollapseRole
	}
	if config.Catalog.Path == "" {
		config.Catalog.Path = defaultCatalogPath
	}
	if config.LogLevel == "" {
		config.LogLevel = defaultLogLevel
	}
	return config
}

func validate(config Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", config.Server.Port)
	}
	switch config.Defaults.CollapseRole {
	case "user", "system":
	default:
		return fmt.Errorf("invalid collapse_role %q (want user or system)", config.Defaults.CollapseRole)
	}

	seen := make(map[string]bool, len(config.Providers))
	for _, provider := range config.Providers {
		if provider.Name == "" {
			return fmt.Errorf("provider entry missing name")
		}
		if seen[provider.Name] {
			return fmt.Errorf("duplicate provider %q", provider.Name)
		}
		seen[provider.Name] = true
		if provider.BaseURL == "" {
			return fmt.Errorf("provider %q missing base_url", provider.Name)
		}
	}
	return nil
}
