// Package config loads llmgate configuration from a YAML file, an optional
// .env file and LLMGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jmylchreest/llmgate/internal/store"
	"github.com/jmylchreest/llmgate/pkg/gateway"
	"github.com/jmylchreest/llmgate/pkg/llm"
	"github.com/jmylchreest/llmgate/pkg/validate"
)

// EnvPrefix prefixes every environment override, e.g. LLMGATE_DATABASE_DSN.
const EnvPrefix = "LLMGATE"

// Model registry sources.
const (
	SourceFile     = "file"
	SourceDatabase = "database"
)

// Config is the complete configuration.
type Config struct {
	Log       LogConfig            `mapstructure:"log"`
	Database  store.Config         `mapstructure:"database"`
	Models    ModelsConfig         `mapstructure:"models"`
	Providers []llm.ProviderConfig `mapstructure:"providers" validate:"dive"`
	Betas     []llm.BetaRule       `mapstructure:"betas" validate:"dive"`
	Gateway   GatewayConfig        `mapstructure:"gateway"`
}

// LogConfig configures internal/logger.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// ModelsConfig selects where the model registry is read from.
type ModelsConfig struct {
	Source string `mapstructure:"source" validate:"oneof=file database"`
	// Path is the flat-file index, used when Source is file.
	Path string `mapstructure:"path" validate:"required_if=Source file"`
	// Refresh is how long a loaded registry is served before reloading.
	Refresh time.Duration `mapstructure:"refresh" validate:"gte=0"`
}

// GatewayConfig tunes request handling.
type GatewayConfig struct {
	DefaultMaxTokens int `mapstructure:"default_max_tokens" validate:"gte=0"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("database.driver", store.DriverSQLite)
	v.SetDefault("database.dsn", "llmgate.db")
	v.SetDefault("database.debug", false)
	v.SetDefault("models.source", SourceFile)
	v.SetDefault("models.path", "models.yaml")
	v.SetDefault("models.refresh", 5*time.Minute)
	v.SetDefault("gateway.default_max_tokens", gateway.DefaultMaxTokens)
}

// Setup points v at cfgFile, or at .llmgate.yaml in the home or working
// directory, and at the environment. A .env file in the working directory
// is loaded first. A missing config file is not an error.
func Setup(v *viper.Viper, cfgFile string) error {
	if err := LoadDotEnv(".env"); err != nil {
		return err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".llmgate")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// LoadDotEnv loads variables from path without overriding ones already
// set. A missing file is ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish applies provider defaults and beta rules, then validates.
func (c *Config) finish() error {
	defaults := llm.DefaultProviderConfig()
	seen := make(map[string]bool, len(c.Providers))

	for i := range c.Providers {
		p := &c.Providers[i]
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Name == "" {
			p.Name = p.Kind
		}
		if p.Timeout == 0 {
			p.Timeout = defaults.Timeout
		}
		if p.Kind == llm.KindAnthropic || p.Kind == llm.KindBedrock {
			p.Betas = c.Betas
		}

		if seen[p.Name] {
			return fmt.Errorf("invalid config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
