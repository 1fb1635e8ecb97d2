// Package config resolves gpt2gen settings from built-in defaults, an optional
// config file, and the environment. CLI flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "GPT2GEN"

// Config holds every setting the CLI understands.
type Config struct {
	Model     string `yaml:"model" toml:"model"`
	CacheDir  string `yaml:"cache_dir" toml:"cache_dir"`
	HFToken   string `yaml:"hf_token" toml:"hf_token"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	// Sampling defaults
	MaxLength   int     `yaml:"max_length" toml:"max_length"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	TopP        float64 `yaml:"top_p" toml:"top_p"`
	TopK        int     `yaml:"top_k" toml:"top_k"`
	Seed        int64   `yaml:"seed" toml:"seed"`
}

// overrides is the shape of both the config file and the environment. All
// fields are pointers so "not set" differs from a zero value.
type overrides struct {
	Model     *string `yaml:"model" toml:"model" split_words:"true"`
	CacheDir  *string `yaml:"cache_dir" toml:"cache_dir" split_words:"true"`
	HFToken   *string `yaml:"hf_token" toml:"hf_token" envconfig:"HF_TOKEN"`
	LogLevel  *string `yaml:"log_level" toml:"log_level" split_words:"true"`
	LogFormat *string `yaml:"log_format" toml:"log_format" split_words:"true"`

	MaxLength   *int     `yaml:"max_length" toml:"max_length" split_words:"true"`
	Temperature *float64 `yaml:"temperature" toml:"temperature" split_words:"true"`
	TopP        *float64 `yaml:"top_p" toml:"top_p" split_words:"true"`
	TopK        *int     `yaml:"top_k" toml:"top_k" split_words:"true"`
	Seed        *int64   `yaml:"seed" toml:"seed" split_words:"true"`
}

// Defaults returns the settings used when nothing else is configured.
func Defaults() Config {
	return Config{
		Model:       "gpt2",
		LogLevel:    "warn",
		LogFormat:   "console",
		MaxLength:   100,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        50,
		Seed:        -1,
	}
}

// Dir returns the config directory.
// Resolution order: $GPT2GEN_CONFIG_DIR > $XDG_CONFIG_HOME/gpt2gen > ~/.config/gpt2gen
func Dir() string {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "gpt2gen")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gpt2gen")
}

// Load resolves defaults, then the config file, then the environment.
//
// An empty path searches Dir() for config.yaml, config.yml or config.toml and
// silently uses defaults when none exists. An explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findFile(Dir())
	}
	if path != "" {
		o, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		o.apply(&cfg)
	}

	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	var env overrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	env.apply(&cfg)

	return cfg, nil
}

func findFile(dir string) string {
	if dir == "" {
		return ""
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

func readFile(path string) (overrides, error) {
	var o overrides
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &o); err != nil {
			return o, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &o); err != nil {
			return o, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return o, fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
	return o, nil
}

// loadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (o overrides) apply(cfg *Config) {
	if o.Model != nil {
		cfg.Model = *o.Model
	}
	if o.CacheDir != nil {
		cfg.CacheDir = *o.CacheDir
	}
	if o.HFToken != nil {
		cfg.HFToken = *o.HFToken
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.LogFormat = *o.LogFormat
	}
	if o.MaxLength != nil {
		cfg.MaxLength = *o.MaxLength
	}
	if o.Temperature != nil {
		cfg.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		cfg.TopP = *o.TopP
	}
	if o.TopK != nil {
		cfg.TopK = *o.TopK
	}
	if o.Seed != nil {
		cfg.Seed = *o.Seed
	}
}
