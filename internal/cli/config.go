package cli

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the merged configuration of the docsync command: defaults,
// then ~/.docsync/config.yaml (or --config), then DOCSYNC_* variables.
type Config struct {
	// DataDir holds the local document store.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Store is "sqlite" or "fs".
	Store string `mapstructure:"store" yaml:"store"`
	// Relay is the ws:// or wss:// URL of the relay. Empty runs offline.
	Relay   string        `mapstructure:"relay" yaml:"relay"`
	Token   string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	Log   LogConfig   `mapstructure:"log" yaml:"log"`
	Serve ServeConfig `mapstructure:"serve" yaml:"serve"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// ServeConfig configures `docsync relay serve`.
type ServeConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	MetricsAddr string   `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`
	DataDir     string   `mapstructure:"data_dir" yaml:"data_dir"`
	Tokens      []string `mapstructure:"tokens" yaml:"tokens,omitempty"`
}

// HomeDir returns ~/.docsync, or .docsync when there is no home directory.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docsync"
	}
	return filepath.Join(home, ".docsync")
}

func DefaultConfigPath() string {
	return filepath.Join(HomeDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	base := HomeDir()
	v.SetDefault("data_dir", filepath.Join(base, "data"))
	v.SetDefault("store", "sqlite")
	v.SetDefault("relay", "")
	v.SetDefault("token", "")
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.file", "")
	v.SetDefault("log.pretty", true)
	v.SetDefault("serve.addr", "127.0.0.1:7070")
	v.SetDefault("serve.metrics_addr", "")
	v.SetDefault("serve.data_dir", filepath.Join(base, "relay"))
	v.SetDefault("serve.tokens", []string{})
}

// LoadConfig reads path (DefaultConfigPath when empty). A missing default
// file is not an error; a missing explicit one is.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
