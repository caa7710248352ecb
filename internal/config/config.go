// Package config loads engine-level settings from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the engine-level settings. Per-agent configuration lives in
// the database config ledger and stays runtime-mutable; everything here is
// fixed for the lifetime of the process.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Loop struct {
		TickInterval       time.Duration `mapstructure:"tick_interval"`
		StatsInterval      time.Duration `mapstructure:"stats_interval"`
		StrategistInterval time.Duration `mapstructure:"strategist_interval"`
	} `mapstructure:"loop"`

	Broker struct {
		BridgeURL     string        `mapstructure:"bridge_url"`
		BridgeTimeout time.Duration `mapstructure:"bridge_timeout"`
		LockTimeout   time.Duration `mapstructure:"lock_timeout"`
		InitTimeout   time.Duration `mapstructure:"init_timeout"`
	} `mapstructure:"broker"`

	Decider struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"decider"`

	Enrich struct {
		Enabled  bool          `mapstructure:"enabled"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"enrich"`

	Agents []string `mapstructure:"agents"`
}

// Load reads engine.yaml from the given directory (if present) and applies
// G13_* environment overrides on top of the defaults.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("yaml")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("G13")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults + env carry the config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./database")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("loop.tick_interval", "10s")
	v.SetDefault("loop.stats_interval", "60s")
	v.SetDefault("loop.strategist_interval", "300s")
	v.SetDefault("broker.bridge_url", "http://127.0.0.1:5001")
	v.SetDefault("broker.bridge_timeout", "90s")
	v.SetDefault("broker.lock_timeout", "30s")
	v.SetDefault("broker.init_timeout", "60s")
	v.SetDefault("decider.url", "https://router.requesty.ai/v1/chat/completions")
	v.SetDefault("decider.timeout", "30s")
	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.cache_ttl", "60s")
	v.SetDefault("agents", []string{"fibo1", "fibo2", "fibo3"})
}
