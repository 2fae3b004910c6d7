package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon's runtime configuration, loaded from (in ascending
// priority) built-in defaults, a config.yaml in the working directory, and
// environment variables prefixed SIM800GWD_.
type Config struct {
	Serial struct {
		Port     string `mapstructure:"port"`
		BaudRate int    `mapstructure:"baud_rate"`
	} `mapstructure:"serial"`

	SimPIN string `mapstructure:"sim_pin"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Supervisor struct {
		MaxInitRetries        int           `mapstructure:"max_init_retries"`
		MaxResets             int           `mapstructure:"max_resets"`
		NetworkCheckInterval  time.Duration `mapstructure:"network_check_interval"`
		BrownoutCheckInterval time.Duration `mapstructure:"brownout_check_interval"`
	} `mapstructure:"supervisor"`

	SMS struct {
		AutoDelete bool `mapstructure:"auto_delete"`
	} `mapstructure:"sms"`
}

// LoadConfig reads config.yaml (if present) from the working directory,
// overlays SIM800GWD_-prefixed environment variables, and decodes the
// result into a Config seeded with sane defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("log.level", "info")
	v.SetDefault("supervisor.max_init_retries", 3)
	v.SetDefault("supervisor.max_resets", 5)
	v.SetDefault("supervisor.network_check_interval", 30*time.Second)
	v.SetDefault("supervisor.brownout_check_interval", 10*time.Second)
	v.SetDefault("sms.auto_delete", false)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SIM800GWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
