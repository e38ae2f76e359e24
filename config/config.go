// Package config loads hub configuration from defaults, an optional YAML
// file, environment variables (AGENTHUB_ prefix) and CLI flags, in
// ascending precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Push     Push     `mapstructure:"push"`
	Delivery Delivery `mapstructure:"delivery"`
	Session  Session  `mapstructure:"session"`
	Sweeper  Sweeper  `mapstructure:"sweeper"`
	Auth     Auth     `mapstructure:"auth"`
	Broker   Broker   `mapstructure:"broker"`
	Archive  Archive  `mapstructure:"archive"`
	Log      Log      `mapstructure:"log"`
	Enhanced bool     `mapstructure:"enhanced"`
}

type Push struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (p Push) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

type Delivery struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
}

type Session struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MailboxSize      int           `mapstructure:"mailbox_size"`
}

type Sweeper struct {
	Interval    time.Duration `mapstructure:"interval"`
	EvictionAge time.Duration `mapstructure:"eviction_age"`
}

type Auth struct {
	APIKey string `mapstructure:"api_key"`
}

type Broker struct {
	URL string `mapstructure:"url"`
}

type Archive struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Log struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Flags returns the pflag set LoadConfig binds. The CLI forwards its raw
// arguments here so viper can overlay flag values on file/env settings.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("agent-hub", pflag.ContinueOnError)
	fs.String("config", "", "path to the configuration file")
	fs.Int("push.port", 3003, "push server listen port")
	fs.String("auth.api_key", "", "static API key for the register frame")
	fs.String("archive.url", "", "base URL of the external memory store")
	fs.String("log.level", "info", "log level (debug, info, warn, error)")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("push.host", "0.0.0.0")
	v.SetDefault("push.port", 3003)
	v.SetDefault("delivery.timeout", 5*time.Second)
	v.SetDefault("delivery.ack_timeout", 10*time.Second)
	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.base_backoff", time.Second)
	v.SetDefault("session.heartbeat_timeout", time.Minute)
	v.SetDefault("session.mailbox_size", 256)
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.eviction_age", 5*time.Minute)
	v.SetDefault("archive.timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
	v.SetDefault("enhanced", true)
}

// LoadConfig reads the merged configuration. fs may be nil when no CLI
// flags apply (tests, embedded use).
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	var errs []error
	if c.Push.Port <= 0 || c.Push.Port > 65535 {
		errs = append(errs, fmt.Errorf("push.port must be in 1..65535, got %d", c.Push.Port))
	}
	if c.Delivery.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("delivery.max_retries must be > 0, got %d", c.Delivery.MaxRetries))
	}
	if c.Delivery.BaseBackoff <= 0 {
		errs = append(errs, fmt.Errorf("delivery.base_backoff must be > 0, got %s", c.Delivery.BaseBackoff))
	}
	if c.Session.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.heartbeat_timeout must be > 0, got %s", c.Session.HeartbeatTimeout))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.interval must be > 0, got %s", c.Sweeper.Interval))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
