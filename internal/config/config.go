// Package config resolves runtime configuration from flags and the
// environment. Precedence: flag, then SWITCHYARD_* environment variable,
// then default. Durations accept Go syntax ("45s", "2m").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the broker's full runtime configuration.
type Config struct {
	// HTTPPort serves the client RPC surface and diagnostics.
	HTTPPort int `mapstructure:"http_port"`
	// ExtensionPort fixes the extension websocket port. 0 allocates from
	// the shared pool.
	ExtensionPort int `mapstructure:"extension_port"`
	// CommandTimeout bounds each extension round-trip.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// LockTimeout bounds tab-lock acquisition.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// IdleTimeout reaps sessions with no client activity.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`
	// AdoptForeignTabs claims tabs the extension reports that the session
	// never asked for.
	AdoptForeignTabs bool `mapstructure:"adopt_foreign_tabs"`
}

// Defaults returns the stock configuration.
func Defaults() Config {
	return Config{
		HTTPPort:         7333,
		ExtensionPort:    0,
		CommandTimeout:   30 * time.Second,
		LockTimeout:      30 * time.Second,
		IdleTimeout:      10 * time.Minute,
		LogLevel:         "info",
		AdoptForeignTabs: true,
	}
}

// RegisterFlags declares every setting on the flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.Int("http-port", d.HTTPPort, "HTTP port for the client RPC surface")
	flags.Int("extension-port", d.ExtensionPort, "fixed extension websocket port (0 allocates from the pool)")
	flags.Duration("command-timeout", d.CommandTimeout, "per-command extension round-trip timeout")
	flags.Duration("lock-timeout", d.LockTimeout, "tab lock acquisition timeout")
	flags.Duration("idle-timeout", d.IdleTimeout, "idle session reap timeout")
	flags.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	flags.Bool("adopt-foreign-tabs", d.AdoptForeignTabs, "claim tabs the extension reports unprompted")
}

// Load resolves the configuration from flags and environment.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWITCHYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"http-port", "extension-port", "command-timeout", "lock-timeout",
		"idle-timeout", "log-level", "adopt-foreign-tabs",
	} {
		if err := v.BindPFlag(strings.ReplaceAll(key, "-", "_"), flags.Lookup(key)); err != nil {
			return Config{}, fmt.Errorf("binding flag %s: %w", key, err)
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("resolving configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	}
	if c.ExtensionPort < 0 || c.ExtensionPort > 65535 {
		return fmt.Errorf("extension port %d out of range", c.ExtensionPort)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
