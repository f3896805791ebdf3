// Package config loads the bus's configuration surface (spec.md §6)
// from file/ENV via viper, and watches the file for edits via fsnotify
// so the tunables that can safely change without a restart (batch
// timing, pool size, pending cap) can be reloaded in place.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TCPBus is the tcpbus.Config-shaped slice of the configuration file.
type TCPBus struct {
	Port               uint16        `mapstructure:"port"`
	FixedPoolSize      int           `mapstructure:"fixed_pool_size"`
	MaxMessageSize     int           `mapstructure:"max_message_size"`
	PendingCap         int           `mapstructure:"pending_cap"`
	MaxAcceptsPerEvent int           `mapstructure:"max_accepts_per_event"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
}

// Batch is the batching-envelope slice of protobus.Config.
type Batch struct {
	MaxBatch int           `mapstructure:"max_batch"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// ProtoBus is the protobus.Config-shaped slice of the configuration file.
type ProtoBus struct {
	Batch         Batch         `mapstructure:"batch"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ForceEndpoint string        `mapstructure:"force_endpoint"`
	SplitExecutor bool          `mapstructure:"split_executor"`
}

// AMQP configures the optional lifecycle-event publisher. URI empty
// means the bus runs with no external event sink.
type AMQP struct {
	URI      string `mapstructure:"uri"`
	Exchange string `mapstructure:"exchange"`
}

// Admin configures the HTTP/WS introspection surface.
type Admin struct {
	Addr string `mapstructure:"addr"`
}

// Config is the full configuration surface, loaded under the "tcpbus",
// "protobus", "amqp", and "admin" top-level keys.
type Config struct {
	TCPBus   TCPBus   `mapstructure:"tcpbus"`
	ProtoBus ProtoBus `mapstructure:"protobus"`
	AMQP     AMQP     `mapstructure:"amqp"`
	Admin    Admin    `mapstructure:"admin"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tcpbus.port", 4500)
	v.SetDefault("tcpbus.fixed_pool_size", 2)
	v.SetDefault("tcpbus.max_message_size", 1<<20)
	v.SetDefault("tcpbus.pending_cap", 1024)
	v.SetDefault("tcpbus.max_accepts_per_event", 2)
	v.SetDefault("tcpbus.dial_timeout", "5s")

	v.SetDefault("protobus.batch.max_batch", 32)
	v.SetDefault("protobus.batch.max_delay", "50ms")
	v.SetDefault("protobus.timeout", "30s")
	v.SetDefault("protobus.split_executor", false)

	v.SetDefault("admin.addr", "127.0.0.1:8089")
}

// LoadConfig reads configuration from path (if non-empty), environment
// variables prefixed TCPBUS_, and built-in defaults, in that order of
// increasing weakness — matching viper's standard precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("tcpbus")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// WatchReload arms fsnotify (via viper's WatchConfig) to call onChange
// with a freshly reloaded Config whenever the backing file is edited.
// It is a no-op if LoadConfig was called with an empty path, since
// there is then no file to watch. Reload errors are logged, not
// returned, matching viper's own OnConfigChange callback shape (which
// has no error return) — a malformed edit is reported and ignored
// rather than crashing a running bus.
func WatchReload(path string, logger *slog.Logger, onChange func(*Config)) error {
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("tcpbus")
	v.AutomaticEnv()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Error("config: reload failed, keeping previous config", "err", err, "file", e.Name)
			return
		}
		logger.Info("config: reloaded", "file", e.Name)
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}
