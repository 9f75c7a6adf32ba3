// Package config loads the process-wide msgbus.* configuration tree
// described in SPEC_FULL.md §1.2, backed by viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RouterConfig mirrors the msgbus.router.* keys of spec §6.
type RouterConfig struct {
	IDMajor                 uint32        `mapstructure:"id_major"`
	IDMinor                 uint32        `mapstructure:"id_minor"`
	IDCount                 uint32        `mapstructure:"id_count"`
	RequiresPassword        bool          `mapstructure:"requires_password"`
	Password                string        `mapstructure:"password"`
	PendingTimeout          time.Duration `mapstructure:"pending_timeout"`
	RecentlyDisconnectedTTL time.Duration `mapstructure:"recently_disconnected_ttl"`
	WorkerThreshold         int           `mapstructure:"worker_threshold"`
}

// EndpointConfig mirrors the msgbus.endpoint.* keys of spec §6.
type EndpointConfig struct {
	NoIDTimeout       time.Duration `mapstructure:"no_id_timeout"`
	AliveNotifyPeriod time.Duration `mapstructure:"alive_notify_period"`
}

// BlobConfig mirrors msgbus.blob.*.
type BlobConfig struct {
	MaxSize int64 `mapstructure:"max_size"`
}

// TelemetryConfig mirrors msgbus.telemetry.*.
type TelemetryConfig struct {
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	MetricsListen  string `mapstructure:"metrics_listen"`
}

// TransportConfig mirrors msgbus.transport.*.
type TransportConfig struct {
	WSListen  string `mapstructure:"ws_listen"`
	P2PListen string `mapstructure:"p2p_listen"`
}

// Config is the full process-wide configuration tree, rooted at "msgbus" in
// the backing store.
type Config struct {
	Router    RouterConfig    `mapstructure:"router"`
	Endpoint  EndpointConfig  `mapstructure:"endpoint"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Transport TransportConfig `mapstructure:"transport"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("router.id_major", 1)
	v.SetDefault("router.id_minor", 0)
	v.SetDefault("router.id_count", 1<<20)
	v.SetDefault("router.requires_password", false)
	v.SetDefault("router.pending_timeout", 30*time.Second)
	v.SetDefault("router.recently_disconnected_ttl", 15*time.Second)
	v.SetDefault("router.worker_threshold", 2)
	v.SetDefault("endpoint.no_id_timeout", 30*time.Second)
	v.SetDefault("endpoint.alive_notify_period", 10*time.Second)
	v.SetDefault("blob.max_size", 128*1024*1024)
}

// Load reads configuration from built-in defaults, an optional YAML file,
// and environment variables prefixed MSGBUS_ (e.g.
// MSGBUS_ROUTER_REQUIRES_PASSWORD), in ascending priority.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MSGBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	sub := v.Sub("msgbus")
	if sub == nil {
		sub = v
	} else {
		sub.SetEnvPrefix("MSGBUS")
		sub.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		sub.AutomaticEnv()
		defaults(sub)
	}
	if err := sub.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	return &cfg, nil
}
