// Package config is the layered configuration loader (defaults, optional
// file, environment, flags, in that increasing-priority order) governing every
// installation-defined tunable spec.md §6's "Configuration defaults" table
// names. It follows the teacher's cmd/cmd.go `config.LoadConfig()` call
// site, which expects exactly this shape (load once at startup, return a
// typed *Config), even though the teacher's own config/ package sources
// weren't part of the retrieved file set.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of installation-defined tunables (spec.md §6
// "Configuration defaults (enumerated)", generalized across every
// collaborator this module wires in beyond the bare scheduler/mailbox/
// registry/deque defaults the spec itself enumerates).
type Config struct {
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Mailbox    MailboxConfig    `mapstructure:"mailbox"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Deque      DequeConfig      `mapstructure:"deque"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type SchedulerConfig struct {
	MaxBlocks         int64 `mapstructure:"max_blocks"`
	DefaultReductions int64 `mapstructure:"default_reductions"`
	NumWorkers        int   `mapstructure:"num_workers"`
	EnableStealing    bool  `mapstructure:"enable_stealing"`
}

type MailboxConfig struct {
	MaxBytes int64  `mapstructure:"max_bytes"`
	Overflow string `mapstructure:"overflow"`
}

type RegistryConfig struct {
	Shards           int     `mapstructure:"shards"`
	InitialBucketCap int     `mapstructure:"initial_bucket_capacity"`
	LoadFactor       float64 `mapstructure:"load_factor"`
	ReapDeadEntries  bool    `mapstructure:"reap_dead_entries"`
}

type DequeConfig struct {
	InitialCapacity  int `mapstructure:"initial_capacity"`
	GrowthFactor     int `mapstructure:"growth_factor"`
	EpochSafeDistance int `mapstructure:"epoch_safe_distance"`
}

type SupervisorConfig struct {
	MaxRestarts int           `mapstructure:"max_restarts"`
	Period      time.Duration `mapstructure:"period"`
	OpenFor     time.Duration `mapstructure:"open_for"`
}

type AdminConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.max_blocks", 10_000)
	v.SetDefault("scheduler.default_reductions", 10_000)
	v.SetDefault("scheduler.num_workers", 0)
	v.SetDefault("scheduler.enable_stealing", true)

	v.SetDefault("mailbox.max_bytes", 0)
	v.SetDefault("mailbox.overflow", "drop_new")

	v.SetDefault("registry.shards", 64)
	v.SetDefault("registry.initial_bucket_capacity", 64)
	v.SetDefault("registry.load_factor", 0.75)
	v.SetDefault("registry.reap_dead_entries", false)

	v.SetDefault("deque.initial_capacity", 64)
	v.SetDefault("deque.growth_factor", 2)
	v.SetDefault("deque.epoch_safe_distance", 2)

	v.SetDefault("supervisor.max_restarts", 3)
	v.SetDefault("supervisor.period", "5s")
	v.SetDefault("supervisor.open_for", "10s")

	v.SetDefault("admin.http_addr", ":8090")
	v.SetDefault("admin.grpc_addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Load builds a Config from (in increasing priority): the enumerated
// defaults above, an optional config file at path, environment variables
// prefixed BLOCKRT_, and flags already parsed into fs. Passing an empty path
// skips the file layer entirely rather than erroring on a missing file.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("blockrt")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

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

// WatchReload re-reads the config file whenever fsnotify reports it changed,
// invoking onChange with the freshly parsed Config. It returns immediately;
// the watch itself runs via viper's own fsnotify-backed watcher goroutine.
// A zero path or nil onChange makes this a no-op, matching the optional
// "installation may impose hot-reload" posture the rest of this module takes
// toward operational extras.
func WatchReload(path string, onChange func(*Config)) error {
	if path == "" || onChange == nil {
		return nil
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}
