// Package config loads service settings from defaults, an optional YAML file
// and FOODORDER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FOODORDER"

type Config struct {
	LogLevel  string    `mapstructure:"log_level"`
	HTTP      HTTP      `mapstructure:"http"`
	Store     Store     `mapstructure:"store"`
	Log       EventLog  `mapstructure:"log"`
	Ranking   Ranking   `mapstructure:"ranking"`
	Consumer  Consumer  `mapstructure:"consumer"`
	Recovery  Recovery  `mapstructure:"recovery"`
	Reconcile Reconcile `mapstructure:"reconcile"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type Store struct {
	// Backend is memory, pebble, badger, sqlite or postgres.
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	DSN     string `mapstructure:"dsn"`
}

type EventLog struct {
	// Backend is memory, file, kafka or confluent.
	Backend    string        `mapstructure:"backend"`
	Dir        string        `mapstructure:"dir"`
	Brokers    string        `mapstructure:"brokers"`
	Topic      string        `mapstructure:"topic"`
	Partitions int           `mapstructure:"partitions"`
	GroupID    string        `mapstructure:"group_id"`
	ReadWait   time.Duration `mapstructure:"read_wait"`
}

type Ranking struct {
	// Backend is memory or redis.
	Backend        string        `mapstructure:"backend"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	Key            string        `mapstructure:"key"`
	DedupRetention time.Duration `mapstructure:"dedup_retention"`
	DedupWindow    int           `mapstructure:"dedup_window"`
	TopN           int           `mapstructure:"top_n"`
}

type Consumer struct {
	Enabled         bool          `mapstructure:"enabled"`
	BatchSize       int           `mapstructure:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Window          int           `mapstructure:"window"`
	CheckpointStore string        `mapstructure:"checkpoint_store"`
	CheckpointDir   string        `mapstructure:"checkpoint_dir"`
}

type Recovery struct {
	SnapshotDir      string        `mapstructure:"snapshot_dir"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	ManifestTopic    string        `mapstructure:"manifest_topic"`
	ManifestKey      string        `mapstructure:"manifest_key"`
}

type Reconcile struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	MinAge      time.Duration `mapstructure:"min_age"`
	GiveUpAfter time.Duration `mapstructure:"give_up_after"`
}

// SetDefaults registers every key so env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.request_timeout", 5*time.Second)
	v.SetDefault("http.cors_origins", []string{"http://127.0.0.1:3001", "http://localhost:3001"})
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dir", "./data/orders")
	v.SetDefault("store.dsn", "")
	v.SetDefault("log.backend", "memory")
	v.SetDefault("log.dir", "./data/events")
	v.SetDefault("log.brokers", "localhost:9092")
	v.SetDefault("log.topic", "food-orders")
	v.SetDefault("log.partitions", 1)
	v.SetDefault("log.group_id", "foodorder-ranking")
	v.SetDefault("log.read_wait", 500*time.Millisecond)
	v.SetDefault("ranking.backend", "memory")
	v.SetDefault("ranking.redis_addr", "localhost:6379")
	v.SetDefault("ranking.redis_password", "")
	v.SetDefault("ranking.redis_db", 0)
	v.SetDefault("ranking.key", "top-items")
	v.SetDefault("ranking.dedup_retention", 24*time.Hour)
	v.SetDefault("ranking.dedup_window", 10000)
	v.SetDefault("ranking.top_n", 5)
	v.SetDefault("consumer.enabled", true)
	v.SetDefault("consumer.batch_size", 100)
	v.SetDefault("consumer.poll_interval", 200*time.Millisecond)
	v.SetDefault("consumer.window", 1024)
	v.SetDefault("consumer.checkpoint_store", "memory")
	v.SetDefault("consumer.checkpoint_dir", "./data/checkpoints")
	v.SetDefault("recovery.snapshot_dir", "./data/snapshots")
	v.SetDefault("recovery.snapshot_interval", time.Duration(0))
	v.SetDefault("recovery.manifest_topic", "")
	v.SetDefault("recovery.manifest_key", "ranking-manifest-latest")
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.min_age", 30*time.Second)
	v.SetDefault("reconcile.give_up_after", time.Hour)
}

// New returns a viper instance with defaults and env binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, if given, and unmarshals the merged settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if !oneOf(c.Store.Backend, "memory", "pebble", "badger", "sqlite", "postgres") {
		errs = append(errs, fmt.Errorf("store.backend %q not supported", c.Store.Backend))
	}
	if !oneOf(c.Log.Backend, "memory", "file", "kafka", "confluent") {
		errs = append(errs, fmt.Errorf("log.backend %q not supported", c.Log.Backend))
	}
	if !oneOf(c.Ranking.Backend, "memory", "redis") {
		errs = append(errs, fmt.Errorf("ranking.backend %q not supported", c.Ranking.Backend))
	}
	if !oneOf(c.Consumer.CheckpointStore, "memory", "pebble") {
		errs = append(errs, fmt.Errorf("consumer.checkpoint_store %q not supported", c.Consumer.CheckpointStore))
	}
	// Checkpoints must outlive a restart exactly when the ranking does. A
	// memory ranking is empty after a restart and must be replayed from 0; a
	// redis ranking keeps its scores, so replaying from 0 would count them again.
	if c.Ranking.Backend == "memory" && c.Consumer.CheckpointStore != "memory" {
		errs = append(errs, fmt.Errorf("consumer.checkpoint_store must be memory with a memory ranking"))
	}
	if c.Ranking.Backend == "redis" && c.Consumer.CheckpointStore == "memory" {
		errs = append(errs, fmt.Errorf("consumer.checkpoint_store must be durable with a redis ranking"))
	}
	if c.Log.Partitions < 1 {
		errs = append(errs, fmt.Errorf("log.partitions must be at least 1"))
	}
	if c.Ranking.TopN < 1 {
		errs = append(errs, fmt.Errorf("ranking.top_n must be at least 1"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
