// Package config selects and constructs a storage backend from a TOML file.
// It is the construction-time factory for the datastore: backend choice, the
// testing flag (ephemeral vs production instance) and the optional
// read-through cache all live here rather than in code.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/trackd/bucketstore"
	"github.com/trackd/bucketstore/cache"
	cbigcache "github.com/trackd/bucketstore/cache/bigcache"
	cristretto "github.com/trackd/bucketstore/cache/ristretto"
	"github.com/trackd/bucketstore/codec"
	"github.com/trackd/bucketstore/event"
	"github.com/trackd/bucketstore/storage"
	"github.com/trackd/bucketstore/storage/bolt"
	"github.com/trackd/bucketstore/storage/cached"
	"github.com/trackd/bucketstore/storage/memory"
	"github.com/trackd/bucketstore/storage/redis"
	"github.com/trackd/bucketstore/storage/sqlite"
)

// Duration parses TOML strings like "10m" via time.ParseDuration.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	// Backend is one of "memory", "sqlite", "bolt", "redis".
	Backend string `toml:"backend"`
	// Testing selects an isolated, ephemeral backend instance.
	Testing bool `toml:"testing"`

	SQLite SQLiteConfig `toml:"sqlite"`
	Bolt   BoltConfig   `toml:"bolt"`
	Redis  RedisConfig  `toml:"redis"`
	Cache  CacheConfig  `toml:"cache"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type BoltConfig struct {
	Path string `toml:"path"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type CacheConfig struct {
	Enabled bool `toml:"enabled"`
	// Provider is "ristretto" (default) or "bigcache".
	Provider   string   `toml:"provider"`
	TTL        Duration `toml:"ttl"`         // default 10m
	MaxSizeMB  int      `toml:"max_size_mb"` // default 64
	MaxPayload int      `toml:"max_payload"` // bytes; 0 disables the decode cap
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		Backend: "memory",
		Cache: CacheConfig{
			Provider:  "ristretto",
			TTL:       Duration{10 * time.Minute},
			MaxSizeMB: 64,
		},
	}
}

// Load reads a TOML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case "memory", "sqlite", "bolt", "redis":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	switch c.Cache.Provider {
	case "", "ristretto", "bigcache":
	default:
		return fmt.Errorf("config: unknown cache provider %q", c.Cache.Provider)
	}
	if c.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis backend requires addr")
	}
	return nil
}

// NewStorage constructs the configured backend, wrapped in the read-through
// cache when enabled. The caller owns the returned storage and must Close it.
func NewStorage(cfg Config, log bucketstore.Logger) (storage.Storage, error) {
	if log == nil {
		log = bucketstore.NopLogger{}
	}
	base, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	if !cfg.Cache.Enabled {
		return base, nil
	}

	provider, err := newProvider(cfg.Cache)
	if err != nil {
		return nil, err
	}
	var events codec.Codec[[]event.Event] = codec.JSON[[]event.Event]{}
	var meta codec.Codec[storage.BucketMeta] = codec.JSON[storage.BucketMeta]{}
	if cfg.Cache.MaxPayload > 0 {
		events = codec.LimitCodec[[]event.Event]{Inner: events, MaxDecode: cfg.Cache.MaxPayload}
		meta = codec.LimitCodec[storage.BucketMeta]{Inner: meta, MaxDecode: cfg.Cache.MaxPayload}
	}
	return cached.New(cached.Options{
		Storage:     base,
		Provider:    provider,
		EventsCodec: events,
		MetaCodec:   meta,
		TTL:         cfg.Cache.TTL.Duration,
		Logger:      log,
	})
}

func newBackend(cfg Config, log bucketstore.Logger) (storage.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(sqlite.Options{
			Path:    cfg.SQLite.Path,
			Testing: cfg.Testing,
			Logger:  log,
		})
	case "bolt":
		path := cfg.Bolt.Path
		if cfg.Testing {
			path = filepath.Join(os.TempDir(), "bucketstore-test-"+uuid.NewString()+".db")
		}
		if path == "" {
			return nil, fmt.Errorf("config: bolt backend requires path")
		}
		return bolt.Open(bolt.Options{Path: path})
	case "redis":
		prefix := cfg.Redis.KeyPrefix
		if cfg.Testing {
			prefix = "test:" + prefix
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redis.New(redis.Config{
			Client:      client,
			CloseClient: true,
			KeyPrefix:   prefix,
		})
	default:
		return nil, fmt.Errorf("config: unknown backend %q", cfg.Backend)
	}
}

func newProvider(cfg CacheConfig) (cache.Provider, error) {
	maxCost := int64(cfg.MaxSizeMB) << 20
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	switch cfg.Provider {
	case "", "ristretto":
		return cristretto.New(cristretto.Config{
			NumCounters: 100_000,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
	case "bigcache":
		ttl := cfg.TTL.Duration
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		return cbigcache.New(cbigcache.Config{
			LifeWindow:         ttl,
			HardMaxCacheSizeMB: cfg.MaxSizeMB,
		})
	default:
		return nil, fmt.Errorf("config: unknown cache provider %q", cfg.Provider)
	}
}
