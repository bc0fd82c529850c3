package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/trackd/bucketstore/storage/cached"
	"github.com/trackd/bucketstore/storage/memory"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bucketstore.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "memory" {
		t.Fatalf("default backend = %q, want memory", cfg.Backend)
	}
	if cfg.Cache.Provider != "ristretto" || cfg.Cache.TTL.Duration != 10*time.Minute || cfg.Cache.MaxSizeMB != 64 {
		t.Fatalf("cache defaults wrong: %+v", cfg.Cache)
	}
	if cfg.Cache.Enabled {
		t.Fatalf("cache must be opt-in")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
backend = "sqlite"
testing = true

[sqlite]
path = "/var/lib/bucketstore/events.db"

[cache]
enabled = true
provider = "bigcache"
ttl = "2m30s"
max_size_mb = 16
max_payload = 1048576
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "sqlite" || !cfg.Testing {
		t.Fatalf("backend section wrong: %+v", cfg)
	}
	if cfg.SQLite.Path != "/var/lib/bucketstore/events.db" {
		t.Fatalf("sqlite path = %q", cfg.SQLite.Path)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Provider != "bigcache" {
		t.Fatalf("cache section wrong: %+v", cfg.Cache)
	}
	if cfg.Cache.TTL.Duration != 2*time.Minute+30*time.Second {
		t.Fatalf("ttl = %v", cfg.Cache.TTL.Duration)
	}
	if cfg.Cache.MaxPayload != 1<<20 {
		t.Fatalf("max_payload = %d", cfg.Cache.MaxPayload)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown backend", `backend = "postgres"`},
		{"unknown provider", "[cache]\nprovider = \"memcached\""},
		{"redis without addr", `backend = "redis"`},
		{"bad duration", "[cache]\nttl = \"fast\""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("config %q must be rejected", tc.body)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("missing file must fail")
	}
}

func TestNewStorageMemory(t *testing.T) {
	cfg := Default()
	s, err := NewStorage(cfg, nil)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close(context.Background())
	if _, ok := s.(*memory.Store); !ok {
		t.Fatalf("want *memory.Store, got %T", s)
	}
}

func TestNewStorageWrapsWithCache(t *testing.T) {
	cfg := Default()
	cfg.Cache.Enabled = true
	cfg.Cache.MaxSizeMB = 1
	s, err := NewStorage(cfg, nil)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close(context.Background())
	if _, ok := s.(*cached.Store); !ok {
		t.Fatalf("want *cached.Store, got %T", s)
	}
}

func TestNewStorageSQLiteTesting(t *testing.T) {
	cfg := Default()
	cfg.Backend = "sqlite"
	cfg.Testing = true
	s, err := NewStorage(cfg, nil)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer s.Close(context.Background())

	buckets, err := s.Buckets(context.Background())
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if len(buckets) != 0 {
		t.Fatalf("fresh testing instance must be empty: %v", buckets)
	}
}

func TestNewStorageBoltRequiresPath(t *testing.T) {
	cfg := Default()
	cfg.Backend = "bolt"
	if _, err := NewStorage(cfg, nil); err == nil {
		t.Fatalf("bolt without path must fail")
	}
}
