// Package bigcache adapts allegro/bigcache to the cache.Provider contract.
//
// BigCache has no per-entry TTLs: entries age out after the global LifeWindow,
// so the ttl and cost arguments of Set are ignored. Values are stored as-is,
// satisfying the byte-transparency requirement of cache.Provider.
package bigcache

import (
	"context"
	"time"

	bc "github.com/allegro/bigcache/v3"
)

type Provider struct {
	c *bc.BigCache
}

type Config struct {
	// LifeWindow is the global entry lifetime; required.
	LifeWindow time.Duration
	// CleanWindow is how often expired entries are purged. 0 keeps the
	// bigcache default.
	CleanWindow time.Duration
	// HardMaxCacheSizeMB caps total memory. 0 means unbounded.
	HardMaxCacheSizeMB int
}

func New(cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	return true, p.c.Set(key, value)
}

func (p *Provider) Del(_ context.Context, key string) error {
	return p.c.Delete(key)
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
