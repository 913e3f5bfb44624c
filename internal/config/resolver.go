// Package config implements the Config Resolver: hierarchical
// per-directory configuration loaded from ".simfs_config.toml" files
// stored inside the filesystem itself (not on the host OS), merged
// root-to-leaf, cached per directory, and invalidated wholesale
// whenever a config file is written or removed.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sync/singleflight"
)

// Filename is the basename the resolver looks for in every directory
// on the path from root to a target's parent.
const Filename = ".simfs_config.toml"

// Config is the resolved, effective configuration for a directory.
type Config struct {
	Model string
}

// document mirrors the TOML schema. Unknown keys are ignored by
// go-toml/v2's default decode behavior, giving the forward
// compatibility the spec calls for.
type document struct {
	Model string `toml:"model"`
}

// ContentFetchFunc retrieves the stored content for a key built from
// a directory and Filename (i.e. "content:<dir>/.simfs_config.toml").
// found is false if the directory has no config file.
type ContentFetchFunc func(ctx context.Context, dir string) (data []byte, found bool, err error)

// Resolver resolves and caches directory configuration. It is safe
// for concurrent use.
type Resolver struct {
	fetch        ContentFetchFunc
	defaultModel string
	logger       *slog.Logger

	mu    sync.RWMutex
	cache map[string]Config

	sf singleflight.Group
}

// New returns a Resolver that reads config files through fetch and
// falls back to defaultModel when no level of the hierarchy sets one.
func New(fetch ContentFetchFunc, defaultModel string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		fetch:        fetch,
		defaultModel: defaultModel,
		logger:       logger,
		cache:        make(map[string]Config),
	}
}

// ConfigPath returns the path of the config file that governs dir:
// dir + "/" + Filename, with dir == "" denoting the root.
func ConfigPath(dir string) string {
	return dir + "/" + Filename
}

// IsConfigFile reports whether basename is the config filename.
func IsConfigFile(basename string) bool {
	return basename == Filename
}

// Dir returns the directory component of path: the substring before
// the last "/", or "" for a root-level path.
func Dir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// Resolve returns the effective configuration for the directory
// containing path, per §4.5: walk root to that directory, applying
// each level's config on top of the previous, closer levels
// overriding key-by-key, then cache the result.
func (r *Resolver) Resolve(ctx context.Context, path string) (Config, error) {
	dir := Dir(path)

	r.mu.RLock()
	cached, ok := r.cache[dir]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err, _ := r.sf.Do(dir, func() (any, error) {
		// Re-check under the singleflight key: another caller may
		// have populated the cache while this one waited to become
		// the leader.
		r.mu.RLock()
		cached, ok := r.cache[dir]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		cfg, err := r.walk(ctx, dir)
		if err != nil {
			return Config{}, err
		}

		r.mu.Lock()
		r.cache[dir] = cfg
		r.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return Config{}, err
	}
	return result.(Config), nil
}

// walk loads and merges every level's config file from root to dir
// inclusive. A level without a config file, or with a file that fails
// to parse, leaves the effective config unchanged at that level.
func (r *Resolver) walk(ctx context.Context, dir string) (Config, error) {
	cfg := Config{Model: r.defaultModel}

	for _, level := range levels(dir) {
		data, found, err := r.fetch(ctx, level)
		if err != nil {
			return Config{}, fmt.Errorf("config: loading %s: %w", ConfigPath(level), err)
		}
		if !found {
			continue
		}

		var doc document
		if err := toml.Unmarshal(data, &doc); err != nil {
			r.logger.Warn("config: malformed config file, ignoring",
				"dir", level, "error", err)
			continue
		}
		if doc.Model != "" {
			cfg.Model = doc.Model
		}
	}

	return cfg, nil
}

// levels returns every directory from root ("") to dir inclusive, in
// root-to-leaf order.
func levels(dir string) []string {
	if dir == "" {
		return []string{""}
	}
	parts := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	result := make([]string, 0, len(parts)+1)
	result = append(result, "")
	current := ""
	for _, part := range parts {
		current += "/" + part
		result = append(result, current)
	}
	return result
}

// InvalidateAll flushes the entire cache. Called whenever a write,
// create, or unlink targets a path whose basename is Filename: the
// cache is not sub-path selective because config changes are rare and
// a wholesale flush is cheap.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]Config)
	r.mu.Unlock()
}
