package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/lazytree/internal/cache"
	"github.com/standardbeagle/lazytree/internal/config"
	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/engine"
	"github.com/standardbeagle/lazytree/internal/search"
	"github.com/standardbeagle/lazytree/internal/source"
	"github.com/standardbeagle/lazytree/internal/types"
)

// session owns one dataset, its engine and the optional watcher
type session struct {
	cfg        *config.Config
	ds         *source.Dataset
	engine     *engine.Engine[source.Entry]
	reconciler *search.Reconciler[source.Entry]
	watcher    *source.Watcher
	result     engine.InitResult
}

// loadConfigWithOverrides loads configuration and applies CLI flag overrides
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	rootDir := c.String("root")
	if rootDir != "" {
		abs, err := filepath.Abs(rootDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root path %q: %w", rootDir, err)
		}
		rootDir = abs
	}

	cfg, err := config.LoadWithRoot(configPath, rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if src := c.String("source"); src != "" {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve source path %q: %w", src, err)
		}
		cfg.Source.Path = abs
	}
	if c.IsSet("page-size") {
		cfg.Tree.PageSize = c.Int("page-size")
	}
	if c.IsSet("ordering") {
		cfg.Tree.Ordering = c.String("ordering")
	}
	if c.Bool("no-cache") {
		cfg.Cache.Enabled = false
	}
	for _, kv := range c.StringSlice("filter") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("filter %q must look like key=value", kv)
		}
		cfg.Tree.Filters[k] = v
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newStore picks the TOML file store when persistence is enabled and an
// in-process memory store otherwise
func newStore(cfg *config.Config) (cache.Store[source.Entry], error) {
	if !cfg.Cache.Enabled {
		return cache.NewMemoryStore[source.Entry](cfg.MemoryConfig()), nil
	}
	return cache.NewFileStore[source.Entry](cfg.Cache.Dir)
}

// cacheKey identifies one dataset file seen through one set of filters
func cacheKey(cfg *config.Config) string {
	parts := []string{cfg.SourcePath()}
	keys := make([]string, 0, len(cfg.Tree.Filters))
	for k := range cfg.Tree.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+cfg.Tree.Filters[k])
	}
	return cache.ComposeKey("lazytree", "source", parts...)
}

// openSession loads the dataset and initializes an engine over it, locating
// target when it is set
func openSession(ctx context.Context, cfg *config.Config, target types.NodeID) (*session, error) {
	path := cfg.SourcePath()
	ds, err := source.Load(path)
	if err != nil {
		return nil, err
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	eng := engine.New[source.Entry](cfg.EngineConfig(), store)
	result, err := eng.InitRoot(ctx, engine.InitOptions[source.Entry]{
		InitParent:       target,
		Fetcher:          ds,
		FetcherAncestors: ds,
		CacheKey:         cacheKey(cfg),
		Filters:          cfg.Tree.Filters,
	})
	if err != nil {
		return nil, err
	}
	debug.LogEngine("session %s: restored=%v stale=%v nodes=%d\n", path, result.Restored, result.Stale, eng.Len())

	return &session{
		cfg:        cfg,
		ds:         ds,
		engine:     eng,
		reconciler: search.NewReconciler(eng, cfg.SearchConfig()),
		result:     result,
	}, nil
}

// watch reloads the dataset on change and refreshes the affected parents
func (s *session) watch(ctx context.Context) error {
	w, err := source.NewWatcher(s.cfg.SourcePath(), s.ds, s.cfg.WatchDebounce())
	if err != nil {
		return err
	}
	w.SetCallbacks(func(parents []types.NodeID) {
		if err := refreshParents(ctx, s.engine, parents); err != nil {
			debug.LogSource("refresh after reload: %v\n", err)
		}
	}, func(err error) {
		debug.LogSource("reload failed: %v\n", err)
	})
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// refreshParents refetches every loaded parent whose child listing changed
func refreshParents(ctx context.Context, eng *engine.Engine[source.Entry], parents []types.NodeID) error {
	for _, id := range parents {
		if id.IsRoot() {
			if err := eng.RefetchRoot(ctx); err != nil {
				return err
			}
			continue
		}
		if _, err := eng.RefetchNodeBy(ctx, func(n types.Node[source.Entry]) bool { return n.ID == id }); err != nil {
			return err
		}
	}
	return nil
}

// close persists the tree and stops the watcher
func (s *session) close() error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			debug.LogSource("stop watcher: %v\n", err)
		}
	}
	return s.engine.Persist()
}
