package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/standardbeagle/lazytree/internal/cache"
	"github.com/standardbeagle/lazytree/internal/engine"
	"github.com/standardbeagle/lazytree/internal/search"
	"github.com/standardbeagle/lazytree/internal/source"
)

// FileName is the configuration file looked up in the home and project directories
const FileName = ".lazytree.kdl"

// DefaultCacheDir holds snapshot files when cache.dir is not set
const DefaultCacheDir = "~/.cache/lazytree"

type Config struct {
	Version int
	Root    string // directory the project config was loaded from
	Tree    Tree
	Cache   Cache
	Search  Search
	Source  Source
}

type Tree struct {
	PageSize         int
	Ordering         string // "name", "-name", "id", "-id"
	MaxAncestorPages int
	Filters          map[string]string // fixed filters sent with every page request
}

type Cache struct {
	Enabled    bool
	Dir        string
	StaleAfter time.Duration // 0 = snapshots never go stale
	MaxEntries int           // in-memory store bound
	TTL        time.Duration // in-memory entry lifetime
}

type Search struct {
	Mode           string // "substring", "glob", "fuzzy", "stem"
	FuzzyThreshold float64
	FuzzyAlgorithm string // "jaro-winkler", "levenshtein", "cosine"
	StemMinLength  int
	ShowChildren   bool
	AllExpand      bool
	Scope          string // "local", "server"
	FilterKey      string
	ExpandDepth    int
}

type Source struct {
	Path            string
	Watch           bool
	WatchDebounceMs int
}

// Default returns the built-in configuration
func Default() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	return &Config{
		Version: 1,
		Root:    cwd,
		Tree: Tree{
			PageSize:         engine.DefaultPageSize,
			Ordering:         engine.DefaultOrdering,
			MaxAncestorPages: engine.DefaultMaxAncestorPages,
			Filters:          map[string]string{},
		},
		Cache: Cache{
			Enabled:    true,
			Dir:        DefaultCacheDir,
			StaleAfter: engine.DefaultStaleAfter,
			MaxEntries: cache.DefaultMaxEntries,
			TTL:        cache.DefaultTTL,
		},
		Search: Search{
			Mode:           search.ModeSubstring,
			FuzzyThreshold: search.DefaultFuzzyThreshold,
			FuzzyAlgorithm: search.AlgorithmJaroWinkler,
			StemMinLength:  search.DefaultStemMinLength,
			ShowChildren:   false,
			AllExpand:      true,
			Scope:          search.ScopeLocal,
			FilterKey:      search.DefaultFilterKey,
			ExpandDepth:    search.DefaultExpandDepth,
		},
		Source: Source{
			Path:            "suites.toml",
			Watch:           false,
			WatchDebounceMs: int(source.DefaultDebounce / time.Millisecond),
		},
	}
}

func Load(path string) (*Config, error) {
	return LoadWithRoot(path, "")
}

// LoadWithRoot loads ~/.lazytree.kdl as a base and the project file in
// rootDir (or the current directory) on top of it. A non-empty path names
// the project file directly.
func LoadWithRoot(path string, rootDir string) (*Config, error) {
	searchDir := "."
	if rootDir != "" {
		searchDir = rootDir
	}

	var baseConfig *Config
	if homeDir, err := os.UserHomeDir(); err == nil {
		if globalCfg, err := LoadKDL(filepath.Join(homeDir, FileName)); err == nil && globalCfg != nil {
			baseConfig = globalCfg
		}
	}

	projectPath := path
	if projectPath == "" {
		projectPath = filepath.Join(searchDir, FileName)
	}
	projectConfig, err := LoadKDL(projectPath)
	if err != nil {
		return nil, err
	}

	var cfg *Config
	switch {
	case baseConfig != nil && projectConfig != nil:
		cfg = mergeConfigs(baseConfig, projectConfig)
	case projectConfig != nil:
		cfg = projectConfig
	case baseConfig != nil:
		cfg = baseConfig
		if abs, err := filepath.Abs(searchDir); err == nil {
			cfg.Root = abs
		}
	default:
		cfg = Default()
		if abs, err := filepath.Abs(searchDir); err == nil {
			cfg.Root = abs
		}
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeConfigs merges a base config with a project config. Project settings
// win; base filters are kept unless the project sets the same key.
func mergeConfigs(base, project *Config) *Config {
	merged := *project

	if len(base.Tree.Filters) > 0 {
		filters := make(map[string]string, len(base.Tree.Filters)+len(project.Tree.Filters))
		for k, v := range base.Tree.Filters {
			filters[k] = v
		}
		for k, v := range project.Tree.Filters {
			filters[k] = v
		}
		merged.Tree.Filters = filters
	}

	return &merged
}

// SourcePath resolves the dataset path against the config root
func (c *Config) SourcePath() string {
	if c.Source.Path == "" || filepath.IsAbs(c.Source.Path) {
		return c.Source.Path
	}
	return filepath.Join(c.Root, c.Source.Path)
}

// EngineConfig maps the tree and cache blocks onto engine settings
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		PageSize:         c.Tree.PageSize,
		Ordering:         c.Tree.Ordering,
		MaxAncestorPages: c.Tree.MaxAncestorPages,
		StaleAfter:       c.Cache.StaleAfter,
	}
}

// SearchConfig maps the search block onto reconciler settings
func (c *Config) SearchConfig() search.ReconcilerConfig {
	return search.ReconcilerConfig{
		Options: search.Options{
			Mode:           c.Search.Mode,
			FuzzyThreshold: c.Search.FuzzyThreshold,
			FuzzyAlgorithm: c.Search.FuzzyAlgorithm,
			StemMinLength:  c.Search.StemMinLength,
			ShowChildren:   c.Search.ShowChildren,
			AllExpand:      c.Search.AllExpand,
		},
		Scope:       c.Search.Scope,
		FilterKey:   c.Search.FilterKey,
		ExpandDepth: c.Search.ExpandDepth,
	}
}

// MemoryConfig maps the cache block onto the in-memory store bounds
func (c *Config) MemoryConfig() cache.MemoryConfig {
	return cache.MemoryConfig{
		MaxEntries: c.Cache.MaxEntries,
		TTL:        c.Cache.TTL,
	}
}

// WatchDebounce returns the watcher debounce as a duration
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Source.WatchDebounceMs) * time.Millisecond
}
