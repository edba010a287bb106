package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// LoadKDL loads configuration from the KDL file at path. A missing file
// returns nil, nil so callers fall back to defaults.
func LoadKDL(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", filepath.Base(path), err)
	}

	cfg, err := parseKDL(string(content))
	if err != nil {
		return nil, err
	}

	// Relative paths inside the file resolve against the file's directory
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		cfg.Root = abs
	} else {
		cfg.Root = filepath.Dir(path)
	}
	return cfg, nil
}

// parseKDL overlays the blocks found in content on top of Default()
func parseKDL(content string) (*Config, error) {
	cfg := Default()

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "version":
			if v, ok := firstIntArg(n); ok {
				cfg.Version = v
			}
		case "tree":
			parseTree(cfg, n)
		case "cache":
			parseCache(cfg, n)
		case "search":
			parseSearch(cfg, n)
		case "source":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "path":
					if s, ok := firstStringArg(cn); ok {
						cfg.Source.Path = s
					}
				case "watch":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Source.Watch = b
					}
				case "watch_debounce_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Source.WatchDebounceMs = v
					}
				}
			}
		}
	}

	return cfg, nil
}

func parseTree(cfg *Config, n *document.Node) {
	for _, cn := range n.Children {
		switch nodeName(cn) {
		case "page_size":
			if v, ok := firstIntArg(cn); ok {
				cfg.Tree.PageSize = v
			}
		case "ordering":
			if s, ok := firstStringArg(cn); ok {
				cfg.Tree.Ordering = s
			}
		case "max_ancestor_pages":
			if v, ok := firstIntArg(cn); ok {
				cfg.Tree.MaxAncestorPages = v
			}
		case "filters":
			// filters { kind "suite" }
			for _, fn := range cn.Children {
				if s, ok := firstStringArg(fn); ok {
					cfg.Tree.Filters[nodeName(fn)] = s
				}
			}
		}
	}
}

func parseCache(cfg *Config, n *document.Node) {
	for _, cn := range n.Children {
		switch nodeName(cn) {
		case "enabled":
			if b, ok := firstBoolArg(cn); ok {
				cfg.Cache.Enabled = b
			}
		case "dir":
			if s, ok := firstStringArg(cn); ok {
				cfg.Cache.Dir = s
			}
		case "stale_after":
			if d, ok := firstDurationArg(cn); ok {
				cfg.Cache.StaleAfter = d
			}
		case "ttl":
			if d, ok := firstDurationArg(cn); ok {
				cfg.Cache.TTL = d
			}
		case "max_entries":
			if v, ok := firstIntArg(cn); ok {
				cfg.Cache.MaxEntries = v
			}
		}
	}
}

func parseSearch(cfg *Config, n *document.Node) {
	for _, cn := range n.Children {
		switch nodeName(cn) {
		case "mode":
			if s, ok := firstStringArg(cn); ok {
				cfg.Search.Mode = s
			}
		case "fuzzy_threshold":
			if f, ok := firstFloatArg(cn); ok {
				cfg.Search.FuzzyThreshold = f
			}
		case "fuzzy_algorithm":
			if s, ok := firstStringArg(cn); ok {
				cfg.Search.FuzzyAlgorithm = s
			}
		case "stem_min_length":
			if v, ok := firstIntArg(cn); ok {
				cfg.Search.StemMinLength = v
			}
		case "show_children":
			if b, ok := firstBoolArg(cn); ok {
				cfg.Search.ShowChildren = b
			}
		case "all_expand":
			if b, ok := firstBoolArg(cn); ok {
				cfg.Search.AllExpand = b
			}
		case "scope":
			if s, ok := firstStringArg(cn); ok {
				cfg.Search.Scope = s
			}
		case "filter_key":
			if s, ok := firstStringArg(cn); ok {
				cfg.Search.FilterKey = s
			}
		case "expand_depth":
			if v, ok := firstIntArg(cn); ok {
				cfg.Search.ExpandDepth = v
			}
		}
	}
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}
func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}
func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}
func firstFloatArg(n *document.Node) (float64, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		log.Printf("WARNING: invalid float value for '%s' in KDL config, expected number but got %T", nodeName(n), n.Arguments[0].Value)
		return 0, false
	}
}

// firstDurationArg accepts "10m"-style strings or a bare number of seconds
func firstDurationArg(n *document.Node) (time.Duration, bool) {
	if s, ok := firstStringArg(n); ok {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			log.Printf("WARNING: invalid duration %q for '%s' in KDL config: %v", s, nodeName(n), err)
			return 0, false
		}
		return d, true
	}
	if v, ok := firstIntArg(n); ok {
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}
