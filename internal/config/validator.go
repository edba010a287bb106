package config

import (
	"errors"
	"fmt"
	"strconv"

	lterrors "github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/search"
)

var orderings = map[string]bool{"name": true, "-name": true, "id": true, "-id": true}

var searchModes = map[string]bool{
	search.ModeSubstring: true,
	search.ModeGlob:      true,
	search.ModeFuzzy:     true,
	search.ModeStem:      true,
}

var fuzzyAlgorithms = map[string]bool{
	search.AlgorithmJaroWinkler: true,
	search.AlgorithmLevenshtein: true,
	search.AlgorithmCosine:      true,
}

// Validator validates configuration and sets smart defaults
type Validator struct{}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAndSetDefaults validates configuration and applies smart defaults
// Returns an error if validation fails
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	v.setSmartDefaults(cfg)

	if err := v.validateTreeConfig(&cfg.Tree); err != nil {
		return err
	}
	if err := v.validateCacheConfig(&cfg.Cache); err != nil {
		return err
	}
	if err := v.validateSearchConfig(&cfg.Search); err != nil {
		return err
	}
	if cfg.Source.WatchDebounceMs < 0 {
		return lterrors.NewConfigError("source.watch_debounce_ms", strconv.Itoa(cfg.Source.WatchDebounceMs),
			errors.New("debounce cannot be negative"))
	}
	return nil
}

func (v *Validator) validateTreeConfig(tree *Tree) error {
	if tree.PageSize < 1 {
		return lterrors.NewConfigError("tree.page_size", strconv.Itoa(tree.PageSize),
			fmt.Errorf("page_size must be at least 1, got %d", tree.PageSize))
	}
	if !orderings[tree.Ordering] {
		return lterrors.NewConfigError("tree.ordering", tree.Ordering,
			errors.New("ordering must be one of name, -name, id, -id"))
	}
	if tree.MaxAncestorPages < 1 {
		return lterrors.NewConfigError("tree.max_ancestor_pages", strconv.Itoa(tree.MaxAncestorPages),
			errors.New("max_ancestor_pages must be positive"))
	}
	return nil
}

func (v *Validator) validateCacheConfig(c *Cache) error {
	if c.StaleAfter < 0 {
		return lterrors.NewConfigError("cache.stale_after", c.StaleAfter.String(), errors.New("stale_after cannot be negative"))
	}
	if c.TTL < 0 {
		return lterrors.NewConfigError("cache.ttl", c.TTL.String(), errors.New("ttl cannot be negative"))
	}
	if c.MaxEntries < 0 {
		return lterrors.NewConfigError("cache.max_entries", strconv.Itoa(c.MaxEntries), errors.New("max_entries cannot be negative"))
	}
	if c.Enabled && c.Dir == "" {
		return lterrors.NewConfigError("cache.dir", "", errors.New("dir is required when the cache is enabled"))
	}
	return nil
}

func (v *Validator) validateSearchConfig(s *Search) error {
	if !searchModes[s.Mode] {
		return lterrors.NewConfigError("search.mode", s.Mode, errors.New("unknown search mode"))
	}
	if s.FuzzyThreshold < 0 || s.FuzzyThreshold > 1 {
		return lterrors.NewConfigError("search.fuzzy_threshold", strconv.FormatFloat(s.FuzzyThreshold, 'f', -1, 64),
			errors.New("fuzzy_threshold must be within [0,1]"))
	}
	if !fuzzyAlgorithms[s.FuzzyAlgorithm] {
		return lterrors.NewConfigError("search.fuzzy_algorithm", s.FuzzyAlgorithm, errors.New("unknown fuzzy algorithm"))
	}
	if s.StemMinLength < 1 {
		return lterrors.NewConfigError("search.stem_min_length", strconv.Itoa(s.StemMinLength),
			errors.New("stem_min_length must be positive"))
	}
	if s.Scope != search.ScopeLocal && s.Scope != search.ScopeServer {
		return lterrors.NewConfigError("search.scope", s.Scope, errors.New("scope must be local or server"))
	}
	if s.ExpandDepth < 0 {
		return lterrors.NewConfigError("search.expand_depth", strconv.Itoa(s.ExpandDepth), errors.New("expand_depth cannot be negative"))
	}
	return nil
}

// setSmartDefaults fills empty fields a sparse config left unset
func (v *Validator) setSmartDefaults(cfg *Config) {
	if cfg.Tree.Ordering == "" {
		cfg.Tree.Ordering = "name"
	}
	if cfg.Tree.Filters == nil {
		cfg.Tree.Filters = map[string]string{}
	}
	if cfg.Search.Mode == "" {
		cfg.Search.Mode = search.ModeSubstring
	}
	if cfg.Search.FuzzyAlgorithm == "" {
		cfg.Search.FuzzyAlgorithm = search.AlgorithmJaroWinkler
	}
	if cfg.Search.Scope == "" {
		cfg.Search.Scope = search.ScopeLocal
	}
	if cfg.Search.FilterKey == "" {
		cfg.Search.FilterKey = search.DefaultFilterKey
	}
}

// ValidateConfig is a convenience function for quick validation
func ValidateConfig(cfg *Config) error {
	validator := NewValidator()
	return validator.ValidateAndSetDefaults(cfg)
}
