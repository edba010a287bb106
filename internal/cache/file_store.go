package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/standardbeagle/lazytree/internal/debug"
	lterrors "github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/types"
)

// FileStore keeps one TOML document per cache key under a directory. The
// payload type must round-trip through go-toml, i.e. carry exported fields.
type FileStore[T types.Entity] struct {
	dir string
}

// NewFileStore creates dir if needed. A leading "~/" expands to the home
// directory.
func NewFileStore[T types.Entity](dir string) (*FileStore[T], error) {
	expanded, err := expandHome(dir)
	if err != nil {
		return nil, lterrors.NewCacheError("open", dir, err)
	}
	if err := os.MkdirAll(expanded, 0755); err != nil {
		return nil, lterrors.NewCacheError("open", dir, err)
	}
	return &FileStore[T]{dir: expanded}, nil
}

// Dir returns the resolved directory
func (s *FileStore[T]) Dir() string {
	return s.dir
}

// Get implements Store. Documents written for another key (hash collision)
// or by another layout version are reported as missing.
func (s *FileStore[T]) Get(key string) (*Snapshot[T], error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		debug.LogCache("file miss %s\n", key)
		return nil, nil
	}
	if err != nil {
		return nil, lterrors.NewCacheError("get", key, err)
	}

	var snap Snapshot[T]
	if err := toml.Unmarshal(data, &snap); err != nil {
		return nil, lterrors.NewCacheError("get", key, fmt.Errorf("decode snapshot: %w", err))
	}
	if snap.Key != key || snap.Version != SnapshotVersion {
		debug.LogCache("file ignored %s (key %q version %d)\n", key, snap.Key, snap.Version)
		return nil, nil
	}
	return &snap, nil
}

// Set implements Store. The document is written to a temporary file and
// renamed into place so readers never see a partial snapshot.
func (s *FileStore[T]) Set(key string, snap *Snapshot[T]) error {
	if snap == nil {
		return s.Delete(key)
	}
	out := *snap
	out.Key = key
	out.Version = SnapshotVersion

	data, err := toml.Marshal(&out)
	if err != nil {
		return lterrors.NewCacheError("set", key, fmt.Errorf("encode snapshot: %w", err))
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return lterrors.NewCacheError("set", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return lterrors.NewCacheError("set", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return lterrors.NewCacheError("set", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return lterrors.NewCacheError("set", key, err)
	}
	debug.LogCache("file stored %s (%d nodes)\n", key, len(out.Nodes))
	return nil
}

// Delete implements Store
func (s *FileStore[T]) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return lterrors.NewCacheError("delete", key, err)
	}
	return nil
}

func (s *FileStore[T]) path(key string) string {
	return filepath.Join(s.dir, HashKey(key)+".toml")
}

func expandHome(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}
