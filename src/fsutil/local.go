package fsutil

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// LocalFileStore implements FileStore using the local filesystem
type LocalFileStore struct{}

// NewLocalFileStore creates a new LocalFileStore
func NewLocalFileStore() FileStore {
	return &LocalFileStore{}
}

func (fs *LocalFileStore) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (fs *LocalFileStore) Glob(pattern string) ([]string, error) {
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to expand %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (fs *LocalFileStore) GetFileStats(paths []string) (Stat, error) {
	var stat Stat
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return Stat{}, err
		}
		if info.IsDir() {
			continue
		}
		stat.Count++
		stat.Size += info.Size()
	}
	return stat, nil
}
