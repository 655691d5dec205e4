package fsutil

// FileStore provides an interface for file system operations
type FileStore interface {
	// ReadFile reads a file and returns its contents
	ReadFile(path string) ([]byte, error)

	// Glob expands a pattern that may contain ** into the matching regular
	// files, sorted by path
	Glob(pattern string) ([]string, error)

	// GetFileStats returns the total count and size of the given files
	GetFileStats(paths []string) (Stat, error)
}

// Stat represents statistics about a set of files
type Stat struct {
	Count int   // Number of files
	Size  int64 // Total size in bytes
}
