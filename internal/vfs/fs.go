// Package vfs serves the metrics table as a flat, read-only filesystem.
//
// FileSystem answers attribute, listing, open, and read calls from the
// table alone and keeps no per-call state. Mount adapts it to the kernel
// through go-fuse.
package vfs

import (
	"errors"
	"strings"
	"syscall"
	"time"

	"github.com/depin-agent/nvfs/internal/metrics"
)

var (
	// ErrNotFound is returned for any path other than the root and the
	// configured virtual files.
	ErrNotFound = errors.New("no such file or directory")

	// ErrNotPermitted is returned for any attempt to modify the filesystem.
	ErrNotPermitted = errors.New("operation not permitted")

	// ErrInvalidArgument is returned for negative offsets or lengths.
	ErrInvalidArgument = errors.New("invalid argument")
)

const (
	rootMode = syscall.S_IFDIR | 0o555
	fileMode = syscall.S_IFREG | 0o444
)

// Attr is the subset of stat information the filesystem reports.
type Attr struct {
	Mode  uint32
	Nlink uint32
	Size  uint64
	// Mtime is the time of the last successful publish, zero before it.
	Mtime time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name string
	Mode uint32
}

// Handle is the result of a successful open. It carries no state beyond
// the resolved metric.
type Handle struct {
	Metric metrics.Name
}

// FileSystem implements the filesystem operations over a metrics table.
type FileSystem struct {
	table *metrics.Table
}

// New creates a FileSystem reading from table.
func New(table *metrics.Table) *FileSystem {
	return &FileSystem{table: table}
}

// resolve maps an absolute path to a metric. isRoot is true for "/".
func resolve(path string) (metric metrics.Name, isRoot bool, err error) {
	if path == "/" {
		return 0, true, nil
	}
	name, ok := strings.CutPrefix(path, "/")
	if !ok || name == "" {
		return 0, false, ErrNotFound
	}
	metric, ok = metrics.Lookup(name)
	if !ok {
		return 0, false, ErrNotFound
	}
	return metric, false, nil
}

// Attributes returns the attributes of path. File sizes reflect the
// current value length.
func (f *FileSystem) Attributes(path string) (Attr, error) {
	metric, isRoot, err := resolve(path)
	if err != nil {
		return Attr{}, err
	}
	if isRoot {
		return Attr{Mode: rootMode, Nlink: 2, Mtime: f.table.Snapshot().PublishedAt}, nil
	}
	return f.fileAttr(metric), nil
}

func (f *FileSystem) fileAttr(metric metrics.Name) Attr {
	value, publishedAt := f.table.Value(metric)
	return Attr{
		Mode:  fileMode,
		Nlink: 1,
		Size:  uint64(len(value)),
		Mtime: publishedAt,
	}
}

// ListDirectory returns ".", "..", and the virtual files in a fixed order.
// Only "/" is a directory.
func (f *FileSystem) ListDirectory(path string) ([]DirEntry, error) {
	if path != "/" {
		return nil, ErrNotFound
	}
	entries := make([]DirEntry, 0, len(metrics.Files)+2)
	entries = append(entries,
		DirEntry{Name: ".", Mode: syscall.S_IFDIR},
		DirEntry{Name: "..", Mode: syscall.S_IFDIR},
	)
	for _, file := range metrics.Files {
		entries = append(entries, DirEntry{Name: file.Name, Mode: syscall.S_IFREG})
	}
	return entries, nil
}

// OpenFile succeeds for the virtual files opened read-only. The flags are
// open(2) flags; any write access is refused.
func (f *FileSystem) OpenFile(path string, flags uint32) (Handle, error) {
	metric, isRoot, err := resolve(path)
	if err != nil {
		return Handle{}, err
	}
	if isRoot {
		return Handle{}, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return Handle{}, ErrNotPermitted
	}
	return Handle{Metric: metric}, nil
}

// ReadFile returns up to length bytes of the file's current content
// starting at offset. Reading at or past the end returns no bytes and no
// error.
func (f *FileSystem) ReadFile(path string, offset int64, length int) ([]byte, error) {
	metric, isRoot, err := resolve(path)
	if err != nil {
		return nil, err
	}
	if isRoot {
		return nil, syscall.EISDIR
	}
	return f.read(metric, offset, length)
}

func (f *FileSystem) read(metric metrics.Name, offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrInvalidArgument
	}

	value, _ := f.table.Value(metric)

	if offset >= int64(len(value)) {
		return []byte{}, nil
	}
	end := offset + int64(length)
	if end > int64(len(value)) {
		end = int64(len(value))
	}
	return []byte(value[offset:end]), nil
}
