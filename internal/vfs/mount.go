package vfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/depin-agent/nvfs/internal/metrics"
)

// MountOptions configures the FUSE mount.
type MountOptions struct {
	// Mountpoint is the directory where the filesystem is mounted. It is
	// created if it does not exist.
	Mountpoint string

	// FsName is the source name shown in /proc/mounts.
	FsName string

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// AttrTimeout and EntryTimeout bound kernel caching of attributes
	// and name lookups. File contents are never cached.
	AttrTimeout  time.Duration
	EntryTimeout time.Duration

	// Debug logs every FUSE request.
	Debug bool

	Logger *zap.Logger
}

// Mount mounts fsys at the configured mountpoint. The caller must call
// Unmount on the returned server when done.
func Mount(fsys *FileSystem, options MountOptions) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.FsName == "" {
		options.FsName = "nvfs"
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	log := options.Logger.Named("vfs")

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{fs: fsys}

	attrTimeout := options.AttrTimeout
	entryTimeout := options.EntryTimeout

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
		MountOptions: fuse.MountOptions{
			FsName:     options.FsName,
			Name:       "nvfs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	log.Info("GPU filesystem mounted", zap.String("mountpoint", options.Mountpoint))
	return server, nil
}

// toErrno maps FileSystem errors to FUSE status codes.
func toErrno(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNotPermitted):
		return syscall.EPERM
	case errors.Is(err, ErrInvalidArgument):
		return syscall.EINVAL
	case errors.As(err, &errno):
		return errno
	default:
		return syscall.EIO
	}
}

func fillAttr(a Attr, out *fuse.Attr) {
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	if !a.Mtime.IsZero() {
		out.SetTimes(nil, &a.Mtime, &a.Mtime)
	}
}

// rootNode is the only directory. Its children are created once in OnAdd
// and never change.
type rootNode struct {
	gofuse.Inode
	fs *FileSystem
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeOnAdder = (*rootNode)(nil)
var _ gofuse.NodeGetattrer = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)
var _ gofuse.NodeSetattrer = (*rootNode)(nil)
var _ gofuse.NodeCreater = (*rootNode)(nil)
var _ gofuse.NodeMkdirer = (*rootNode)(nil)
var _ gofuse.NodeMknoder = (*rootNode)(nil)
var _ gofuse.NodeUnlinker = (*rootNode)(nil)
var _ gofuse.NodeRmdirer = (*rootNode)(nil)
var _ gofuse.NodeRenamer = (*rootNode)(nil)
var _ gofuse.NodeSymlinker = (*rootNode)(nil)
var _ gofuse.NodeLinker = (*rootNode)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	for i, file := range metrics.Files {
		child := r.NewPersistentInode(ctx, &fileNode{fs: r.fs, path: "/" + file.Name},
			gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: uint64(i + 2)})
		r.AddChild(file.Name, child, true)
	}
}

func (r *rootNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := r.fs.Attributes("/")
	if err != nil {
		return toErrno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := r.fs.Attributes("/" + name)
	if err != nil {
		return nil, toErrno(err)
	}
	child := r.GetChild(name)
	if child == nil {
		return nil, syscall.ENOENT
	}
	fillAttr(attr, &out.Attr)
	return child, 0
}

// Readdir lists the virtual files. The "." and ".." entries are
// synthesized by the FUSE runtime.
func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	listing, err := r.fs.ListDirectory("/")
	if err != nil {
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, entry := range listing {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		var ino uint64
		if child := r.GetChild(entry.Name); child != nil {
			ino = child.StableAttr().Ino
		}
		entries = append(entries, fuse.DirEntry{Name: entry.Name, Mode: entry.Mode, Ino: ino})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (r *rootNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EPERM
}

func (r *rootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.ENOTSUP
}

func (r *rootNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, syscall.ENOTSUP
}

func (r *rootNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, syscall.ENOTSUP
}

func (r *rootNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.ENOTSUP
}

func (r *rootNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.ENOTSUP
}

func (r *rootNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.ENOTSUP
}

func (r *rootNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, syscall.ENOTSUP
}

func (r *rootNode) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, syscall.ENOTSUP
}

// fileNode is one virtual file. It holds only its path; content and size
// come from the table on every call.
type fileNode struct {
	gofuse.Inode
	fs   *FileSystem
	path string
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)
var _ gofuse.NodeWriter = (*fileNode)(nil)
var _ gofuse.NodeGetxattrer = (*fileNode)(nil)
var _ gofuse.NodeSetxattrer = (*fileNode)(nil)
var _ gofuse.NodeRemovexattrer = (*fileNode)(nil)
var _ gofuse.NodeListxattrer = (*fileNode)(nil)

func (n *fileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fs.Attributes(n.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

// Setattr rejects truncation, chmod, chown, and utimes alike.
func (n *fileNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EPERM
}

// Open returns no handle. Direct I/O keeps reads from being clipped to a
// size the kernel cached before the value changed length.
func (n *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if _, err := n.fs.OpenFile(n.path, flags); err != nil {
		return nil, 0, toErrno(err)
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.fs.ReadFile(n.path, off, len(dest))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *fileNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	return 0, syscall.EPERM
}

func (n *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOTSUP
}

func (n *fileNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return syscall.ENOTSUP
}

func (n *fileNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return syscall.ENOTSUP
}

func (n *fileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return 0, syscall.ENOTSUP
}
