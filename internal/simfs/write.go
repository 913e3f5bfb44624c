package simfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"simfs/internal/config"
)

// Write implements the read-modify-write contract in §4.6: load the
// existing content (missing treated as empty), extend with zero-fill
// if the write reaches past the current end, overwrite the window,
// and store the result.
func (n *node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if errno := n.fsys.write(ctx, n.path, data, off); errno != 0 {
		return 0, errno
	}
	return uint32(len(data)), 0
}

func (f *FS) write(ctx context.Context, path string, data []byte, off int64) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, _, err := f.store.Get(ctx, contentKey(path))
	if err != nil {
		f.logger.Error("simfs: write failed reading existing content", "path", path, "error", err)
		return syscall.EIO
	}

	end := off + int64(len(data))
	var buf []byte
	if int64(len(existing)) >= end {
		buf = existing
	} else {
		buf = make([]byte, end) // zero-filled by make, covering any gap past len(existing)
		copy(buf, existing)
	}
	copy(buf[off:end], data)

	if err := f.store.Put(ctx, contentKey(path), buf); err != nil {
		f.logger.Error("simfs: write failed storing content", "path", path, "error", err)
		return syscall.EIO
	}
	if err := f.store.Put(ctx, metaKey(path), []byte(tagFile)); err != nil {
		f.logger.Error("simfs: write failed storing meta", "path", path, "error", err)
		return syscall.EIO
	}

	f.invalidateConfigIfNeeded(path)
	return 0
}

// Create sets meta:path = type:file and content:path = empty, per
// §4.6.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	full := childPath(n.path, name)
	if errno := n.fsys.create(ctx, full); errno != 0 {
		return nil, nil, 0, errno
	}
	child := n.NewInode(ctx, &node{fsys: n.fsys, path: full}, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(full),
	})
	return child, nil, fuse.FOPEN_DIRECT_IO | fuse.FOPEN_NONSEEKABLE, 0
}

func (f *FS) create(ctx context.Context, path string) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Put(ctx, contentKey(path), []byte{}); err != nil {
		f.logger.Error("simfs: create failed storing content", "path", path, "error", err)
		return syscall.EIO
	}
	if err := f.store.Put(ctx, metaKey(path), []byte(tagFile)); err != nil {
		f.logger.Error("simfs: create failed storing meta", "path", path, "error", err)
		return syscall.EIO
	}
	f.invalidateConfigIfNeeded(path)
	return 0
}

// Unlink deletes both meta:path and content:path.
func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.fsys.unlink(ctx, childPath(n.path, name))
}

func (f *FS) unlink(ctx context.Context, path string) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Delete(ctx, metaKey(path)); err != nil {
		f.logger.Error("simfs: unlink failed deleting meta", "path", path, "error", err)
		return syscall.EIO
	}
	if err := f.store.Delete(ctx, contentKey(path)); err != nil {
		f.logger.Error("simfs: unlink failed deleting content", "path", path, "error", err)
		return syscall.EIO
	}
	f.invalidateConfigIfNeeded(path)
	return 0
}

// Mkdir sets meta:path = type:dir.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	full := childPath(n.path, name)
	if errno := n.fsys.mkdir(ctx, full); errno != 0 {
		return nil, errno
	}
	return n.NewInode(ctx, &node{fsys: n.fsys, path: full}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(full),
	}), 0
}

func (f *FS) mkdir(ctx context.Context, path string) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Put(ctx, metaKey(path), []byte(tagDir)); err != nil {
		f.logger.Error("simfs: mkdir failed", "path", path, "error", err)
		return syscall.EIO
	}
	return 0
}

// Rmdir deletes meta:path. No recursive-emptiness check is performed;
// the kernel enforces it via a prior readdir.
func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.fsys.rmdir(ctx, childPath(n.path, name))
}

func (f *FS) rmdir(ctx context.Context, path string) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Delete(ctx, metaKey(path)); err != nil {
		f.logger.Error("simfs: rmdir failed", "path", path, "error", err)
		return syscall.EIO
	}
	return 0
}

// invalidateConfigIfNeeded flushes the config cache whenever a write,
// create, or unlink targets a config file, per §4.5's invalidation
// rule. Callers must hold f.mu; InvalidateAll takes its own
// config-cache lock (§5 lock #5), which nests correctly under the
// main filesystem lock.
func (f *FS) invalidateConfigIfNeeded(path string) {
	if config.IsConfigFile(basename(path)) {
		f.resolver.InvalidateAll()
	}
}
