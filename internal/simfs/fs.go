// Package simfs implements the Filesystem Front-End: the go-fuse node
// tree and the read/write/create/unlink/mkdir/rmdir algorithms that
// compose the Store, the Streaming Buffer in-flight table, the LLM
// Client, the Recent-Access Tracker, and the Config Resolver into a
// lazily-materialized, LLM-synthesized filesystem.
package simfs

import (
	"context"
	"hash/fnv"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"simfs/internal/config"
	"simfs/internal/diag"
	"simfs/internal/genbuf"
	"simfs/internal/llm"
	"simfs/internal/recent"
	"simfs/internal/store"
)

const (
	metaPrefix    = "meta:"
	contentPrefix = "content:"

	tagDir  = "type:dir"
	tagFile = "type:file"
)

func metaKey(path string) string    { return metaPrefix + path }
func contentKey(path string) string { return contentPrefix + path }

// Config holds the dependencies FS is built from.
type Config struct {
	Store        *store.Store
	LLMClient    *llm.Client
	DefaultModel string
	Logger       *slog.Logger
}

// FS owns every piece of shared state described by §3 and coordinates
// them per the read algorithm in §4.6. It is not itself a go-fuse
// node; Root returns the node representing "/".
type FS struct {
	store     *store.Store
	llmClient *llm.Client
	recent    *recent.Tracker
	resolver  *config.Resolver
	diag      *diag.Tracker
	logger    *slog.Logger

	defaultModel string

	// mu is the main filesystem lock (§5 lock #2): it guards the
	// ad-hoc multi-key Store reads that getattr/readdir/write perform.
	// It is never held while blocked on a Streaming Buffer.
	mu sync.Mutex

	// inflightMu is the in-flight-map lock (§5 lock #1), the
	// outermost lock in the nesting order.
	inflightMu sync.Mutex
	inflight   map[string]*genbuf.Buffer
}

// NewFS constructs an FS from cfg.
func NewFS(cfg Config) *FS {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f := &FS{
		store:        cfg.Store,
		llmClient:    cfg.LLMClient,
		recent:       recent.New(),
		diag:         diag.NewTracker(),
		logger:       logger,
		defaultModel: cfg.DefaultModel,
		inflight:     make(map[string]*genbuf.Buffer),
	}
	f.resolver = config.New(f.fetchConfigFile, cfg.DefaultModel, logger)
	return f
}

// fetchConfigFile implements config.ContentFetchFunc by reading the
// config file's content key out of the Store.
func (f *FS) fetchConfigFile(ctx context.Context, dir string) ([]byte, bool, error) {
	return f.store.Get(ctx, contentKey(config.ConfigPath(dir)))
}

// Root returns the go-fuse root node for this filesystem.
func (f *FS) Root() fs.InodeEmbedder {
	return &node{fsys: f, path: ""}
}

// Diag exposes the operation tracker for diagnostics callers (e.g. a
// SIGQUIT handler in cmd/simfs) that want an in-flight-operation dump.
func (f *FS) Diag() *diag.Tracker {
	return f.diag
}

// node is the single go-fuse node type used for every path in the
// tree: the root, every directory, and every file. Its behavior is
// entirely determined by path plus what the Store says about path, so
// one struct suffices instead of separate directory/file node types.
type node struct {
	fs.Inode
	fsys *FS
	path string // absolute path; "" denotes the root directory
}

var _ fs.InodeEmbedder = (*node)(nil)
var _ fs.NodeLookuper = (*node)(nil)
var _ fs.NodeReaddirer = (*node)(nil)
var _ fs.NodeGetattrer = (*node)(nil)
var _ fs.NodeOpener = (*node)(nil)
var _ fs.NodeReader = (*node)(nil)
var _ fs.NodeWriter = (*node)(nil)
var _ fs.NodeCreater = (*node)(nil)
var _ fs.NodeUnlinker = (*node)(nil)
var _ fs.NodeMkdirer = (*node)(nil)
var _ fs.NodeRmdirer = (*node)(nil)

// childPath builds the absolute path of a directory entry named name
// under dir.
func childPath(dir, name string) string {
	return dir + "/" + name
}

// basename returns the final path component.
func basename(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// attrInfo is the result of resolving a path against the data model
// in §3 and the getattr contract in §4.6.
type attrInfo struct {
	isDir     bool
	ephemeral bool // true for a lazily-reported path with no meta: record
	size      uint64
}

// stat resolves path per getattr's contract: root is always a
// directory; an explicit meta: record wins; otherwise a special
// filename is reported not-found, a dotted basename is reported as an
// ephemeral regular file, and anything else is not-found.
func (f *FS) stat(ctx context.Context, path string) (attrInfo, syscall.Errno) {
	if path == "" {
		return attrInfo{isDir: true}, 0
	}

	f.mu.Lock()
	metaVal, found, err := f.store.Get(ctx, metaKey(path))
	if err != nil {
		f.mu.Unlock()
		f.logger.Error("simfs: stat failed reading meta", "path", path, "error", err)
		return attrInfo{}, syscall.EIO
	}
	if found && string(metaVal) == tagDir {
		f.mu.Unlock()
		return attrInfo{isDir: true}, 0
	}
	if found && string(metaVal) == tagFile {
		content, _, err := f.store.Get(ctx, contentKey(path))
		f.mu.Unlock()
		if err != nil {
			f.logger.Error("simfs: stat failed reading content", "path", path, "error", err)
			return attrInfo{}, syscall.EIO
		}
		return attrInfo{size: uint64(len(content))}, 0
	}
	f.mu.Unlock()

	base := basename(path)
	if IsSpecial(base) {
		return attrInfo{}, syscall.ENOENT
	}
	if strings.Contains(base, ".") {
		return attrInfo{ephemeral: true}, 0
	}
	return attrInfo{}, syscall.ENOENT
}

// stableIno computes a deterministic inode number from path, so
// go-fuse reuses the same inode across repeated Lookup calls for the
// same path instead of minting a fresh one every time.
func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	ino := h.Sum64()
	if ino == 0 {
		ino = 1
	}
	return ino
}

// setTimestamps sets Atime/Mtime/Ctime to now: the spec reports the
// wall-clock time at the moment of the call rather than a creation
// time, since content can be rewritten by generation at any point.
func setTimestamps(attr *fuse.Attr) {
	now := time.Now()
	sec := uint64(now.Unix())
	nsec := uint32(now.Nanosecond())
	attr.Atime, attr.Atimensec = sec, nsec
	attr.Mtime, attr.Mtimensec = sec, nsec
	attr.Ctime, attr.Ctimensec = sec, nsec
}

// mountOwner caches the mounting process's effective ids: go-fuse's
// node API does not surface the per-call caller identity to
// Getattr/Lookup, so the owner reported for every entry is the
// identity of the process running this filesystem rather than a
// per-syscall caller.
var mountOwner = fuse.Owner{Uid: uint32(os.Geteuid()), Gid: uint32(os.Getegid())}

func fillAttr(out *fuse.Attr, info attrInfo) {
	if info.isDir {
		out.Mode = syscall.S_IFDIR | 0755
		out.Nlink = 2
	} else {
		out.Mode = syscall.S_IFREG | 0644
		out.Nlink = 1
		out.Size = info.size
	}
	out.Owner = mountOwner
	setTimestamps(out)
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	full := childPath(n.path, name)
	info, errno := n.fsys.stat(ctx, full)
	if errno != 0 {
		return nil, errno
	}

	mode := uint32(syscall.S_IFREG)
	if info.isDir {
		mode = syscall.S_IFDIR
	}
	child := n.NewInode(ctx, &node{fsys: n.fsys, path: full}, fs.StableAttr{
		Mode: mode,
		Ino:  stableIno(full),
	})
	fillAttr(&out.Attr, info)
	return child, 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.listChildren(ctx, n.path)
	if err != nil {
		n.fsys.logger.Error("simfs: readdir failed", "path", n.path, "error", err)
		return nil, syscall.EIO
	}

	dirEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.isDir {
			mode = syscall.S_IFDIR
		}
		dirEntries = append(dirEntries, fuse.DirEntry{Name: e.name, Mode: mode})
	}
	return fs.NewListDirStream(dirEntries), 0
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, errno := n.fsys.stat(ctx, n.path)
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, info)
	return 0
}

// Open always succeeds: existence and content are decided by getattr
// and read respectively, not by open. direct_io disables the kernel
// page cache and nonseekable marks the handle as sequential-stream
// only, which is what makes a generation's bytes visible to the
// reading process as they arrive instead of a zero-filled cache line.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO | fuse.FOPEN_NONSEEKABLE, 0
}

type childEntry struct {
	name  string
	isDir bool
}

// listChildren scans the Store for the direct children of dir,
// per readdir's contract: keys under "meta:<dir>/" whose tail (after
// that prefix) contains no further "/" are direct children.
func (f *FS) listChildren(ctx context.Context, dir string) ([]childEntry, error) {
	prefix := metaPrefix + dir + "/"

	f.mu.Lock()
	entries, err := f.store.ScanPrefixEntries(ctx, prefix)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result := make([]childEntry, 0, len(entries))
	for _, e := range entries {
		relative := strings.TrimSuffix(e.Key[len(prefix):], "/")
		if relative == "" || strings.Contains(relative, "/") {
			continue
		}
		result = append(result, childEntry{name: relative, isDir: string(e.Value) == tagDir})
	}
	return result, nil
}
