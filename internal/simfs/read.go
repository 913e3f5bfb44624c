package simfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"simfs/internal/config"
	"simfs/internal/diag"
	"simfs/internal/genbuf"
	"simfs/internal/llm"
	"simfs/internal/recent"
)

// folderExcerptLimit mirrors the llm package's own cap: context-build
// truncates each sibling's preview to this many bytes before it is
// even handed to the LLM Client, per §4.6 step 4a.
const folderExcerptLimit = 200

func (n *node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return n.fsys.read(ctx, n.path, dest, off)
}

// read implements the central operation in §4.6: in-flight buffer
// join, Store hit, special-filename EOF, or generation.
func (f *FS) read(ctx context.Context, path string, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle := diag.Track(f.diag, "simfs.node", "Read", path)
	defer handle.Done()

	f.inflightMu.Lock()
	buf, inFlight := f.inflight[path]
	f.inflightMu.Unlock()
	if inFlight {
		f.logger.Debug("simfs: joining in-flight generation", "path", path, "offset", off)
		handle.SetPhase("awaiting generation")
		return f.serveFromBuffer(ctx, path, buf, dest, off)
	}

	f.mu.Lock()
	content, found, err := f.store.Get(ctx, contentKey(path))
	f.mu.Unlock()
	if err != nil {
		f.logger.Error("simfs: read failed loading content", "path", path, "error", err)
		return nil, syscall.EIO
	}
	if found {
		f.logger.Debug("simfs: serving from store", "path", path, "offset", off)
		f.recent.Push(path)
		return fuse.ReadResultData(window(content, off, len(dest))), 0
	}

	if IsSpecial(basename(path)) {
		return fuse.ReadResultData(nil), 0
	}

	handle.SetPhase("starting generation")
	return f.generateAndServe(ctx, path, dest, off)
}

// serveFromBuffer services a read from an in-flight Streaming Buffer
// and, if this call observes both terminal-complete and
// offset >= total size, performs the exactly-once persist-and-remove.
func (f *FS) serveFromBuffer(ctx context.Context, path string, buf *genbuf.Buffer, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := buf.Read(ctx, off, len(dest))
	if err != nil {
		return nil, syscall.EINTR
	}

	if buf.IsComplete() && off >= buf.TotalSize() {
		f.finalize(path, buf)
	}

	return fuse.ReadResultData(data), 0
}

// finalize removes buf from the in-flight map and, unless it ended in
// error, persists its bytes as content:path / meta:path. The
// delete-under-lock-then-act sequence guarantees this runs at most
// once per generation even though many readers may observe the
// complete-and-past-end condition simultaneously.
func (f *FS) finalize(path string, buf *genbuf.Buffer) {
	f.inflightMu.Lock()
	current, ok := f.inflight[path]
	if !ok || current != buf {
		f.inflightMu.Unlock()
		return
	}
	delete(f.inflight, path)
	f.inflightMu.Unlock()

	if buf.HasError() {
		f.logger.Warn("simfs: generation ended in error, nothing persisted",
			"path", path, "error", buf.ErrorMessage())
		return
	}

	data := buf.Bytes()
	ctx := context.Background()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.store.Put(ctx, contentKey(path), data); err != nil {
		f.logger.Error("simfs: failed persisting generated content", "path", path, "error", err)
		return
	}
	if err := f.store.Put(ctx, metaKey(path), []byte(tagFile)); err != nil {
		f.logger.Error("simfs: failed persisting generated meta", "path", path, "error", err)
	}
}

// generateAndServe implements §4.6 step 4: a second in-flight check
// (a racing reader may have started generation between the caller's
// first check and now), then context gathering, config resolution,
// and starting the streaming generation, all performed under the
// in-flight-map lock so that two concurrent first-readers of the same
// path can never start two generations.
func (f *FS) generateAndServe(ctx context.Context, path string, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.inflightMu.Lock()

	if buf, ok := f.inflight[path]; ok {
		f.inflightMu.Unlock()
		return f.serveFromBuffer(ctx, path, buf, dest, off)
	}

	folderContext, exclude := f.gatherFolderContext(ctx, path)
	recentFiles := f.gatherRecentContext(ctx, exclude)

	cfg, err := f.resolver.Resolve(ctx, path)
	if err != nil {
		f.inflightMu.Unlock()
		f.logger.Error("simfs: config resolve failed", "path", path, "error", err)
		return nil, syscall.EIO
	}

	f.logger.Debug("simfs: starting generation", "path", path, "model", cfg.Model)
	buf := f.llmClient.GenerateStream(ctx, llm.Request{
		Path:          path,
		FolderContext: folderContext,
		RecentFiles:   recentFiles,
		Model:         cfg.Model,
	})
	f.inflight[path] = buf
	f.inflightMu.Unlock()

	f.recent.Push(path)

	return f.serveFromBuffer(ctx, path, buf, dest, off)
}

// gatherFolderContext lists path's parent directory, loads each
// sibling file's stored content truncated to folderExcerptLimit
// bytes, and returns it alongside the exclude set (path itself plus
// every sibling that was included) for the recent-file pass.
func (f *FS) gatherFolderContext(ctx context.Context, path string) ([]llm.ContextFile, map[string]bool) {
	exclude := map[string]bool{path: true}

	dir := config.Dir(path)
	siblings, err := f.listChildren(ctx, dir)
	if err != nil {
		f.logger.Error("simfs: folder context scan failed", "path", path, "error", err)
		return nil, exclude
	}

	var folder []llm.ContextFile
	for _, sibling := range siblings {
		if sibling.isDir || IsSpecial(sibling.name) {
			continue
		}
		siblingPath := childPath(dir, sibling.name)
		if siblingPath == path {
			continue
		}

		f.mu.Lock()
		content, found, err := f.store.Get(ctx, contentKey(siblingPath))
		f.mu.Unlock()
		if err != nil {
			f.logger.Error("simfs: folder context read failed", "path", siblingPath, "error", err)
			continue
		}
		if !found {
			continue
		}

		excerpt := content
		if len(excerpt) > folderExcerptLimit {
			excerpt = excerpt[:folderExcerptLimit]
		}
		folder = append(folder, llm.ContextFile{Path: siblingPath, Excerpt: string(excerpt)})
		exclude[siblingPath] = true
	}
	return folder, exclude
}

// gatherRecentContext builds the recent-file context list via the
// Recent-Access Tracker's context-build companion operation.
func (f *FS) gatherRecentContext(ctx context.Context, exclude map[string]bool) []llm.ContextFile {
	snapshot := f.recent.Snapshot()

	fetch := func(path string) ([]byte, bool, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.store.Get(ctx, contentKey(path))
	}

	files, err := recent.BuildContext(snapshot, exclude, fetch, IsSpecial)
	if err != nil {
		f.logger.Error("simfs: recent context build failed", "error", err)
		return nil
	}

	result := make([]llm.ContextFile, len(files))
	for i, cf := range files {
		result[i] = llm.ContextFile{Path: cf.Path, Excerpt: cf.Tail}
	}
	return result
}

// window returns min(max, len(data)-offset) bytes from data starting
// at offset, or nil at or past EOF.
func window(data []byte, offset int64, max int) []byte {
	if offset >= int64(len(data)) {
		return nil
	}
	end := offset + int64(max)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end]
}
