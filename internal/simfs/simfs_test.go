package simfs_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"

	"simfs/internal/llm"
	"simfs/internal/llm/llmtest"
	"simfs/internal/simfs"
	"simfs/internal/store"
)

// mountTestFS opens a fresh store in a temp directory, a mock LLM
// endpoint configured by llmOpts, and mounts the resulting filesystem
// at a fresh temp directory. It returns the mount point and the mock
// server so tests can assert on request counts and fields.
func mountTestFS(t *testing.T, llmOpts ...llmtest.Option) (string, *llmtest.Server) {
	t.Helper()

	srv := llmtest.New(llmOpts...)
	t.Cleanup(srv.Close)

	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "simfs.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})

	client := llm.NewClient(llm.Config{Endpoint: srv.URL})
	fsys := simfs.NewFS(simfs.Config{
		Store:        st,
		LLMClient:    client,
		DefaultModel: "default-model",
	})

	mountDir := t.TempDir()
	opts := &gofuse.Options{}
	entryTimeout := time.Duration(0)
	attrTimeout := time.Duration(0)
	negativeTimeout := time.Duration(0)
	opts.EntryTimeout = &entryTimeout
	opts.AttrTimeout = &attrTimeout
	opts.NegativeTimeout = &negativeTimeout

	server, err := gofuse.Mount(mountDir, fsys.Root(), opts)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Unmount()
	})

	return mountDir, srv
}

func TestCreateWriteGetattrReadRoundTrip(t *testing.T) {
	mountDir, _ := mountTestFS(t)
	path := filepath.Join(mountDir, "a.txt")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 5 {
		t.Errorf("Size() = %d, want 5", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("ReadFile = %q, want %q", data, "hello")
	}
}

func TestNeverSeenDottedFileTriggersGeneration(t *testing.T) {
	mountDir, srv := mountTestFS(t, llmtest.WithStreamContent("# never_seen\n"))

	data, err := os.ReadFile(filepath.Join(mountDir, "never_seen.md"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "# never_seen\n" {
		t.Errorf("ReadFile = %q, want %q", data, "# never_seen\n")
	}
	if got := srv.RequestCount(); got != 1 {
		t.Errorf("RequestCount = %d, want 1", got)
	}

	// A second read must be served from the store, not a new generation.
	data2, err := os.ReadFile(filepath.Join(mountDir, "never_seen.md"))
	if err != nil {
		t.Fatalf("second ReadFile: %v", err)
	}
	if string(data2) != "# never_seen\n" {
		t.Errorf("second ReadFile = %q, want %q", data2, "# never_seen\n")
	}
	if got := srv.RequestCount(); got != 1 {
		t.Errorf("RequestCount after second read = %d, want 1 (no re-generation)", got)
	}
}

func TestGetattrNoDotBasenameNotFound(t *testing.T) {
	mountDir, srv := mountTestFS(t)

	_, err := os.Stat(filepath.Join(mountDir, "foo"))
	if !os.IsNotExist(err) {
		t.Errorf("Stat error = %v, want IsNotExist", err)
	}
	if got := srv.RequestCount(); got != 0 {
		t.Errorf("RequestCount = %d, want 0", got)
	}
}

func TestGetattrSpecialFilenameNotFoundNoGeneration(t *testing.T) {
	mountDir, srv := mountTestFS(t)

	_, err := os.Stat(filepath.Join(mountDir, ".DS_Store"))
	if !os.IsNotExist(err) {
		t.Errorf("Stat error = %v, want IsNotExist", err)
	}
	if got := srv.RequestCount(); got != 0 {
		t.Errorf("RequestCount = %d, want 0", got)
	}
}

func TestConcurrentReadersCauseExactlyOneGeneration(t *testing.T) {
	longContent := ""
	for i := 0; i < 50; i++ {
		longContent += "line of generated content\n"
	}
	mountDir, srv := mountTestFS(t, llmtest.WithStreamContent(longContent))

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := os.ReadFile(filepath.Join(mountDir, "shared.md"))
			results[i] = string(data)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("reader %d: ReadFile: %v", i, err)
		}
	}
	if results[0] != longContent || results[1] != longContent {
		t.Errorf("readers disagree or missed content: %q vs %q", results[0], results[1])
	}
	if got := srv.RequestCount(); got != 1 {
		t.Errorf("RequestCount = %d, want exactly 1", got)
	}
}

func TestConfigFileSelectsModelThenUnlinkReverts(t *testing.T) {
	mountDir, srv := mountTestFS(t)

	configPath := filepath.Join(mountDir, ".simfs_config.toml")
	if err := os.WriteFile(configPath, []byte("model = \"X\"\n"), 0644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}

	if _, err := os.ReadFile(filepath.Join(mountDir, "file.py")); err != nil {
		t.Fatalf("ReadFile file.py: %v", err)
	}
	if got := srv.LastModel(); got != "X" {
		t.Errorf("LastModel = %q, want %q", got, "X")
	}

	if err := os.Remove(configPath); err != nil {
		t.Fatalf("Remove config: %v", err)
	}

	if _, err := os.ReadFile(filepath.Join(mountDir, "other.py")); err != nil {
		t.Fatalf("ReadFile other.py: %v", err)
	}
	if got := srv.LastModel(); got != "default-model" {
		t.Errorf("LastModel after unlink = %q, want %q (cache flushed, default restored)", got, "default-model")
	}
}
