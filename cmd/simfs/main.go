// Command simfs mounts the LLM-synthesized filesystem at a given
// mount point: reads of paths that have never been materialized
// stream a generation request to a remote LLM endpoint and persist
// the result; reads of already-materialized paths, and ordinary
// write/create/unlink/mkdir/rmdir, behave like a normal filesystem
// backed by the embedded store.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"

	"simfs/internal/llm"
	"simfs/internal/simfs"
	"simfs/internal/store"
)

const (
	defaultEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultModel    = "gpt-4o-mini"
)

func main() {
	dbPath := flag.String("db-path", "./simfs.db", "path to the embedded key-value store")
	llmEndpoint := flag.String("llm-endpoint", defaultEndpoint, "LLM chat-completions endpoint")
	debug := flag.Bool("d", false, "enable FUSE debug output")
	_ = flag.Bool("f", true, "run in the foreground (accepted for compatibility; this process never daemonizes)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] MOUNTPOINT\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	mountpoint := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	endpoint := *llmEndpoint
	if endpoint == defaultEndpoint {
		if env := os.Getenv("LLM_ENDPOINT"); env != "" {
			endpoint = env
		}
	}

	if endpoint == defaultEndpoint && os.Getenv("OPENAI_API_KEY") == "" {
		log.Fatalf("simfs: OPENAI_API_KEY is required when using the default LLM endpoint")
	}

	st, err := store.Open(store.Config{Path: *dbPath, Logger: logger})
	if err != nil {
		log.Fatalf("simfs: opening store: %v", err)
	}

	llmClient := llm.NewClient(llm.Config{
		Endpoint: endpoint,
		Logger:   logger,
	})

	filesystem := simfs.NewFS(simfs.Config{
		Store:        st,
		LLMClient:    llmClient,
		DefaultModel: defaultModel,
		Logger:       logger,
	})

	opts := &fs.Options{}
	opts.Debug = *debug
	entryTimeout := time.Duration(0)
	attrTimeout := time.Duration(0)
	negativeTimeout := time.Duration(0)
	opts.EntryTimeout = &entryTimeout
	opts.AttrTimeout = &attrTimeout
	opts.NegativeTimeout = &negativeTimeout

	server, err := fs.Mount(mountpoint, filesystem.Root(), opts)
	if err != nil {
		log.Fatalf("simfs: mount failed: %v", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		server.Unmount()
		os.Exit(0)
	}()

	diagSignals := make(chan os.Signal, 1)
	signal.Notify(diagSignals, syscall.SIGQUIT)
	go func() {
		for range diagSignals {
			logger.Info("simfs: in-flight operations", "dump", filesystem.Diag().Dump())
		}
	}()

	server.Wait()
}
