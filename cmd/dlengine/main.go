package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/dlengine"
	"github.com/vertextoedge/dlengine/internal/config"
	"github.com/vertextoedge/dlengine/internal/domain"
	"github.com/vertextoedge/dlengine/internal/logger"
)

const version = "0.1.0"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults only when empty)")
	dir := flag.String("dir", "", "Download directory, overrides download.dir")
	reDownload := flag.Bool("redownload", false, "Download again even if the file is complete")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] URL...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	urls := uniqueURLs(flag.Args())
	if len(urls) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.Download.Dir = *dir
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	zapLogger := logger.GetZapLogger()
	zapLogger.Info("starting dlengine",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("urls", len(urls)),
	)

	engine, err := dlengine.Open(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to open download engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for _, raw := range urls {
		name, err := saveName(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", raw, err)
			failed.Store(true)
			continue
		}

		flow := dlengine.NewStatusFlow()
		updates := flow.Subscribe(ctx)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if !report(name, updates) {
				failed.Store(true)
			}
		}()

		engine.Download(ctx, raw, raw, name,
			dlengine.WithStatusFlow(flow),
			dlengine.WithReDownload(*reDownload))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		zapLogger.Info("shutdown signal received, pausing downloads...")
		engine.StopAllDownload()
		failed.Store(true)
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := engine.Close(shutdownCtx); err != nil {
		zapLogger.Error("failed to close download engine", zap.Error(err))
	}

	if failed.Load() {
		logger.Sync()
		os.Exit(1)
	}
}

// uniqueURLs drops repeated URLs. The tag of a download is its URL, so a
// repeat would be ignored by the engine and never report a final status.
func uniqueURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	result := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		result = append(result, u)
	}
	return result
}

// saveName returns the last path segment of rawURL
func saveName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("no file name in URL path")
	}
	return name, nil
}

// report prints status changes of one download until it stops.
// It returns false when the download did not succeed.
func report(name string, updates <-chan domain.Status) bool {
	lastPct := -1
	for s := range updates {
		switch s := s.(type) {
		case domain.Progress:
			pct := int(s.Progress)
			if pct == lastPct {
				continue
			}
			lastPct = pct
			fmt.Printf("%-24s %6.2f%%  %s / %s\n", name, s.Progress,
				humanize.IBytes(uint64(s.CurrentSize)), formatTotal(s.TotalSize))
		case domain.Success:
			fmt.Printf("%-24s done      %s -> %s\n", name, humanize.IBytes(uint64(s.TotalSize)), s.LocalPath)
			return true
		case domain.Error:
			fmt.Printf("%-24s failed    %s\n", name, s.Message)
			return false
		case domain.Pause:
			fmt.Printf("%-24s paused\n", name)
			return false
		case domain.Cancel:
			fmt.Printf("%-24s cancelled\n", name)
			return false
		}
	}
	return false
}

func formatTotal(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}
