// Command memstrack is the memory allocation tracer binary. It loads a YAML
// configuration file, opens the kernel tracepoint ring buffers, runs the
// accounting engine until interrupted, and writes a one-shot text report
// (task_summary or module_summary) before exiting. It optionally serves a
// debug API alongside the tracer for live inspection; its only mutating
// route toggles the page-free backtrack mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/clayding/memstrack/internal/config"
	"github.com/clayding/memstrack/internal/debugserver"
	"github.com/clayding/memstrack/internal/diagnostics"
	"github.com/clayding/memstrack/internal/engine"
	"github.com/clayding/memstrack/internal/ksyms"
	"github.com/clayding/memstrack/internal/report"
	"github.com/clayding/memstrack/internal/ringbuf"
	"github.com/clayding/memstrack/internal/symbolcache"
	"github.com/clayding/memstrack/internal/symbols"
	"github.com/clayding/memstrack/internal/tracefmt"
	"github.com/clayding/memstrack/internal/tracenode"
)

// reportLoopInterval is how often the report re-renders when cfg.ReportLoop
// is set, instead of only once at exit.
const reportLoopInterval = 2 * time.Second

func main() {
	configPath := flag.String("config", "/etc/memstrack/config.yaml", "path to the memstrack YAML configuration file")
	symbolCachePath := flag.String("symbol-cache", "/var/lib/memstrack/symbols.db", "path to the persistent symbol cache database (empty disables caching)")
	flag.Parse()

	runID := uuid.NewString()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memstrack: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel).With(slog.String("run_id", runID))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("report", cfg.Report),
		slog.Bool("track_slab", cfg.TrackSlab),
		slog.String("debug_addr", cfg.DebugAddr),
		slog.Int("ring_buffer_bytes", cfg.RingBufferBytes),
	)

	if os.Geteuid() != 0 {
		logger.Error("memstrack requires root permission to trace kernel memory events")
		os.Exit(int(syscall.EPERM))
	}

	raisePriority(logger)

	// tune_glibc() in the original tunes the allocator's top-of-heap padding
	// and trim threshold down to 4 KiB so the tracer's own allocations don't
	// distort the metric it is measuring. GOGC has no direct equivalent, but
	// a lower percentage buys the same thing: a smaller, more frequently
	// trimmed heap for this process.
	debug.SetGCPercent(50)

	counters := diagnostics.New(int64(os.Getpagesize()))

	source := ringbuf.NewSource(counters)
	tracepoints := make([]ringbuf.Tracepoint, 0, len(cfg.Tracepoints))
	for _, name := range cfg.Tracepoints {
		tracepoints = append(tracepoints, ringbuf.Tracepoint{Group: "kmem", Name: name})
	}
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}

	if err := source.Install(ringbuf.NewLinuxTransport(), cpus, tracepoints, cfg.RingBufferBytes); err != nil {
		logger.Error("failed initializing perf events", slog.Any("error", err))
		os.Exit(1)
	}

	parser := tracefmt.New(counters)
	resolver := symbols.New(ksyms.NewProcTable())
	if err := resolver.ReloadSymbols(); err != nil {
		logger.Warn("initial symbol load failed, backtraces will fall back to hex", slog.Any("error", err))
	}

	symCache := openSymbolCache(*symbolCachePath, logger, resolver)
	if symCache != nil {
		defer closeSymbolCache(symCache, resolver, logger)
	}

	graph := tracenode.NewGraph(cfg.MaxFrames, cfg.PageFreeAlwaysBacktrack, counters)

	eng := engine.New(logger, source, parser, resolver, graph, counters, engine.WithSlabTracking(cfg.TrackSlab))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start tracer engine", slog.Any("error", err))
		os.Exit(1)
	}

	debugHTTP := startDebugServer(cfg, graph, eng, resolver, logger)

	logger.Warn("tracing memory allocations, press ^C to interrupt")

	stopReportLoop := make(chan struct{})
	if cfg.ReportLoop {
		go runReportLoop(cfg, graph, counters, logger, stopReportLoop)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	close(stopReportLoop)
	eng.Stop()

	if debugHTTP != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := debugHTTP.Shutdown(shutdownCtx); err != nil {
			logger.Warn("debug API server shutdown error", slog.Any("error", err))
		}
	}

	if err := writeFinalReport(cfg, graph, counters.Snapshot()); err != nil {
		logger.Error("failed to write final report", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("memstrack exited cleanly")
}

// openSymbolCache opens the persistent symbol cache and seeds resolver from
// it. A failure to open or load is non-fatal: the tracer runs without
// cross-run symbol persistence, falling back to resolving everything fresh.
func openSymbolCache(path string, logger *slog.Logger, resolver *symbols.Resolver) *symbolcache.Cache {
	if path == "" {
		return nil
	}

	fingerprint := kernelFingerprint()
	cache, err := symbolcache.Open(path, fingerprint)
	if err != nil {
		logger.Warn("failed to open symbol cache, continuing without persistence",
			slog.String("path", path), slog.Any("error", err))
		return nil
	}

	seed, err := cache.LoadAll()
	if err != nil {
		logger.Warn("failed to load persisted symbol cache", slog.Any("error", err))
		return cache
	}
	resolver.Seed(seed)
	logger.Info("seeded symbol resolver from persistent cache",
		slog.String("kernel", fingerprint), slog.Int("entries", len(seed)))
	return cache
}

// closeSymbolCache persists every address resolved this run back to the
// cache before closing it, so the next run against the same kernel build
// starts warm.
func closeSymbolCache(cache *symbolcache.Cache, resolver *symbols.Resolver, logger *slog.Logger) {
	for addr, key := range resolver.Export() {
		if err := cache.Put(addr, key); err != nil {
			logger.Warn("failed to persist resolved symbol", slog.Uint64("addr", addr), slog.Any("error", err))
		}
	}
	if err := cache.Close(); err != nil {
		logger.Warn("error closing symbol cache", slog.Any("error", err))
	}
}

// startDebugServer starts the debug API when cfg.DebugAddr is set,
// returning nil otherwise.
func startDebugServer(cfg *config.Config, graph *tracenode.Graph, eng *engine.Engine, resolver *symbols.Resolver, logger *slog.Logger) *http.Server {
	if cfg.DebugAddr == "" {
		return nil
	}

	srv := debugserver.NewServer(graph, func() engine.Stats {
		return eng.StatsOf(resolver.CacheLen())
	})
	router := debugserver.NewRouter(srv, []byte(cfg.DebugToken))

	httpSrv := &http.Server{
		Addr:         cfg.DebugAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("debug API listening", slog.String("addr", cfg.DebugAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug API server error", slog.Any("error", err))
		}
	}()

	return httpSrv
}

// runReportLoop re-renders the report to cfg.OutputPath on reportLoopInterval
// until stop is closed, instead of only once at exit.
func runReportLoop(cfg *config.Config, graph *tracenode.Graph, counters *diagnostics.Counters, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(reportLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := writeFinalReport(cfg, graph, counters.Snapshot()); err != nil {
				logger.Warn("report loop write failed", slog.Any("error", err))
			}
		}
	}
}

// writeFinalReport renders cfg.Report to cfg.OutputPath ("-" means stdout).
func writeFinalReport(cfg *config.Config, graph *tracenode.Graph, counters diagnostics.Snapshot) error {
	w := os.Stdout
	if cfg.OutputPath != "-" {
		f, err := os.Create(cfg.OutputPath)
		if err != nil {
			return fmt.Errorf("open report output %q: %w", cfg.OutputPath, err)
		}
		defer f.Close()
		return renderReport(f, cfg, graph, counters)
	}
	return renderReport(w, cfg, graph, counters)
}

func renderReport(w *os.File, cfg *config.Config, graph *tracenode.Graph, counters diagnostics.Snapshot) error {
	if cfg.Report == config.ReportModuleSummary {
		return report.WriteModuleSummary(w, graph, cfg.TopOnly, counters)
	}
	return report.WriteTaskSummary(w, graph, cfg.TopOnly, counters)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
