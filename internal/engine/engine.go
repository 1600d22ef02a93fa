// Package engine is the top-level orchestrator: the single-threaded
// cooperative event loop (§5) that wires the Event Source through the
// Record Parser and Backtrace Resolver into the Tracenode Graph. It mirrors
// memstrack.c's m_loop/poll(250)/on_signal structure, translated into the
// agent's Start(ctx)/Stop lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clayding/memstrack/internal/diagnostics"
	"github.com/clayding/memstrack/internal/ringbuf"
	"github.com/clayding/memstrack/internal/tracefmt"
	"github.com/clayding/memstrack/internal/tracenode"
)

// pollTimeout is the literal 250 ms bound from memstrack.c's loop(), the
// longest the engine ever blocks before re-checking for a shutdown signal.
const pollTimeout = 250 * time.Millisecond

// Source is the subset of ringbuf.Source the engine depends on. Declared as
// an interface so tests can drive the loop with a fake that never touches
// perf_event_open.
type Source interface {
	Fds() []int
	Drain(handle func(ringbuf.Sample)) int
	Close() error
}

// Decoder is the subset of tracefmt.Parser the engine depends on.
type Decoder interface {
	Decode(s ringbuf.Sample) (tracefmt.Event, bool, error)
}

// Resolver is the subset of symbols.Resolver the engine depends on.
type Resolver interface {
	ResolveBacktrace(bt []uint64) []string
}

// Engine drives samples from a Source through a Decoder and Resolver into a
// tracenode.Graph, one poll cycle at a time. It never touches the graph or
// Page Map from any goroutine but its own loop, satisfying the single-writer
// requirement the Tracenode Graph's concurrency model depends on.
type Engine struct {
	cfg      engineConfig
	logger   *slog.Logger
	source   Source
	decoder  Decoder
	resolver Resolver
	graph    *tracenode.Graph
	counters *diagnostics.Counters

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	pollCount int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type engineConfig struct {
	trackSlab bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithSlabTracking enables charging kmem_cache_alloc/free events in addition
// to page events.
func WithSlabTracking(enabled bool) Option {
	return func(e *Engine) { e.cfg.trackSlab = enabled }
}

// New constructs an Engine from its required collaborators. All of source,
// decoder, resolver, graph, and counters must be non-nil.
func New(logger *slog.Logger, source Source, decoder Decoder, resolver Resolver, graph *tracenode.Graph, counters *diagnostics.Counters, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger,
		source:   source,
		decoder:  decoder,
		resolver: resolver,
		graph:    graph,
		counters: counters,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the poll loop on an internal goroutine. It returns an error
// if the engine is already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	e.startTime = time.Now()
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.logger.Info("starting tracer engine",
		slog.Bool("track_slab", e.cfg.trackSlab),
		slog.Int("ring_count", len(e.source.Fds())),
	)

	e.wg.Add(1)
	go e.run(ctx)

	return nil
}

// Stop cancels the poll loop and blocks until it has drained whatever it
// already had buffered and exited. It is safe to call multiple times.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if err := e.source.Close(); err != nil {
		e.logger.Warn("error closing event source", slog.Any("error", err))
	}

	e.logger.Info("tracer engine stopped")
}

// run is the single-threaded cooperative loop: wait up to pollTimeout for a
// ring to become readable (or for the timeout to elapse regardless), drain
// everything currently available, then check for cancellation. Cancellation
// is checked only between poll cycles, so the loop always finishes draining
// whatever a ring already held before exiting, matching the spec's edge
// case that a signal received mid-drain still yields a complete report.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		waitReadable(ctx, e.source.Fds(), pollTimeout)

		n := e.source.Drain(e.handle)

		e.mu.Lock()
		e.pollCount++
		e.mu.Unlock()

		if n > 0 {
			e.logger.Debug("drained samples", slog.Int("count", n))
		}

		if ctx.Err() != nil {
			e.logger.Info("shutdown signal observed, final drain complete")
			return
		}
	}
}

// handle decodes one sample and charges it against the graph. Decode errors
// and unrecognized tracepoints are logged at most at debug level; they never
// stop the loop, matching the Event Source's resynchronize-and-count failure
// mode.
func (e *Engine) handle(s ringbuf.Sample) {
	evt, ok, err := e.decoder.Decode(s)
	if err != nil {
		e.logger.Debug("malformed record", slog.String("tracepoint", s.Tracepoint.String()), slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	e.counters.AddTraceCount(1)

	switch rec := evt.(type) {
	case tracefmt.PageAlloc:
		e.chargePageAlloc(rec)
	case tracefmt.PageFree:
		pages := int64(1) << rec.Order
		paths := e.graph.UnchargePages(rec.PFN, rec.Order)
		for _, path := range paths {
			e.logger.Debug("page_free_always_backtrack leaf path",
				slog.Uint64("pfn", rec.PFN), slog.Any("path", path))
		}
		e.counters.AddPageFree(pages)
	case tracefmt.SlabAlloc:
		if e.cfg.trackSlab {
			e.chargeSlabAlloc(rec)
		}
	case tracefmt.SlabFree:
		if e.cfg.trackSlab {
			e.graph.UnchargeSlabPointer(rec.Ptr)
		}
	}
}

func (e *Engine) chargePageAlloc(rec tracefmt.PageAlloc) {
	pages := int64(1) << rec.Order
	bt := e.resolver.ResolveBacktrace(rec.Backtrace)
	leaf := e.graph.ChargeTaskPages(rec.PID, rec.Comm, bt, pages)
	e.graph.RegisterPages(rec.PFN, rec.Order, leaf)
	e.counters.AddPageAlloc(pages)
}

func (e *Engine) chargeSlabAlloc(rec tracefmt.SlabAlloc) {
	bt := e.resolver.ResolveBacktrace(rec.Backtrace)
	leaf := e.graph.ChargeTaskPages(rec.PID, rec.Comm, bt, 1)
	e.graph.RegisterSlabPointer(rec.Ptr, leaf)
}

// Stats is a point-in-time snapshot of engine and counter state, served by
// the debug server's /api/v1/stats endpoint.
type Stats struct {
	UptimeS    float64              `json:"uptime_s"`
	PollCount  int64                `json:"poll_count"`
	Counters   diagnostics.Snapshot `json:"counters"`
	CacheLen   int                  `json:"symbol_cache_len"`
	PageMapLen int                  `json:"page_map_len"`
	SlabMapLen int                  `json:"slab_map_len"`
	TaskCount  int                  `json:"task_count"`
}

// StatsOf builds a Stats snapshot. cacheLen is supplied by the caller since
// Resolver does not expose CacheLen through the narrow interface above.
func (e *Engine) StatsOf(cacheLen int) Stats {
	e.mu.RLock()
	uptime := time.Since(e.startTime).Seconds()
	polls := e.pollCount
	e.mu.RUnlock()

	return Stats{
		UptimeS:    uptime,
		PollCount:  polls,
		Counters:   e.counters.Snapshot(),
		CacheLen:   cacheLen,
		PageMapLen: e.graph.PageMapLen(),
		SlabMapLen: e.graph.SlabMapLen(),
		TaskCount:  len(e.graph.Tasks(false)),
	}
}
