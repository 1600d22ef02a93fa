// Package diagnostics holds the run-wide health counters the engine
// maintains alongside the accounting graph: event throughput, page size,
// and the three "something didn't match up, but we kept going" tallies
// (dropped events, malformed records, untracked frees).
package diagnostics

import "sync/atomic"

// Counters is safe for concurrent use; the engine's poll loop writes to it
// while the debug server reads a Snapshot concurrently.
type Counters struct {
	traceCount       atomic.Int64
	pageAllocCounter atomic.Int64
	pageFreeCounter  atomic.Int64
	droppedEvents    atomic.Int64
	malformedRecords atomic.Int64
	untrackedFree    atomic.Int64
	pageSize         atomic.Int64
}

// New returns a zeroed Counters with pageSize recorded once at startup.
func New(pageSize int64) *Counters {
	c := &Counters{}
	c.pageSize.Store(pageSize)
	return c
}

func (c *Counters) AddTraceCount(n int64)       { c.traceCount.Add(n) }
func (c *Counters) AddPageAlloc(n int64)        { c.pageAllocCounter.Add(n) }
func (c *Counters) AddPageFree(n int64)         { c.pageFreeCounter.Add(n) }
func (c *Counters) AddDroppedEvents(n int64)    { c.droppedEvents.Add(n) }
func (c *Counters) AddMalformedRecords(n int64) { c.malformedRecords.Add(n) }
func (c *Counters) AddUntrackedFree(n int64)    { c.untrackedFree.Add(n) }

// Snapshot is a point-in-time copy of every counter, suitable for JSON
// encoding or a text report row.
type Snapshot struct {
	TraceCount       int64 `json:"trace_count"`
	PageAllocCounter int64 `json:"page_alloc_counter"`
	PageFreeCounter  int64 `json:"page_free_counter"`
	DroppedEvents    int64 `json:"dropped_events"`
	MalformedRecords int64 `json:"malformed_records"`
	UntrackedFree    int64 `json:"untracked_free"`
	PageSize         int64 `json:"page_size"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TraceCount:       c.traceCount.Load(),
		PageAllocCounter: c.pageAllocCounter.Load(),
		PageFreeCounter:  c.pageFreeCounter.Load(),
		DroppedEvents:    c.droppedEvents.Load(),
		MalformedRecords: c.malformedRecords.Load(),
		UntrackedFree:    c.untrackedFree.Load(),
		PageSize:         c.pageSize.Load(),
	}
}
