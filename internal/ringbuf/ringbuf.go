// Package ringbuf implements the Event Source: it abstracts a set of
// per-CPU kernel tracepoint ring buffers as a single pollable, de-framing
// stream of raw records, matching the spec's external "ring buffer
// transport" collaborator. The engine never talks to perf_event_open or
// mmap directly; it only ever sees a Source.
package ringbuf

import (
	"errors"

	"github.com/clayding/memstrack/internal/diagnostics"
)

// ErrNotSupported is returned by Transport implementations on platforms
// that have no kernel tracepoint ring buffer (anything but Linux).
var ErrNotSupported = errors.New("ringbuf: tracepoint ring buffers are not supported on this platform")

// Tracepoint names one kernel tracepoint to subscribe to, e.g.
// {Group: "kmem", Name: "mm_page_alloc"}.
type Tracepoint struct {
	Group string
	Name  string
}

func (t Tracepoint) String() string { return t.Group + ":" + t.Name }

// Sample is one record pulled off a ring, tagged with the CPU it came from.
// Lost is non-zero for a kernel-reported overrun record: Data is nil and
// Lost carries the number of records the kernel dropped before the reader
// caught up.
type Sample struct {
	CPU        int
	Tracepoint Tracepoint
	Data       []byte
	Lost       uint64

	// Callchain holds the raw instruction addresses captured by
	// PERF_SAMPLE_CALLCHAIN, innermost frame first, for events that carry
	// one. It is empty for tracepoints with no associated stack. It may also
	// hold the kernel's reserved in-band PERF_CONTEXT_* marker values, which
	// tracefmt filters out.
	Callchain []uint64
}

// RingReader is one open per-(cpu, tracepoint) ring buffer.
type RingReader interface {
	// Fd returns the underlying descriptor, for installing into the host
	// event loop's poll set.
	Fd() int
	// Next returns the next available sample without blocking. ok is
	// false when the ring is currently empty.
	Next() (sample Sample, ok bool, err error)
	Close() error
}

// Transport opens one ring buffer for a (cpu, tracepoint) pair. The default
// Linux implementation opens a PERF_TYPE_TRACEPOINT perf event and mmaps
// its ring buffer; see perf_linux.go.
type Transport interface {
	Open(cpu int, tp Tracepoint, bufBytes int) (RingReader, error)
}

// Source round-robins a fixed set of RingReaders, the Event Source's
// drain() operation from the spec. It never blocks: callers are expected to
// poll the descriptors from Fds() and invoke Drain when one or more may be
// readable. internal/engine polls them with a 250 ms bound and calls Drain
// after every wait, readable or not.
type Source struct {
	readers  []RingReader
	cursor   int
	counters *diagnostics.Counters
}

// NewSource constructs an empty Source; call Install to open readers.
func NewSource(counters *diagnostics.Counters) *Source {
	return &Source{counters: counters}
}

// Install opens one RingReader per (cpu, tracepoint) pair via transport. If
// any Open call fails, the readers opened so far are closed and the error
// is returned; Install is all-or-nothing.
func (s *Source) Install(transport Transport, cpus []int, tracepoints []Tracepoint, bufBytes int) error {
	var opened []RingReader
	for _, cpu := range cpus {
		for _, tp := range tracepoints {
			r, err := transport.Open(cpu, tp, bufBytes)
			if err != nil {
				for _, o := range opened {
					o.Close()
				}
				return err
			}
			opened = append(opened, r)
		}
	}
	s.readers = opened
	s.cursor = 0
	return nil
}

// Fds returns every installed reader's descriptor, for the hosting event
// loop's poll set.
func (s *Source) Fds() []int {
	fds := make([]int, len(s.readers))
	for i, r := range s.readers {
		fds[i] = r.Fd()
	}
	return fds
}

// Drain round-robins the installed rings starting from where the previous
// call left off, calling handle for every available sample, until every
// ring reports empty in one full pass. It returns the number of samples
// handled. Lost-record markers increment dropped_events instead of being
// handed to handle.
func (s *Source) Drain(handle func(Sample)) int {
	if len(s.readers) == 0 {
		return 0
	}
	handled := 0
	idle := 0
	n := len(s.readers)
	for idle < n {
		r := s.readers[s.cursor]
		s.cursor = (s.cursor + 1) % n
		sample, ok, err := r.Next()
		if err != nil {
			if s.counters != nil {
				s.counters.AddMalformedRecords(1)
			}
			idle++
			continue
		}
		if !ok {
			idle++
			continue
		}
		idle = 0
		if sample.Lost > 0 {
			if s.counters != nil {
				s.counters.AddDroppedEvents(int64(sample.Lost))
			}
			continue
		}
		handled++
		handle(sample)
	}
	return handled
}

// Close releases every installed reader.
func (s *Source) Close() error {
	var first error
	for _, r := range s.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.readers = nil
	return first
}
