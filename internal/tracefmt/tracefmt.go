// Package tracefmt is the Record Parser: it turns the raw ftrace-format
// byte payload carried by a ringbuf.Sample into one of the tagged kmem
// event variants the engine charges against the Tracenode graph.
package tracefmt

import (
	"encoding/binary"
	"fmt"

	"github.com/clayding/memstrack/internal/diagnostics"
	"github.com/clayding/memstrack/internal/ringbuf"
)

// Event is implemented by every decoded tracepoint payload.
type Event interface {
	isEvent()
}

// PageAlloc corresponds to kmem:mm_page_alloc.
type PageAlloc struct {
	PID       int32
	Comm      string
	PFN       uint64
	Order     uint32
	GFPFlags  uint32
	Backtrace []uint64 // innermost frame first; empty when no callchain was captured
}

// PageFree corresponds to kmem:mm_page_free.
type PageFree struct {
	PID   int32
	PFN   uint64
	Order uint32
}

// SlabAlloc corresponds to kmem:kmem_cache_alloc (tracked only when slab
// accounting is enabled).
type SlabAlloc struct {
	PID       int32
	Comm      string
	Ptr       uint64
	Bytes     uint64
	CacheName string
	Backtrace []uint64
}

// SlabFree corresponds to kmem:kmem_cache_free.
type SlabFree struct {
	Ptr uint64
}

func (PageAlloc) isEvent() {}
func (PageFree) isEvent()  {}
func (SlabAlloc) isEvent() {}
func (SlabFree) isEvent()  {}

// perfContextMin is the smallest PERF_CONTEXT_* sentinel value the kernel
// interleaves into a callchain to mark a privilege-level boundary (e.g.
// PERF_CONTEXT_KERNEL). Entries at or above this are markers, not
// addresses, and are dropped rather than charged as call-site frames.
const perfContextMin = 0xfffffffffffff000

// commonHeaderSize is sizeof(struct trace_entry) as this tracer extends it:
// u16 type, u8 flags, u8 preempt_count, i32 pid, followed by a fixed-width
// comm buffer (TASK_COMM_LEN), mirroring the teacher's own execEvent
// struct's embedded Comm[16]byte.
const commonHeaderSize = 8 + taskCommLen
const taskCommLen = 16

// Parser decodes raw samples keyed by the tracepoint they came from. It is
// stateless and safe for concurrent use, though the engine only ever calls
// it from its single poll-loop goroutine.
type Parser struct {
	counters *diagnostics.Counters
}

// New returns a Parser that increments counters.malformed_records whenever
// Decode cannot make sense of a record, per the spec's resynchronize-and-
// count failure mode.
func New(counters *diagnostics.Counters) *Parser {
	return &Parser{counters: counters}
}

// Decode converts one ringbuf.Sample into a tagged Event. ok is false (with
// no error) for a tracepoint this parser doesn't recognize, which the
// caller should silently skip rather than count as malformed — an
// unrecognized-but-well-formed tracepoint is a configuration choice, not
// stream corruption.
func (p *Parser) Decode(s ringbuf.Sample) (Event, bool, error) {
	backtrace := filterCallchain(s.Callchain)

	switch s.Tracepoint {
	case tpPageAlloc:
		ev, err := decodePageAlloc(s.Data, backtrace)
		return p.result(ev, err)
	case tpPageFree:
		ev, err := decodePageFree(s.Data)
		return p.result(ev, err)
	case tpCacheAlloc:
		ev, err := decodeSlabAlloc(s.Data, backtrace)
		return p.result(ev, err)
	case tpCacheFree:
		ev, err := decodeSlabFree(s.Data)
		return p.result(ev, err)
	default:
		return nil, false, nil
	}
}

func (p *Parser) result(ev Event, err error) (Event, bool, error) {
	if err != nil {
		if p.counters != nil {
			p.counters.AddMalformedRecords(1)
		}
		return nil, false, err
	}
	return ev, true, nil
}

// filterCallchain drops PERF_CONTEXT_* markers, keeping only real
// instruction addresses, innermost first.
func filterCallchain(ips []uint64) []uint64 {
	if len(ips) == 0 {
		return nil
	}
	out := make([]uint64, 0, len(ips))
	for _, ip := range ips {
		if ip >= perfContextMin {
			continue
		}
		out = append(out, ip)
	}
	return out
}

func decodeCommon(data []byte) (pid int32, comm string, rest []byte, err error) {
	if len(data) < commonHeaderSize {
		return 0, "", nil, fmt.Errorf("tracefmt: record too short for common header: %d bytes", len(data))
	}
	pid = int32(binary.NativeEndian.Uint32(data[4:8]))
	comm = nullTerminated(data[8 : 8+taskCommLen])
	return pid, comm, data[commonHeaderSize:], nil
}

func decodePageAlloc(data []byte, backtrace []uint64) (PageAlloc, error) {
	pid, comm, body, err := decodeCommon(data)
	if err != nil {
		return PageAlloc{}, err
	}
	if len(body) < 16 {
		return PageAlloc{}, fmt.Errorf("tracefmt: mm_page_alloc payload too short: %d bytes", len(body))
	}
	return PageAlloc{
		PID:       pid,
		Comm:      comm,
		PFN:       binary.NativeEndian.Uint64(body[0:8]),
		Order:     binary.NativeEndian.Uint32(body[8:12]),
		GFPFlags:  binary.NativeEndian.Uint32(body[12:16]),
		Backtrace: backtrace,
	}, nil
}

func decodePageFree(data []byte) (PageFree, error) {
	pid, _, body, err := decodeCommon(data)
	if err != nil {
		return PageFree{}, err
	}
	if len(body) < 12 {
		return PageFree{}, fmt.Errorf("tracefmt: mm_page_free payload too short: %d bytes", len(body))
	}
	return PageFree{
		PID:   pid,
		PFN:   binary.NativeEndian.Uint64(body[0:8]),
		Order: binary.NativeEndian.Uint32(body[8:12]),
	}, nil
}

// slabCacheNameLen bounds the fixed-width cache-name field carried inline
// in the kmem_cache_alloc payload this parser expects.
const slabCacheNameLen = 32

func decodeSlabAlloc(data []byte, backtrace []uint64) (SlabAlloc, error) {
	pid, comm, body, err := decodeCommon(data)
	if err != nil {
		return SlabAlloc{}, err
	}
	if len(body) < 16+slabCacheNameLen {
		return SlabAlloc{}, fmt.Errorf("tracefmt: kmem_cache_alloc payload too short: %d bytes", len(body))
	}
	return SlabAlloc{
		PID:       pid,
		Comm:      comm,
		Ptr:       binary.NativeEndian.Uint64(body[0:8]),
		Bytes:     binary.NativeEndian.Uint64(body[8:16]),
		CacheName: nullTerminated(body[16 : 16+slabCacheNameLen]),
		Backtrace: backtrace,
	}, nil
}

func decodeSlabFree(data []byte) (SlabFree, error) {
	_, _, body, err := decodeCommon(data)
	if err != nil {
		return SlabFree{}, err
	}
	if len(body) < 8 {
		return SlabFree{}, fmt.Errorf("tracefmt: kmem_cache_free payload too short: %d bytes", len(body))
	}
	return SlabFree{Ptr: binary.NativeEndian.Uint64(body[0:8])}, nil
}

// nullTerminated returns the string up to the first NUL byte in buf, or the
// whole buffer if there is none.
func nullTerminated(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

var (
	tpPageAlloc  = ringbuf.Tracepoint{Group: "kmem", Name: "mm_page_alloc"}
	tpPageFree   = ringbuf.Tracepoint{Group: "kmem", Name: "mm_page_free"}
	tpCacheAlloc = ringbuf.Tracepoint{Group: "kmem", Name: "kmem_cache_alloc"}
	tpCacheFree  = ringbuf.Tracepoint{Group: "kmem", Name: "kmem_cache_free"}
)
