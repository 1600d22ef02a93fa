package tracefmt

import (
	"encoding/binary"
	"testing"

	"github.com/clayding/memstrack/internal/diagnostics"
	"github.com/clayding/memstrack/internal/ringbuf"
)

func commonHeader(pid int32, comm string) []byte {
	buf := make([]byte, commonHeaderSize)
	binary.NativeEndian.PutUint32(buf[4:8], uint32(pid))
	copy(buf[8:8+taskCommLen], comm)
	return buf
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, v)
	return b
}

func TestDecodePageAlloc(t *testing.T) {
	data := append(commonHeader(42, "stress"), append(u64(0x1000), append(u32(2), u32(0xcc0)...)...)...)
	p := New(diagnostics.New(4096))
	ev, ok, err := p.Decode(ringbuf.Sample{
		Tracepoint: tpPageAlloc,
		Data:       data,
		Callchain:  []uint64{0xffff1, 0xffff2, 0xfffffffffffff600},
	})
	if err != nil || !ok {
		t.Fatalf("Decode error=%v ok=%v", err, ok)
	}
	alloc, ok := ev.(PageAlloc)
	if !ok {
		t.Fatalf("event type = %T, want PageAlloc", ev)
	}
	if alloc.PID != 42 || alloc.Comm != "stress" {
		t.Fatalf("pid/comm = %d/%q, want 42/stress", alloc.PID, alloc.Comm)
	}
	if alloc.PFN != 0x1000 || alloc.Order != 2 {
		t.Fatalf("pfn/order = %#x/%d, want 0x1000/2", alloc.PFN, alloc.Order)
	}
	if len(alloc.Backtrace) != 2 {
		t.Fatalf("backtrace = %v, want context marker filtered out leaving 2 entries", alloc.Backtrace)
	}
}

func TestDecodePageFree(t *testing.T) {
	data := append(commonHeader(7, ""), append(u64(0x2000), u32(0)...)...)
	p := New(diagnostics.New(4096))
	ev, ok, err := p.Decode(ringbuf.Sample{Tracepoint: tpPageFree, Data: data})
	if err != nil || !ok {
		t.Fatalf("Decode error=%v ok=%v", err, ok)
	}
	free, ok := ev.(PageFree)
	if !ok {
		t.Fatalf("event type = %T, want PageFree", ev)
	}
	if free.PFN != 0x2000 || free.PID != 7 {
		t.Fatalf("pfn/pid = %#x/%d, want 0x2000/7", free.PFN, free.PID)
	}
}

func TestDecodeUnknownTracepointIsSkippedNotMalformed(t *testing.T) {
	counters := diagnostics.New(4096)
	p := New(counters)
	_, ok, err := p.Decode(ringbuf.Sample{
		Tracepoint: ringbuf.Tracepoint{Group: "sched", Name: "sched_switch"},
		Data:       []byte{1, 2, 3},
	})
	if ok || err != nil {
		t.Fatalf("ok=%v err=%v, want ok=false err=nil for unrecognized tracepoint", ok, err)
	}
	if got := counters.Snapshot().MalformedRecords; got != 0 {
		t.Fatalf("malformed_records = %d, want 0", got)
	}
}

func TestDecodeTruncatedRecordCountsMalformed(t *testing.T) {
	counters := diagnostics.New(4096)
	p := New(counters)
	_, ok, err := p.Decode(ringbuf.Sample{Tracepoint: tpPageAlloc, Data: []byte{1, 2, 3}})
	if ok || err == nil {
		t.Fatalf("ok=%v err=%v, want ok=false with an error", ok, err)
	}
	if got := counters.Snapshot().MalformedRecords; got != 1 {
		t.Fatalf("malformed_records = %d, want 1", got)
	}
}

func TestDecodeSlabAlloc(t *testing.T) {
	name := make([]byte, slabCacheNameLen)
	copy(name, "kmalloc-64")
	body := append(u64(0xabc000), u64(64)...)
	body = append(body, name...)
	data := append(commonHeader(3, "worker"), body...)

	p := New(diagnostics.New(4096))
	ev, ok, err := p.Decode(ringbuf.Sample{Tracepoint: tpCacheAlloc, Data: data})
	if err != nil || !ok {
		t.Fatalf("Decode error=%v ok=%v", err, ok)
	}
	alloc, ok := ev.(SlabAlloc)
	if !ok {
		t.Fatalf("event type = %T, want SlabAlloc", ev)
	}
	if alloc.CacheName != "kmalloc-64" || alloc.Ptr != 0xabc000 || alloc.Bytes != 64 {
		t.Fatalf("decoded SlabAlloc = %+v", alloc)
	}
}
