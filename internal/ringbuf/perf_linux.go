//go:build linux

package ringbuf

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// All ring buffer access uses raw Linux syscalls directly (perf_event_open,
// mmap, ioctl) so that this package pulls in no external dependency for
// what is fundamentally kernel ABI plumbing.

const (
	sysPerfEventOpen = 298 // x86_64 __NR_perf_event_open

	perfTypeTracepoint = 2
	perfSampleTime     = 1 << 2
	perfSampleCallchain = 1 << 5
	perfSampleRaw      = 1 << 10

	perfRecordLost   = 2
	perfRecordSample = 9

	// ioctl(fd, PERF_EVENT_IOC_ENABLE, 0): _IO('$', 0).
	perfEventIOCEnable = 0x2400

	tracepointIDDir = "/sys/kernel/debug/tracing/events"

	// perf_event_mmap_page layout (linux/perf_event.h): the control page is
	// exactly one page, with data_head/data_tail at fixed byte offsets
	// after the fixed-size header + reserved padding.
	mmapPageDataHeadOffset = 1024
	mmapPageDataTailOffset = 1032

	pageSize = 4096
)

// perfEventAttr mirrors the leading, stable fields of struct
// perf_event_attr. Trailing kernel-side fields are left zeroed; Size
// self-describes how much of the struct the kernel should read.
type perfEventAttr struct {
	Type        uint32
	Size        uint32
	Config      uint64
	SamplePeriod uint64
	SampleType  uint64
	ReadFormat  uint64
	Flags       uint64
	WakeupEvents uint32
	BPType      uint32
	Config1     uint64
	Config2     uint64
	BranchSampleType uint64
	SampleRegsUser   uint64
	SampleStackUser  uint32
	ClockID          int32
	SampleRegsIntr   uint64
	AuxWatermark     uint32
	SampleMaxStack   uint16
	_                uint16
}

func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFD int, flags uintptr) (int, error) {
	r1, _, errno := syscall.Syscall6(sysPerfEventOpen,
		uintptr(unsafe.Pointer(attr)),
		uintptr(pid),
		uintptr(cpu),
		uintptr(groupFD),
		flags,
		0,
	)
	if errno != 0 {
		return -1, errno
	}
	return int(r1), nil
}

func ioctlFd(fd int, req uint, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// readTracepointID reads the kernel-assigned numeric id for group:name from
// debugfs, e.g. /sys/kernel/debug/tracing/events/kmem/mm_page_alloc/id.
func readTracepointID(group, name string) (uint64, error) {
	path := fmt.Sprintf("%s/%s/%s/id", tracepointIDDir, group, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("ringbuf: read tracepoint id %s: %w", path, err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ringbuf: parse tracepoint id %s: %w", path, err)
	}
	return id, nil
}

// linuxTransport opens one PERF_TYPE_TRACEPOINT perf event per (cpu,
// tracepoint) and mmaps its ring buffer.
type linuxTransport struct{}

// NewLinuxTransport returns the default Transport for this platform.
func NewLinuxTransport() Transport { return linuxTransport{} }

func (linuxTransport) Open(cpu int, tp Tracepoint, bufBytes int) (RingReader, error) {
	id, err := readTracepointID(tp.Group, tp.Name)
	if err != nil {
		return nil, err
	}

	attr := &perfEventAttr{
		Type:         perfTypeTracepoint,
		Config:       id,
		SampleType:   perfSampleTime | perfSampleCallchain | perfSampleRaw,
		WakeupEvents: 1,
	}
	attr.Size = uint32(unsafe.Sizeof(*attr))

	fd, err := perfEventOpen(attr, -1, cpu, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: perf_event_open(%s, cpu=%d): %w", tp, cpu, err)
	}

	dataPages := nextPowerOfTwo(bufBytes) / pageSize
	if dataPages < 1 {
		dataPages = 1
	}
	mmapLen := pageSize * (1 + dataPages)

	data, err := syscall.Mmap(fd, 0, mmapLen, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("ringbuf: mmap(%s, cpu=%d): %w", tp, cpu, err)
	}

	if err := ioctlFd(fd, perfEventIOCEnable, 0); err != nil {
		syscall.Munmap(data)
		syscall.Close(fd)
		return nil, fmt.Errorf("ringbuf: enable(%s, cpu=%d): %w", tp, cpu, err)
	}

	return &linuxRingReader{
		cpu:      cpu,
		tp:       tp,
		fd:       fd,
		mmap:     data,
		dataSize: uint64(dataPages * pageSize),
	}, nil
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// linuxRingReader reads samples out of one mmap'd perf ring buffer. The
// control page's data_head (kernel-owned producer position) and data_tail
// (our consumer position) are plain uint64 fields read/written through
// atomic operations on the mmap'd memory, matching the kernel ABI's memory
// ordering contract without needing cgo.
type linuxRingReader struct {
	cpu      int
	tp       Tracepoint
	fd       int
	mmap     []byte
	dataSize uint64
	tail     uint64
}

func (r *linuxRingReader) Fd() int { return r.fd }

func (r *linuxRingReader) headPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mmap[mmapPageDataHeadOffset]))
}

func (r *linuxRingReader) tailPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mmap[mmapPageDataTailOffset]))
}

func (r *linuxRingReader) data() []byte {
	return r.mmap[pageSize:]
}

type perfEventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

func (r *linuxRingReader) Next() (Sample, bool, error) {
	head := atomic.LoadUint64(r.headPtr())
	if r.tail >= head {
		return Sample{}, false, nil
	}

	data := r.data()
	mask := r.dataSize - 1
	off := r.tail & mask

	hdrBuf := r.readAt(data, off, 8)
	hdr := perfEventHeader{
		Type: binary.NativeEndian.Uint32(hdrBuf[0:4]),
		Misc: binary.NativeEndian.Uint16(hdrBuf[4:6]),
		Size: binary.NativeEndian.Uint16(hdrBuf[6:8]),
	}
	if hdr.Size < 8 {
		return Sample{}, false, fmt.Errorf("ringbuf: malformed record header size %d", hdr.Size)
	}

	body := r.readAt(data, off+8, int(hdr.Size)-8)
	r.tail += uint64(hdr.Size)
	atomic.StoreUint64(r.tailPtr(), r.tail)

	switch hdr.Type {
	case perfRecordLost:
		if len(body) < 16 {
			return Sample{}, false, fmt.Errorf("ringbuf: malformed PERF_RECORD_LOST")
		}
		lost := binary.NativeEndian.Uint64(body[8:16])
		return Sample{CPU: r.cpu, Tracepoint: r.tp, Lost: lost}, true, nil
	case perfRecordSample:
		// Layout for SAMPLE_TIME|SAMPLE_CALLCHAIN|SAMPLE_RAW, in that field
		// order regardless of bit position: u64 time; u64 nr; nr*u64 ips;
		// u32 raw_size; raw_size bytes.
		if len(body) < 16 {
			return Sample{}, false, fmt.Errorf("ringbuf: malformed PERF_RECORD_SAMPLE")
		}
		nr := binary.NativeEndian.Uint64(body[8:16])
		off := 16 + int(nr)*8
		if len(body) < off+4 {
			return Sample{}, false, fmt.Errorf("ringbuf: truncated callchain")
		}
		ips := make([]uint64, nr)
		for i := range ips {
			ips[i] = binary.NativeEndian.Uint64(body[16+i*8 : 24+i*8])
		}
		rawSize := binary.NativeEndian.Uint32(body[off : off+4])
		if len(body) < off+4+int(rawSize) {
			return Sample{}, false, fmt.Errorf("ringbuf: truncated raw sample")
		}
		payload := make([]byte, rawSize)
		copy(payload, body[off+4:off+4+int(rawSize)])
		return Sample{CPU: r.cpu, Tracepoint: r.tp, Data: payload, Callchain: ips}, true, nil
	default:
		// Uninteresting record type (e.g. PERF_RECORD_THROTTLE); skip it.
		return r.Next()
	}
}

// readAt copies n bytes starting at byte offset off (mod dataSize),
// transparently handling the ring's wraparound.
func (r *linuxRingReader) readAt(data []byte, off uint64, n int) []byte {
	mask := r.dataSize - 1
	off &= mask
	out := make([]byte, n)
	if off+uint64(n) <= r.dataSize {
		copy(out, data[off:off+uint64(n)])
		return out
	}
	first := r.dataSize - off
	copy(out, data[off:])
	copy(out[first:], data[:uint64(n)-first])
	return out
}

func (r *linuxRingReader) Close() error {
	munmapErr := syscall.Munmap(r.mmap)
	closeErr := syscall.Close(r.fd)
	if munmapErr != nil {
		return munmapErr
	}
	return closeErr
}
