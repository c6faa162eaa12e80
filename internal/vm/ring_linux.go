//go:build linux

package vm

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// This VM generation models its ring buffers as one classic perf-event ring
// per online cpu (SPEC_FULL.md Open Question OQ-2), not the teacher's own
// newer single-consumer BPF_MAP_TYPE_RINGBUF. Each ring is the mmap of a
// perf_event fd created with type=PERF_TYPE_SOFTWARE,
// config=PERF_COUNT_SW_BPF_OUTPUT and inserted into the module's
// perf-event-array Map at its cpu's index; a Program writes to it with the
// VM's emit instruction (translated to bpf_perf_event_output).
//
// mmap layout of the perf_event fd, struct perf_event_mmap_page:
//
//	offset 0:     metadata header (version, lock, time fields, ...)
//	offset 1024:  data_head (u64, kernel-written, load-acquire to read)
//	offset 1032:  data_tail (u64, userspace-written, store-release to publish)
//	offset pageSize: data region, dataPages*pageSize bytes, circular
//
// Each record in the data region is a struct perf_event_header (type uint32,
// misc uint16, size uint16) immediately followed by a uint32 raw-sample
// length and that many bytes of payload, the whole record padded to a
// multiple of 8 bytes. record.size (the header's third field) is the total
// record length including the header itself.
const (
	perfTypeSoftware         uint32 = 1
	perfCountSWBPFOutput     uint64 = 10
	perfRecordSample         uint32 = 9
	perfEventMmapDataHead           = 1024
	perfEventMmapDataTail           = perfEventMmapDataHead + 8
	perfEventHeaderSize             = 8
	perfRawLenFieldSize             = 4

	bpfCmdMapUpdateElem uintptr = 2
)

// mapUpdateAttr mirrors the map-update union member of struct bpf_attr.
type mapUpdateAttr struct {
	mapFD uint32
	_     uint32
	key   uint64
	value uint64
	flags uint64
}

// ring is one per-cpu perf ring: the mmap'd metadata+data region and the fd
// that owns it, plus the name of the Map it was opened against (so a Sink
// serving several perf-event-array Maps can tell their Events apart).
type ring struct {
	cpu      int
	mapName  string
	dataOff  int
	dataSize int

	ringHandle
}

func (r *ring) dataHeadPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.mmap[perfEventMmapDataHead])) }
func (r *ring) dataTailPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.mmap[perfEventMmapDataTail])) }

// openRing creates and mmaps the perf ring for one cpu and installs its fd
// into mapFD at index cpu. dataPages must be a positive power of two, per
// spec.md §8; openRing rejects any other value before mmap.
func openRing(mapFD int, mapName string, cpu, dataPages int) (*ring, error) {
	if dataPages <= 0 || dataPages&(dataPages-1) != 0 {
		return nil, fmt.Errorf("vm: ring page_count %d must be a positive power of two", dataPages)
	}

	pageSize := os.Getpagesize()

	attr := perfEventAttr{
		eventType:  perfTypeSoftware,
		size:       uint32(unsafe.Sizeof(perfEventAttr{})),
		config:     perfCountSWBPFOutput,
		sampleType: 1 << 10, // PERF_SAMPLE_RAW: records carry the raw length + payload
		bits:       0,       // enabled
	}
	fd, err := perfEventOpen(&attr, -1, cpu, -1)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open cpu%d: %w", cpu, err)
	}

	total := (1 + dataPages) * pageSize
	mm, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap perf ring cpu%d: %w", cpu, err)
	}

	if err := installRingFD(mapFD, cpu, fd); err != nil {
		unix.Munmap(mm)
		unix.Close(fd)
		return nil, err
	}

	if err := ioctlFd(fd, perfEventIOCEnable, 0); err != nil {
		unix.Munmap(mm)
		unix.Close(fd)
		return nil, fmt.Errorf("enable perf ring cpu%d: %w", cpu, err)
	}

	return &ring{
		cpu:        cpu,
		mapName:    mapName,
		dataOff:    pageSize,
		dataSize:   dataPages * pageSize,
		ringHandle: ringHandle{handle: newHandle(fd), mmap: mm},
	}, nil
}

// installRingFD registers fd as the perf-event-array entry for cpu via
// BPF_MAP_UPDATE_ELEM.
func installRingFD(mapFD, cpu, fd int) error {
	key := uint32(cpu)
	val := uint32(fd)
	attr := mapUpdateAttr{
		mapFD: uint32(mapFD),
		key:   uint64(uintptr(unsafe.Pointer(&key))),
		value: uint64(uintptr(unsafe.Pointer(&val))),
	}
	if _, err := bpfSyscall(bpfCmdMapUpdateElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr)); err != nil {
		return &KernelRefused{Op: "map update", Detail: fmt.Sprintf("perf array cpu %d", cpu), Err: err}
	}
	return nil
}

func (r *ring) close() { r.ringHandle.Close() }

// drain copies every complete, non-discarded sample record currently
// available in r into out, advancing the consumer (data_tail) position.
func (r *ring) drain(out func(payload []byte)) {
	head := atomic.LoadUint64(r.dataHeadPtr())
	tail := atomic.LoadUint64(r.dataTailPtr())
	mask := uint64(r.dataSize - 1)

	for tail < head {
		if head-tail < perfEventHeaderSize {
			break
		}
		hdr := r.readAt(tail, perfEventHeaderSize)
		recType := binary.LittleEndian.Uint32(hdr[0:4])
		recSize := binary.LittleEndian.Uint16(hdr[6:8])
		if recSize == 0 {
			break // nothing more produced yet
		}

		if recType == perfRecordSample {
			lenOff := (tail + perfEventHeaderSize) & mask
			rawLen := binary.LittleEndian.Uint32(r.readAt(lenOff, perfRawLenFieldSize))
			payloadOff := (tail + perfEventHeaderSize + perfRawLenFieldSize) & mask
			payload := r.readAt(payloadOff, int(rawLen))
			out(payload)
		}

		tail += uint64(recSize)
		atomic.StoreUint64(r.dataTailPtr(), tail)
	}
}

// readAt copies n bytes starting at the ring-relative (already-masked
// starting point expressed as an absolute position) offset, handling
// wrap-around across the end of the data region.
func (r *ring) readAt(pos uint64, n int) []byte {
	mask := uint64(r.dataSize - 1)
	off := int(pos & mask)
	buf := make([]byte, n)
	if off+n <= r.dataSize {
		copy(buf, r.mmap[r.dataOff+off:r.dataOff+off+n])
		return buf
	}
	first := r.dataSize - off
	copy(buf, r.mmap[r.dataOff+off:r.dataOff+r.dataSize])
	copy(buf[first:], r.mmap[r.dataOff:r.dataOff+(n-first)])
	return buf
}

// perfReader multiplexes the per-cpu Rings opened against one
// perf-event-array Map through a single epoll set and dispatches decoded records to the bound
// Sink.
type perfReader struct {
	epfd     int
	rings    []*ring
	ringByFD map[int32]*ring
	closeCh  chan struct{}
}

// openPerfReader opens one Ring per entry in cpus against mapFD, sized
// pageCount data pages each. mapName is stamped onto every Event the
// resulting rings produce.
func openPerfReader(mapFD int, mapName string, cpus []int, pageCount int) (*perfReader, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, &OsIntrospection{Detail: "epoll_create1", Err: err}
	}

	pr := &perfReader{
		epfd:     epfd,
		ringByFD: make(map[int32]*ring, len(cpus)),
		closeCh:  make(chan struct{}),
	}

	for _, cpu := range cpus {
		r, err := openRing(mapFD, mapName, cpu, pageCount)
		if err != nil {
			pr.Close()
			return nil, err
		}
		pr.rings = append(pr.rings, r)
		pr.ringByFD[int32(r.fd)] = r

		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.fd, &ev); err != nil {
			pr.Close()
			return nil, &OsIntrospection{Detail: "epoll_ctl", Err: err}
		}
	}

	return pr, nil
}

// Poll waits up to timeout for readable Rings and dispatches every complete
// record found to sink. It returns the number of records dispatched.
func (pr *perfReader) Poll(timeout time.Duration, sink Sink) (int, error) {
	events := make([]unix.EpollEvent, len(pr.rings))
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(pr.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, &OsIntrospection{Detail: "epoll_wait", Err: err}
	}

	count := 0
	for i := 0; i < n; i++ {
		r, ok := pr.ringByFD[events[i].Fd]
		if !ok {
			continue
		}
		r.drain(func(payload []byte) {
			count++
			if sink != nil {
				sink(Event{MapName: r.mapName, Record: EventRecord{CPU: r.cpu, Payload: payload}})
			}
		})
	}
	return count, nil
}

// Run polls until ctx is cancelled or Close is called, dispatching every
// record to sink.
func (pr *perfReader) Run(ctx context.Context, sink Sink) error {
	const pollInterval = 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pr.closeCh:
			return nil
		default:
		}
		if _, err := pr.Poll(pollInterval, sink); err != nil {
			return err
		}
	}
}

// Close releases every Ring's mmap and fd and the epoll set.
func (pr *perfReader) Close() error {
	select {
	case <-pr.closeCh:
	default:
		close(pr.closeCh)
	}
	for _, r := range pr.rings {
		r.close()
	}
	if pr.epfd > 0 {
		unix.Close(pr.epfd)
	}
	return nil
}
