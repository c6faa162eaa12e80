//go:build linux

package vm

import (
	"sync"

	"golang.org/x/sys/unix"
)

// closeFD releases one kernel file descriptor. It defaults to a no-op and is
// set to unix.Close by module_linux.go's init.
var closeFD = func(fd int) error { return nil }

// handle owns exactly one kernel descriptor and is safe to Close more than
// once; only the first call has any effect. MapHandle, ProgramHandle,
// AttachmentHandle, and ringHandle all embed it so double-close can never
// leak or double-free a descriptor.
type handle struct {
	fd   int
	once sync.Once
	err  error
}

func newHandle(fd int) handle {
	return handle{fd: fd}
}

// FD returns the underlying kernel descriptor.
func (h *handle) FD() int { return h.fd }

// Close releases the underlying descriptor. Subsequent calls are no-ops
// that return the same error as the first call, if any.
func (h *handle) Close() error {
	h.once.Do(func() {
		h.err = closeFD(h.fd)
	})
	return h.err
}

// MapHandle owns the kernel descriptor for one created Map.
type MapHandle struct{ handle }

// ProgramHandle owns the kernel descriptor returned by the program loader.
type ProgramHandle struct{ handle }

// AttachmentHandle owns the kernel descriptor created when a Program is
// attached to an observation point (a perf event fd for probes, or a raw
// socket fd for socket filters).
type AttachmentHandle struct{ handle }

// ringHandle owns the mmap'd region and perf-event fd backing one per-cpu
// Ring; see ring_linux.go. Close unmaps the data region before releasing
// the fd and, like handle.Close, is safe to call more than once.
type ringHandle struct {
	handle
	mmap []byte
}

func (r *ringHandle) Close() error {
	r.once.Do(func() {
		if r.mmap != nil {
			unix.Munmap(r.mmap)
		}
		r.err = closeFD(r.fd)
	})
	return r.err
}
