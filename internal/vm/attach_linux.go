//go:build linux

package vm

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Perf event constants from <linux/perf_event.h>. Never change.
const (
	perfTypeTracepoint uint32 = 2

	perfEventIOCEnable = 0x00002400 // _IO('$', 0)
	perfEventIOCSetBPF = 0x40042408 // _IOW('$', 8, __u32)
)

const (
	kprobeEventsPath = "/sys/kernel/debug/tracing/kprobe_events"
	kprobeEventsDir  = "/sys/kernel/debug/tracing/events"

	// soAttachBPF is SO_ATTACH_BPF from <linux/socket.h>; there is no
	// unix.SO_ATTACH_BPF in every supported x/sys/unix release, so this
	// package hand-rolls the one constant it needs rather than pin a newer
	// minimum version for it.
	soAttachBPF = 50
)

// perfEventAttr is the subset of struct perf_event_attr this loader sets
// when opening a tracepoint-backed perf event for a kprobe/kretprobe
// attachment.
type perfEventAttr struct {
	eventType    uint32
	size         uint32
	config       uint64
	samplePeriod uint64
	sampleType   uint64
	readFormat   uint64
	bits         uint64 // bit 0: disabled
	wakeupEvents uint32
	bpType       uint32
	bpAddr       uint64
	bpLen        uint64
}

// AttachTarget names the observation point a Program binds to. Exactly one
// field is meaningful, chosen by the Program's Kind: Symbol for
// KindEntryProbe/KindReturnProbe, Interface for KindNetworkFilter/
// KindSocketFilter.
type AttachTarget struct {
	Symbol    string
	Interface string
}

// attachProgram binds p to target according to its Kind and assigns its
// AttachHandle. p must already be Loaded.
func attachProgram(p *Program, target AttachTarget) error {
	if !p.Loaded() {
		return &KernelRefused{Op: "attach", Detail: p.Name, Err: fmt.Errorf("program not loaded")}
	}

	switch p.Kind {
	case KindEntryProbe, KindReturnProbe:
		return attachProbe(p, target.Symbol)
	case KindNetworkFilter:
		return attachXDP(p, target.Interface)
	case KindSocketFilter:
		return attachSocketFilter(p, target.Interface)
	default:
		return &KernelRefused{
			Op:     "attach",
			Detail: p.Name,
			Err:    fmt.Errorf("%s has no attach method", p.Kind),
		}
	}
}

// attachProbe registers a dynamic kprobe/kretprobe at symbol via tracefs,
// opens its perf event, and binds p to it — the
// perf_event_open + PERF_EVENT_IOC_SET_BPF + PERF_EVENT_IOC_ENABLE sequence
// used for tracepoints, with the event id sourced from a freshly
// registered kprobe instead of a static tracepoint.
func attachProbe(p *Program, symbol string) error {
	if symbol == "" {
		return &KernelRefused{Op: "attach probe", Detail: p.Name, Err: fmt.Errorf("no target symbol given")}
	}

	isReturn := p.Kind == KindReturnProbe
	group, name, err := registerKprobe(symbol, isReturn)
	if err != nil {
		return &KernelRefused{Op: "attach probe", Detail: p.Name, Err: err}
	}

	id, err := readEventID(kprobeEventsDir, group, name)
	if err != nil {
		unregisterKprobe(group, name)
		return &KernelRefused{Op: "attach probe", Detail: p.Name, Err: err}
	}

	attr := perfEventAttr{
		eventType: perfTypeTracepoint,
		size:      uint32(unsafe.Sizeof(perfEventAttr{})),
		config:    uint64(id),
		bits:      1, // disabled
	}

	pfd, err := perfEventOpen(&attr, -1, 0, -1)
	if err != nil {
		unregisterKprobe(group, name)
		return &KernelRefused{Op: "attach probe", Detail: p.Name, Err: err}
	}
	if err := ioctlFd(pfd, perfEventIOCSetBPF, uintptr(p.LoadHandle.FD())); err != nil {
		unix.Close(pfd)
		unregisterKprobe(group, name)
		return &KernelRefused{Op: "attach probe", Detail: p.Name, Err: err}
	}
	if err := ioctlFd(pfd, perfEventIOCEnable, 0); err != nil {
		unix.Close(pfd)
		unregisterKprobe(group, name)
		return &KernelRefused{Op: "attach probe", Detail: p.Name, Err: err}
	}

	h := AttachmentHandle{handle: newHandle(pfd)}
	p.AttachHandle = &h
	return nil
}

// registerKprobe writes a kprobe_events entry for symbol and returns the
// group/name tracefs assigns it.
func registerKprobe(symbol string, isReturn bool) (group, name string, err error) {
	kind := byte('p')
	if isReturn {
		kind = 'r'
	}
	group = "vmtap"
	name = fmt.Sprintf("%s_%d", sanitizeEventName(symbol), os.Getpid())

	line := fmt.Sprintf("%c:%s/%s %s\n", kind, group, name, symbol)
	f, err := os.OpenFile(kprobeEventsPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return "", "", fmt.Errorf("open %s: %w (debugfs/tracefs must be mounted)", kprobeEventsPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return "", "", fmt.Errorf("register kprobe %s: %w", symbol, err)
	}
	return group, name, nil
}

func unregisterKprobe(group, name string) {
	f, err := os.OpenFile(kprobeEventsPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(fmt.Sprintf("-:%s/%s\n", group, name))
}

func sanitizeEventName(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}

// readEventID reads the kernel-assigned numeric id for a tracefs event
// published at dir/group/name/id.
func readEventID(dir, group, name string) (uint32, error) {
	idPath := filepath.Join(dir, group, name, "id")
	b, err := os.ReadFile(idPath)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", idPath, err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse event id from %q: %w", string(b), err)
	}
	return uint32(id), nil
}

// perfEventOpen wraps the perf_event_open(2) syscall.
func perfEventOpen(attr *perfEventAttr, pid, cpu, groupFD int) (int, error) {
	fd, _, errno := unix.Syscall6(
		unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(attr)),
		uintptr(pid),
		uintptr(cpu),
		uintptr(groupFD),
		0,
		0,
	)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// ioctlFd calls ioctl(fd, req, arg).
func ioctlFd(fd int, req uint, arg uintptr) error {
	return unix.IoctlSetInt(fd, req, int(arg))
}

// attachSocketFilter binds p to a raw packet socket on iface via
// SO_ATTACH_BPF, the classic (non-XDP) socket-filter attach mechanism.
func attachSocketFilter(p *Program, iface string) error {
	if iface == "" {
		return &KernelRefused{Op: "attach socket filter", Detail: p.Name, Err: fmt.Errorf("no target interface given")}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return &KernelRefused{Op: "attach socket filter", Detail: p.Name, Err: err}
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, 0)
	if err != nil {
		return &KernelRefused{Op: "attach socket filter", Detail: p.Name, Err: err}
	}

	sll := unix.SockaddrLinklayer{Ifindex: ifi.Index}
	if err := unix.Bind(fd, &sll); err != nil {
		unix.Close(fd)
		return &KernelRefused{Op: "attach socket filter", Detail: p.Name, Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, soAttachBPF, p.LoadHandle.FD()); err != nil {
		unix.Close(fd)
		return &KernelRefused{Op: "attach socket filter", Detail: p.Name, Err: err}
	}

	h := AttachmentHandle{handle: newHandle(fd)}
	p.AttachHandle = &h
	return nil
}

// attachXDP binds p to iface's ingress path. No netlink-based XDP attach
// exists anywhere in the reference pool this loader is grounded on; this is
// a placeholder that always fails typed, matching SPEC_FULL.md's guidance
// to fail loudly rather than fabricate an unverified netlink encoding.
func attachXDP(p *Program, iface string) error {
	return &KernelRefused{
		Op:     "attach xdp",
		Detail: p.Name,
		Err:    fmt.Errorf("%w: xdp attach requires netlink support not available in this build", ErrNotSupported),
	}
}
