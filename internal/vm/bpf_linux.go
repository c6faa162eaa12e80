//go:build linux

package vm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// BPF syscall command codes and program/map type enums, from <linux/bpf.h>.
// Never change these; they are kernel ABI.
const (
	bpfCmdMapCreate uintptr = 0
	bpfCmdProgLoad  uintptr = 5

	bpfProgTypeKprobe uint32 = 2
	bpfProgTypeXDP    uint32 = 6
	bpfProgTypeSocket uint32 = 1

	bpfVerifierLogLevel uint32 = 1
	bpfVerifierLogSize         = 64 * 1024 // spec.md §4.E: "a log buffer ... ≥ 64 KiB"
)

// mapCreateAttr mirrors the map-create union member of struct bpf_attr.
type mapCreateAttr struct {
	mapType    uint32
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	mapFlags   uint32
}

// progLoadAttr mirrors the prog-load union member of struct bpf_attr. Only
// the fields this loader sets are named; the kernel ABI has more that are
// safe to leave zero.
type progLoadAttr struct {
	progType    uint32
	insnCnt     uint32
	insns       uint64 // *Instruction
	license     uint64 // *byte, NUL-terminated
	logLevel    uint32
	logSize     uint32
	logBuf      uint64 // *byte
	kernVersion uint32
	progFlags   uint32
	progName    [16]byte
}

// bpfSyscall invokes the bpf(2) syscall. There is no higher-level wrapper
// for it in golang.org/x/sys/unix (it multiplexes one syscall number across
// a command enum and a versioned attribute union, the same reason
// cilium/ebpf hand-rolls it). epoll and mmap go through named unix.*
// wrappers; perf_event_open is likewise issued as a raw unix.Syscall6 with a
// locally-defined attribute struct (perfEventOpen in attach_linux.go). See
// SPEC_FULL.md §11.
func bpfSyscall(cmd uintptr, attr unsafe.Pointer, size uintptr) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_BPF, cmd, uintptr(attr), size)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// progFamily maps a ProgramKind to the kernel program type it loads as, per
// the table in spec.md §4.E. KindExpressPathFilter has no entry: no kernel
// family in this VM generation implements it (SPEC_FULL.md OQ-1).
func progFamily(k ProgramKind) (uint32, bool) {
	switch k {
	case KindEntryProbe, KindReturnProbe:
		return bpfProgTypeKprobe, true
	case KindNetworkFilter:
		return bpfProgTypeXDP, true
	case KindSocketFilter:
		return bpfProgTypeSocket, true
	default:
		return 0, false
	}
}

// shortProgName derives a kernel-legal (<=15-byte, NUL-terminated in a
// 16-byte field) program name from a Program's declared name.
func shortProgName(name string) string {
	const maxLen = 15
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}

// extractVerifierLog trims a NUL-padded verifier log buffer to its text.
func extractVerifierLog(buf []byte) string {
	if i := indexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}
