//go:build linux

package vm

import (
	"io"
	"time"
)

// ProgramKind identifies the semantics of a Program and, with it, which
// kernel program family loads it and which attach method binds it to an
// observation point.
type ProgramKind int

const (
	// KindEntryProbe attaches to a kernel symbol's entry.
	KindEntryProbe ProgramKind = iota
	// KindReturnProbe attaches to a kernel symbol's return.
	KindReturnProbe
	// KindNetworkFilter attaches to a network interface's ingress path
	// (XDP-style).
	KindNetworkFilter
	// KindSocketFilter attaches to a raw packet socket.
	KindSocketFilter
	// KindExpressPathFilter is a forward-declared kind for an accelerated
	// network fast path. No kernel family in this VM generation implements
	// it; see SPEC_FULL.md Open Question OQ-1. No section category maps to
	// it, so Parse never produces a Program of this kind; loading one fails
	// with a typed KernelRefused wrapping ErrNotSupported.
	KindExpressPathFilter
)

func (k ProgramKind) String() string {
	switch k {
	case KindEntryProbe:
		return "entry-probe"
	case KindReturnProbe:
		return "return-probe"
	case KindNetworkFilter:
		return "network-filter"
	case KindSocketFilter:
		return "socket-filter"
	case KindExpressPathFilter:
		return "express-path-filter"
	default:
		return "unknown"
	}
}

// MapType identifies the kernel associative-array implementation backing a
// Map.
type MapType uint32

const (
	MapTypeHash MapType = iota + 1
	MapTypeArray
	MapTypePerCPUHash
	MapTypePerCPUArray
	// MapTypePerfEventArray backs the ring-buffer Maps the PerfMap Reader
	// consumes: one perf ring per online cpu, registered into this map
	// under the cpu's index. See SPEC_FULL.md Open Question OQ-2.
	MapTypePerfEventArray
)

// Map is a kernel-side associative array declared by an object's maps/NAME
// section. A Map is materialized (Handle assigned) before any Relocation
// referencing it is applied.
type Map struct {
	Name       string
	Type       MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32

	Handle *MapHandle

	section int // ELF section index this map was declared in
}

// Program is a named, typed sequence of fixed-width VM instructions.
type Program struct {
	Kind         ProgramKind
	Name         string
	Instructions []Instruction

	LoadHandle   *ProgramHandle
	AttachHandle *AttachmentHandle

	patched bool // set once relocations have been applied; see Design Notes

	section int // ELF section index this program was declared in
}

// Loaded reports whether the Program has been accepted by the kernel
// verifier.
func (p *Program) Loaded() bool { return p.LoadHandle != nil }

// Attached reports whether the Program is bound to an observation point.
// Attached implies Loaded, per the Module invariant in spec.md §3.
func (p *Program) Attached() bool { return p.AttachHandle != nil }

// EventRecord is one variable-length record a Program emitted through a
// ring-buffer Map.
type EventRecord struct {
	// CPU is the logical cpu the record's Ring was opened on.
	CPU int
	// Timestamp is kernel-supplied when the map places one; otherwise zero.
	Timestamp time.Time
	// Payload is the opaque record body; decoding it is the pipeline's job,
	// not the loader's.
	Payload []byte
}

// Event is the form an EventRecord takes once handed to a Sink: the raw
// record plus the name of the Map it arrived on, so a Sink serving several
// ring-buffer Maps at once can tell them apart without re-deriving it.
type Event struct {
	MapName string
	Record  EventRecord
}

// Sink receives decoded Events from the Module's PerfMap Reader. A Sink
// must not block: the Reader calls it synchronously from the poll loop, and
// a slow Sink stalls delivery for every Ring being drained in that wake-up.
type Sink func(Event)

// relocation is a (target Program section, instruction byte offset, symbol
// table index) triple read from a relocation section. The symbol index
// resolves through the object's symbol table to the section index of a Map.
type relocation struct {
	targetSection int
	insnOffset    int
	symbolIndex   int
}

// Module is one loaded object: its license, kernel-version stamp, and its
// ordered Programs and Maps. A Module is created by Parse, mutated only
// during Load/Attach, and must be Closed to release kernel and mmap
// resources it has acquired — Close is idempotent and safe to call even if
// Load or Attach never completed.
type Module struct {
	License       string
	KernelVersion uint32

	Programs []*Program
	Maps     []*Map

	mapBySection map[int]*Map
	relocations  []relocation
	symSection   []int // symbol table index -> section index, -1 if none

	sink          Sink
	rd            *perfReader // nil until BindSink opens it
	ringPageCount int         // 0 means "use the default"

	loaded   bool
	attached bool
	closed   bool
}

// SetRingPages overrides the per-cpu ring data region size, in pages, used
// by BindSink. Must be called before BindSink; zero restores the default.
func (m *Module) SetRingPages(pages int) { m.ringPageCount = pages }

// Parse reads a relocatable object in the VM's instruction set from r and
// returns a Module ready for Load. Parse performs no kernel interaction: it
// only reads the object container.
func Parse(r io.ReaderAt) (*Module, error) {
	return parseObject(r)
}
