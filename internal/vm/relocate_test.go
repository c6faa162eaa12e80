//go:build linux

package vm

import "testing"

// buildTestModule assembles a minimal Module with one map, one program
// containing an LD_IMM64 pair targeting that map, and the relocation tying
// them together — the same "maps/events + one relocation" shape spec.md §8
// names as a required scenario, built directly rather than through a real
// ELF object.
func buildTestModule() *Module {
	mp := &Map{Name: "events", Type: MapTypePerfEventArray, section: 1}
	prog := &Program{
		Name: "watch_open",
		Kind: KindEntryProbe,
		Instructions: []Instruction{
			{Op: opLoadImm64, Regs: 0x01}, // dst=1, src unset
			{},                            // second half of the LD_IMM64 pair
			{Op: 0x95},                    // EXIT
		},
		section: 2,
	}
	m := &Module{
		License:      "GPL",
		Programs:     []*Program{prog},
		Maps:         []*Map{mp},
		mapBySection: map[int]*Map{1: mp},
		symSection:   []int{0, 1}, // symbol 1 -> section 1 (the map)
		relocations: []relocation{
			{targetSection: 2, insnOffset: 0, symbolIndex: 1},
		},
	}
	return m
}

func TestApplyRelocationsPatchesInstruction(t *testing.T) {
	m := buildTestModule()
	m.Maps[0].Handle = &MapHandle{handle: newHandle(42)}

	if err := applyRelocations(m); err != nil {
		t.Fatalf("applyRelocations: %v", err)
	}

	insn := m.Programs[0].Instructions[0]
	if insn.SrcReg() != pseudoMapDescriptor {
		t.Errorf("SrcReg() = %#x, want pseudoMapDescriptor", insn.SrcReg())
	}
	if insn.Imm != 42 {
		t.Errorf("Imm = %d, want 42 (the map's fd)", insn.Imm)
	}
	if insn.DstReg() != 0x01 {
		t.Errorf("DstReg() = %#x, want 0x01 (must be preserved)", insn.DstReg())
	}
	if !m.Programs[0].patched {
		t.Error("program.patched = false, want true")
	}
}

func TestApplyRelocationsRequiresMapHandle(t *testing.T) {
	m := buildTestModule() // map has no Handle yet
	if err := applyRelocations(m); err == nil {
		t.Fatal("expected error when target map has no kernel handle")
	}
}

func TestApplyRelocationsRejectsNonLoadImm64Target(t *testing.T) {
	m := buildTestModule()
	m.Maps[0].Handle = &MapHandle{handle: newHandle(1)}
	m.Programs[0].Instructions[0].Op = 0x07 // not LD_IMM64

	err := applyRelocations(m)
	if err == nil {
		t.Fatal("expected error for relocation targeting a non-LD_IMM64 instruction")
	}
	var relErr *RelocationUnresolved
	if !asRelocationUnresolved(err, &relErr) {
		t.Fatalf("error %v is not *RelocationUnresolved", err)
	}
}

func TestApplyRelocationsRejectsUnknownSymbol(t *testing.T) {
	m := buildTestModule()
	m.Maps[0].Handle = &MapHandle{handle: newHandle(1)}
	m.relocations[0].symbolIndex = 99 // out of range

	if err := applyRelocations(m); err == nil {
		t.Fatal("expected error for out-of-range symbol index")
	}
}

func TestApplyRelocationsSkipsUnrelatedSections(t *testing.T) {
	m := buildTestModule()
	m.Maps[0].Handle = &MapHandle{handle: newHandle(1)}
	m.relocations[0].targetSection = 999 // no program at this section

	if err := applyRelocations(m); err != nil {
		t.Fatalf("unrelated relocation should be ignored, got: %v", err)
	}
}

func asRelocationUnresolved(err error, target **RelocationUnresolved) bool {
	re, ok := err.(*RelocationUnresolved)
	if !ok {
		return false
	}
	*target = re
	return true
}
