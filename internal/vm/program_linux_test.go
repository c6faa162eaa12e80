//go:build linux

package vm

import "testing"

func TestEncodeDecodeInstructionsRoundTrip(t *testing.T) {
	want := []Instruction{
		{Op: opLoadImm64, Regs: 0x01, Offset: 0, Imm: 42},
		{Op: 0x95, Regs: 0, Offset: 0, Imm: 0}, // exit
	}

	buf := encodeInstructions(want)
	got, err := decodeInstructions(buf)
	if err != nil {
		t.Fatalf("decodeInstructions: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d instructions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("instruction %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadProgramRejectsUnknownFamily(t *testing.T) {
	p := &Program{Kind: KindExpressPathFilter, Name: "fastpath"}
	err := loadProgram(p, "GPL", 0)
	if err == nil {
		t.Fatal("expected loadProgram to fail for a kind with no kernel family")
	}
	if p.LoadHandle != nil {
		t.Error("loadProgram assigned a LoadHandle despite failing")
	}
}

func TestLoadProgramsRollsBackOnFailure(t *testing.T) {
	ok := &Program{Kind: KindExpressPathFilter, Name: "never-loads"}
	progs := []*Program{ok}
	if err := loadPrograms(progs, "GPL", 0); err == nil {
		t.Fatal("expected loadPrograms to fail")
	}
	for _, p := range progs {
		if p.LoadHandle != nil {
			t.Errorf("program %q retains a LoadHandle after rollback", p.Name)
		}
	}
}
