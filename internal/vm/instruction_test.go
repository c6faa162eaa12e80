//go:build linux

package vm

import "testing"

// TestInstructionSize guards against accidental changes to the Instruction
// wire layout, which must stay at 8 bytes to match the kernel's bpf_insn
// ABI.
func TestInstructionSize(t *testing.T) {
	if instructionSize != 8 {
		t.Errorf("instructionSize = %d, want 8", instructionSize)
	}
}

func TestSrcRegDstReg(t *testing.T) {
	insn := Instruction{Regs: 0xA5} // src=0xA, dst=0x5
	if got := insn.SrcReg(); got != 0xA {
		t.Errorf("SrcReg() = %#x, want 0xA", got)
	}
	if got := insn.DstReg(); got != 0x5 {
		t.Errorf("DstReg() = %#x, want 0x5", got)
	}
}

func TestSetSrcRegPreservesDst(t *testing.T) {
	insn := Instruction{Regs: 0x07} // dst=7
	insn.setSrcReg(pseudoMapDescriptor)
	if insn.DstReg() != 0x07 {
		t.Errorf("DstReg() after setSrcReg = %#x, want 0x07", insn.DstReg())
	}
	if insn.SrcReg() != pseudoMapDescriptor {
		t.Errorf("SrcReg() after setSrcReg = %#x, want %#x", insn.SrcReg(), pseudoMapDescriptor)
	}
}

func TestDecodeInstructions(t *testing.T) {
	// Three instruction slots: a plain LD_IMM64 pair and a trivial EXIT.
	buf := []byte{
		0x18, 0x01, 0x00, 0x00, 0x2a, 0x00, 0x00, 0x00, // LD_IMM64 dst=1, imm=0x2a
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // imm64 second half
		0x95, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // EXIT
	}
	insns, err := decodeInstructions(buf)
	if err != nil {
		t.Fatalf("decodeInstructions: %v", err)
	}
	if len(insns) != 3 {
		t.Fatalf("len(insns) = %d, want 3", len(insns))
	}
	if insns[0].Op != opLoadImm64 || insns[0].Imm != 0x2a {
		t.Errorf("insns[0] = %+v", insns[0])
	}
	if insns[2].Op != 0x95 {
		t.Errorf("insns[2].Op = %#x, want 0x95", insns[2].Op)
	}
}

func TestDecodeInstructionsRejectsShortBuffer(t *testing.T) {
	_, err := decodeInstructions([]byte{0x18, 0x01, 0x00})
	if err == nil {
		t.Fatal("expected error for buffer not a multiple of instructionSize")
	}
}

func TestDecodeInstructionsRejectsEmpty(t *testing.T) {
	_, err := decodeInstructions(nil)
	if err == nil {
		t.Fatal("expected error for empty program section")
	}
}
