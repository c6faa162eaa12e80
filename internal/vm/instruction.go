//go:build linux

package vm

import "encoding/binary"

// instructionSize is the fixed width of one VM instruction, matching the
// kernel's bpf_insn ABI: 1-byte opcode, 1-byte packed dst/src register pair,
// a signed 16-bit offset, and a signed 32-bit immediate.
const instructionSize = 8

// pseudoMapDescriptor is the src_reg sentinel (BPF_PSEUDO_MAP_FD in the
// kernel's terms) that marks an LD_IMM64 instruction as a map reference
// rather than a plain 64-bit immediate load.
const pseudoMapDescriptor uint8 = 1

// opLoadImm64 is the opcode for a 64-bit immediate load (BPF_LD | BPF_IMM |
// BPF_DW); map relocations are always applied to the first half of a pair
// of these instructions.
const opLoadImm64 uint8 = 0x18

// Instruction is one fixed-width VM instruction.
type Instruction struct {
	Op     uint8
	Regs   uint8 // dst_reg in the low nibble, src_reg in the high nibble
	Offset int16
	Imm    int32
}

// SrcReg returns the instruction's source register field.
func (i Instruction) SrcReg() uint8 { return i.Regs >> 4 }

// DstReg returns the instruction's destination register field.
func (i Instruction) DstReg() uint8 { return i.Regs & 0x0F }

// setSrcReg overwrites the source register field in place, preserving the
// destination register.
func (i *Instruction) setSrcReg(v uint8) {
	i.Regs = (i.Regs & 0x0F) | (v << 4)
}

// decodeInstructions reads a whole number of fixed-width instructions from
// buf. It fails if buf's length is not a multiple of instructionSize.
func decodeInstructions(buf []byte) ([]Instruction, error) {
	if len(buf) == 0 {
		return nil, &ParseError{Reason: "empty program section"}
	}
	if len(buf)%instructionSize != 0 {
		return nil, &ParseError{
			Reason: "program section size is not a multiple of the instruction width",
		}
	}

	insns := make([]Instruction, len(buf)/instructionSize)
	for i := range insns {
		b := buf[i*instructionSize : (i+1)*instructionSize]
		insns[i] = Instruction{
			Op:     b[0],
			Regs:   b[1],
			Offset: int16(binary.LittleEndian.Uint16(b[2:4])),
			Imm:    int32(binary.LittleEndian.Uint32(b[4:8])),
		}
	}
	return insns, nil
}
