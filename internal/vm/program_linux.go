//go:build linux

package vm

import (
	"encoding/binary"
	"unsafe"
)

// encodeInstructions packs Instructions back into the kernel's bpf_insn wire
// layout, the inverse of decodeInstructions.
func encodeInstructions(insns []Instruction) []byte {
	buf := make([]byte, len(insns)*instructionSize)
	for i, insn := range insns {
		b := buf[i*instructionSize : (i+1)*instructionSize]
		b[0] = insn.Op
		b[1] = insn.Regs
		binary.LittleEndian.PutUint16(b[2:4], uint16(insn.Offset))
		binary.LittleEndian.PutUint32(b[4:8], uint32(insn.Imm))
	}
	return buf
}

// loadProgram submits p to the kernel verifier via BPF_PROG_LOAD and assigns
// its LoadHandle. p's Instructions must already have their map relocations
// applied. kernelVersion is the Module's resolved version stamp; the kprobe
// and kretprobe families require it to match the running kernel exactly.
func loadProgram(p *Program, license string, kernelVersion uint32) error {
	family, ok := progFamily(p.Kind)
	if !ok {
		return &KernelRefused{
			Op:     "program load",
			Detail: p.Name,
			Err:    ErrNotSupported,
		}
	}

	code := encodeInstructions(p.Instructions)
	lic := append([]byte(license), 0)
	logBuf := make([]byte, bpfVerifierLogSize)

	var name [16]byte
	copy(name[:], shortProgName(p.Name))

	attr := progLoadAttr{
		progType:    family,
		insnCnt:     uint32(len(p.Instructions)),
		insns:       uint64(uintptr(unsafe.Pointer(&code[0]))),
		license:     uint64(uintptr(unsafe.Pointer(&lic[0]))),
		logLevel:    bpfVerifierLogLevel,
		logSize:     uint32(len(logBuf)),
		logBuf:      uint64(uintptr(unsafe.Pointer(&logBuf[0]))),
		kernVersion: kernelVersion,
		progName:    name,
	}

	fd, err := bpfSyscall(bpfCmdProgLoad, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return &KernelRefused{
			Op:     "program load",
			Detail: p.Name,
			Log:    extractVerifierLog(logBuf),
			Err:    err,
		}
	}

	h := ProgramHandle{handle: newHandle(fd)}
	p.LoadHandle = &h
	return nil
}

// loadPrograms submits every Program in progs in declaration order. On
// failure it closes every program it had already loaded before returning,
// so a rejected Module leaks no kernel descriptors.
func loadPrograms(progs []*Program, license string, kernelVersion uint32) error {
	for i, p := range progs {
		if err := loadProgram(p, license, kernelVersion); err != nil {
			for j := 0; j < i; j++ {
				progs[j].LoadHandle.Close()
				progs[j].LoadHandle = nil
			}
			return err
		}
	}
	return nil
}
