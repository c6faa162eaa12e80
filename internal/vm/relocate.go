//go:build linux

package vm

// applyRelocations patches every map-referencing LD_IMM64 instruction in m's
// Programs with the kernel file descriptor of the Map it targets. Maps must
// already be created (createMaps) before this runs, since the descriptor is
// not known until then. Each relocation is resolved purely by section index
// and symbol index, never by name, per Design Notes §9.
func applyRelocations(m *Module) error {
	progBySection := make(map[int]*Program, len(m.Programs))
	for _, p := range m.Programs {
		progBySection[p.section] = p
	}

	for _, rel := range m.relocations {
		prog, ok := progBySection[rel.targetSection]
		if !ok {
			// The relocation section targets a section that carries no
			// recognized program (sh_info pointed elsewhere); not our concern.
			continue
		}

		if rel.symbolIndex >= len(m.symSection) {
			return &RelocationUnresolved{
				TargetSection: rel.targetSection,
				SymbolIndex:   rel.symbolIndex,
				Reason:        "symbol index out of range",
			}
		}
		mapSection := m.symSection[rel.symbolIndex]
		mp, ok := m.mapBySection[mapSection]
		if !ok {
			return &RelocationUnresolved{
				TargetSection: rel.targetSection,
				SymbolIndex:   rel.symbolIndex,
				Reason:        "symbol does not refer to a declared map",
			}
		}

		idx := rel.insnOffset / instructionSize
		if idx < 0 || idx >= len(prog.Instructions) {
			return &RelocationUnresolved{
				TargetSection: rel.targetSection,
				SymbolIndex:   rel.symbolIndex,
				Reason:        "relocation offset falls outside the program",
			}
		}
		insn := &prog.Instructions[idx]
		if insn.Op != opLoadImm64 {
			return &RelocationUnresolved{
				TargetSection: rel.targetSection,
				SymbolIndex:   rel.symbolIndex,
				Reason:        "relocation does not target an LD_IMM64 instruction",
			}
		}
		if mp.Handle == nil {
			return &RelocationUnresolved{
				TargetSection: rel.targetSection,
				SymbolIndex:   rel.symbolIndex,
				Reason:        "target map has no kernel handle yet",
			}
		}

		insn.setSrcReg(pseudoMapDescriptor)
		insn.Imm = int32(mp.Handle.FD())
		prog.patched = true
	}

	return nil
}
