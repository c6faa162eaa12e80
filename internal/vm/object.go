//go:build linux

package vm

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// mapDescriptorSize is the on-disk size of a maps/NAME section: five
// little-endian uint32 fields (type, key_size, value_size, max_entries,
// flags), per spec.md §6.
const mapDescriptorSize = 20

// kernelVersionSentinel in a version section means "substitute the running
// kernel release" rather than passing the literal value through.
const kernelVersionSentinel uint32 = 0xFFFFFFFE

// programSectionKinds maps a section's category (the text before the first
// '/' in its name) to the ProgramKind it declares.
var programSectionKinds = map[string]ProgramKind{
	"kprobe":       KindEntryProbe,
	"kretprobe":    KindReturnProbe,
	"xdp":          KindNetworkFilter,
	"socketfilter": KindSocketFilter,
}

// parseObject walks r's section headers and builds a Module from the
// sections spec.md §4.B recognizes. All other sections are ignored. Maps
// and Programs are keyed internally by their own section index, and
// relocations carry the section indices of their targets and the symbol
// indices of their referents, so Relocation Application (relocate.go) never
// needs a name lookup — see Design Notes §9.
func parseObject(r io.ReaderAt) (*Module, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed ELF container: %v", err)}
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, &ParseError{Reason: fmt.Sprintf("expected a 64-bit object, got %v", f.Class)}
	}
	if f.ByteOrder != binary.LittleEndian {
		return nil, &ParseError{Reason: "the VM instruction set is little-endian only"}
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, &ParseError{Reason: fmt.Sprintf("read symbol table: %v", err)}
	}

	m := &Module{
		mapBySection: make(map[int]*Map),
	}
	var rawVersion uint32
	haveVersion := false

	for idx, sec := range f.Sections {
		category, tail, hasTail := strings.Cut(sec.Name, "/")

		switch {
		case sec.Name == "license":
			data, err := sec.Data()
			if err != nil {
				return nil, &ParseError{Reason: fmt.Sprintf("read license section: %v", err)}
			}
			m.License = cString(data)

		case sec.Name == "version":
			data, err := sec.Data()
			if err != nil {
				return nil, &ParseError{Reason: fmt.Sprintf("read version section: %v", err)}
			}
			if len(data) < 4 {
				return nil, &SectionError{Name: sec.Name}
			}
			rawVersion = binary.LittleEndian.Uint32(data[:4])
			haveVersion = true

		case category == "maps" && hasTail:
			data, err := sec.Data()
			if err != nil {
				return nil, &ParseError{Reason: fmt.Sprintf("read map section %q: %v", sec.Name, err)}
			}
			if len(data) != mapDescriptorSize {
				return nil, &SectionError{Name: sec.Name}
			}
			if err := validateIdentifier(tail); err != nil {
				return nil, err
			}
			mp := &Map{
				Name:       tail,
				Type:       MapType(binary.LittleEndian.Uint32(data[0:4])),
				KeySize:    binary.LittleEndian.Uint32(data[4:8]),
				ValueSize:  binary.LittleEndian.Uint32(data[8:12]),
				MaxEntries: binary.LittleEndian.Uint32(data[12:16]),
				Flags:      binary.LittleEndian.Uint32(data[16:20]),
				section:    idx,
			}
			m.Maps = append(m.Maps, mp)
			m.mapBySection[idx] = mp

		case hasTail && isProgramCategory(category):
			data, err := sec.Data()
			if err != nil {
				return nil, &ParseError{Reason: fmt.Sprintf("read program section %q: %v", sec.Name, err)}
			}
			insns, err := decodeInstructions(data)
			if err != nil {
				return nil, err
			}
			if err := validateIdentifier(tail); err != nil {
				return nil, err
			}
			p := &Program{
				Kind:         programSectionKinds[category],
				Name:         tail,
				Instructions: insns,
				section:      idx,
			}
			m.Programs = append(m.Programs, p)

		case sec.Type == elf.SHT_REL || sec.Type == elf.SHT_RELA:
			relas, err := readRelocations(f, sec, syms)
			if err != nil {
				return nil, err
			}
			target := int(sec.Info) // sh_info: the relocated section's index
			for _, off := range relas {
				m.relocations = append(m.relocations, relocation{
					targetSection: target,
					insnOffset:    off.offset,
					symbolIndex:   off.symIndex,
				})
			}
		}
	}

	// f.Symbols() omits the null symbol at index 0, so syms[i] is ELF symbol
	// table index i+1.
	m.symSection = make([]int, len(syms)+1)
	m.symSection[0] = -1
	for i, s := range syms {
		m.symSection[i+1] = int(s.Section)
	}

	if m.License == "" {
		// No license section: treat as malformed rather than silently
		// defaulting, since the kernel verifier requires one on BPF_PROG_LOAD
		// and a missing license is very likely a build-pipeline mistake, not
		// an intentional choice.
		return nil, &ParseError{Reason: "object has no license section"}
	}

	m.KernelVersion = rawVersion
	if haveVersion && rawVersion == kernelVersionSentinel {
		v, err := currentKernelVersion()
		if err != nil {
			return nil, err
		}
		m.KernelVersion = v
	}

	return m, nil
}

func isProgramCategory(category string) bool {
	_, ok := programSectionKinds[category]
	return ok
}

// relEntry is one relocation record: the byte offset into the target
// section and the symbol table index it references.
type relEntry struct {
	offset   int
	symIndex int
}

// readRelocations decodes a SHT_REL or SHT_RELA section into relEntry
// values, validating each symbol index against syms.
func readRelocations(f *elf.File, sec *elf.Section, syms []elf.Symbol) ([]relEntry, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("read relocation section %q: %v", sec.Name, err)}
	}

	var entries []relEntry

	switch sec.Type {
	case elf.SHT_RELA:
		const sz = 24 // sizeof(Elf64_Rela)
		if len(data)%sz != 0 {
			return nil, &ParseError{Reason: fmt.Sprintf("RELA section %q has a truncated entry", sec.Name)}
		}
		for off := 0; off+sz <= len(data); off += sz {
			info := binary.LittleEndian.Uint64(data[off+8 : off+16])
			symIdx := int(info >> 32)
			if symIdx > len(syms) { // syms lacks the null symbol at index 0
				return nil, &RelocationUnresolved{
					SymbolIndex: symIdx,
					Reason:      "symbol index out of range",
				}
			}
			roff := binary.LittleEndian.Uint64(data[off : off+8])
			entries = append(entries, relEntry{offset: int(roff), symIndex: symIdx})
		}

	case elf.SHT_REL:
		const sz = 16 // sizeof(Elf64_Rel)
		if len(data)%sz != 0 {
			return nil, &ParseError{Reason: fmt.Sprintf("REL section %q has a truncated entry", sec.Name)}
		}
		for off := 0; off+sz <= len(data); off += sz {
			info := binary.LittleEndian.Uint64(data[off+8 : off+16])
			symIdx := int(info >> 32)
			if symIdx > len(syms) { // syms lacks the null symbol at index 0
				return nil, &RelocationUnresolved{
					SymbolIndex: symIdx,
					Reason:      "symbol index out of range",
				}
			}
			roff := binary.LittleEndian.Uint64(data[off : off+8])
			entries = append(entries, relEntry{offset: int(roff), symIndex: symIdx})
		}
	}

	return entries, nil
}

// cString returns the content of buf up to (and excluding) the first NUL
// byte. If buf contains no NUL the whole slice is returned.
func cString(buf []byte) string {
	if i := indexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}

// validateIdentifier rejects a map or program name containing an interior
// NUL byte: every kernel call this loader makes passes names and symbols as
// NUL-terminated C strings, so an embedded NUL would silently truncate the
// identifier the kernel actually sees.
func validateIdentifier(name string) error {
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("vm: parse object: identifier %q: %w", name, StringConversion)
	}
	return nil
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}
