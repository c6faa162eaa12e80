//go:build linux

package vm

import "unsafe"

// createMap materializes one kernel map via BPF_MAP_CREATE and assigns its
// Handle. Called once per Map, before relocation application.
func createMap(m *Map) error {
	attr := mapCreateAttr{
		mapType:    uint32(m.Type),
		keySize:    m.KeySize,
		valueSize:  m.ValueSize,
		maxEntries: m.MaxEntries,
		mapFlags:   m.Flags,
	}

	fd, err := bpfSyscall(bpfCmdMapCreate, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return &KernelRefused{
			Op:     "map create",
			Detail: m.Name,
			Err:    err,
		}
	}

	h := MapHandle{handle: newHandle(fd)}
	m.Handle = &h
	return nil
}

// createMaps materializes every Map in m.Maps in declaration order. On
// failure it closes every Map it had already created before returning, so a
// rejected Module leaks no kernel descriptors.
func createMaps(maps []*Map) error {
	for i, mp := range maps {
		if err := createMap(mp); err != nil {
			for j := 0; j < i; j++ {
				maps[j].Handle.Close()
				maps[j].Handle = nil
			}
			return err
		}
	}
	return nil
}
