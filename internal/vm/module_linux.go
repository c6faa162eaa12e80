//go:build linux

package vm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// defaultRingPages is the per-cpu ring data region size in pages when a
// caller does not override it via Module.SetRingPages.
const defaultRingPages = 16

func init() {
	closeFD = unix.Close
}

// Load materializes every Map, applies every Relocation, and submits every
// Program to the kernel verifier, in that order (spec.md §3's Module
// invariant: a Program is never submitted before the Maps its instructions
// reference exist). Load is not idempotent; calling it twice returns an
// error.
func (m *Module) Load() error {
	if m.loaded {
		return fmt.Errorf("vm: module already loaded")
	}

	if err := createMaps(m.Maps); err != nil {
		return err
	}
	if err := applyRelocations(m); err != nil {
		m.closeMaps()
		return err
	}
	if err := loadPrograms(m.Programs, m.License, m.KernelVersion); err != nil {
		m.closeMaps()
		return err
	}

	m.loaded = true
	return nil
}

// Attach binds every named Program to the AttachTarget given for it in
// targets. Attach requires Load to have completed. A Program whose name is
// absent from targets is left unattached.
func (m *Module) Attach(targets map[string]AttachTarget) error {
	if !m.loaded {
		return fmt.Errorf("vm: module not loaded")
	}

	for _, p := range m.Programs {
		target, ok := targets[p.Name]
		if !ok {
			continue
		}
		if err := attachProgram(p, target); err != nil {
			return err
		}
	}

	m.attached = true
	return nil
}

// ringPages returns the per-cpu ring data region size BindSink should use.
func (m *Module) ringPages() int {
	if m.ringPageCount == 0 {
		return defaultRingPages
	}
	return m.ringPageCount
}

// BindSink opens one Ring per online cpu against the Module's perf-event
// Map (the first Map of MapTypePerfEventArray found) and arranges for
// decoded Events to be delivered to sink. BindSink requires Attach to have
// completed.
func (m *Module) BindSink(sink Sink) error {
	if !m.attached {
		return fmt.Errorf("vm: module not attached")
	}

	var ringMap *Map
	for _, mp := range m.Maps {
		if mp.Type == MapTypePerfEventArray {
			ringMap = mp
			break
		}
	}
	if ringMap == nil {
		return fmt.Errorf("vm: module declares no perf-event-array map")
	}

	cpus, err := OnlineCPUs()
	if err != nil {
		return err
	}

	rd, err := openPerfReader(ringMap.Handle.FD(), ringMap.Name, cpus, m.ringPages())
	if err != nil {
		return err
	}

	m.rd = rd
	m.sink = sink
	return nil
}

// Poll drains any Ring records currently available, dispatching them to the
// bound Sink, and returns the count dispatched. BindSink must have been
// called first.
func (m *Module) Poll(timeout time.Duration) (int, error) {
	if m.rd == nil {
		return 0, fmt.Errorf("vm: no sink bound")
	}
	return m.rd.Poll(timeout, m.sink)
}

// Run polls continuously until ctx is cancelled or the Module is closed.
func (m *Module) Run(ctx context.Context) error {
	if m.rd == nil {
		return fmt.Errorf("vm: no sink bound")
	}
	return m.rd.Run(ctx, m.sink)
}

// Close releases every kernel and mmap resource the Module has acquired, in
// the order attachments, programs, rings, maps — an attachment or program
// handle is only ever released after anything that could still reference it
// is gone. Close is idempotent.
func (m *Module) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	for _, p := range m.Programs {
		if p.AttachHandle != nil {
			p.AttachHandle.Close()
			p.AttachHandle = nil
		}
	}
	for _, p := range m.Programs {
		if p.LoadHandle != nil {
			p.LoadHandle.Close()
			p.LoadHandle = nil
		}
	}
	if m.rd != nil {
		m.rd.Close()
		m.rd = nil
	}
	m.closeMaps()

	return nil
}

func (m *Module) closeMaps() {
	for _, mp := range m.Maps {
		if mp.Handle != nil {
			mp.Handle.Close()
			mp.Handle = nil
		}
	}
}
