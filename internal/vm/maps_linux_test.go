//go:build linux

package vm

import "testing"

// TestCreateMapHashTable attempts to create a small hash map via the real
// bpf(2) syscall. Lacking CAP_BPF (or running under a security profile that
// denies it), the kernel refuses and createMap must surface a typed
// KernelRefused rather than panic; this test accepts either outcome and only
// checks that success and failure are both handled cleanly.
func TestCreateMapHashTable(t *testing.T) {
	m := &Map{Name: "scratch", Type: MapTypeHash, KeySize: 4, ValueSize: 8, MaxEntries: 16}
	err := createMap(m)
	if err != nil {
		var kr *KernelRefused
		if !asKernelRefused(err, &kr) {
			t.Fatalf("createMap error %v is not a *KernelRefused", err)
		}
		if m.Handle != nil {
			t.Error("createMap assigned a Handle despite failing")
		}
		t.Logf("createMap failed as expected without CAP_BPF: %v", err)
		return
	}
	if m.Handle == nil {
		t.Fatal("createMap succeeded but assigned no Handle")
	}
	m.Handle.Close()
}

// TestCreateMapsRollsBackRealFailure forces a failure on the second of two
// maps (an invalid type value) and verifies the first map's handle is closed
// and cleared, whether or not the first map's own creation succeeded.
func TestCreateMapsRollsBackRealFailure(t *testing.T) {
	maps := []*Map{
		{Name: "first", Type: MapTypeHash, KeySize: 4, ValueSize: 4, MaxEntries: 4},
		{Name: "second", Type: MapType(0xFFFFFFFF), KeySize: 4, ValueSize: 4, MaxEntries: 4},
	}
	err := createMaps(maps)
	if err == nil {
		t.Fatal("expected createMaps to fail on an invalid map type")
	}
	for _, mp := range maps {
		if mp.Handle != nil {
			t.Errorf("map %q retains a Handle after createMaps failed", mp.Name)
		}
	}
}

func asKernelRefused(err error, target **KernelRefused) bool {
	kr, ok := err.(*KernelRefused)
	if ok {
		*target = kr
	}
	return ok
}
