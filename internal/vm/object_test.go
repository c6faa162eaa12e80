//go:build linux

package vm

import (
	"errors"
	"testing"
)

func TestCString(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
		want  string
	}{
		{"NUL terminated", []byte{'h', 'i', 0, 0}, "hi"},
		{"no NUL", []byte{'a', 'b', 'c'}, "abc"},
		{"all zeros", []byte{0, 0, 0}, ""},
		{"empty", []byte{}, ""},
		{"NUL at first byte", []byte{0, 'x'}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cString(tc.input); got != tc.want {
				t.Errorf("cString(%v) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestIsProgramCategory(t *testing.T) {
	for _, cat := range []string{"kprobe", "kretprobe", "xdp", "socketfilter"} {
		if !isProgramCategory(cat) {
			t.Errorf("isProgramCategory(%q) = false, want true", cat)
		}
	}
	if isProgramCategory("maps") {
		t.Error(`isProgramCategory("maps") = true, want false`)
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := validateIdentifier("watch_open"); err != nil {
		t.Errorf("validateIdentifier(%q) = %v, want nil", "watch_open", err)
	}
	if err := validateIdentifier(""); err != nil {
		t.Errorf("validateIdentifier(\"\") = %v, want nil", err)
	}

	err := validateIdentifier("watch\x00open")
	if err == nil {
		t.Fatal("validateIdentifier with an interior NUL = nil, want an error")
	}
	if !errors.Is(err, StringConversion) {
		t.Errorf("validateIdentifier error = %v, want errors.Is(err, StringConversion)", err)
	}
}

func TestMapDescriptorSize(t *testing.T) {
	if mapDescriptorSize != 20 {
		t.Errorf("mapDescriptorSize = %d, want 20", mapDescriptorSize)
	}
}
