//go:build linux

package vm

import (
	"errors"
	"testing"
)

func TestKernelRefusedUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &KernelRefused{Op: "map create", Detail: "events", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is did not see through KernelRefused.Unwrap")
	}
}

func TestKernelRefusedIncludesVerifierLog(t *testing.T) {
	err := &KernelRefused{Op: "program load", Detail: "watch_open", Log: "R1 invalid mem access"}
	if got := err.Error(); got == "" {
		t.Fatal("Error() returned empty string")
	}
	if !contains(err.Error(), "R1 invalid mem access") {
		t.Errorf("Error() = %q, want it to include the verifier log", err.Error())
	}
}

func TestOsIntrospectionUnwrap(t *testing.T) {
	inner := errors.New("no such file")
	err := &OsIntrospection{Detail: "uname", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is did not see through OsIntrospection.Unwrap")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
