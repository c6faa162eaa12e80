package sink_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/vmtap/loader/internal/sink"
	"github.com/vmtap/loader/internal/vm"
)

func TestConsoleLogsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := sink.Console(logger)
	s(vm.Event{
		MapName: "events",
		Record:  vm.EventRecord{CPU: 2, Payload: []byte{0xDE, 0xAD}},
	})

	out := buf.String()
	if !strings.Contains(out, "events") {
		t.Errorf("log output %q does not mention the map name", out)
	}
	if !strings.Contains(out, "dead") {
		t.Errorf("log output %q does not hex-encode the payload", out)
	}
}

func TestConsoleDefaultsToSlogDefault(t *testing.T) {
	s := sink.Console(nil)
	if s == nil {
		t.Fatal("Console(nil) returned a nil Sink")
	}
	// Must not panic when invoked.
	s(vm.Event{MapName: "events", Record: vm.EventRecord{CPU: 0}})
}
