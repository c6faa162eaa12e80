// Package sink provides vmtapd's in-repo Event destinations. vmtap's own
// job ends at decoding ring-buffer records into vm.Events; routing them
// anywhere durable (a time-series store, an object store, a message bus) is
// the downstream pipeline's job, not the loader's. This package therefore
// ships exactly one trivial sink, grounded in the same role the reference
// implementation's "console" backend plays: a structured dump for local
// inspection, never a production destination.
package sink

import (
	"encoding/hex"
	"log/slog"

	"github.com/vmtap/loader/internal/vm"
)

// Console returns a vm.Sink that logs every Event as a structured record
// through logger. If logger is nil, slog.Default() is used.
func Console(logger *slog.Logger) vm.Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return func(evt vm.Event) {
		logger.Info("event",
			slog.String("map", evt.MapName),
			slog.Int("cpu", evt.Record.CPU),
			slog.Int("bytes", len(evt.Record.Payload)),
			slog.String("payload", hex.EncodeToString(evt.Record.Payload)),
		)
	}
}
