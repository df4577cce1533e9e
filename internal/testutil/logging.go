package testutil

import (
	"bytes"
	"log/slog"
)

// Logger returns a debug-level text logger that writes into the returned
// buffer, for asserting on diagnostics.
func Logger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
