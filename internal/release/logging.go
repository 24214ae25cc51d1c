package release

import (
	"io"
	"log/slog"
)

// logger is package-scoped and defaults to discarding all output, following
// the pattern in joshuapare-hivekit/cmd/hiveexplorer/logger: a library has
// no business writing to stderr unless its caller opts in. SetLogger lets a
// host allocator redirect it.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLogger overrides the release engine's logger. Pass nil to restore the
// default discard logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}
	logger = l
}
