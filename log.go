package guard

import (
	"context"

	"github.com/nhalm/canonlog"
)

// Internal diagnostics attach to the request's canonical log line when the
// Handler middleware was installed with WithCanonlog; without a logger in
// context they are dropped. Rate-limit and abuse failures are recovered
// locally either way, so logging is advisory.

func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}

func logField(ctx context.Context, key string, value any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAdd(ctx, key, value)
	}
}
