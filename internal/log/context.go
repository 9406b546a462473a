package log

import (
	"context"

	clog "github.com/containerd/log"
	"github.com/sirupsen/logrus"
)

// G returns a [logrus.Entry] carried by ctx, or the standard logger's entry
// if ctx carries none. Components use this instead of logrus directly so
// that a per-job context (job id, tool path) is always attached.
func G(ctx context.Context) *logrus.Entry {
	return clog.G(ctx)
}

// L is the standard, context-free logger entry.
var L = clog.L

// WithJob returns a child context carrying a log entry annotated with the
// given job id. Per-job components (C1-C13) derive their log entries from
// this context so every line in a job's lifetime is attributable.
func WithJob(ctx context.Context, jobID uint64) context.Context {
	return clog.WithLogger(ctx, G(ctx).WithField("jobID", jobID))
}
