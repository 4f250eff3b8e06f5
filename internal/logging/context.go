package logging

import (
	"context"
	"time"
)

// DetachContext returns a context carrying parent's values (request-scoped
// loggers included) that is never cancelled with parent.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout is DetachContext with its own deadline. Queued
// writes use it so that an abandoned caller neither aborts a transaction
// halfway nor leaves it running forever.
//
//	ctx, cancel := logging.DetachContextWithTimeout(submitCtx, 30*time.Second)
//	defer cancel()
//	tx, err := db.BeginTx(ctx, nil)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(DetachContext(parent), timeout)
}
