package inference

import (
	"context"
	"sync"
)

// CancelToken is the per-request cancellation signal. Cancel is idempotent
// and the token never un-cancels.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewCancelToken derives a token from parent; cancelling parent cancels the
// token, never the other way round.
func NewCancelToken(parent context.Context) *CancelToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel marks the token cancelled.
func (t *CancelToken) Cancel() {
	t.once.Do(t.cancel)
}

// Cancelled reports whether the token or its parent was cancelled.
func (t *CancelToken) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Done is closed once cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context is handed to providers so they can stop at chunk boundaries.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}
