package session

import (
	"context"
	"sync"

	"github.com/roelfdiedericks/dictate/internal/types"
)

// Pending is the future returned by StopSession.
type Pending struct {
	SessionID string

	once   sync.Once
	done   chan struct{}
	result *types.TranscriptionResult
	err    error
}

func newPending(id string) *Pending {
	return &Pending{SessionID: id, done: make(chan struct{})}
}

func (p *Pending) resolve(res *types.TranscriptionResult, err error) {
	p.once.Do(func() {
		p.result = res
		p.err = err
		close(p.done)
	})
}

// Done is closed once the session has reached idle and its resources are
// released.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks for the outcome. A completed session returns its result; a
// failed one returns the result (Status Failed) and a *types.Failure. A
// cancelled session returns (nil, nil).
func (p *Pending) Wait(ctx context.Context) (*types.TranscriptionResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
