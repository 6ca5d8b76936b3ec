// Package inference schedules transcription requests against providers.
// Requests for exclusive providers run one at a time; the rest share a
// bounded pool. Both lanes drain highest priority first.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/dictate/internal/audio"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/metrics"
	"github.com/roelfdiedericks/dictate/internal/models"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// Priorities used by the built-in callers. Any int is accepted.
const (
	PriorityBackground  = 0
	PriorityNormal      = 5
	PriorityInteractive = 10
)

// DefaultRemoteConcurrency bounds simultaneous non-exclusive requests.
const DefaultRemoteConcurrency = 4

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("inference: coordinator closed")

// Request is one unit of inference work.
type Request struct {
	SessionID string // back-reference for logs only
	Audio     *audio.Artifact
	Model     types.ModelDescriptor
	Language  string
	Prompt    string
	Priority  int
	Token     *CancelToken  // nil means one derived from Submit's ctx
	Timeout   time.Duration // 0 uses the coordinator default
}

// Response is a completed request.
type Response struct {
	Text     string
	Model    types.ModelDescriptor
	Duration time.Duration
}

// Coordinator owns the two lanes and their workers.
type Coordinator struct {
	registry *models.Registry
	metrics  *metrics.Manager
	timeout  time.Duration
	onStart  func(Request)

	exclusive *lane
	shared    *lane

	mu     sync.Mutex
	seq    uint64
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	concurrency int
	timeout     time.Duration
	metrics     *metrics.Manager
	onStart     func(Request)
}

// WithRemoteConcurrency bounds the non-exclusive lane.
func WithRemoteConcurrency(n int) Option {
	return func(o *coordinatorOptions) { o.concurrency = n }
}

// WithTimeout sets the default per-request execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *coordinatorOptions) { o.timeout = d }
}

// WithMetrics records queue wait and execution time.
func WithMetrics(m *metrics.Manager) Option {
	return func(o *coordinatorOptions) { o.metrics = m }
}

// WithDispatchHook is called on the worker just before a request executes.
func WithDispatchHook(fn func(Request)) Option {
	return func(o *coordinatorOptions) { o.onStart = fn }
}

// New starts a coordinator dispatching through registry.
func New(registry *models.Registry, opts ...Option) *Coordinator {
	o := coordinatorOptions{concurrency: DefaultRemoteConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultRemoteConcurrency
	}

	c := &Coordinator{
		registry:  registry,
		metrics:   o.metrics,
		timeout:   o.timeout,
		onStart:   o.onStart,
		exclusive: newLane("exclusive", 1),
		shared:    newLane("shared", o.concurrency),
		done:      make(chan struct{}),
	}
	c.wg.Add(2)
	go c.runLane(c.exclusive)
	go c.runLane(c.shared)
	L_debug("inference: coordinator started", "remoteConcurrency", o.concurrency, "timeout", o.timeout)
	return c
}

// Submit queues req and blocks until it completes. A cancelled request
// (token or ctx) yields (nil, nil): cancellation is no result, not an
// error. Provider failures come back as *types.InferenceError.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Response, error) {
	if req.Token == nil {
		req.Token = NewCancelToken(ctx)
	}
	if req.Token.Cancelled() {
		return nil, nil
	}

	p, err := c.registry.For(req.Model)
	if err != nil {
		return nil, err
	}
	l := c.shared
	if p.Exclusive() {
		l = c.exclusive
	}

	it := &item{req: &req, provider: p, result: make(chan outcome, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.seq++
	it.seq = c.seq
	l.push(it)
	c.mu.Unlock()

	L_debug("inference: queued", "session", req.SessionID, "model", req.Model.Identifier,
		"lane", l.name, "priority", req.Priority, "depth", l.depth())
	queued := time.Now()

	select {
	case out := <-it.result:
		c.metrics.RecordDuration("inference", "queue_wait", time.Since(queued))
		if req.Token.Cancelled() {
			return nil, nil
		}
		return out.resp, out.err
	case <-req.Token.Done():
	case <-ctx.Done():
		req.Token.Cancel()
	}
	if l.remove(it) {
		L_debug("inference: cancelled while queued", "session", req.SessionID)
	} else {
		L_debug("inference: cancelled while running, result will be discarded", "session", req.SessionID)
	}
	c.metrics.IncrementCounter("inference", "cancelled")
	return nil, nil
}

// runLane keeps up to cap(l.slots) requests executing. A slot is taken
// before popping so the highest priority request at that moment wins it.
func (c *Coordinator) runLane(l *lane) {
	defer c.wg.Done()
	for {
		select {
		case l.slots <- struct{}{}:
		case <-c.done:
			return
		}
		it := l.next(c.done)
		if it == nil {
			<-l.slots
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() { <-l.slots }()
			c.execute(it)
		}()
	}
}

func (c *Coordinator) execute(it *item) {
	req := it.req
	if req.Token.Cancelled() {
		return
	}
	if c.onStart != nil {
		c.onStart(*req)
	}

	ctx := req.Token.Context()
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	family := string(req.Model.Family)
	start := time.Now()
	text, err := c.transcribe(ctx, it.provider, req)
	elapsed := time.Since(start)
	c.metrics.RecordDuration("inference", family, elapsed)

	switch {
	case req.Token.Cancelled():
		L_debug("inference: discarded cancelled result", "session", req.SessionID)
		return
	case err != nil:
		c.metrics.RecordFailure("inference", family, string(types.ClassifyReason(err)))
		L_warn("inference: request failed", "session", req.SessionID, "model", req.Model.Identifier, "error", err)
		it.result <- outcome{err: types.NewInferenceError(providerName(req.Model), err)}
	default:
		c.metrics.RecordSuccess("inference", family)
		L_debug("inference: request complete", "session", req.SessionID, "elapsed", elapsed, "length", len(text))
		it.result <- outcome{resp: &Response{Text: text, Model: req.Model, Duration: elapsed}}
	}
}

// transcribe turns a provider panic into an error so one bad request
// cannot take the worker down.
func (c *Coordinator) transcribe(ctx context.Context, p models.Provider, req *Request) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			L_error("inference: provider panic", "model", req.Model.Identifier, "panic", r)
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return p.Transcribe(ctx, models.Job{
		Audio:    req.Audio,
		Model:    req.Model,
		Language: req.Language,
		Prompt:   req.Prompt,
	})
}

func providerName(d types.ModelDescriptor) string {
	if d.Vendor != "" {
		return d.Vendor
	}
	return string(d.Family)
}

// QueueDepth returns the number of waiting requests per lane.
func (c *Coordinator) QueueDepth() (exclusive, shared int) {
	return c.exclusive.depth(), c.shared.depth()
}

// Close rejects queued requests with ErrClosed and waits for running ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	left := append(c.exclusive.drain(), c.shared.drain()...)
	c.mu.Unlock()

	for _, it := range left {
		it.result <- outcome{err: ErrClosed}
	}
	c.wg.Wait()
	L_debug("inference: coordinator closed", "rejected", len(left))
}
