package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/dictate/internal/models"
	"github.com/roelfdiedericks/dictate/internal/types"
)

type fakeProvider struct {
	family    types.Family
	exclusive bool
	fn        func(ctx context.Context, job models.Job) (string, error)
}

func (f *fakeProvider) Family() types.Family { return f.family }
func (f *fakeProvider) ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error) {
	return nil, nil
}
func (f *fakeProvider) IsDownloaded(d types.ModelDescriptor) bool { return true }
func (f *fakeProvider) Download(ctx context.Context, d types.ModelDescriptor, r models.ReportFunc) error {
	return nil
}
func (f *fakeProvider) Delete(d types.ModelDescriptor) error                  { return nil }
func (f *fakeProvider) Load(ctx context.Context, d types.ModelDescriptor) error { return nil }
func (f *fakeProvider) Unload(ctx context.Context) error                      { return nil }
func (f *fakeProvider) Exclusive() bool                                       { return f.exclusive }
func (f *fakeProvider) Transcribe(ctx context.Context, job models.Job) (string, error) {
	return f.fn(ctx, job)
}

var (
	localModel  = types.ModelDescriptor{Identifier: "ggml-base", Family: types.FamilyLocal}
	remoteModel = types.ModelDescriptor{Identifier: "openai-whisper-1", Family: types.FamilyRemote, Vendor: "openai"}
)

func registryWith(ps ...models.Provider) *models.Registry {
	reg := models.NewRegistry()
	for _, p := range ps {
		reg.Register(p)
	}
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// blockingLocal returns an exclusive provider whose "block" requests wait
// on release; every other request returns at once.
func blockingLocal(release <-chan struct{}) *fakeProvider {
	return &fakeProvider{
		family:    types.FamilyLocal,
		exclusive: true,
		fn: func(ctx context.Context, job models.Job) (string, error) {
			if job.Prompt == "block" {
				select {
				case <-release:
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return job.Language, nil
		},
	}
}

func TestPriorityOrder(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	c := New(registryWith(blockingLocal(release)), WithDispatchHook(func(r Request) {
		mu.Lock()
		order = append(order, r.SessionID)
		mu.Unlock()
	}))
	defer c.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	submit := func(id string, prio int, prompt string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Submit(ctx, Request{SessionID: id, Model: localModel, Priority: prio, Prompt: prompt}); err != nil {
				t.Errorf("Submit %s failed: %v", id, err)
			}
		}()
	}

	submit("blocker", PriorityNormal, "block")
	waitFor(t, "blocker to start", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	})

	submit("low", 1, "")
	waitFor(t, "low queued", func() bool { ex, _ := c.QueueDepth(); return ex == 1 })
	submit("high", 5, "")
	waitFor(t, "high queued", func() bool { ex, _ := c.QueueDepth(); return ex == 2 })
	submit("low-2", 1, "")
	waitFor(t, "low-2 queued", func() bool { ex, _ := c.QueueDepth(); return ex == 3 })

	close(release)
	wg.Wait()

	want := []string{"blocker", "high", "low", "low-2"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestCancelWhileQueued(t *testing.T) {
	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	var ran atomic.Int32
	p := blockingLocal(release)
	inner := p.fn
	p.fn = func(ctx context.Context, job models.Job) (string, error) {
		if job.Prompt == "block" {
			close(blockerStarted)
		} else {
			ran.Add(1)
		}
		return inner(ctx, job)
	}
	c := New(registryWith(p))
	defer c.Close()
	ctx := context.Background()

	go c.Submit(ctx, Request{Model: localModel, Prompt: "block"})
	<-blockerStarted

	tok := NewCancelToken(ctx)
	result := make(chan error, 1)
	var resp *Response
	go func() {
		var err error
		resp, err = c.Submit(ctx, Request{Model: localModel, Token: tok})
		result <- err
	}()
	waitFor(t, "request queued", func() bool { ex, _ := c.QueueDepth(); return ex == 1 })

	tok.Cancel()
	tok.Cancel()
	if err := <-result; err != nil {
		t.Fatalf("cancelled Submit should return nil error, got %v", err)
	}
	if resp != nil {
		t.Fatal("cancelled Submit should return no response")
	}
	if ex, _ := c.QueueDepth(); ex != 0 {
		t.Errorf("cancelled request should leave the queue, depth %d", ex)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)
	if ran.Load() != 0 {
		t.Error("cancelled request must not reach the provider")
	}
}

func TestCancelWhileRunning(t *testing.T) {
	started := make(chan struct{})
	sawCancel := make(chan struct{})
	p := &fakeProvider{
		family: types.FamilyRemote,
		fn: func(ctx context.Context, job models.Job) (string, error) {
			close(started)
			<-ctx.Done()
			close(sawCancel)
			return "late", nil
		},
	}
	c := New(registryWith(p))
	defer c.Close()

	tok := NewCancelToken(context.Background())
	done := make(chan struct{})
	var resp *Response
	var err error
	go func() {
		resp, err = c.Submit(context.Background(), Request{Model: remoteModel, Token: tok})
		close(done)
	}()
	<-started
	tok.Cancel()
	<-done
	if resp != nil || err != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", resp, err)
	}
	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("provider context was not cancelled")
	}
}

func TestCallerContextCancels(t *testing.T) {
	p := &fakeProvider{
		family: types.FamilyRemote,
		fn: func(ctx context.Context, job models.Job) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	c := New(registryWith(p))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := c.Submit(ctx, Request{Model: remoteModel})
	if resp != nil || err != nil {
		t.Fatalf("expected (nil, nil) on caller cancellation, got (%v, %v)", resp, err)
	}
}

func TestSubmitWithCancelledToken(t *testing.T) {
	var calls atomic.Int32
	p := &fakeProvider{family: types.FamilyRemote, fn: func(ctx context.Context, job models.Job) (string, error) {
		calls.Add(1)
		return "x", nil
	}}
	c := New(registryWith(p))
	defer c.Close()

	tok := NewCancelToken(context.Background())
	tok.Cancel()
	resp, err := c.Submit(context.Background(), Request{Model: remoteModel, Token: tok})
	if resp != nil || err != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", resp, err)
	}
	if calls.Load() != 0 {
		t.Error("provider should not be called")
	}
}

func TestLaneConcurrencyLimits(t *testing.T) {
	tests := []struct {
		name      string
		exclusive bool
		limit     int
		wantMax   int32
	}{
		{"shared lane bounded", false, 3, 3},
		{"exclusive lane single worker", true, 8, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var active, peak atomic.Int32
			family := types.FamilyRemote
			model := remoteModel
			if tt.exclusive {
				family = types.FamilyLocal
				model = localModel
			}
			p := &fakeProvider{family: family, exclusive: tt.exclusive, fn: func(ctx context.Context, job models.Job) (string, error) {
				n := active.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(15 * time.Millisecond)
				active.Add(-1)
				return "ok", nil
			}}
			c := New(registryWith(p), WithRemoteConcurrency(tt.limit))
			defer c.Close()

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					resp, err := c.Submit(context.Background(), Request{Model: model})
					if err != nil || resp == nil || resp.Text != "ok" {
						t.Errorf("unexpected result (%v, %v)", resp, err)
					}
				}()
			}
			wg.Wait()
			if got := peak.Load(); got != tt.wantMax {
				t.Errorf("expected peak concurrency %d, got %d", tt.wantMax, got)
			}
		})
	}
}

func TestProviderErrorsAreTyped(t *testing.T) {
	tests := []struct {
		name       string
		providerFn func(ctx context.Context, job models.Job) (string, error)
		timeout    time.Duration
		wantReason types.Reason
	}{
		{
			name: "capacity",
			providerFn: func(ctx context.Context, job models.Job) (string, error) {
				return "", errors.New("status 429: rate limit reached")
			},
			wantReason: types.ReasonCapacity,
		},
		{
			name: "timeout",
			providerFn: func(ctx context.Context, job models.Job) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			timeout:    10 * time.Millisecond,
			wantReason: types.ReasonTimeout,
		},
		{
			name: "panic",
			providerFn: func(ctx context.Context, job models.Job) (string, error) {
				panic("boom")
			},
			wantReason: types.ReasonUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{family: types.FamilyRemote, fn: tt.providerFn}
			c := New(registryWith(p), WithTimeout(tt.timeout))
			defer c.Close()

			resp, err := c.Submit(context.Background(), Request{Model: remoteModel})
			if resp != nil {
				t.Fatal("expected no response")
			}
			if !errors.Is(err, types.ErrInferenceFailed) {
				t.Fatalf("expected ErrInferenceFailed, got %v", err)
			}
			var ie *types.InferenceError
			if !errors.As(err, &ie) {
				t.Fatalf("expected *InferenceError, got %T", err)
			}
			if ie.Reason != tt.wantReason || ie.Provider != "openai" {
				t.Errorf("got provider=%s reason=%s", ie.Provider, ie.Reason)
			}
		})
	}
}

func TestUnknownFamilyAndClose(t *testing.T) {
	c := New(models.NewRegistry())
	if _, err := c.Submit(context.Background(), Request{Model: localModel}); !errors.Is(err, types.ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
	c.Close()
	c.Close()

	c2 := New(registryWith(&fakeProvider{family: types.FamilyLocal, exclusive: true}))
	c2.Close()
	if _, err := c2.Submit(context.Background(), Request{Model: localModel}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
