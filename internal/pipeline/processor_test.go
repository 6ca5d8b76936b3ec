package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/enhance"
	"github.com/roelfdiedericks/dictate/internal/inference"
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

type fakeEnhancer struct {
	out   string
	err   error
	calls atomic.Int32
}

func (f *fakeEnhancer) Name() string { return "fake" }
func (f *fakeEnhancer) Enhance(ctx context.Context, text string, c enhance.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

var (
	localModel  = types.ModelDescriptor{Identifier: "ggml-base", Family: types.FamilyLocal, RequiresPreprocessing: true}
	remoteModel = types.ModelDescriptor{Identifier: "openai-whisper-1", Family: types.FamilyRemote, Vendor: "openai"}
)

type harness struct {
	buffers *audio.BufferManager
	coord   *inference.Coordinator
	proc    *Processor
}

func newHarness(t *testing.T, p *fakeProvider, opts ...Option) *harness {
	t.Helper()
	buffers, err := audio.NewBufferManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := models.NewRegistry()
	reg.Register(p)
	coord := inference.New(reg)
	t.Cleanup(coord.Close)
	return &harness{
		buffers: buffers,
		coord:   coord,
		proc:    New(audio.NewPreprocessor(buffers), coord, opts...),
	}
}

// recording writes a sealed WAV of silence at rate/channels.
func (h *harness) recording(t *testing.T, rate, channels int, frames int) *audio.Artifact {
	t.Helper()
	a, f, err := h.buffers.TempFile(".wav")
	if err != nil {
		t.Fatal(err)
	}
	w := audio.NewWAVWriter(f, rate, channels)
	if err := w.Write(make([]int16, frames*channels)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	a.Seal()
	return a
}

func TestProcessCompletedWithEnhancement(t *testing.T) {
	var sawCanonical atomic.Bool
	p := &fakeProvider{family: types.FamilyLocal, exclusive: true, fn: func(ctx context.Context, job models.Job) (string, error) {
		info, err := audio.Inspect(job.Audio)
		sawCanonical.Store(err == nil && info.Canonical())
		return "[BLANK_AUDIO] deploy to k8s now", nil
	}}
	enh := &fakeEnhancer{out: "Deploy to Kubernetes now."}
	h := newHarness(t, p, WithEnhancer(enh, 0))

	in := h.recording(t, 44100, 2, 44100)
	var enhancing atomic.Int32
	res, err := h.proc.Process(context.Background(), Request{
		SessionID:     "s1",
		Audio:         in,
		Model:         localModel,
		Substitutions: []types.Substitution{{Find: "k8s", Replace: "Kubernetes"}},
		Enhance:       true,
		OnEnhancing:   func() { enhancing.Add(1) },
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !sawCanonical.Load() {
		t.Error("provider should receive canonical audio")
	}
	if res.Status != types.StatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if res.RawText != "[BLANK_AUDIO] deploy to k8s now" {
		t.Errorf("raw text not preserved: %q", res.RawText)
	}
	if res.Text != "Deploy to Kubernetes now" {
		t.Errorf("unexpected post-processed text %q", res.Text)
	}
	if res.EnhancedText == nil || *res.EnhancedText != "Deploy to Kubernetes now." {
		t.Errorf("unexpected enhanced text %v", res.EnhancedText)
	}
	if res.EnhancementDuration == nil {
		t.Error("enhancement duration missing")
	}
	if enhancing.Load() != 1 {
		t.Errorf("OnEnhancing called %d times", enhancing.Load())
	}
	if res.AudioDuration < 990e6 || res.AudioDuration > 1010e6 {
		t.Errorf("unexpected audio duration %v", res.AudioDuration)
	}
	if n := h.buffers.Outstanding(); n != 1 {
		t.Errorf("expected only the caller's artifact outstanding, got %d", n)
	}
}

func TestProcessEnhancementFailureKeepsText(t *testing.T) {
	p := &fakeProvider{family: types.FamilyRemote, fn: func(ctx context.Context, job models.Job) (string, error) {
		return "hello there", nil
	}}
	enh := &fakeEnhancer{err: errors.New("503 overloaded")}
	h := newHarness(t, p, WithEnhancer(enh, 0))

	res, err := h.proc.Process(context.Background(), Request{
		Audio:   h.recording(t, 16000, 1, 1600),
		Model:   remoteModel,
		Enhance: true,
	})
	if err != nil {
		t.Fatalf("enhancement failure must not fail the run: %v", err)
	}
	if res.Status != types.StatusCompleted || res.EnhancedText != nil {
		t.Errorf("expected completed without enhancement, got %s / %v", res.Status, res.EnhancedText)
	}
	if res.Text != "Hello there" || res.FinalText() != "Hello there" {
		t.Errorf("unexpected text %q", res.Text)
	}
	if enh.calls.Load() != 1 {
		t.Errorf("expected one enhancer call, got %d", enh.calls.Load())
	}
}

func TestProcessSkipsEnhancementWhenNotRequested(t *testing.T) {
	p := &fakeProvider{family: types.FamilyRemote, fn: func(ctx context.Context, job models.Job) (string, error) {
		return "text", nil
	}}
	enh := &fakeEnhancer{out: "x"}
	h := newHarness(t, p, WithEnhancer(enh, 0))

	res, err := h.proc.Process(context.Background(), Request{Audio: h.recording(t, 16000, 1, 160), Model: remoteModel})
	if err != nil {
		t.Fatal(err)
	}
	if enh.calls.Load() != 0 || res.EnhancedText != nil {
		t.Error("enhancer should not run")
	}
}

func TestProcessRemotePassesAudioThrough(t *testing.T) {
	var got *audio.Artifact
	p := &fakeProvider{family: types.FamilyRemote, fn: func(ctx context.Context, job models.Job) (string, error) {
		got = job.Audio
		return "", nil
	}}
	h := newHarness(t, p)
	in := h.recording(t, 48000, 2, 480)
	res, err := h.proc.Process(context.Background(), Request{Audio: in, Model: remoteModel})
	if err != nil {
		t.Fatal(err)
	}
	if got != in {
		t.Error("remote family should receive the original artifact")
	}
	if res.Status != types.StatusCompleted || res.Text != "" {
		t.Errorf("silence should complete with empty text, got %s %q", res.Status, res.Text)
	}
}

func TestProcessDropsUnsupportedLanguage(t *testing.T) {
	var gotLanguage string
	p := &fakeProvider{family: types.FamilyRemote, fn: func(ctx context.Context, job models.Job) (string, error) {
		gotLanguage = job.Language
		return "ok", nil
	}}
	h := newHarness(t, p)
	model := remoteModel
	model.SupportedLanguages = map[string]string{"en": "English"}

	tests := []struct {
		lang string
		want string
	}{
		{"en", "en"},
		{"de", ""},
		{"", ""},
	}
	for _, tt := range tests {
		in := h.recording(t, 16000, 1, 160)
		res, err := h.proc.Process(context.Background(), Request{Audio: in, Model: model, Language: tt.lang})
		in.Release()
		if err != nil {
			t.Fatalf("Process(%q): %v", tt.lang, err)
		}
		if gotLanguage != tt.want || res.Language != tt.want {
			t.Errorf("language %q: provider got %q, result %q, want %q", tt.lang, gotLanguage, res.Language, tt.want)
		}
	}
}

func TestProcessFailures(t *testing.T) {
	tests := []struct {
		name     string
		provider func(ctx context.Context, job models.Job) (string, error)
		garbage  bool
	}{
		{
			name: "provider error",
			provider: func(ctx context.Context, job models.Job) (string, error) {
				return "", errors.New("invalid file format")
			},
		},
		{
			name: "undecodable audio",
			provider: func(ctx context.Context, job models.Job) (string, error) {
				t.Error("provider must not run")
				return "", nil
			},
			garbage: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeProvider{family: types.FamilyLocal, exclusive: true, fn: tt.provider})
			in := h.recording(t, 16000, 1, 1600)
			if tt.garbage {
				h.buffers.Release(in)
				in = h.buffers.Buffer([]byte("definitely not audio at all, just text bytes"))
				in.Seal()
			}
			res, err := h.proc.Process(context.Background(), Request{Audio: in, Model: localModel})
			if !errors.Is(err, types.ErrInferenceFailed) {
				t.Fatalf("expected ErrInferenceFailed, got %v", err)
			}
			if res == nil || res.Status != types.StatusFailed || res.Error == "" {
				t.Fatalf("expected failed result, got %+v", res)
			}
			if f := types.NewFailure(err); f == nil || f.Kind != types.KindInferenceFailed {
				t.Errorf("unexpected failure classification %+v", f)
			}
			if n := h.buffers.Outstanding(); n != 1 {
				t.Errorf("expected no leaked artifacts, %d outstanding", n)
			}
		})
	}
}

func TestProcessCancelled(t *testing.T) {
	started := make(chan struct{})
	p := &fakeProvider{family: types.FamilyLocal, exclusive: true, fn: func(ctx context.Context, job models.Job) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	h := newHarness(t, p)
	in := h.recording(t, 22050, 1, 22050)

	tok := inference.NewCancelToken(context.Background())
	done := make(chan struct{})
	var res *types.TranscriptionResult
	var err error
	go func() {
		res, err = h.proc.Process(context.Background(), Request{Audio: in, Model: localModel, Token: tok})
		close(done)
	}()
	<-started
	tok.Cancel()
	<-done

	if res != nil || !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("expected (nil, ErrCancelled), got (%v, %v)", res, err)
	}
	if types.NewFailure(err) != nil {
		t.Error("cancellation must not produce a failure")
	}
	if n := h.buffers.Outstanding(); n != 1 {
		t.Errorf("normalized artifact leaked: %d outstanding", n)
	}
}
