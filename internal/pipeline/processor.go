// Package pipeline runs one recording through preprocessing, inference,
// post-processing and optional enhancement, and assembles the result.
package pipeline

import (
	"context"
	"time"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/enhance"
	"github.com/roelfdiedericks/dictate/internal/inference"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/metrics"
	"github.com/roelfdiedericks/dictate/internal/postprocess"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// Submitter executes inference requests. *inference.Coordinator implements it.
type Submitter interface {
	Submit(ctx context.Context, req inference.Request) (*inference.Response, error)
}

// Normalizer converts audio to the canonical format. *audio.Preprocessor
// implements it.
type Normalizer interface {
	Normalize(ctx context.Context, a *audio.Artifact) (*audio.Artifact, error)
}

// Request is one pipeline run. Audio must be sealed and stays owned by the
// caller; intermediate artifacts are released before Process returns.
type Request struct {
	SessionID     string
	Audio         *audio.Artifact
	Model         types.ModelDescriptor
	Language      string
	Prompt        string
	Substitutions []types.Substitution
	Priority      int

	Enhance        bool
	EnhanceContext enhance.Context

	// Token cancels the run; nil derives one from ctx.
	Token *inference.CancelToken

	// OnEnhancing is called once, just before the enhancer runs.
	OnEnhancing func()
}

// Processor is the end-to-end transcription pipeline.
type Processor struct {
	normalizer     Normalizer
	submitter      Submitter
	enhancer       enhance.Enhancer
	enhanceTimeout time.Duration
	metrics        *metrics.Manager
}

// Option configures a Processor.
type Option func(*Processor)

// WithEnhancer enables the enhancement step for requests that ask for it.
func WithEnhancer(e enhance.Enhancer, timeout time.Duration) Option {
	return func(p *Processor) {
		p.enhancer = e
		p.enhanceTimeout = timeout
	}
}

// WithMetrics records pipeline timings.
func WithMetrics(m *metrics.Manager) Option {
	return func(p *Processor) { p.metrics = m }
}

// New creates a processor.
func New(normalizer Normalizer, submitter Submitter, opts ...Option) *Processor {
	p := &Processor{normalizer: normalizer, submitter: submitter}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CanEnhance reports whether an enhancer is configured.
func (p *Processor) CanEnhance() bool { return p.enhancer != nil }

// Process runs req. Outcomes:
//   - completed: (result, nil) with Status Completed
//   - failed: (result, err) with Status Failed and Error set
//   - cancelled: (nil, types.ErrCancelled); no result exists
//
// Enhancement failure is not a failure: EnhancedText stays nil.
func (p *Processor) Process(ctx context.Context, req Request) (*types.TranscriptionResult, error) {
	token := req.Token
	if token == nil {
		token = inference.NewCancelToken(ctx)
	}
	tctx := token.Context()
	stop := p.metrics.StartTimer("pipeline", "process")
	defer stop()

	language := req.Language
	if !req.Model.SupportsLanguage(language) {
		L_warn("pipeline: language not supported by model, detecting instead",
			"model", req.Model.Identifier, "language", language)
		language = ""
	}

	result := &types.TranscriptionResult{
		SessionID: req.SessionID,
		ModelName: req.Model.Identifier,
		Language:  language,
		Status:    types.StatusPending,
		CreatedAt: time.Now(),
	}

	// 1. Normalize when the family needs canonical PCM.
	input := req.Audio
	if req.Model.RequiresPreprocessing {
		stopNorm := p.metrics.StartTimer("pipeline", "normalize")
		norm, err := p.normalizer.Normalize(tctx, req.Audio)
		stopNorm()
		if err != nil {
			if token.Cancelled() {
				return nil, types.ErrCancelled
			}
			return p.fail(result, types.NewInferenceError("preprocess", err))
		}
		if norm != req.Audio {
			defer norm.Release()
		}
		input = norm
	}
	result.AudioDuration = audio.Duration(input)

	// 2. Inference.
	resp, err := p.submitter.Submit(tctx, inference.Request{
		SessionID: req.SessionID,
		Audio:     input,
		Model:     req.Model,
		Language:  language,
		Prompt:    req.Prompt,
		Priority:  req.Priority,
		Token:     token,
	})
	if err != nil {
		return p.fail(result, err)
	}
	if resp == nil {
		L_debug("pipeline: cancelled during inference", "session", req.SessionID)
		return nil, types.ErrCancelled
	}
	result.RawText = resp.Text
	result.TranscriptionDuration = resp.Duration

	// 3. Post-processing.
	result.Text = postprocess.New(req.Substitutions).Apply(resp.Text)

	// 4. Enhancement.
	if req.Enhance && p.enhancer != nil && result.Text != "" {
		if token.Cancelled() {
			return nil, types.ErrCancelled
		}
		if req.OnEnhancing != nil {
			req.OnEnhancing()
		}
		p.enhance(tctx, req, result)
		if token.Cancelled() {
			return nil, types.ErrCancelled
		}
	}

	// 5. Assemble.
	result.Status = types.StatusCompleted
	p.metrics.RecordSuccess("pipeline", "process")
	L_info("pipeline: transcription complete", "session", req.SessionID, "model", req.Model.Identifier,
		"audio", result.AudioDuration, "inference", result.TranscriptionDuration,
		"length", len(result.Text), "enhanced", result.EnhancedText != nil)
	return result, nil
}

func (p *Processor) enhance(ctx context.Context, req Request, result *types.TranscriptionResult) {
	if p.enhanceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.enhanceTimeout)
		defer cancel()
	}
	ec := req.EnhanceContext
	if ec.Language == "" {
		ec.Language = req.Language
	}

	start := time.Now()
	out, err := p.enhancer.Enhance(ctx, result.Text, ec)
	elapsed := time.Since(start)
	result.EnhancementDuration = &elapsed
	p.metrics.RecordDuration("pipeline", "enhance", elapsed)

	if err != nil {
		p.metrics.RecordFailure("pipeline", "enhance", string(types.ClassifyReason(err)))
		L_warn("pipeline: enhancement failed, keeping transcript", "session", req.SessionID,
			"enhancer", p.enhancer.Name(), "error", err)
		return
	}
	p.metrics.RecordSuccess("pipeline", "enhance")
	result.EnhancedText = &out
}

func (p *Processor) fail(result *types.TranscriptionResult, err error) (*types.TranscriptionResult, error) {
	result.Status = types.StatusFailed
	result.Error = err.Error()
	p.metrics.RecordFailure("pipeline", "process", string(types.KindOf(err)))
	L_warn("pipeline: transcription failed", "session", result.SessionID, "error", err)
	return result, err
}
