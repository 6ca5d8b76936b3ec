package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Wrap with %w and test with errors.Is.
var (
	ErrPermissionDenied      = errors.New("permission denied")
	ErrAlreadyActive         = errors.New("a session is already active")
	ErrResourceBusy          = errors.New("resource busy")
	ErrCaptureFailed         = errors.New("audio capture failed")
	ErrModelCorrupt          = errors.New("model file corrupt")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrDownloadFailed        = errors.New("download failed")
	ErrInferenceFailed       = errors.New("inference failed")
	ErrCancelled             = errors.New("cancelled")

	ErrNotRecording       = errors.New("no recording in progress")
	ErrUnknownModel       = errors.New("unknown model")
	ErrNoProvider         = errors.New("no provider registered for family")
	ErrModelNotDownloaded = errors.New("model not downloaded")
	ErrModelNotLoaded     = errors.New("model not loaded")
)

// Kind is the taxonomy code of a failure, used at the presentation boundary.
type Kind string

const (
	KindNone                  Kind = ""
	KindPermissionDenied      Kind = "permission_denied"
	KindAlreadyActive         Kind = "already_active"
	KindResourceBusy          Kind = "resource_busy"
	KindCaptureFailed         Kind = "capture_failed"
	KindModelCorrupt          Kind = "model_corrupt"
	KindInsufficientResources Kind = "insufficient_resources"
	KindDownloadFailed        Kind = "download_failed"
	KindInferenceFailed       Kind = "inference_failed"
	KindCancelled             Kind = "cancelled"
	KindUnknown               Kind = "unknown"
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrCancelled, KindCancelled},
	{context.Canceled, KindCancelled},
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrAlreadyActive, KindAlreadyActive},
	{ErrResourceBusy, KindResourceBusy},
	{ErrCaptureFailed, KindCaptureFailed},
	{ErrModelCorrupt, KindModelCorrupt},
	{ErrInsufficientResources, KindInsufficientResources},
	{ErrDownloadFailed, KindDownloadFailed},
	{ErrInferenceFailed, KindInferenceFailed},
}

// KindOf classifies an error into the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}

// IsCancelled reports whether err means "no result" rather than a failure.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Reason categorizes provider-level inference errors.
type Reason string

const (
	ReasonUnknown        Reason = "unknown"
	ReasonTimeout        Reason = "timeout"
	ReasonMalformedAudio Reason = "malformed_audio"
	ReasonCapacity       Reason = "capacity"
	ReasonAuth           Reason = "auth"
)

// InferenceError is a typed provider failure. It matches ErrInferenceFailed.
type InferenceError struct {
	Provider string
	Reason   Reason
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", ErrInferenceFailed, e.Provider, e.Reason, e.Err)
}

func (e *InferenceError) Unwrap() []error {
	return []error{ErrInferenceFailed, e.Err}
}

// NewInferenceError wraps a provider error, classifying the reason from the
// error chain and message text.
func NewInferenceError(provider string, err error) *InferenceError {
	return &InferenceError{Provider: provider, Reason: ClassifyReason(err), Err: err}
}

// ClassifyReason derives a Reason from an error. Works across vendors by
// inspecting common message fragments.
func ClassifyReason(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ReasonTimeout
	case containsAny(msg, "invalid file format", "unsupported audio", "malformed", "could not decode", "invalid audio", "no audio samples"):
		return ReasonMalformedAudio
	case containsAny(msg, "rate limit", "429", "too many requests", "overloaded", "capacity", "503"):
		return ReasonCapacity
	case containsAny(msg, "401", "403", "unauthorized", "invalid api key", "incorrect api key", "forbidden"):
		return ReasonAuth
	default:
		return ReasonUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Failure is a terminal failure as seen by the presentation layer.
type Failure struct {
	Kind Kind
	Err  error
}

// NewFailure classifies err. Returns nil for nil or cancellation errors,
// since cancellation is the absence of a result.
func NewFailure(err error) *Failure {
	if err == nil || IsCancelled(err) {
		return nil
	}
	return &Failure{Kind: KindOf(err), Err: err}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
