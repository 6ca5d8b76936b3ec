// Package capture defines the audio capture contract consumed by the
// session manager, and two sources: an in-process PCM producer and an
// existing audio file.
package capture

import (
	"context"

	"github.com/roelfdiedericks/dictate/internal/audio"
)

// Recording is one capture in progress.
type Recording interface {
	// Seal stops capture and returns the finished, sealed artifact. The
	// caller owns the artifact.
	Seal() (*audio.Artifact, error)

	// Failed delivers at most one error if the device fails mid-capture.
	Failed() <-chan error

	// Abort stops capture and discards the audio. Safe after Seal and
	// safe to call twice.
	Abort()
}

// Source starts recordings. Start fails with types.ErrPermissionDenied when
// capture is not allowed and types.ErrCaptureFailed when the device cannot
// be opened.
type Source interface {
	Start(ctx context.Context) (Recording, error)
}
