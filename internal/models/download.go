package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roelfdiedericks/dictate/internal/bus"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// tempSuffix marks an in-progress download next to its final path.
const tempSuffix = ".download"

// downloadFile fetches url into dest via dest+".download" and renames on
// success. Any other outcome removes the temp file, so dest only ever holds
// a complete file.
func downloadFile(ctx context.Context, client *http.Client, url, dest string, estimate int64, report ReportFunc) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return fmt.Errorf("%w: create models directory: %v", types.ErrDownloadFailed, err)
	}
	tempPath := dest + tempSuffix

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", types.ErrDownloadFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", types.ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", types.ErrDownloadFailed, resp.StatusCode)
	}

	// Get total size from header or use estimate
	total := resp.ContentLength
	if total <= 0 {
		total = estimate
	}

	tempFile, err := os.Create(tempPath) // #nosec G304 - path derived from catalog filename
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", types.ErrDownloadFailed, err)
	}
	defer func() {
		if err != nil {
			tempFile.Close()
			if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
				L_warn("models: failed to remove partial download", "path", tempPath, "error", rmErr)
			}
		}
	}()

	var downloaded int64
	lastLog := time.Now()
	buf := make([]byte, 1024*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tempFile.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: write file: %v", types.ErrDownloadFailed, werr)
			}
			downloaded += int64(n)
			if report != nil {
				report(downloaded, total)
			}
			if time.Since(lastLog) > 2*time.Second {
				L_info("models: downloading", "file", filepath.Base(dest),
					"downloaded", fmt.Sprintf("%d/%d MB", downloaded>>20, total>>20))
				lastLog = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read response: %v", types.ErrDownloadFailed, readErr)
		}
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", types.ErrDownloadFailed, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", types.ErrDownloadFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("%w: rename: %v", types.ErrDownloadFailed, err)
	}
	return nil
}

// DownloadEvent is published on bus.TopicDownloadProgress.
type DownloadEvent struct {
	Identifier string
	Fraction   float64 // in [0, 1], never decreases for one download
	Done       bool
	Err        error // set when Done and the download did not complete
}

// Progress tracks one in-flight download. Every requester of the same
// descriptor shares one Progress.
type Progress struct {
	Identifier string

	mu       sync.Mutex
	fraction float64
	err      error
	done     chan struct{}
	bus      *bus.Bus
	cancel   context.CancelFunc
}

func newProgress(id string, b *bus.Bus, cancel context.CancelFunc) *Progress {
	return &Progress{Identifier: id, done: make(chan struct{}), bus: b, cancel: cancel}
}

// Fraction returns the completed share in [0, 1].
func (p *Progress) Fraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fraction
}

// Done is closed when the download finishes, fails or is cancelled.
func (p *Progress) Done() <-chan struct{} { return p.done }

// Err returns the outcome once Done is closed. Cancellation reports
// context.Canceled.
func (p *Progress) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the download ends or ctx is done.
func (p *Progress) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// update records progress. Values below the last reported fraction are
// dropped, keeping the stream monotonic.
func (p *Progress) update(done, total int64) {
	if total <= 0 {
		return
	}
	f := float64(done) / float64(total)
	if f > 1 {
		f = 1
	}

	p.mu.Lock()
	if f <= p.fraction {
		p.mu.Unlock()
		return
	}
	p.fraction = f
	if p.bus != nil {
		// Published under the lock so events leave in fraction order.
		p.bus.PublishWithSource(bus.TopicDownloadProgress, DownloadEvent{Identifier: p.Identifier, Fraction: f}, "models")
	}
	p.mu.Unlock()
}

func (p *Progress) finish(err error) {
	p.mu.Lock()
	p.err = err
	if err == nil {
		p.fraction = 1
	}
	if p.bus != nil {
		p.bus.PublishWithSource(bus.TopicDownloadProgress,
			DownloadEvent{Identifier: p.Identifier, Fraction: p.fraction, Done: true, Err: err}, "models")
	}
	p.mu.Unlock()
	close(p.done)
}
