package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
)

// LoadSamples reads a canonical artifact into float32 samples in [-1, 1],
// the layout whisper.cpp consumes.
func LoadSamples(ctx context.Context, a *Artifact) ([]float32, error) {
	in, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer in.Close()

	info, dec, err := readWAVInfo(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if !info.Canonical() {
		return nil, fmt.Errorf("%w: expected 16 kHz mono PCM16, got %d Hz %d ch %d bit",
			ErrUnsupportedFormat, info.SampleRate, info.Channels, info.BitDepth)
	}

	expected := int(info.Duration.Seconds()*TargetSampleRate) + 1
	out := make([]float32, 0, expected)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: TargetSampleRate},
		Data:   make([]int, DefaultChunkFrames),
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read samples: %w", err)
		}
		if n == 0 {
			break
		}
		for _, v := range buf.Data[:n] {
			out = append(out, float32(v)/32768.0)
		}
	}
	return out, nil
}

// Duration returns the playback length of a WAV artifact. Non-WAV
// artifacts report zero.
func Duration(a *Artifact) time.Duration {
	info, err := Inspect(a)
	if err != nil {
		return 0
	}
	return info.Duration
}
