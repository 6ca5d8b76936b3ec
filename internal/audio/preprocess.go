package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	goaudio "github.com/go-audio/audio"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/zeozeozeo/gomplerate"
)

// DefaultChunkFrames is how many frames are converted per step (~0.5 s at 16 kHz).
const DefaultChunkFrames = 8192

// ErrUnsupportedFormat is returned for audio the preprocessor cannot decode.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Kind is the container detected from magic bytes.
type Kind string

const (
	KindWAV     Kind = "wav"
	KindOgg     Kind = "ogg"
	KindOther   Kind = "other"
	KindUnknown Kind = "unknown"
)

// Preprocessor converts arbitrary input audio into canonical 16 kHz mono
// PCM16 WAV, chunk by chunk, so peak memory stays bounded for long recordings.
type Preprocessor struct {
	buffers     *BufferManager
	chunkFrames int
	ffmpeg      string // resolved ffmpeg path, "" when unavailable
	newOpus     func() opusFrameDecoder
}

// PreprocessorOption configures a Preprocessor.
type PreprocessorOption func(*Preprocessor)

// WithChunkFrames sets the conversion chunk size.
func WithChunkFrames(n int) PreprocessorOption {
	return func(p *Preprocessor) {
		if n > 0 {
			p.chunkFrames = n
		}
	}
}

// WithFFmpeg overrides ffmpeg discovery. An empty path disables ffmpeg.
func WithFFmpeg(path string) PreprocessorOption {
	return func(p *Preprocessor) { p.ffmpeg = path }
}

// NewPreprocessor creates a preprocessor whose scratch output is owned by buffers.
func NewPreprocessor(buffers *BufferManager, opts ...PreprocessorOption) *Preprocessor {
	p := &Preprocessor{buffers: buffers, chunkFrames: DefaultChunkFrames, newOpus: newPionDecoder}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		p.ffmpeg = path
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Detect sniffs the container from magic bytes, not the file extension.
func Detect(a *Artifact) (Kind, error) {
	r, err := a.Open()
	if err != nil {
		return KindUnknown, err
	}
	defer r.Close()

	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return KindUnknown, fmt.Errorf("detect audio type: %w", err)
	}
	switch {
	case mt.Is("audio/wav"):
		return KindWAV, nil
	case mt.Is("audio/ogg"), mt.Is("application/ogg"), mt.Is("audio/opus"):
		return KindOgg, nil
	case strings.HasPrefix(mt.String(), "audio/"), strings.HasPrefix(mt.String(), "video/"):
		return KindOther, nil
	default:
		return KindUnknown, nil
	}
}

// IsCanonical reports whether a is already 16 kHz mono PCM16 WAV.
func (p *Preprocessor) IsCanonical(a *Artifact) bool {
	kind, err := Detect(a)
	if err != nil || kind != KindWAV {
		return false
	}
	info, err := Inspect(a)
	return err == nil && info.Canonical()
}

// Normalize returns a canonical artifact for a. When a is already canonical
// it is returned unchanged; otherwise a new scratch artifact is produced and
// the caller owns it. a itself is never released here.
func (p *Preprocessor) Normalize(ctx context.Context, a *Artifact) (*Artifact, error) {
	if !a.Sealed() {
		return nil, fmt.Errorf("audio: artifact %d not sealed", a.id)
	}

	kind, err := Detect(a)
	if err != nil {
		return nil, err
	}

	var out *Artifact
	err = p.buffers.Scope(func(s *Scope) error {
		converted, err := p.convert(ctx, s, a, kind)
		if err != nil {
			return err
		}
		if converted != a {
			s.Keep(converted)
		}
		out = converted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != a {
		out.Seal()
	}
	return out, nil
}

func (p *Preprocessor) convert(ctx context.Context, s *Scope, a *Artifact, kind Kind) (*Artifact, error) {
	switch kind {
	case KindWAV:
		info, err := Inspect(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		if info.Canonical() {
			return a, nil
		}
		if info.Format != wavFormatPCM {
			return p.viaFFmpeg(ctx, s, a)
		}
		return p.convertWAV(ctx, s, a)
	case KindOgg:
		if p.ffmpeg != "" {
			return p.viaFFmpeg(ctx, s, a)
		}
		return p.convertOggOpusSafe(ctx, s, a)
	case KindOther:
		return p.viaFFmpeg(ctx, s, a)
	default:
		return nil, fmt.Errorf("%w: unrecognized container", ErrUnsupportedFormat)
	}
}

// convertWAV streams a PCM WAV through downmix, bit-depth scaling and
// resampling.
func (p *Preprocessor) convertWAV(ctx context.Context, s *Scope, a *Artifact) (*Artifact, error) {
	in, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer in.Close()

	info, dec, err := readWAVInfo(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if info.Channels <= 0 || info.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: bad wav header", ErrUnsupportedFormat)
	}
	L_debug("audio: converting wav", "rate", info.SampleRate, "channels", info.Channels, "bits", info.BitDepth)

	sink, err := newCanonicalSink(s, info.SampleRate)
	if err != nil {
		return nil, err
	}
	defer sink.abort()

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: info.Channels, SampleRate: info.SampleRate},
		Data:   make([]int, p.chunkFrames*info.Channels),
	}
	mono := make([]int16, 0, p.chunkFrames)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode wav: %w", err)
		}
		if n == 0 {
			break
		}
		mono = downmix(mono[:0], buf.Data[:n], info.Channels, info.BitDepth)
		if err := sink.write(mono); err != nil {
			return nil, err
		}
	}
	return sink.finish()
}

// downmix averages interleaved channels into mono PCM16.
func downmix(dst []int16, data []int, channels, bitDepth int) []int16 {
	frames := len(data) / channels
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(toInt16(data[i*channels+ch], bitDepth))
		}
		dst = append(dst, int16(sum/int32(channels))) // #nosec G115 - average of int16 values
	}
	return dst
}

// viaFFmpeg streams ffmpeg's raw s16le output into the canonical sink.
func (p *Preprocessor) viaFFmpeg(ctx context.Context, s *Scope, a *Artifact) (*Artifact, error) {
	if p.ffmpeg == "" {
		return nil, fmt.Errorf("%w: install ffmpeg to convert this file", ErrUnsupportedFormat)
	}

	input := a.Path()
	var stdin io.Reader
	if a.InMemory() {
		input = "pipe:0"
		r, err := a.Open()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		stdin = r
	}

	// #nosec G204 - input is an artifact path created by this process
	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", input,
		"-ar", fmt.Sprintf("%d", TargetSampleRate),
		"-ac", "1",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
	if stdin != nil {
		cmd.Args = removeArg(cmd.Args, "-nostdin")
		cmd.Stdin = stdin
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	sink, err := newCanonicalSink(s, TargetSampleRate)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	defer sink.abort()

	raw := make([]byte, p.chunkFrames*2)
	samples := make([]int16, 0, p.chunkFrames)
	var carry []byte
	for {
		n, readErr := stdout.Read(raw)
		if n > 0 {
			chunk := append(carry, raw[:n]...)
			even := len(chunk) &^ 1
			samples = samples[:0]
			for i := 0; i < even; i += 2 {
				samples = append(samples, int16(chunk[i])|int16(chunk[i+1])<<8)
			}
			carry = append(carry[:0], chunk[even:]...)
			if err := sink.write(samples); err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return nil, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("read ffmpeg output: %w", readErr)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		L_debug("audio: ffmpeg output", "stderr", stderr.String())
		return nil, fmt.Errorf("ffmpeg conversion failed: %w", err)
	}
	return sink.finish()
}

func removeArg(args []string, drop string) []string {
	out := args[:0]
	for _, a := range args {
		if a != drop {
			out = append(out, a)
		}
	}
	return out
}

// canonicalSink resamples mono PCM16 chunks to 16 kHz and writes them to a
// scratch WAV bound to the scope.
type canonicalSink struct {
	artifact  *Artifact
	file      *os.File
	writer    *WAVWriter
	resampler *gomplerate.Resampler
	done      bool
}

func newCanonicalSink(s *Scope, fromRate int) (*canonicalSink, error) {
	a, f, err := s.TempFile(".wav")
	if err != nil {
		return nil, err
	}
	sink := &canonicalSink{artifact: a, file: f, writer: NewWAVWriter(f, TargetSampleRate, 1)}
	if fromRate != TargetSampleRate {
		r, err := gomplerate.NewResampler(1, fromRate, TargetSampleRate)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create resampler %d->%d: %w", fromRate, TargetSampleRate, err)
		}
		sink.resampler = r
	}
	// Ownership leaves the scope only through finish.
	return sink, nil
}

func (c *canonicalSink) write(mono []int16) error {
	if c.resampler != nil {
		mono = c.resampler.ResampleInt16(mono)
	}
	return c.writer.Write(mono)
}

func (c *canonicalSink) finish() (*Artifact, error) {
	c.done = true
	if err := c.writer.Close(); err != nil {
		c.file.Close()
		return nil, err
	}
	if err := c.file.Close(); err != nil {
		return nil, fmt.Errorf("close canonical wav: %w", err)
	}
	return c.artifact, nil
}

// abort closes the file on early exit; the scope deletes it.
func (c *canonicalSink) abort() {
	if !c.done {
		c.file.Close()
	}
}
