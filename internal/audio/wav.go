package audio

import (
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// TargetSampleRate is the rate whisper.cpp requires.
	TargetSampleRate = 16000
	// TargetBitDepth is the canonical sample width.
	TargetBitDepth = 16

	wavFormatPCM = 1
)

// WAVWriter streams PCM16 frames into a WAV container without holding the
// whole recording in memory.
type WAVWriter struct {
	enc      *wav.Encoder
	rate     int
	channels int
	frames   int64
	buf      goaudio.IntBuffer
}

// NewWAVWriter writes 16-bit PCM at the given rate and channel count.
func NewWAVWriter(w io.WriteSeeker, rate, channels int) *WAVWriter {
	format := &goaudio.Format{NumChannels: channels, SampleRate: rate}
	return &WAVWriter{
		enc:      wav.NewEncoder(w, rate, TargetBitDepth, channels, wavFormatPCM),
		rate:     rate,
		channels: channels,
		buf:      goaudio.IntBuffer{Format: format, SourceBitDepth: TargetBitDepth},
	}
}

// Write appends interleaved samples.
func (w *WAVWriter) Write(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}
	if err := w.enc.Write(&w.buf); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	w.frames += int64(len(samples) / w.channels)
	return nil
}

// Duration returns the audio written so far.
func (w *WAVWriter) Duration() time.Duration {
	return time.Duration(w.frames) * time.Second / time.Duration(w.rate)
}

// Close finalizes the WAV header. It does not close the underlying writer.
func (w *WAVWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// WAVInfo describes a WAV stream's header.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Format     int // 1 = PCM, 3 = IEEE float
	Duration   time.Duration
}

// Canonical reports whether the stream is already 16 kHz mono PCM16.
func (i WAVInfo) Canonical() bool {
	return i.SampleRate == TargetSampleRate && i.Channels == 1 &&
		i.BitDepth == TargetBitDepth && i.Format == wavFormatPCM
}

// readWAVInfo parses the header and leaves the decoder positioned at the
// start of the PCM data.
func readWAVInfo(r io.ReadSeeker) (WAVInfo, *wav.Decoder, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return WAVInfo{}, nil, fmt.Errorf("invalid wav file")
	}
	d.ReadInfo()
	if d.Err() != nil {
		return WAVInfo{}, nil, fmt.Errorf("read wav header: %w", d.Err())
	}
	info := WAVInfo{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Format:     int(d.WavAudioFormat),
	}
	if err := d.FwdToPCM(); err != nil {
		return WAVInfo{}, nil, fmt.Errorf("locate wav data: %w", err)
	}
	if bytesPerSec := info.SampleRate * info.Channels * info.BitDepth / 8; bytesPerSec > 0 {
		info.Duration = time.Duration(d.PCMSize) * time.Second / time.Duration(bytesPerSec)
	}
	return info, d, nil
}

// Inspect reads the header of a WAV artifact.
func Inspect(a *Artifact) (WAVInfo, error) {
	r, err := a.Open()
	if err != nil {
		return WAVInfo{}, err
	}
	defer r.Close()
	info, _, err := readWAVInfo(r)
	return info, err
}

// toInt16 scales one decoded sample to the 16-bit range.
func toInt16(v, bitDepth int) int16 {
	switch {
	case bitDepth == 8:
		return int16((v - 128) << 8) // #nosec G115 - 8-bit WAV is unsigned
	case bitDepth > 16:
		return int16(v >> (bitDepth - 16)) // #nosec G115 - shifted into range
	default:
		return int16(v) // #nosec G115 - already 16-bit
	}
}
