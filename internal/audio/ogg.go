package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pion/opus"
	"github.com/pion/opus/pkg/oggreader"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/zeozeozeo/gomplerate"
)

var opusTagsMagic = []byte("OpusTags")

// maxOpusFrame is the largest Opus frame (120 ms at 48 kHz) per channel.
const maxOpusFrame = 5760

// opusUpsample is the factor pion/opus applies to SILK output when writing
// PCM16, so a wideband packet comes out at 48 kHz.
const opusUpsample = 3

// opusFrameDecoder is the packet decoder convertOggOpusPureGo drives.
type opusFrameDecoder interface {
	Decode(in, out []byte) (opus.Bandwidth, bool, error)
}

func newPionDecoder() opusFrameDecoder {
	d := opus.NewDecoder()
	return &d
}

// opusOutputRate is the PCM rate the decoder writes for a packet of the
// given bandwidth.
func opusOutputRate(b opus.Bandwidth) int {
	return b.SampleRate() * opusUpsample
}

// opusFrameSamples is the number of valid samples per channel in one
// decoded 20 ms packet. The decoder buffer past that point is stale.
func opusFrameSamples(b opus.Bandwidth) int {
	return opusOutputRate(b) / 50
}

// convertOggOpusSafe wraps convertOggOpusPureGo with panic recovery.
// pion/opus panics on some streams it cannot handle.
func (p *Preprocessor) convertOggOpusSafe(ctx context.Context, s *Scope, a *Artifact) (out *Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			L_warn("audio: opus decoder panicked, recovered", "panic", r)
			out = nil
			err = fmt.Errorf("%w: opus decoder panic: %v (install ffmpeg for reliable conversion)", ErrUnsupportedFormat, r)
		}
	}()
	return p.convertOggOpusPureGo(ctx, s, a)
}

// convertOggOpusPureGo decodes page by page, so only one page of PCM is
// held at a time.
func (p *Preprocessor) convertOggOpusPureGo(ctx context.Context, s *Scope, a *Artifact) (*Artifact, error) {
	in, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer in.Close()

	ogg, header, err := oggreader.NewWith(in)
	if err != nil {
		return nil, fmt.Errorf("%w: parse ogg container: %v", ErrUnsupportedFormat, err)
	}
	channels := int(header.Channels)
	if channels <= 0 {
		channels = 1
	}
	L_debug("audio: ogg header", "sampleRate", header.SampleRate, "channels", channels)

	// Resampling happens per decoded frame because the decoder's output rate
	// follows each packet's bandwidth.
	sink, err := newCanonicalSink(s, TargetSampleRate)
	if err != nil {
		return nil, err
	}
	defer sink.abort()

	decoder := p.newOpus()
	resamplers := make(map[int]*gomplerate.Resampler)
	outBuf := make([]byte, maxOpusFrame*channels*2)
	var packet []byte
	decoded := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		segments, _, err := ogg.ParseNextPage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse ogg page: %w", err)
		}

		for _, segment := range segments {
			packet = append(packet, segment...)
			// A 255-byte lacing value continues the packet into the next segment.
			if len(segment) == 255 {
				continue
			}
			mono, rate, ok := decodeOpusPacket(decoder, packet, outBuf)
			packet = packet[:0]
			if !ok {
				continue
			}
			if rate != TargetSampleRate {
				r, found := resamplers[rate]
				if !found {
					r, err = gomplerate.NewResampler(1, rate, TargetSampleRate)
					if err != nil {
						return nil, fmt.Errorf("create resampler %d->%d: %w", rate, TargetSampleRate, err)
					}
					resamplers[rate] = r
				}
				mono = r.ResampleInt16(mono)
			}
			if err := sink.write(mono); err != nil {
				return nil, err
			}
			decoded += len(mono)
		}
	}

	if decoded == 0 {
		return nil, fmt.Errorf("%w: no audio decoded from ogg stream", ErrUnsupportedFormat)
	}
	L_debug("audio: ogg decoded", "samples", decoded)
	return sink.finish()
}

// decodeOpusPacket decodes one packet into mono PCM16 at the returned rate.
// ok is false for packets that carry no audio the decoder can handle.
func decodeOpusPacket(decoder opusFrameDecoder, packet, outBuf []byte) (mono []int16, rate int, ok bool) {
	if len(packet) == 0 || bytes.HasPrefix(packet, opusTagsMagic) {
		return nil, 0, false
	}
	bandwidth, isStereo, err := decoder.Decode(packet, outBuf)
	if err != nil {
		// Anything but single-frame SILK lands here.
		L_trace("audio: skipping opus packet", "error", err, "len", len(packet))
		return nil, 0, false
	}
	channels := 1
	if isStereo {
		channels = 2
	}
	n := min(opusFrameSamples(bandwidth)*channels*2, len(outBuf))
	if n == 0 {
		return nil, 0, false
	}
	// Silence decodes to zeros and still counts as audio.
	return toMono(bytesToInt16(outBuf[:n]), channels), opusOutputRate(bandwidth), true
}

// bytesToInt16 reads little-endian PCM16.
func bytesToInt16(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:])) // #nosec G115 - reinterpreting PCM16 bits
	}
	return samples
}

// toMono averages interleaved channels.
func toMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels)) // #nosec G115 - average of int16 values
	}
	return mono
}
