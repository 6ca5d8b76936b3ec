package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/pion/opus"
)

const tocSilkWideband20ms = 0x48

var oggCRCTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()

// oggPage encodes packets as one Ogg page with a valid checksum.
func oggPage(headerType byte, seq uint32, granule uint64, packets ...[]byte) []byte {
	var lacing, body []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			lacing = append(lacing, 255)
			n -= 255
		}
		lacing = append(lacing, byte(n))
		body = append(body, p...)
	}
	page := make([]byte, 27, 27+len(lacing)+len(body))
	copy(page, "OggS")
	page[5] = headerType
	binary.LittleEndian.PutUint64(page[6:], granule)
	binary.LittleEndian.PutUint32(page[14:], 0x5eed)
	binary.LittleEndian.PutUint32(page[18:], seq)
	page[26] = byte(len(lacing))
	page = append(page, lacing...)
	page = append(page, body...)

	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	binary.LittleEndian.PutUint32(page[22:], crc)
	return page
}

// oggOpusStream builds an Ogg Opus file: id header, comment header, then
// the audio packets on a single page.
func oggOpusStream(packets ...[]byte) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1
	head[9] = 1
	binary.LittleEndian.PutUint16(head[10:], 312)
	binary.LittleEndian.PutUint32(head[12:], 48000)

	tags := append([]byte("OpusTags"), 0, 0, 0, 0, 0, 0, 0, 0)

	var buf bytes.Buffer
	buf.Write(oggPage(0x02, 0, 0, head))
	buf.Write(oggPage(0x00, 1, 0, tags))
	buf.Write(oggPage(0x04, 2, uint64(960*len(packets)), packets...))
	return buf.Bytes()
}

// silentOpus decodes every wideband SILK packet to digital silence and
// leaves junk past the valid frame, like a reused decoder buffer.
type silentOpus struct {
	sizes []int
}

func (d *silentOpus) Decode(in, out []byte) (opus.Bandwidth, bool, error) {
	d.sizes = append(d.sizes, len(in))
	if in[0] != tocSilkWideband20ms {
		return 0, false, fmt.Errorf("unsupported toc %#x", in[0])
	}
	valid := opusFrameSamples(opus.BandwidthWideband) * 2
	clear(out[:valid])
	for i := valid; i < len(out); i++ {
		out[i] = 0x7f
	}
	return opus.BandwidthWideband, false, nil
}

func silkPacket(size int) []byte {
	p := make([]byte, size)
	p[0] = tocSilkWideband20ms
	return p
}

func TestOpusFrameSamples(t *testing.T) {
	tests := []struct {
		bw      opus.Bandwidth
		rate    int
		samples int
	}{
		{opus.BandwidthNarrowband, 24000, 480},
		{opus.BandwidthMediumband, 36000, 720},
		{opus.BandwidthWideband, 48000, 960},
	}
	for _, tt := range tests {
		if got := opusOutputRate(tt.bw); got != tt.rate {
			t.Errorf("%s: rate %d, want %d", tt.bw, got, tt.rate)
		}
		if got := opusFrameSamples(tt.bw); got != tt.samples {
			t.Errorf("%s: samples %d, want %d", tt.bw, got, tt.samples)
		}
	}
}

func TestNormalizeSilentOgg(t *testing.T) {
	m := newTestManager(t)
	p := NewPreprocessor(m, WithFFmpeg(""))
	dec := &silentOpus{}
	p.newOpus = func() opusFrameDecoder { return dec }

	// One second of 20 ms packets; one of them spans two lacing segments.
	packets := make([][]byte, 50)
	for i := range packets {
		packets[i] = silkPacket(12)
	}
	packets[7] = silkPacket(300)

	in := m.Buffer(oggOpusStream(packets...))
	in.Seal()
	if kind, err := Detect(in); err != nil || kind != KindOgg {
		t.Fatalf("expected ogg, got %s (%v)", kind, err)
	}

	out, err := p.Normalize(context.Background(), in)
	if err != nil {
		t.Fatalf("silent ogg should decode, got %v", err)
	}

	if len(dec.sizes) != 50 {
		t.Fatalf("expected 50 packets decoded, got %d", len(dec.sizes))
	}
	if dec.sizes[7] != 300 {
		t.Errorf("expected the 300-byte packet reassembled, got %d", dec.sizes[7])
	}

	info, err := Inspect(out)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !info.Canonical() {
		t.Errorf("expected canonical output, got %+v", info)
	}
	if diff := info.Duration - time.Second; diff > 50*time.Millisecond || diff < -50*time.Millisecond {
		t.Errorf("expected ~1s output, got %v", info.Duration)
	}

	samples, err := LoadSamples(context.Background(), out)
	if err != nil {
		t.Fatalf("LoadSamples failed: %v", err)
	}
	for i, s := range samples {
		if s != 0 {
			t.Fatalf("sample %d is %f, stale decoder output leaked", i, s)
		}
	}
}

func TestNormalizeOggWithoutSilkPackets(t *testing.T) {
	m := newTestManager(t)
	p := NewPreprocessor(m, WithFFmpeg(""))

	// CELT-only fullband packets, which the pure-Go decoder rejects.
	celt := []byte{0xf8, 0x01, 0x02, 0x03}
	in := m.Buffer(oggOpusStream(celt, celt, celt))
	in.Seal()

	_, err := p.Normalize(context.Background(), in)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if m.Outstanding() != 1 {
		t.Errorf("no scratch artifacts should leak, got %d outstanding", m.Outstanding())
	}
}

func TestNormalizeOtherNeedsFFmpeg(t *testing.T) {
	m := newTestManager(t)
	p := NewPreprocessor(m, WithFFmpeg(""))

	mp3 := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), make([]byte, 64)...)
	in := m.Buffer(mp3)
	in.Seal()
	if kind, _ := Detect(in); kind != KindOther {
		t.Fatalf("expected other audio, got %s", kind)
	}

	_, err := p.Normalize(context.Background(), in)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestViaFFmpeg(t *testing.T) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	m := newTestManager(t)
	p := NewPreprocessor(m, WithFFmpeg(path), WithChunkFrames(1000))

	onDisk := writeTestWAV(t, m, 44100, 2, time.Second)
	raw, err := os.ReadFile(onDisk.Path())
	if err != nil {
		t.Fatal(err)
	}
	inMemory := m.Buffer(raw)
	inMemory.Seal()

	for name, in := range map[string]*Artifact{"file": onDisk, "memory": inMemory} {
		t.Run(name, func(t *testing.T) {
			var out *Artifact
			err := m.Scope(func(s *Scope) error {
				converted, err := p.viaFFmpeg(context.Background(), s, in)
				if err != nil {
					return err
				}
				out = s.Keep(converted)
				return nil
			})
			if err != nil {
				t.Fatalf("viaFFmpeg failed: %v", err)
			}
			defer out.Release()

			info, err := Inspect(out)
			if err != nil {
				t.Fatalf("Inspect failed: %v", err)
			}
			if !info.Canonical() {
				t.Errorf("expected canonical output, got %+v", info)
			}
			if diff := info.Duration - time.Second; diff > 50*time.Millisecond || diff < -50*time.Millisecond {
				t.Errorf("expected ~1s output, got %v", info.Duration)
			}
		})
	}
}

func TestViaFFmpegRejectsGarbage(t *testing.T) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	m := newTestManager(t)
	p := NewPreprocessor(m, WithFFmpeg(path))

	in := m.Buffer([]byte("not audio at all"))
	in.Seal()
	err = m.Scope(func(s *Scope) error {
		_, err := p.viaFFmpeg(context.Background(), s, in)
		return err
	})
	if err == nil {
		t.Error("expected ffmpeg to fail on garbage input")
	}
	if m.Outstanding() != 1 {
		t.Errorf("failed conversion leaked artifacts: %d outstanding", m.Outstanding())
	}
}
