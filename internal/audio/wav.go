// Package audio normalises synthesized speech into 16-bit PCM WAV files.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/zaf/g711"
)

// WAVE format tags.
const (
	formatPCM        = 1
	formatFloat      = 3
	formatALaw       = 6
	formatMuLaw      = 7
	formatExtensible = 0xFFFE
)

// OutputBitDepth is the sample width of every file written by WriteWAV.
const OutputBitDepth = 16

var (
	// ErrNotWAV is returned for payloads that are not RIFF/WAVE.
	ErrNotWAV = errors.New("audio is not a WAV file")
	// ErrUnsupportedEncoding is returned for WAV sample formats that cannot
	// be converted to PCM16.
	ErrUnsupportedEncoding = errors.New("unsupported WAV sample encoding")
)

// Decode parses a WAV payload and converts its samples to 16-bit PCM while
// keeping the source sample rate and channel count.
func Decode(data []byte) (*goaudio.IntBuffer, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, ErrNotWAV
	}
	channels := int(d.NumChans)
	rate := int(d.SampleRate)
	if channels <= 0 || rate <= 0 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedEncoding, channels, rate)
	}

	format := d.WavAudioFormat
	if format == formatExtensible {
		sub, err := extensibleSubFormat(data)
		if err != nil {
			return nil, err
		}
		format = sub
	}

	var samples []int
	var err error
	switch format {
	case formatPCM:
		samples, err = decodeInt(d)
	case formatFloat:
		samples, err = decodeRaw(d, floatToPCM16)
	case formatALaw:
		samples, err = decodeRaw(d, alawToPCM16)
	case formatMuLaw:
		samples, err = decodeRaw(d, ulawToPCM16)
	default:
		return nil, fmt.Errorf("%w: format tag %d", ErrUnsupportedEncoding, format)
	}
	if err != nil {
		return nil, err
	}

	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: OutputBitDepth,
	}, nil
}

// extensibleSubFormat returns the format tag carried in the first two bytes
// of a WAVE_FORMAT_EXTENSIBLE sub-format GUID, at offset 24 of the fmt chunk.
func extensibleSubFormat(data []byte) (uint16, error) {
	p := riff.New(bytes.NewReader(data))
	if err := p.ParseHeaders(); err != nil {
		return 0, ErrNotWAV
	}
	for {
		ch, err := p.NextChunk()
		if err != nil {
			return 0, fmt.Errorf("%w: missing fmt chunk", ErrUnsupportedEncoding)
		}
		if ch.ID != riff.FmtID {
			ch.Drain()
			continue
		}
		if ch.Size < 26 {
			return 0, fmt.Errorf("%w: extensible fmt chunk of %d bytes", ErrUnsupportedEncoding, ch.Size)
		}
		body := make([]byte, ch.Size)
		if _, err := io.ReadFull(ch, body); err != nil {
			return 0, fmt.Errorf("read fmt chunk: %w", err)
		}
		return binary.LittleEndian.Uint16(body[24:26]), nil
	}
}

func decodeInt(d *wav.Decoder) ([]int, error) {
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(d.BitDepth)
	}
	out := make([]int, len(buf.Data))
	switch depth {
	case 8:
		// 8-bit WAV samples are unsigned.
		for i, v := range buf.Data {
			out[i] = (v - 128) << 8
		}
	case 16:
		copy(out, buf.Data)
	case 24:
		for i, v := range buf.Data {
			out[i] = v >> 8
		}
	case 32:
		for i, v := range buf.Data {
			out[i] = v >> 16
		}
	default:
		return nil, fmt.Errorf("%w: %d-bit pcm", ErrUnsupportedEncoding, depth)
	}
	return out, nil
}

type sampleConverter func(raw []byte, bitDepth int) ([]int, error)

func decodeRaw(d *wav.Decoder, convert sampleConverter) ([]int, error) {
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("locate data chunk: %w", err)
	}
	if d.PCMChunk == nil {
		return nil, fmt.Errorf("%w: missing data chunk", ErrUnsupportedEncoding)
	}
	raw, err := io.ReadAll(io.LimitReader(d.PCMChunk.R, int64(d.PCMChunk.Size)))
	if err != nil {
		return nil, fmt.Errorf("read data chunk: %w", err)
	}
	return convert(raw, int(d.BitDepth))
}

func floatToPCM16(raw []byte, bitDepth int) ([]int, error) {
	switch bitDepth {
	case 32:
		out := make([]int, len(raw)/4)
		for i := range out {
			f := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			out[i] = scaleFloat(float64(f))
		}
		return out, nil
	case 64:
		out := make([]int, len(raw)/8)
		for i := range out {
			out[i] = scaleFloat(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d-bit float", ErrUnsupportedEncoding, bitDepth)
}

func scaleFloat(f float64) int {
	if math.IsNaN(f) {
		return 0
	}
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	return int(math.Round(f * math.MaxInt16))
}

func alawToPCM16(raw []byte, bitDepth int) ([]int, error) {
	if bitDepth != 8 {
		return nil, fmt.Errorf("%w: %d-bit a-law", ErrUnsupportedEncoding, bitDepth)
	}
	out := make([]int, len(raw))
	for i, b := range raw {
		out[i] = int(g711.DecodeAlawFrame(b))
	}
	return out, nil
}

func ulawToPCM16(raw []byte, bitDepth int) ([]int, error) {
	if bitDepth != 8 {
		return nil, fmt.Errorf("%w: %d-bit mu-law", ErrUnsupportedEncoding, bitDepth)
	}
	out := make([]int, len(raw))
	for i, b := range raw {
		out[i] = int(g711.DecodeUlawFrame(b))
	}
	return out, nil
}

// WriteWAV encodes buf as 16-bit PCM into dir under a fresh random name and
// returns the absolute path. The file only appears under its final name once
// fully written.
func WriteWAV(dir string, buf *goaudio.IntBuffer) (string, error) {
	if buf == nil || buf.Format == nil {
		return "", errors.New("audio buffer has no format")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve output dir: %w", err)
	}

	tmp, err := os.CreateTemp(absDir, ".narration-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	enc := wav.NewEncoder(tmp, buf.Format.SampleRate, OutputBitDepth, buf.Format.NumChannels, formatPCM)
	if err := enc.Write(buf); err != nil {
		cleanup()
		return "", fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("finalise wav: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close wav: %w", err)
	}

	final := filepath.Join(absDir, NewFileName())
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish wav: %w", err)
	}
	return final, nil
}

// NewFileName returns a random 32-hex-character name with a .wav suffix.
func NewFileName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + ".wav"
}
