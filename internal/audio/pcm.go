package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// TransportMIME tags outbound capture frames. The live backend expects raw
// 16-bit little-endian PCM at 16kHz.
const TransportMIME = "audio/pcm;rate=16000"

// ErrMalformedAudioPayload indicates an inbound audio chunk that cannot be
// decoded. Callers log and skip the chunk; it never tears down a session.
var ErrMalformedAudioPayload = errors.New("malformed audio payload")

// Blob is a base64-encoded, MIME-tagged PCM payload as it travels over the
// live session channel.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Buffer holds decoded, de-interleaved float samples ready for playback.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Mono mixes all channels down to a single channel. For mono buffers it
// returns the channel directly without copying.
func (b *Buffer) Mono() []float32 {
	if len(b.Channels) == 1 {
		return b.Channels[0]
	}
	out := make([]float32, b.Frames())
	if len(b.Channels) == 0 {
		return out
	}
	for _, ch := range b.Channels {
		for i, s := range ch {
			out[i] += s
		}
	}
	scale := float32(1) / float32(len(b.Channels))
	for i := range out {
		out[i] *= scale
	}
	return out
}

// EncodeFrame converts one frame of float samples in [-1,1] into a transport
// blob: scale by 32768, truncate to int16, pack little-endian, base64.
// Encoding is lossy but within quantization error for well-formed input.
func EncodeFrame(samples []float32) Blob {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(v)))
	}
	return Blob{
		MIMEType: TransportMIME,
		Data:     base64.StdEncoding.EncodeToString(raw),
	}
}

// DecodeFrame reverses a transport blob into a playable buffer: base64 to
// raw bytes, 16-bit little-endian samples to normalized floats,
// de-interleaved into channels at the target sample rate.
func DecodeFrame(blob Blob, sampleRate, channels int) (*Buffer, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: invalid channel count %d", ErrMalformedAudioPayload, channels)
	}
	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedAudioPayload, err)
	}
	if len(raw)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudioPayload, len(raw), 2*channels)
	}

	frames := len(raw) / (2 * channels)
	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for c := range buf.Channels {
		buf.Channels[c] = make([]float32, frames)
	}
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(raw[(f*channels+c)*2:]))
			buf.Channels[c][f] = float32(v) / 32768
		}
	}
	return buf, nil
}
