// Package audio encodes and decodes walkie-talkie clips. A clip on the
// wire is a sequence of opus packets, each prefixed with a 2-byte
// big-endian length, produced from 20ms PCM frames.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hraban/opus"
)

// ErrDecodeFailure marks a clip payload that cannot be decoded. The
// playback queue treats it as skip-and-continue.
var ErrDecodeFailure = errors.New("audio: clip decode failure")

const frameMs = 20

// maxPacket bounds a single encoded opus packet. Opus never produces
// packets near this size at voice bitrates.
const maxPacket = 4000

// Codec wraps an opus encoder/decoder pair configured for the capture
// settings. Not safe for concurrent use; each pipeline owns its own.
type Codec struct {
	sampleRate int
	channels   int
	enc        *opus.Encoder
	dec        *opus.Decoder
}

// NewCodec creates a Codec for the given opus-supported sample rate and
// channel count.
func NewCodec(sampleRate, channels int) (*Codec, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new encoder: %w", err)
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: new decoder: %w", err)
	}
	return &Codec{sampleRate: sampleRate, channels: channels, enc: enc, dec: dec}, nil
}

// FrameSize returns the number of int16 samples in one 20ms frame.
func (c *Codec) FrameSize() int {
	return c.sampleRate / 1000 * frameMs * c.channels
}

// EncodeClip encodes raw PCM samples into a clip payload. A trailing
// partial frame is padded with silence so no captured audio is lost.
func (c *Codec) EncodeClip(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, errors.New("audio: empty clip")
	}
	frame := c.FrameSize()
	out := make([]byte, 0, len(pcm)/4)
	buf := make([]byte, maxPacket)
	for off := 0; off < len(pcm); off += frame {
		end := off + frame
		chunk := pcm[off:min(end, len(pcm))]
		if len(chunk) < frame {
			padded := make([]int16, frame)
			copy(padded, chunk)
			chunk = padded
		}
		n, err := c.enc.Encode(chunk, buf)
		if err != nil {
			return nil, fmt.Errorf("audio: encode frame at %d: %w", off, err)
		}
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(n))
		out = append(out, hdr[:]...)
		out = append(out, buf[:n]...)
	}
	return out, nil
}

// DecodeClip decodes a clip payload back into PCM samples. Any framing or
// opus error is reported as ErrDecodeFailure so callers can skip the clip.
func (c *Codec) DecodeClip(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecodeFailure)
	}
	frame := c.FrameSize()
	pcm := make([]int16, 0, frame*8)
	scratch := make([]int16, frame)
	for off := 0; off < len(payload); {
		if off+2 > len(payload) {
			return nil, fmt.Errorf("%w: truncated packet header at %d", ErrDecodeFailure, off)
		}
		n := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		if n == 0 || off+n > len(payload) {
			return nil, fmt.Errorf("%w: bad packet length %d at %d", ErrDecodeFailure, n, off)
		}
		got, err := c.dec.Decode(payload[off:off+n], scratch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
		}
		pcm = append(pcm, scratch[:got*c.channels]...)
		off += n
	}
	return pcm, nil
}
