package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dispatch-voice-relay/internal/capture"
	"github.com/dispatch-voice-relay/internal/playback"
)

// frameInterval is the pacing of host PCM frames, matching the codec frame
// duration.
const frameInterval = 20 * time.Millisecond

// newCaptureDevice returns the host capture source. With a path it replays
// a raw s16le file at real-time pace; without one it produces silence, which
// keeps the gesture path usable on hosts with no audio input.
func newCaptureDevice(path string, frameSamples int) capture.Device {
	if path == "" {
		return silenceDevice{frameSamples: frameSamples}
	}
	return &pcmFileDevice{path: path, frameSamples: frameSamples}
}

type silenceDevice struct{ frameSamples int }

func (d silenceDevice) Acquire(ctx context.Context) (capture.Stream, error) {
	return &silenceStream{frameSamples: d.frameSamples}, nil
}

type silenceStream struct{ frameSamples int }

func (s *silenceStream) ReadPCM(ctx context.Context) ([]int16, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(frameInterval):
	}
	return make([]int16, s.frameSamples), nil
}

func (s *silenceStream) Close() error { return nil }

// pcmFileDevice replays a raw PCM fixture as if it were a live microphone.
type pcmFileDevice struct {
	path         string
	frameSamples int
}

func (d *pcmFileDevice) Acquire(ctx context.Context) (capture.Stream, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	return &pcmFileStream{f: f, frameSamples: d.frameSamples}, nil
}

type pcmFileStream struct {
	f            *os.File
	frameSamples int
}

func (s *pcmFileStream) ReadPCM(ctx context.Context) ([]int16, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(frameInterval):
	}
	buf := make([]byte, s.frameSamples*2)
	if _, err := io.ReadFull(s.f, buf); err != nil {
		// EOF behaves like the device going away; the recorder finalizes
		// whatever was captured so far.
		return nil, err
	}
	pcm := make([]int16, s.frameSamples)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return pcm, nil
}

func (s *pcmFileStream) Close() error { return s.f.Close() }

// newPCMSink returns the playback output. With a path, decoded PCM is
// appended as raw s16le; without one it is discarded after decoding, which
// still exercises the full decode path.
func newPCMSink(path string) playback.Sink {
	if path == "" {
		return discardSink{}
	}
	return &fileSink{path: path}
}

type discardSink struct{}

func (discardSink) WritePCM(context.Context, []int16) error { return nil }

type fileSink struct{ path string }

func (s *fileSink) WritePCM(ctx context.Context, pcm []int16) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	_, err = f.Write(buf)
	return err
}

// fetchClip resolves a pending clip's URL to its bytes.
func fetchClip(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch clip: unexpected status %s", resp.Status)
	}
	const maxClipBytes = 10 << 20
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxClipBytes {
		return nil, errors.New("fetch clip: response too large")
	}
	return b, nil
}
