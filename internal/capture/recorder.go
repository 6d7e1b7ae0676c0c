// Package capture owns the press-and-hold recording path: acquire the
// audio input device, accumulate PCM while the gesture is held, then
// encode and transmit a single clip on release.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatch-voice-relay/internal/audio"
	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/wire"
)

// ErrDeviceUnavailable is returned when the audio input device is denied
// or missing. Surfaced to the caller; never retried automatically.
var ErrDeviceUnavailable = errors.New("capture: audio input device unavailable")

// ErrNotRecording is returned by EndCapture/CancelCapture when no capture
// is in progress (e.g. a duplicate release event).
var ErrNotRecording = errors.New("capture: no capture in progress")

// ErrEmptyClip is returned when a capture ended before any audio arrived.
var ErrEmptyClip = errors.New("capture: clip contains no audio")

// Device acquires exclusive access to the audio input. Acquisition failure
// maps to ErrDeviceUnavailable.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream delivers PCM frames from an acquired device. ReadPCM blocks until
// a frame is available, the context is cancelled, or the device is lost.
type Stream interface {
	ReadPCM(ctx context.Context) ([]int16, error)
	Close() error
}

// FrameSender transmits one outbound frame. *transport.Channel satisfies
// this; tests substitute fakes.
type FrameSender interface {
	Send(frame interface{}) error
}

// Recorder is the capture and transmit path. One per session; a second
// BeginCapture while recording is rejected so the device is never
// double-acquired.
type Recorder struct {
	device     Device
	codec      *audio.Codec
	sender     FrameSender
	senderID   string
	senderRole string
	maxClip    time.Duration

	mu  sync.Mutex
	cur *recording
}

type recording struct {
	stream        Stream
	cancel        context.CancelFunc
	done          chan struct{}
	correlationID string

	mu      sync.Mutex
	samples []int16

	releaseOnce sync.Once
}

// release closes the device stream exactly once, no matter how many exit
// paths race to it. A recording whose acquisition failed has no stream.
func (r *recording) release() {
	r.releaseOnce.Do(func() {
		if r.stream != nil {
			_ = r.stream.Close()
		}
	})
}

func (r *recording) appendSamples(pcm []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, pcm...)
	return len(r.samples)
}

func (r *recording) takeSamples() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.samples
	r.samples = nil
	return s
}

// NewRecorder creates a Recorder.
func NewRecorder(device Device, codec *audio.Codec, sender FrameSender, senderID, senderRole string, maxClip time.Duration) *Recorder {
	if maxClip <= 0 {
		maxClip = 30 * time.Second
	}
	return &Recorder{
		device:     device,
		codec:      codec,
		sender:     sender,
		senderID:   senderID,
		senderRole: senderRole,
		maxClip:    maxClip,
	}
}

// Recording reports whether a capture is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}

// BeginCapture starts recording on gesture press. Fails with
// ErrDeviceUnavailable when the device cannot be acquired. The recording
// slot is reserved before acquisition, which can be slow, so the recorder
// never holds its lock across the device call.
func (r *Recorder) BeginCapture(ctx context.Context) error {
	recCtx, cancel := context.WithTimeout(context.Background(), r.maxClip)
	rec := &recording{
		cancel:        cancel,
		done:          make(chan struct{}),
		correlationID: uuid.NewString(),
	}

	r.mu.Lock()
	if r.cur != nil {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("capture: already recording")
	}
	r.cur = rec
	r.mu.Unlock()

	stream, err := r.device.Acquire(ctx)
	if err != nil {
		r.mu.Lock()
		if r.cur == rec {
			r.cur = nil
		}
		r.mu.Unlock()
		cancel()
		// Unblock anyone who raced an EndCapture against the failed start.
		close(rec.done)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	rec.stream = stream
	logging.Infow("capture: recording started", "correlation_id", rec.correlationID)

	go r.readLoop(recCtx, rec)
	return nil
}

// readLoop accumulates PCM until the gesture releases (context cancel),
// the clip limit expires, or the device is lost. Device loss is treated
// exactly like a release so a stuck-recording state cannot occur.
func (r *Recorder) readLoop(ctx context.Context, rec *recording) {
	defer close(rec.done)
	for {
		pcm, err := rec.stream.ReadPCM(ctx)
		if err != nil {
			if ctx.Err() != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					logging.Warnw("capture: clip limit reached; finalizing", "correlation_id", rec.correlationID)
					go func() { _, _ = r.EndCapture() }()
				}
				return
			}
			logging.Warnw("capture: device lost mid-recording; finalizing", "correlation_id", rec.correlationID, "err", err)
			go func() { _, _ = r.EndCapture() }()
			return
		}
		rec.appendSamples(pcm)
	}
}

// EndCapture finalizes the recording on gesture release (or any loss of
// the gesture, such as the pointer leaving the control), encodes the clip
// and transmits a single outbound frame. The device is released before
// transmission so a new capture can begin without contention. Returns
// transport.ErrUnavailable unwrapped when the channel is down; the clip is
// dropped, not buffered.
func (r *Recorder) EndCapture() (string, error) {
	r.mu.Lock()
	rec := r.cur
	r.cur = nil
	r.mu.Unlock()
	if rec == nil {
		return "", ErrNotRecording
	}

	rec.cancel()
	<-rec.done
	rec.release()

	samples := rec.takeSamples()
	logging.Infow("capture: recording finished", "correlation_id", rec.correlationID, "samples", len(samples))
	if len(samples) == 0 {
		return rec.correlationID, ErrEmptyClip
	}

	payload, err := r.codec.EncodeClip(samples)
	if err != nil {
		return rec.correlationID, fmt.Errorf("capture: encode clip: %w", err)
	}
	frame := wire.NewAudioSend(payload, r.senderID, r.senderRole)
	if err := r.sender.Send(frame); err != nil {
		logging.Warnw("capture: clip dropped; transport unavailable", "correlation_id", rec.correlationID, "err", err)
		return rec.correlationID, err
	}
	logging.Infow("capture: clip transmitted", "correlation_id", rec.correlationID, "payload_bytes", len(payload))
	return rec.correlationID, nil
}

// CancelCapture stops recording and discards the audio. The device is
// still released deterministically.
func (r *Recorder) CancelCapture() error {
	r.mu.Lock()
	rec := r.cur
	r.cur = nil
	r.mu.Unlock()
	if rec == nil {
		return ErrNotRecording
	}
	rec.cancel()
	<-rec.done
	rec.release()
	logging.Infow("capture: recording cancelled", "correlation_id", rec.correlationID)
	return nil
}
