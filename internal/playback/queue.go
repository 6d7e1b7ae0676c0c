// Package playback owns the ordered playback queue: a single consumer
// plays one clip at a time in arrival order, and a clip that fails to
// decode or play never blocks the clips behind it.
package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dispatch-voice-relay/internal/audio"
	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/metrics"
)

// Entry is one queued clip. Exactly one of Payload or AudioURL is set:
// inline bytes for clips received on the live channel, a fetchable
// reference for clips drained from the pending store.
type Entry struct {
	Payload       []byte
	AudioURL      string
	SenderName    string
	EnqueuedAt    time.Time
	CorrelationID string
}

// Player performs the actual playback of a single entry. Play must return
// once playback finished or failed; the queue serializes calls.
type Player interface {
	Play(ctx context.Context, e Entry) error
}

// Sink receives decoded PCM for output. The production sink is the host
// audio output; tests record samples.
type Sink interface {
	WritePCM(ctx context.Context, pcm []int16) error
}

// DecodingPlayer decodes inline opus payloads and writes PCM to a Sink.
// Entries carrying only an AudioURL are passed to Fetch first.
type DecodingPlayer struct {
	Codec *audio.Codec
	Sink  Sink
	// Fetch resolves an AudioURL to clip bytes. Optional; entries with a
	// URL fail playback when unset.
	Fetch func(ctx context.Context, url string) ([]byte, error)
}

func (p *DecodingPlayer) Play(ctx context.Context, e Entry) error {
	payload := e.Payload
	if len(payload) == 0 && e.AudioURL != "" {
		if p.Fetch == nil {
			return errors.New("playback: no fetcher for audio url")
		}
		b, err := p.Fetch(ctx, e.AudioURL)
		if err != nil {
			return err
		}
		payload = b
	}
	pcm, err := p.Codec.DecodeClip(payload)
	if err != nil {
		return err
	}
	return p.Sink.WritePCM(ctx, pcm)
}

// Queue is the single-consumer FIFO. Enqueue never blocks; when the buffer
// is full the clip is dropped with a warning rather than stalling the
// dispatcher.
type Queue struct {
	player  Player
	entries chan Entry
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool

	dropCount int64
	failCount int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue starts the consumer goroutine.
func NewQueue(player Player, size int, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		player:  player,
		entries: make(chan Entry, size),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case e, ok := <-q.entries:
			if !ok {
				return
			}
			q.playOne(e)
		}
	}
}

// playOne completes or fails a single clip. Failures advance the queue;
// retry-via-persistence is the pending store's job, not the queue's.
func (q *Queue) playOne(e Entry) {
	start := time.Now()
	err := q.player.Play(q.ctx, e)
	if err != nil {
		atomic.AddInt64(&q.failCount, 1)
		if q.metrics != nil {
			q.metrics.PlaybackFailures.Inc()
		}
		if errors.Is(err, audio.ErrDecodeFailure) {
			logging.Warnw("playback: clip decode failed; skipping", "sender", e.SenderName, "correlation_id", e.CorrelationID, "err", err)
		} else {
			logging.Warnw("playback: clip playback failed; skipping", "sender", e.SenderName, "correlation_id", e.CorrelationID, "err", err)
		}
		return
	}
	if q.metrics != nil {
		q.metrics.PlaybackDuration.Observe(time.Since(start).Seconds())
	}
	logging.Debugw("playback: clip played", "sender", e.SenderName, "correlation_id", e.CorrelationID, "queued_for", time.Since(e.EnqueuedAt))
}

// Enqueue adds a clip to the queue. Drops with a warning when full.
func (q *Queue) Enqueue(e Entry) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.entries <- e:
	default:
		atomic.AddInt64(&q.dropCount, 1)
		if q.metrics != nil {
			q.metrics.FramesDropped.WithLabelValues("queue_full").Inc()
		}
		logging.Warnw("playback: dropping clip; queue full", "sender", e.SenderName, "correlation_id", e.CorrelationID)
	}
}

// Clear discards all queued-but-unplayed clips. The clip currently playing
// is not interrupted.
func (q *Queue) Clear() {
	for {
		select {
		case <-q.entries:
		default:
			return
		}
	}
}

// Len reports the number of queued clips.
func (q *Queue) Len() int { return len(q.entries) }

// Close stops the consumer after the current clip.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.entries)
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	return nil
}
