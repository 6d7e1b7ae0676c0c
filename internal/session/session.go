// Package session is the interactive context: one open console with a live
// relay link, a playback queue and access to the shared pending store. A
// session drains clips that arrived while no session was open, and accepts
// hand-off messages from the background bridge.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/dispatch-voice-relay/internal/dispatch"
	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/pending"
	"github.com/dispatch-voice-relay/internal/playback"
	"github.com/dispatch-voice-relay/internal/wire"
)

// Link is the session's view of the relay channel. *transport.Channel
// satisfies this.
type Link interface {
	Connect()
	ForegroundReset()
	Close() error
}

// Registrar subscribes the session to background hand-off messages.
// *bridge.Registry satisfies this.
type Registrar interface {
	Register(ch chan<- wire.SessionMessage) func()
}

// Session owns one interactive context's lifecycle.
type Session struct {
	link      Link
	queue     *playback.Queue
	store     *pending.Store
	registrar Registrar
	badge     dispatch.BadgeSink

	msgs       chan wire.SessionMessage
	unregister func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	opened bool
}

// New creates a Session. badge may be nil.
func New(link Link, queue *playback.Queue, store *pending.Store, registrar Registrar, badge dispatch.BadgeSink) *Session {
	if badge == nil {
		badge = dispatch.NoopSinks{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		link:      link,
		queue:     queue,
		store:     store,
		registrar: registrar,
		badge:     badge,
		msgs:      make(chan wire.SessionMessage, 16),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Open connects the relay link, registers for background hand-offs and
// drains every clip that accumulated while no session was open.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	s.link.Connect()
	s.unregister = s.registrar.Register(s.msgs)
	s.wg.Add(1)
	go s.consume()

	logging.Infow("session: opened")
	if _, err := s.PlayPending(ctx); err != nil {
		// Store trouble degrades to logging; the session still comes up
		// connected.
		logging.Warnw("session: pending drain failed on open", "err", err)
	}
	return nil
}

// consume applies cross-context messages from the background bridge.
func (s *Session) consume() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgs:
			switch msg.Type {
			case wire.MsgPlayImmediately:
				logging.Infow("session: clip handed off for immediate playback", "sender", msg.SenderName)
				s.queue.Enqueue(playback.Entry{
					AudioURL:   msg.AudioURL,
					SenderName: msg.SenderName,
					EnqueuedAt: time.Now(),
				})
			case wire.MsgStopAudio:
				logging.Infow("session: stop requested; clearing queue")
				s.queue.Clear()
			default:
				logging.Debugw("session: unknown cross-context message", "type", msg.Type)
			}
		}
	}
}

// Foreground signals the session regained visibility: reconnect the link
// without waiting for backoff and pick up anything that arrived while
// backgrounded.
func (s *Session) Foreground(ctx context.Context) error {
	s.link.ForegroundReset()
	if _, err := s.PlayPending(ctx); err != nil {
		logging.Warnw("session: pending drain failed on foreground", "err", err)
	}
	return nil
}

// PlayPending enqueues every active pending clip in arrival order and
// dismisses it. Returns the number of clips drained.
func (s *Session) PlayPending(ctx context.Context) (int, error) {
	recs, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		s.queue.Enqueue(playback.Entry{
			AudioURL:   r.AudioURL,
			SenderName: r.SenderName,
			EnqueuedAt: time.Now(),
		})
		if err := s.store.Dismiss(ctx, r.ID); err != nil {
			return 0, err
		}
	}
	if len(recs) > 0 {
		logging.Infow("session: drained pending clips", "count", len(recs))
	}
	s.refreshBadge(ctx)
	return len(recs), nil
}

// DismissPending tombstones every active pending clip without playing it.
func (s *Session) DismissPending(ctx context.Context) (int, error) {
	recs, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if err := s.store.Dismiss(ctx, r.ID); err != nil {
			return 0, err
		}
	}
	s.refreshBadge(ctx)
	return len(recs), nil
}

// StopPlayback discards all queued clips. The clip currently playing
// finishes.
func (s *Session) StopPlayback() {
	s.queue.Clear()
}

func (s *Session) refreshBadge(ctx context.Context) {
	n, err := s.store.CountActive(ctx)
	if err != nil {
		logging.Warnw("session: badge count unavailable", "err", err)
		return
	}
	s.badge.SetBadge(n)
}

// Close unregisters from the bridge and closes the relay link.
func (s *Session) Close() error {
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
	s.cancel()
	s.wg.Wait()
	logging.Infow("session: closed")
	return s.link.Close()
}
