// Package bridge is the background delivery path. When a push event wakes
// the background context it hands the clip to any open session for
// immediate playback, or falls back to best-effort background playback
// plus a durable pending record and a surface notification.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/metrics"
	"github.com/dispatch-voice-relay/internal/pending"
	"github.com/dispatch-voice-relay/internal/wire"
)

// ErrDeliveryAmbiguous reports that background playback was attempted but
// its outcome cannot be confirmed. The caller must treat the clip as
// undelivered and keep the pending record.
var ErrDeliveryAmbiguous = errors.New("bridge: background playback outcome unknown")

// Notification tags. The low-intrusion tag replaces itself on repeat, the
// urgent tag requires an explicit acknowledgement.
const (
	TagPendingAudio = "walkie-audio"
	TagUrgentAudio  = "walkie-audio-urgent"
)

// Notification is a surface notification request.
type Notification struct {
	Tag        string
	Title      string
	Body       string
	RequireAck bool
}

// Notifier raises surface notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Player attempts playback from the background context, without an open
// session. Play is advisory; an error only means delivery is unconfirmed.
type Player interface {
	Play(ctx context.Context, audioURL string) error
}

// NoopPlayer is the default background player. The background context has
// no reliable audio output, so it reports every attempt as ambiguous.
type NoopPlayer struct{}

func (NoopPlayer) Play(context.Context, string) error { return ErrDeliveryAmbiguous }

// LogNotifier surfaces notifications as structured log events. Deployments
// with a real notification channel substitute their own Notifier.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	logging.Infow("bridge: notification",
		"tag", n.Tag, "title", n.Title, "body", n.Body, "require_ack", n.RequireAck)
	return nil
}

// Broadcaster fans a message out to open sessions and reports how many
// received it.
type Broadcaster interface {
	Broadcast(msg wire.SessionMessage) int
}

// Registry is the concrete session registry shared by the bridge and the
// interactive sessions.
type Registry struct {
	mu   sync.Mutex
	next int
	subs map[int]chan<- wire.SessionMessage
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[int]chan<- wire.SessionMessage)}
}

// Register subscribes a session's message channel and returns its
// unregister function. Sends are non-blocking; size the channel
// accordingly.
func (r *Registry) Register(ch chan<- wire.SessionMessage) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = ch
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Broadcast delivers msg to every open session. A session whose channel is
// full is skipped; it will pick the clip up from the pending store instead.
func (r *Registry) Broadcast(msg wire.SessionMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ch := range r.subs {
		select {
		case ch <- msg:
			n++
		default:
		}
	}
	return n
}

// Count reports the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Bridge handles push events.
type Bridge struct {
	store         *pending.Store
	sessions      Broadcaster
	player        Player
	notifier      Notifier
	metrics       *metrics.Metrics
	escalateAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bridge. player and notifier may be nil; a nil player
// behaves like NoopPlayer and a nil notifier drops notifications.
func New(store *pending.Store, sessions Broadcaster, player Player, notifier Notifier, m *metrics.Metrics, escalateAfter time.Duration) *Bridge {
	if player == nil {
		player = NoopPlayer{}
	}
	if escalateAfter <= 0 {
		escalateAfter = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		store:         store,
		sessions:      sessions,
		player:        player,
		notifier:      notifier,
		metrics:       m,
		escalateAfter: escalateAfter,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Close cancels pending escalations and waits for them to settle.
func (b *Bridge) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

// HandlePush processes one push event. Duplicate deliveries of the same
// event are collapsed by the pending store's deterministic record id: the
// second delivery creates no record and raises no notification.
func (b *Bridge) HandlePush(ctx context.Context, ev wire.PushEvent) error {
	d := ev.Data
	if d.Type != wire.PushTypeWalkieAudio {
		logging.Debugw("bridge: ignoring push event", "push.type", d.Type)
		b.countDelivery("ignored")
		return nil
	}

	// An open session plays the clip immediately; nothing is persisted.
	msg := wire.SessionMessage{
		Type:       wire.MsgPlayImmediately,
		AudioURL:   d.AudioURL,
		SenderName: d.SenderName,
		Timestamp:  d.Timestamp,
	}
	if n := b.sessions.Broadcast(msg); n > 0 {
		logging.Infow("bridge: clip handed to open session",
			append(logging.SenderFields(d.SenderID, ""), "sessions", n)...)
		b.countDelivery("session")
		return nil
	}

	// No session: make the clip durable before anything advisory happens.
	rec := pending.NewRecord(d.SenderID, d.SenderName, d.AudioURL, d.Timestamp)
	inserted, err := b.store.Add(ctx, rec)
	if err != nil {
		// A store failure loses the durability guarantee, not the user's
		// notification: treat the event as newly seen and keep going.
		logging.Errorw("bridge: pending store write failed", "record.id", rec.ID, "err", err)
	}

	playErr := b.player.Play(ctx, d.AudioURL)
	if playErr != nil && !errors.Is(playErr, ErrDeliveryAmbiguous) {
		logging.Warnw("bridge: background playback failed", "record.id", rec.ID, "err", playErr)
	}

	// Only a confirmed duplicate is collapsed silently.
	if err == nil && !inserted {
		logging.Debugw("bridge: duplicate push delivery", "record.id", rec.ID)
		b.countDelivery("duplicate")
		return nil
	}
	b.countDelivery("stored")

	b.notify(ctx, Notification{
		Tag:   TagPendingAudio,
		Title: "New voice message",
		Body:  d.SenderName,
	}, "pending")

	if playErr != nil {
		b.scheduleEscalation(rec.ID, d.SenderName)
	}
	return nil
}

// scheduleEscalation raises the urgent notification after the grace delay,
// unless the record was dismissed in the meantime (a session opened and
// played it).
func (b *Bridge) scheduleEscalation(recordID, senderName string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t := time.NewTimer(b.escalateAfter)
		defer t.Stop()
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
		}
		dismissed, err := b.store.IsDismissed(b.ctx, recordID)
		if err == nil && dismissed {
			return
		}
		b.notify(b.ctx, Notification{
			Tag:        TagUrgentAudio,
			Title:      "Unplayed voice message",
			Body:       senderName,
			RequireAck: true,
		}, "urgent")
	}()
}

func (b *Bridge) notify(ctx context.Context, n Notification, kind string) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, n); err != nil {
		logging.Warnw("bridge: notification failed", "tag", n.Tag, "err", err)
		return
	}
	if b.metrics != nil {
		b.metrics.Notifications.WithLabelValues(kind).Inc()
	}
}

func (b *Bridge) countDelivery(outcome string) {
	if b.metrics != nil {
		b.metrics.PushDeliveries.WithLabelValues(outcome).Inc()
	}
}
