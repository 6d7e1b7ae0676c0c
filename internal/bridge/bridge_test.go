package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispatch-voice-relay/internal/pending"
	"github.com/dispatch-voice-relay/internal/wire"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	fails bool
}

func (n *fakeNotifier) Notify(ctx context.Context, notif Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails {
		return errors.New("notification surface unavailable")
	}
	n.sent = append(n.sent, notif)
	return nil
}

func (n *fakeNotifier) notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type fakePlayer struct {
	mu    sync.Mutex
	err   error
	plays int
}

func (p *fakePlayer) Play(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	return p.err
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func newTestStore(t *testing.T) *pending.Store {
	t.Helper()
	s, err := pending.Open(filepath.Join(t.TempDir(), "pending.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pushEvent(senderID string, ts int64) wire.PushEvent {
	return wire.PushEvent{Data: wire.PushData{
		Type:       wire.PushTypeWalkieAudio,
		SenderID:   senderID,
		SenderName: "Carlos",
		AudioURL:   "https://relay/clips/" + senderID,
		Timestamp:  ts,
	}}
}

func waitNotifications(t *testing.T, n *fakeNotifier, want int) []Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := n.notifications(); len(got) >= want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("notifications: want at least %d got %d", want, len(n.notifications()))
	return nil
}

func TestOpenSessionBypassesStore(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	ch := make(chan wire.SessionMessage, 1)
	defer reg.Register(ch)()

	notifier := &fakeNotifier{}
	b := New(store, reg, nil, notifier, nil, time.Millisecond)
	defer b.Close()

	require.NoError(t, b.HandlePush(context.Background(), pushEvent("D1", 100)))

	select {
	case msg := <-ch:
		require.Equal(t, wire.MsgPlayImmediately, msg.Type)
		require.Equal(t, "Carlos", msg.SenderName)
	default:
		t.Fatal("session did not receive the clip")
	}

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Empty(t, active, "clip handed to a session must not be persisted")
	require.Empty(t, notifier.notifications())
}

func TestNoSessionStoresAndEscalates(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	b := New(store, NewRegistry(), nil, notifier, nil, 10*time.Millisecond)
	defer b.Close()

	require.NoError(t, b.HandlePush(context.Background(), pushEvent("D1", 100)))

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, pending.RecordID("D1", 100), active[0].ID)

	got := waitNotifications(t, notifier, 2)
	require.Equal(t, TagPendingAudio, got[0].Tag)
	require.False(t, got[0].RequireAck)
	require.Equal(t, TagUrgentAudio, got[1].Tag)
	require.True(t, got[1].RequireAck)
}

// A duplicate push delivery must produce exactly one record, one pending
// notification and at most one escalation.
func TestDuplicatePushCollapses(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	b := New(store, NewRegistry(), nil, notifier, nil, 10*time.Millisecond)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.HandlePush(ctx, pushEvent("D1", 100)))
	require.NoError(t, b.HandlePush(ctx, pushEvent("D1", 100)))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	got := waitNotifications(t, notifier, 2)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, notifier.notifications(), len(got))
	require.Equal(t, 2, len(got))
}

// A failing store must not silence delivery: the record is lost but the
// notification and the escalation still happen.
func TestStoreFailureStillNotifies(t *testing.T) {
	store, err := pending.Open(filepath.Join(t.TempDir(), "pending.db"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	notifier := &fakeNotifier{}
	b := New(store, NewRegistry(), nil, notifier, nil, 10*time.Millisecond)
	defer b.Close()

	require.NoError(t, b.HandlePush(context.Background(), pushEvent("D1", 100)))

	got := waitNotifications(t, notifier, 2)
	require.Equal(t, TagPendingAudio, got[0].Tag)
	require.Equal(t, TagUrgentAudio, got[1].Tag)
	require.True(t, got[1].RequireAck)
}

func TestDismissalSuppressesEscalation(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	b := New(store, NewRegistry(), nil, notifier, nil, 50*time.Millisecond)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.HandlePush(ctx, pushEvent("D1", 100)))
	require.NoError(t, store.Dismiss(ctx, pending.RecordID("D1", 100)))

	time.Sleep(120 * time.Millisecond)
	got := notifier.notifications()
	require.Len(t, got, 1)
	require.Equal(t, TagPendingAudio, got[0].Tag)
}

func TestConfirmedBackgroundPlaySkipsEscalation(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	player := &fakePlayer{}
	b := New(store, NewRegistry(), player, notifier, nil, 10*time.Millisecond)
	defer b.Close()

	require.NoError(t, b.HandlePush(context.Background(), pushEvent("D1", 100)))
	require.Equal(t, 1, player.playCount())

	time.Sleep(50 * time.Millisecond)
	got := notifier.notifications()
	require.Len(t, got, 1, "confirmed playback must not escalate")
	require.Equal(t, TagPendingAudio, got[0].Tag)
}

func TestUnknownPushTypeIgnored(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	b := New(store, NewRegistry(), nil, notifier, nil, time.Millisecond)
	defer b.Close()

	ev := wire.PushEvent{Data: wire.PushData{Type: "ride_reminder", SenderID: "D1"}}
	require.NoError(t, b.HandlePush(context.Background(), ev))

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Empty(t, active)
	require.Empty(t, notifier.notifications())
}

func TestRegistryBroadcastSkipsFullSessions(t *testing.T) {
	reg := NewRegistry()
	full := make(chan wire.SessionMessage) // unbuffered, never read
	open := make(chan wire.SessionMessage, 1)
	defer reg.Register(full)()
	defer reg.Register(open)()

	n := reg.Broadcast(wire.SessionMessage{Type: wire.MsgStopAudio})
	require.Equal(t, 1, n)
	require.Len(t, open, 1)
}
