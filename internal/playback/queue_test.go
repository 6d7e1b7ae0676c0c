package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingPlayer records the order clips were played in and can fail
// specific senders.
type recordingPlayer struct {
	mu      sync.Mutex
	played  []string
	failFor map[string]bool
	gate    chan struct{}
}

func (p *recordingPlayer) Play(_ context.Context, e Entry) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	p.played = append(p.played, e.SenderName)
	fail := p.failFor[e.SenderName]
	p.mu.Unlock()
	if fail {
		return errors.New("boom")
	}
	return nil
}

func (p *recordingPlayer) playedNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

func waitPlayed(t *testing.T, p *recordingPlayer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.playedNames()) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("played %d clips, want %d", len(p.playedNames()), n)
}

func TestFIFOOrder(t *testing.T) {
	p := &recordingPlayer{}
	q := NewQueue(p, 16, nil)
	defer q.Close()

	for _, name := range []string{"a", "b", "c", "d"} {
		q.Enqueue(Entry{SenderName: name})
	}
	waitPlayed(t, p, 4)

	got := p.playedNames()
	for i, want := range []string{"a", "b", "c", "d"} {
		if got[i] != want {
			t.Fatalf("order mismatch at %d: want=%s got=%s (%v)", i, want, got[i], got)
		}
	}
}

// A failing clip must not block the clips behind it.
func TestFailureAdvancesQueue(t *testing.T) {
	p := &recordingPlayer{failFor: map[string]bool{"bad": true}}
	q := NewQueue(p, 16, nil)
	defer q.Close()

	q.Enqueue(Entry{SenderName: "bad"})
	q.Enqueue(Entry{SenderName: "good"})
	waitPlayed(t, p, 2)

	got := p.playedNames()
	if got[0] != "bad" || got[1] != "good" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestOverflowDropsInsteadOfBlocking(t *testing.T) {
	p := &recordingPlayer{gate: make(chan struct{})}
	q := NewQueue(p, 2, nil)
	defer q.Close()

	// First clip is picked up by the consumer and parks on the gate; the
	// next two fill the buffer; everything beyond must be dropped.
	for i := 0; i < 10; i++ {
		q.Enqueue(Entry{SenderName: "x"})
	}

	done := make(chan struct{})
	go func() {
		q.Enqueue(Entry{SenderName: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Enqueue blocked on a full queue")
	}
	close(p.gate)
}

func TestClearDiscardsPending(t *testing.T) {
	p := &recordingPlayer{gate: make(chan struct{})}
	q := NewQueue(p, 8, nil)
	defer q.Close()

	q.Enqueue(Entry{SenderName: "playing"})
	// Give the consumer time to pick up the first clip.
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(Entry{SenderName: "queued1"})
	q.Enqueue(Entry{SenderName: "queued2"})

	q.Clear()
	close(p.gate)
	waitPlayed(t, p, 1)
	time.Sleep(20 * time.Millisecond)

	if got := p.playedNames(); len(got) != 1 {
		t.Fatalf("cleared clips still played: %v", got)
	}
}

func TestEnqueueAfterCloseIsSafe(t *testing.T) {
	p := &recordingPlayer{}
	q := NewQueue(p, 4, nil)
	_ = q.Close()
	q.Enqueue(Entry{SenderName: "late"}) // must not panic
}
