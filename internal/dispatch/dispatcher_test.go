package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dispatch-voice-relay/internal/playback"
	"github.com/dispatch-voice-relay/internal/wire"
)

type capturingPlayer struct {
	mu      sync.Mutex
	entries []playback.Entry
}

func (p *capturingPlayer) Play(_ context.Context, e playback.Entry) error {
	p.mu.Lock()
	p.entries = append(p.entries, e)
	p.mu.Unlock()
	return nil
}

func (p *capturingPlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

type capturingSinks struct {
	mu        sync.Mutex
	locations []string
	rides     []string
}

func (s *capturingSinks) UpdateLocation(driverID string, lat, lng float64) {
	s.mu.Lock()
	s.locations = append(s.locations, driverID)
	s.mu.Unlock()
}
func (s *capturingSinks) NewRide(pickup, destination string) {
	s.mu.Lock()
	s.rides = append(s.rides, "new:"+pickup)
	s.mu.Unlock()
}
func (s *capturingSinks) RideAccepted(driverName string) {
	s.mu.Lock()
	s.rides = append(s.rides, "accepted:"+driverName)
	s.mu.Unlock()
}

func audioFrame(t *testing.T, senderID, role string) []byte {
	t.Helper()
	raw, err := json.Marshal(wire.AudioBroadcast{
		Type:       wire.TypeAudioBroadcast,
		Audio:      wire.EncodePayload([]byte{0x01, 0x02}),
		SenderID:   senderID,
		SenderRole: role,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestSelfOriginatedAudioIsDropped(t *testing.T) {
	p := &capturingPlayer{}
	q := playback.NewQueue(p, 8, nil)
	defer q.Close()
	d := New("D42", q, nil, nil, nil)

	d.HandleFrame(audioFrame(t, "D42", wire.RoleDriver))
	d.HandleFrame(audioFrame(t, "D7", wire.RoleDriver))

	deadline := time.Now().Add(time.Second)
	for p.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := p.count(); got != 1 {
		t.Fatalf("played clips: want=1 got=%d", got)
	}
	p.mu.Lock()
	sender := p.entries[0].SenderName
	p.mu.Unlock()
	if sender != "D7" {
		t.Fatalf("wrong clip played: %s", sender)
	}
}

func TestUnknownTypesAreDiscardedQuietly(t *testing.T) {
	p := &capturingPlayer{}
	q := playback.NewQueue(p, 8, nil)
	defer q.Close()
	d := New("D42", q, nil, nil, nil)

	d.HandleFrame([]byte(`{"type":"totally_new_thing","x":1}`))
	d.HandleFrame([]byte(`not json at all`))
	d.HandleFrame([]byte(`{"no_type":true}`))

	time.Sleep(20 * time.Millisecond)
	if got := p.count(); got != 0 {
		t.Fatalf("unknown frames reached playback: %d", got)
	}
}

func TestLocationAndRideRouting(t *testing.T) {
	p := &capturingPlayer{}
	q := playback.NewQueue(p, 8, nil)
	defer q.Close()
	sinks := &capturingSinks{}
	d := New("D42", q, sinks, sinks, nil)

	d.HandleFrame([]byte(`{"type":"driver_location_update","driverId":"D9","latitude":-2.17,"longitude":-79.92}`))
	d.HandleFrame([]byte(`{"type":"new_ride","pickup":"Av. 9 de Octubre","destination":"Malecón"}`))
	d.HandleFrame([]byte(`{"type":"ride_accepted","driverName":"Carlos"}`))

	sinks.mu.Lock()
	defer sinks.mu.Unlock()
	if len(sinks.locations) != 1 || sinks.locations[0] != "D9" {
		t.Fatalf("locations: %v", sinks.locations)
	}
	if len(sinks.rides) != 2 || sinks.rides[0] != "new:Av. 9 de Octubre" || sinks.rides[1] != "accepted:Carlos" {
		t.Fatalf("rides: %v", sinks.rides)
	}
}

func TestCentralAudioUsesCentralDisplayName(t *testing.T) {
	p := &capturingPlayer{}
	q := playback.NewQueue(p, 8, nil)
	defer q.Close()
	d := New("D42", q, nil, nil, nil)

	d.HandleFrame(audioFrame(t, "central-1", wire.RoleCentral))

	deadline := time.Now().Add(time.Second)
	for p.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[0].SenderName != wire.RoleCentral {
		t.Fatalf("display name: want=Central got=%s", p.entries[0].SenderName)
	}
}
