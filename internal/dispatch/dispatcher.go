// Package dispatch classifies inbound relay frames and routes them:
// audio to the playback queue, positions and ride events to collaborator
// sinks, everything else to the log.
package dispatch

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/metrics"
	"github.com/dispatch-voice-relay/internal/playback"
	"github.com/dispatch-voice-relay/internal/wire"
)

// LocationSink consumes driver position updates. Map rendering is an
// external collaborator; only the routing lives here.
type LocationSink interface {
	UpdateLocation(driverID string, lat, lng float64)
}

// RideSink consumes ride lifecycle events.
type RideSink interface {
	NewRide(pickup, destination string)
	RideAccepted(driverName string)
}

// BadgeSink consumes the pending-message count indicator.
type BadgeSink interface {
	SetBadge(count int)
}

// Dispatcher routes classified inbound frames. One per session.
type Dispatcher struct {
	localID   string
	queue     *playback.Queue
	locations LocationSink
	rides     RideSink
	metrics   *metrics.Metrics

	selfDropCount    int64
	unknownDropCount int64
}

// New creates a Dispatcher. Nil sinks are replaced by no-ops.
func New(localID string, queue *playback.Queue, locations LocationSink, rides RideSink, m *metrics.Metrics) *Dispatcher {
	if locations == nil {
		locations = NoopSinks{}
	}
	if rides == nil {
		rides = NoopSinks{}
	}
	return &Dispatcher{localID: localID, queue: queue, locations: locations, rides: rides, metrics: m}
}

// HandleFrame classifies one raw inbound frame. Unknown types are logged
// and discarded without error propagation; this is the read pump's
// callback, so nothing here may panic or block.
func (d *Dispatcher) HandleFrame(raw []byte) {
	typ, err := wire.Classify(raw)
	if err != nil {
		logging.Warnw("dispatch: unclassifiable frame", "err", err)
		d.dropUnknown()
		return
	}

	switch typ {
	case wire.TypeAudioBroadcast, wire.TypeAudioMessage:
		d.handleAudio(raw)
	case wire.TypeDriverLocation:
		var loc wire.DriverLocation
		if err := json.Unmarshal(raw, &loc); err != nil {
			logging.Warnw("dispatch: bad location frame", "err", err)
			return
		}
		if loc.Latitude != 0 || loc.Longitude != 0 {
			d.locations.UpdateLocation(loc.DriverID, loc.Latitude, loc.Longitude)
		}
	case wire.TypeNewRide:
		var ev wire.RideEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			logging.Warnw("dispatch: bad ride frame", "err", err)
			return
		}
		d.rides.NewRide(ev.Pickup, ev.Destination)
	case wire.TypeRideAccepted:
		var ev wire.RideEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			logging.Warnw("dispatch: bad ride frame", "err", err)
			return
		}
		d.rides.RideAccepted(ev.DriverName)
	default:
		logging.Debugw("dispatch: unknown frame type; discarding", "type", typ)
		d.dropUnknown()
	}
}

func (d *Dispatcher) handleAudio(raw []byte) {
	var bc wire.AudioBroadcast
	if err := json.Unmarshal(raw, &bc); err != nil {
		logging.Warnw("dispatch: bad audio frame", "err", err)
		return
	}
	// Self-origin filter: broadcast fan-out includes the sender, so our
	// own clips come back and must never be enqueued for playback.
	if bc.SenderID == d.localID {
		atomic.AddInt64(&d.selfDropCount, 1)
		if d.metrics != nil {
			d.metrics.FramesDropped.WithLabelValues("self_origin").Inc()
		}
		logging.Debugw("dispatch: dropping self-originated audio", logging.SenderFields(bc.SenderID, bc.SenderRole)...)
		return
	}
	payload, err := wire.DecodePayload(bc.Audio)
	if err != nil {
		logging.Warnw("dispatch: undecodable audio payload", "err", err)
		return
	}
	name := bc.SenderID
	if bc.SenderRole == wire.RoleCentral {
		name = wire.RoleCentral
	}
	d.queue.Enqueue(playback.Entry{
		Payload:    payload,
		SenderName: name,
		EnqueuedAt: time.Now(),
	})
}

func (d *Dispatcher) dropUnknown() {
	atomic.AddInt64(&d.unknownDropCount, 1)
	if d.metrics != nil {
		d.metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
	}
}

// NoopSinks implements every collaborator sink and does nothing. Useful
// for tests and for clients that render none of these surfaces.
type NoopSinks struct{}

func (NoopSinks) UpdateLocation(string, float64, float64) {}
func (NoopSinks) NewRide(string, string)                  {}
func (NoopSinks) RideAccepted(string)                     {}
func (NoopSinks) SetBadge(int)                            {}
