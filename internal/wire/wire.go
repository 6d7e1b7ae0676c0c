// Package wire defines the frame shapes spoken on the relay websocket, the
// background push payload and the cross-context messages exchanged between
// the background bridge and open sessions. The shapes are fixed by the
// relay server protocol; do not rename JSON keys.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	TypeAudioMessage   = "audio_message"
	TypeCentralAudio   = "central_audio_message"
	TypeAudioBroadcast = "audio_broadcast"
	TypeDriverLocation = "driver_location_update"
	TypeNewRide        = "new_ride"
	TypeRideAccepted   = "ride_accepted"
)

// Roles recognised on the broadcast group.
const (
	RoleCentral = "Central"
	RoleDriver  = "driver"
)

// Envelope carries just enough of any inbound frame to classify it.
type Envelope struct {
	Type string `json:"type"`
}

// AudioSend is the client -> relay audio frame. Audio is the clip payload
// encoded as transport-safe base64.
type AudioSend struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	SenderID   string `json:"senderId"`
	SenderRole string `json:"senderRole"`
}

// AudioBroadcast is the relay -> client fan-out audio frame.
type AudioBroadcast struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	SenderID   string `json:"senderId"`
	SenderRole string `json:"senderRole"`
}

// DriverLocation is the relay -> client position frame, forwarded verbatim
// to the map collaborator.
type DriverLocation struct {
	Type      string  `json:"type"`
	DriverID  string  `json:"driverId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RideEvent covers new_ride and ride_accepted frames. Only the fields the
// collaborators consume are decoded.
type RideEvent struct {
	Type        string `json:"type"`
	Pickup      string `json:"pickup,omitempty"`
	Destination string `json:"destination,omitempty"`
	DriverName  string `json:"driverName,omitempty"`
}

// PushEvent is the payload delivered by the external push mechanism to
// wake the background context.
type PushEvent struct {
	Data PushData `json:"data"`
}

// PushData is the inner payload of a PushEvent.
type PushData struct {
	Type       string `json:"type"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	AudioURL   string `json:"audio_url"`
	Timestamp  int64  `json:"timestamp"`
}

// PushTypeWalkieAudio marks a push event carrying a walkie-talkie clip.
const PushTypeWalkieAudio = "walkie_talkie_audio"

// Cross-context message types (background bridge -> session).
const (
	MsgPlayImmediately = "PLAY_AUDIO_IMMEDIATELY"
	MsgStopAudio       = "STOP_AUDIO"
)

// SessionMessage is passed from the background context to an open session.
// Exactly one of the payload fields is meaningful per Type.
type SessionMessage struct {
	Type       string `json:"type"`
	AudioURL   string `json:"audioUrl,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// NewAudioSend builds an outbound audio frame. The frame type depends on
// the sender's role: the operator console sends central_audio_message,
// fleet clients send audio_message.
func NewAudioSend(payload []byte, senderID, senderRole string) AudioSend {
	t := TypeAudioMessage
	if senderRole == RoleCentral {
		t = TypeCentralAudio
	}
	return AudioSend{
		Type:       t,
		Audio:      EncodePayload(payload),
		SenderID:   senderID,
		SenderRole: senderRole,
	}
}

// EncodePayload converts binary clip bytes to the transport-safe encoding.
func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wire: decode audio payload: %w", err)
	}
	return b, nil
}

// Classify returns the frame type of a raw inbound frame, or an error if
// the frame is not valid JSON or carries no type.
func Classify(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("wire: classify frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("wire: frame has no type")
	}
	return env.Type, nil
}
