package hub

import (
	"encoding/json"
	"time"
)

// Message is the envelope for every frame the hub emits: a type tag, a
// payload object and an RFC3339 timestamp.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func newMessage(msgType string, data any) Message {
	return Message{Type: msgType, Data: data, Timestamp: time.Now().UTC()}
}

func (m Message) encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Message types emitted by the hub.
const (
	TypeConnectionEstablished   = "connection_established"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypePositionUpdate          = "position_update"
	TypeConflictAlert           = "conflict_alert"
	TypeAIUpdate                = "ai_update"
	TypeAITrainingUpdate        = "ai_training_update"
	TypeSystemStatus            = "system_status"
	TypePong                    = "pong"
	TypeError                   = "error"
)

// ClientMessage is a frame received from a client session.
type ClientMessage struct {
	Type      string `json:"type"`
	TrainID   *int64 `json:"train_id,omitempty"`
	SectionID *int64 `json:"section_id,omitempty"`
}

// Coordinates is an optional geographic position.
type Coordinates struct {
	Lat float64  `json:"lat"`
	Lon float64  `json:"lon"`
	Alt *float64 `json:"alt,omitempty"`
}

// PositionPayload is the position block of a position_update message.
type PositionPayload struct {
	SectionID   int64        `json:"section_id"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	SpeedKmh    float64      `json:"speed_kmh"`
	Heading     float64      `json:"heading"`
	Timestamp   time.Time    `json:"timestamp"`
}

// PositionUpdate is the data payload of a position_update message.
type PositionUpdate struct {
	TrainID     int64           `json:"train_id"`
	TrainNumber string          `json:"train_number"`
	TrainType   string          `json:"train_type"`
	Position    PositionPayload `json:"position"`
}

// ConflictAlert is the data payload of a conflict_alert message.
type ConflictAlert struct {
	ConflictID            int64    `json:"conflict_id"`
	Type                  string   `json:"type"`
	Severity              int      `json:"severity"`
	TrainsInvolved        []int64  `json:"trains_involved"`
	SectionsInvolved      []int64  `json:"sections_involved"`
	TimeToImpact          float64  `json:"time_to_impact"`
	Description           string   `json:"description"`
	ResolutionSuggestions []string `json:"resolution_suggestions"`
}

// AIUpdate is the data payload of an ai_update message. Solver events
// are opaque to the hub; train and section scoping is optional.
type AIUpdate struct {
	TrainID   *int64 `json:"train_id,omitempty"`
	SectionID *int64 `json:"section_id,omitempty"`
	Event     string `json:"event"`
	Payload   any    `json:"payload,omitempty"`
}
