package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Wire event names. The relay and the original socket server share these.
const (
	EventJoinRoom        = "joinRoom"
	EventLeaveRoom       = "leaveRoom"
	EventSendMessage     = "sendMessage"
	EventGetMessages     = "getMessages"
	EventGetAllRooms     = "getAllRooms"
	EventNewMessage      = "newMessage"
	EventReceiveMessages = "receiveMessages"
	EventMessageHistory  = "messageHistory"
	EventAllRooms        = "allRooms"
	EventError           = "error"
)

// RoomKeySeparator joins the actor ids of a RoomKey. It is never valid inside an id.
const RoomKeySeparator = "-"

// RoomKey identifies one conversation channel, e.g. "42-7-3"
// (student 42, professor 7, subject 3).
type RoomKey string

func (k RoomKey) String() string { return string(k) }

// EventKind is the key of the client-side subscription registry.
type EventKind string

const (
	KindNewMessage     EventKind = "newMessage"
	KindMessageHistory EventKind = "messageHistory"
	KindRoomList       EventKind = "roomList"
)

// MessageStatus tracks the confirmation state of a message in a local log.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// ConnState is the state of the shared chat connection.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ActorID is a student, parent, professor or subject identifier. The REST
// backend emits some ids as JSON numbers and others as strings; both decode.
type ActorID string

func (id *ActorID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ActorID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*id = ActorID(n.String())
	return nil
}

func (id ActorID) String() string { return string(id) }

// Message is one chat line. LocalID is only set on optimistic sends that the
// server has not echoed back yet.
type Message struct {
	ID        string        `json:"id,omitempty"`
	Content   string        `json:"content" validate:"required,max=4096"`
	Sender    string        `json:"sender" validate:"required,actorid"`
	CreatedAt time.Time     `json:"createdAt"`
	Room      RoomKey       `json:"room" validate:"required,roomkey"`
	LocalID   string        `json:"localId,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
}

// IsPending reports whether the message still waits for its server echo.
func (m Message) IsPending() bool { return m.LocalID != "" }

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		Sender ActorID `json:"sender"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Sender = string(aux.Sender)
	return nil
}

// Envelope frames every event on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data interface{}) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, err
	}
	env.Data = raw
	return env, nil
}

// RoomPayload is sent with joinRoom, leaveRoom and getMessages.
type RoomPayload struct {
	Room RoomKey `json:"room" validate:"required,roomkey"`
}

// SendMessagePayload is the body of sendMessage. The server assigns createdAt.
type SendMessagePayload struct {
	Content string  `json:"content" validate:"required,max=4096"`
	Sender  string  `json:"sender" validate:"required,actorid"`
	Room    RoomKey `json:"room" validate:"required,roomkey"`
}

// HistoryPayload is the relay's enveloped history snapshot. The original
// socket server sends a bare Message array instead.
type HistoryPayload struct {
	Room     RoomKey   `json:"room"`
	Messages []Message `json:"messages"`
}

// ErrorPayload reports a failed inbound event back to the client.
type ErrorPayload struct {
	Event   string  `json:"event"`
	Room    RoomKey `json:"room,omitempty"`
	Message string  `json:"message"`
}

// HistoryEvent is a history snapshot attributed to a room. Err is set when
// the server rejected the request.
type HistoryEvent struct {
	Room     RoomKey
	Messages []Message
	Err      string
}

// Event is what subscribers of the transport registry receive. Exactly one
// payload field is populated, matching Kind.
type Event struct {
	Kind    EventKind
	Message *Message
	History *HistoryEvent
	Rooms   []RoomKey
}

// Handler consumes inbound transport events.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	Kind EventKind
	ID   uint64
}
