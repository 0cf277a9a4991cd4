package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventID orders the events of one aggregate, starting at 1.
type EventID int64

type EventType string

const (
	EventCreated         EventType = "created"
	EventStarted         EventType = "started"
	EventCancelRequested EventType = "cancel-requested"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
	EventCancelled       EventType = "cancelled"
)

// Event is one immutable fact in the lifecycle of a task.
type Event interface {
	AggregateID() TaskID
	EventID() EventID
	Timestamp() time.Time
	Type() EventType
}

// EventMeta is embedded by every event variant.
type EventMeta struct {
	Aggregate TaskID    `json:"aggregateId"`
	ID        EventID   `json:"eventId"`
	At        time.Time `json:"timestamp"`
}

func (m EventMeta) AggregateID() TaskID  { return m.Aggregate }
func (m EventMeta) EventID() EventID     { return m.ID }
func (m EventMeta) Timestamp() time.Time { return m.At }

// Created carries the task in its serialized form, so the history can be decoded
// by nodes which do not know the task type.
type Created struct {
	EventMeta
	TaskType    string   `json:"taskType"`
	Payload     []byte   `json:"payload"`
	SubmittedOn Hostname `json:"submittedOn"`
}

type Started struct {
	EventMeta
	ExecutingOn Hostname `json:"executingOn"`
}

type CancelRequested struct {
	EventMeta
	RequestedBy Hostname `json:"requestedBy"`
}

type Completed struct {
	EventMeta
	Result                Result                `json:"result"`
	AdditionalInformation AdditionalInformation `json:"additionalInformation,omitempty"`
}

type Failed struct {
	EventMeta
	AdditionalInformation AdditionalInformation `json:"additionalInformation,omitempty"`
	ErrorMessage          string                `json:"errorMessage,omitempty"`
	Exception             string                `json:"exception,omitempty"`
}

type Cancelled struct {
	EventMeta
	AdditionalInformation AdditionalInformation `json:"additionalInformation,omitempty"`
}

func (Created) Type() EventType         { return EventCreated }
func (Started) Type() EventType         { return EventStarted }
func (CancelRequested) Type() EventType { return EventCancelRequested }
func (Completed) Type() EventType       { return EventCompleted }
func (Failed) Type() EventType          { return EventFailed }
func (Cancelled) Type() EventType       { return EventCancelled }

// IsTerminalEvent reports whether e closes the stream.
func IsTerminalEvent(e Event) bool {
	switch e.Type() {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

var eventDecoders = map[EventType]func(data []byte) (Event, error){
	EventCreated:         decodeEvent[Created],
	EventStarted:         decodeEvent[Started],
	EventCancelRequested: decodeEvent[CancelRequested],
	EventCompleted:       decodeEvent[Completed],
	EventFailed:          decodeEvent[Failed],
	EventCancelled:       decodeEvent[Cancelled],
}

func decodeEvent[E Event](data []byte) (Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarshalEventData encodes the variant fields of e, the type travels separately.
func MarshalEventData(e Event) ([]byte, error) {
	if _, ok := eventDecoders[e.Type()]; !ok {
		return nil, fmt.Errorf("unknown event type %q", e.Type())
	}
	return json.Marshal(e)
}

// UnmarshalEventData is the inverse of MarshalEventData.
func UnmarshalEventData(t EventType, data []byte) (Event, error) {
	decode, ok := eventDecoders[t]
	if !ok {
		return nil, &DeserializationError{Kind: "event", Type: string(t), Err: fmt.Errorf("unknown event type")}
	}
	e, err := decode(data)
	if err != nil {
		return nil, &DeserializationError{Kind: "event", Type: string(t), Err: err}
	}
	if _, err := ParseTaskID(string(e.AggregateID())); err != nil {
		return nil, &DeserializationError{Kind: "event", Type: string(t), Err: err}
	}
	if e.EventID() < 1 {
		return nil, &DeserializationError{Kind: "event", Type: string(t), Err: fmt.Errorf("invalid event id %d", e.EventID())}
	}
	return e, nil
}

type eventEnvelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent produces the self-describing wire form used on the broadcast channel.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := MarshalEventData(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Type: e.Type(), Data: data})
}

func DecodeEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DeserializationError{Kind: "event", Err: err}
	}
	return UnmarshalEventData(env.Type, env.Data)
}
