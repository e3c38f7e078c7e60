// Package event models the messages published on the queue event stream as a
// closed set of Go types keyed by the wire "type" discriminator.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"medqueue/internal/model"
)

type Type string

const (
	TypeTokenCreated         Type = "TOKEN_CREATED"
	TypeTokenCalled          Type = "TOKEN_CALLED"
	TypeTokenCompleted       Type = "TOKEN_COMPLETED"
	TypeTokenSkipped         Type = "TOKEN_SKIPPED"
	TypeEmergencyCreated     Type = "EMERGENCY_CREATED"
	TypeEmergencyApproved    Type = "EMERGENCY_APPROVED"
	TypeEmergencyRejected    Type = "EMERGENCY_REJECTED"
	TypeKioskHelpRequested   Type = "KIOSK_HELP_REQUESTED"
	TypeCounterStatusChanged Type = "COUNTER_STATUS_CHANGED"
)

// Event is one decoded stream message. The concrete type is one of the
// structs in this package.
type Event interface {
	Kind() Type
}

// TokenEvent is implemented by every event that refers to a queue token.
type TokenEvent interface {
	Event
	Token() string
	TokenStatus() model.TokenStatus
}

type TokenRef struct {
	TokenNumber string            `json:"tokenNumber"`
	Status      model.TokenStatus `json:"status,omitempty"`
}

func (r TokenRef) Token() string                  { return r.TokenNumber }
func (r TokenRef) TokenStatus() model.TokenStatus { return r.Status }

type TokenCreated struct {
	TokenRef
	ServiceName string `json:"serviceName,omitempty"`
}

type TokenCalled struct {
	TokenRef
	CounterName string `json:"counterName,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

type TokenCompleted struct {
	TokenRef
	CounterName string `json:"counterName,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

type TokenSkipped struct {
	TokenRef
	CounterName string `json:"counterName,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

type EmergencyCreated struct {
	TokenRef
	ServiceName string `json:"serviceName,omitempty"`
}

type EmergencyApproved struct {
	TokenRef
	ServiceName string `json:"serviceName,omitempty"`
}

type EmergencyRejected struct {
	TokenRef
	ServiceName string `json:"serviceName,omitempty"`
}

type KioskHelpRequested struct {
	Kiosk       string    `json:"kiosk"`
	RequestedAt time.Time `json:"requestedAt"`
}

type CounterStatusChanged struct {
	CounterID   int64               `json:"counterId"`
	CounterName string              `json:"counterName,omitempty"`
	Status      model.CounterStatus `json:"status"`
}

// Unknown is a well-formed JSON message whose type is not recognised.
type Unknown struct {
	Type Type
	Body json.RawMessage
}

// Raw carries a message body that could not be decoded as JSON.
type Raw struct {
	Body string
}

func (TokenCreated) Kind() Type         { return TypeTokenCreated }
func (TokenCalled) Kind() Type          { return TypeTokenCalled }
func (TokenCompleted) Kind() Type       { return TypeTokenCompleted }
func (TokenSkipped) Kind() Type         { return TypeTokenSkipped }
func (EmergencyCreated) Kind() Type     { return TypeEmergencyCreated }
func (EmergencyApproved) Kind() Type    { return TypeEmergencyApproved }
func (EmergencyRejected) Kind() Type    { return TypeEmergencyRejected }
func (KioskHelpRequested) Kind() Type   { return TypeKioskHelpRequested }
func (CounterStatusChanged) Kind() Type { return TypeCounterStatusChanged }
func (u Unknown) Kind() Type            { return u.Type }
func (Raw) Kind() Type                  { return "" }

// Decode turns a message body into an Event. It never fails: bodies that are
// not JSON objects come back as Raw with ok=false.
func Decode(body []byte) (ev Event, ok bool) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return Raw{Body: string(body)}, false
	}
	switch head.Type {
	case TypeTokenCreated:
		return decodeAs[TokenCreated](body)
	case TypeTokenCalled:
		return decodeAs[TokenCalled](body)
	case TypeTokenCompleted:
		return decodeAs[TokenCompleted](body)
	case TypeTokenSkipped:
		return decodeAs[TokenSkipped](body)
	case TypeEmergencyCreated:
		return decodeAs[EmergencyCreated](body)
	case TypeEmergencyApproved:
		return decodeAs[EmergencyApproved](body)
	case TypeEmergencyRejected:
		return decodeAs[EmergencyRejected](body)
	case TypeKioskHelpRequested:
		return decodeAs[KioskHelpRequested](body)
	case TypeCounterStatusChanged:
		return decodeAs[CounterStatusChanged](body)
	default:
		return Unknown{Type: head.Type, Body: append(json.RawMessage(nil), body...)}, true
	}
}

func decodeAs[T Event](body []byte) (Event, bool) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return Raw{Body: string(body)}, false
	}
	return v, true
}

// Encode renders e as a JSON object carrying its "type" discriminator.
func Encode(e Event) ([]byte, error) {
	switch v := e.(type) {
	case Raw:
		return []byte(v.Body), nil
	case Unknown:
		return v.Body, nil
	case nil:
		return nil, fmt.Errorf("encode: nil event")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	kind, _ := json.Marshal(e.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}
