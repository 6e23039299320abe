package proto

import (
	"encoding/json"
	"time"
)

type Role string

const (
	Initiator Role = "initiator"
	Responder Role = "responder"
)

func (r Role) Valid() bool {
	return r == Initiator || r == Responder
}

// Opposite returns the other participant's role.
func (r Role) Opposite() Role {
	switch r {
	case Initiator:
		return Responder
	case Responder:
		return Initiator
	}
	panic("unexpect role " + string(r))
}

func (r Role) String() string {
	return string(r)
}

// Target is the "to" field of a relay message: a role, All or Other.
type Target string

const (
	ToAll   Target = "all"
	ToOther Target = "other"
)

func To(r Role) Target {
	return Target(r)
}

type Kind string

const (
	KindReady        Kind = "ready"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindIceCandidate Kind = "ice-candidate"
)

func (k Kind) Valid() bool {
	switch k {
	case KindReady, KindOffer, KindAnswer, KindIceCandidate:
		return true
	}
	return false
}

// Message is one negotiation message stored in the relay. Id and Created
// are assigned by the store on append.
type Message struct {
	Id      string          `json:"id,omitempty"`
	Session string          `json:"session,omitempty"`
	Kind    Kind            `json:"kind"`
	From    Role            `json:"from"`
	To      Target          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Created time.Time       `json:"created"`
}

// AddressedTo reports whether a participant holding role should consume m.
func (m Message) AddressedTo(role Role) bool {
	switch m.To {
	case To(role), ToAll:
		return true
	case ToOther:
		return m.From != role
	}
	return false
}

func NewMessage(kind Kind, to Target, payload any) (Message, error) {
	msg := Message{
		Kind: kind,
		To:   to,
	}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, err
	}
	msg.Payload = data
	return msg, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
