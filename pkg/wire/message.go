// Package wire defines the transport-agnostic message envelope exchanged
// between sessions and the relay. Messages are JSON; binary payloads travel
// base64-encoded by encoding/json's []byte handling.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type tags the message union.
type Type string

const (
	// TypeWelcome is sent by the relay on connect and carries the peer's
	// assigned client id.
	TypeWelcome Type = "welcome"
	// TypeSnapshot carries full exported replica state.
	TypeSnapshot Type = "snapshot"
	// TypeUpdate carries an incremental replica update.
	TypeUpdate Type = "update"
	// TypeSnapshotRequest asks for the latest snapshot of a document.
	TypeSnapshotRequest Type = "snapshot-request"
	// TypePresenceUpdate carries an encoded presence batch.
	TypePresenceUpdate Type = "presence-update"
	// TypeClientDisconnect announces that a peer left, so others can evict
	// its presence entry eagerly instead of waiting for expiry.
	TypeClientDisconnect Type = "client-disconnect"
)

func (t Type) Valid() bool {
	switch t {
	case TypeWelcome, TypeSnapshot, TypeUpdate, TypeSnapshotRequest,
		TypePresenceUpdate, TypeClientDisconnect:
		return true
	}
	return false
}

// Event summarizes a presence delta for consumers that only watch the wire.
type Event struct {
	By      string   `json:"by,omitempty"`
	Added   []string `json:"added,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Message is the envelope. DocID is always present; ClientID identifies the
// originating or affected peer where relevant.
type Message struct {
	Type     Type   `json:"type"`
	DocID    string `json:"docId"`
	ClientID string `json:"clientId,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	Event    *Event `json:"event,omitempty"`
}

func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return b, nil
}

// Decode parses and validates a single message. A failure here means the
// message is dropped; it never justifies closing the connection.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.DocID == "" {
		return Message{}, fmt.Errorf("message of type %q missing document id", m.Type)
	}
	return m, nil
}
