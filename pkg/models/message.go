package models

import (
	"fmt"
	"time"
)

// Kind classifies an inter-agent message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindEscalation   Kind = "escalation"
)

var kindTable = map[Kind]struct{}{
	KindRequest:      {},
	KindResponse:     {},
	KindNotification: {},
	KindEscalation:   {},
}

// ParseKind validates a raw message kind.
func ParseKind(s string) (Kind, error) {
	kind := Kind(s)
	if _, ok := kindTable[kind]; !ok {
		return "", fmt.Errorf("unknown message kind: %q", s)
	}

	return kind, nil
}

// Message is one append-only entry in the durable inter-agent message log.
// Rows are created by publish operations; only the acknowledgment fields flip
// afterwards. Once ProcessedAt is set, reprocessing is a no-op.
type Message struct {
	ID              string         `json:"id"`
	From            Role           `json:"from"`
	To              Role           `json:"to"`
	Kind            Kind           `json:"kind"`
	Subject         string         `json:"subject"`
	Content         map[string]any `json:"content,omitempty"`
	Read            bool           `json:"read"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ProcessingError string         `json:"processing_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Broadcast reports whether the message is addressed to every agent.
func (m *Message) Broadcast() bool {
	return m.To == RoleBroadcast
}

// Processed reports whether the message has been acknowledged, successfully
// or not.
func (m *Message) Processed() bool {
	return m.ProcessedAt != nil
}
