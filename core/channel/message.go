package channel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/semanticarchitectures/multi-agent-collab/core/voicenet"
)

// MessageKind distinguishes who put a message on the net.
type MessageKind string

const (
	KindUser   MessageKind = "user"
	KindAgent  MessageKind = "agent"
	KindSystem MessageKind = "system"
)

// Metadata is the parsed addressing information attached to a message at
// append time.
type Metadata struct {
	Type        voicenet.MessageType `json:"type"`
	IsBroadcast bool                 `json:"is_broadcast"`
}

// Message is a single transmission on the shared channel. Messages are
// immutable once appended to the log.
type Message struct {
	ID                string      `json:"id"`
	Timestamp         time.Time   `json:"timestamp"`
	SenderID          string      `json:"sender_id"`
	SenderCallsign    string      `json:"sender_callsign,omitempty"`
	RecipientCallsign string      `json:"recipient_callsign,omitempty"`
	Content           string      `json:"content"`
	Kind              MessageKind `json:"kind"`
	Meta              Metadata    `json:"metadata"`
}

// NewMessage builds a message with a fresh collision-free id, parsing the
// content for addressing.
func NewMessage(senderID, senderCallsign, content string, kind MessageKind) *Message {
	parsed := voicenet.Parse(content)
	return &Message{
		ID:                uuid.NewString(),
		Timestamp:         time.Now(),
		SenderID:          senderID,
		SenderCallsign:    senderCallsign,
		RecipientCallsign: parsed.Recipient,
		Content:           content,
		Kind:              kind,
		Meta: Metadata{
			Type:        parsed.Type,
			IsBroadcast: parsed.IsBroadcast,
		},
	}
}

// IsAddressedTo reports whether the message targets the given callsign,
// either directly or as a broadcast.
func (m *Message) IsAddressedTo(callsign string) bool {
	if m.RecipientCallsign == "" {
		return false
	}
	if m.Meta.IsBroadcast || voicenet.IsBroadcastTarget(m.RecipientCallsign) {
		return true
	}
	return voicenet.SameCallsign(m.RecipientCallsign, callsign)
}

// IsFrom reports whether the message was sent by the given callsign.
func (m *Message) IsFrom(callsign string) bool {
	return m.SenderCallsign != "" && voicenet.SameCallsign(m.SenderCallsign, callsign)
}

// FormatForDisplay renders the message for the channel transcript.
func (m *Message) FormatForDisplay() string {
	ts := m.Timestamp.Format("15:04:05")
	if m.Kind == KindSystem {
		return fmt.Sprintf("[%s] [SYSTEM] %s", ts, m.Content)
	}
	callsign := m.SenderCallsign
	if callsign == "" {
		callsign = m.SenderID
	}
	return fmt.Sprintf("[%s] %s: %s", ts, callsign, m.Content)
}
