package events

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind classifies a normalized inbound event.
type EventKind string

const (
	KindText             EventKind = "text"
	KindAudio            EventKind = "audio"
	KindImage            EventKind = "image"
	KindVideo            EventKind = "video"
	KindDocument         EventKind = "document"
	KindPresence         EventKind = "presence"
	KindConnectionUpdate EventKind = "connection_update"
	KindCredentialError  EventKind = "credential_error"
)

// IsMedia reports whether the kind carries user media that affects batching.
func (k EventKind) IsMedia() bool {
	switch k {
	case KindAudio, KindImage, KindVideo, KindDocument:
		return true
	default:
		return false
	}
}

// IsSignal reports whether the kind is transport plumbing rather than
// conversation content.
func (k EventKind) IsSignal() bool {
	switch k {
	case KindPresence, KindConnectionUpdate, KindCredentialError:
		return true
	default:
		return false
	}
}

// ConversationKey identifies one logical conversation: tenant instance plus
// remote participant. Stable for the conversation's lifetime; used as the
// batching and dispatch routing key.
type ConversationKey string

// NewConversationKey builds the canonical key for an instance/remote pair.
func NewConversationKey(instanceID, remoteJID string) ConversationKey {
	return ConversationKey(strings.TrimSpace(instanceID) + ":" + strings.TrimSpace(remoteJID))
}

// InstanceID returns the tenant instance portion of the key.
func (k ConversationKey) InstanceID() string {
	if idx := strings.Index(string(k), ":"); idx >= 0 {
		return string(k)[:idx]
	}
	return string(k)
}

// RemoteJID returns the remote participant portion of the key.
func (k ConversationKey) RemoteJID() string {
	if idx := strings.Index(string(k), ":"); idx >= 0 {
		return string(k)[idx+1:]
	}
	return ""
}

func (k ConversationKey) String() string { return string(k) }

// TransportSource records which channel delivered an event.
type TransportSource string

const (
	SourceSocket  TransportSource = "socket"
	SourceWebhook TransportSource = "webhook"
)

// InboundEvent is one normalized unit received from a transport. Immutable
// once created; downstream components never branch on provider wire shapes.
type InboundEvent struct {
	ID         string          `json:"id"`
	Key        ConversationKey `json:"key"`
	Kind       EventKind       `json:"kind"`
	Text       string          `json:"text,omitempty"`
	MediaURL   string          `json:"media_url,omitempty"`
	MimeType   string          `json:"mime_type,omitempty"`
	SenderName string          `json:"sender_name,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Transport  TransportSource `json:"transport"`
}

// ConnectionState mirrors the transport session lifecycle for consumers
// observing connection updates.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConfiguring  ConnectionState = "configuring"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDegraded     ConnectionState = "degraded"
)

// ConnectionUpdate notifies consumers of a transport state change.
type ConnectionUpdate struct {
	InstanceID string          `json:"instance_id"`
	State      ConnectionState `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
