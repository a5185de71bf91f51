package evoclient

import (
	"errors"
	"strings"
	"time"
)

// ErrAlreadyRegistered signals the gateway rejected a duplicate socket
// subscription for an instance. Retrying sooner cannot succeed; callers
// should back off for the long cooldown.
var ErrAlreadyRegistered = errors.New("evoclient: socket subscription already registered")

// SendTextRequest is an outbound text send through the REST fallback path.
type SendTextRequest struct {
	InstanceID string `json:"-"`
	Number     string `json:"number"`
	Text       string `json:"text"`
	// DelayMs asks the gateway to hold the message before delivery, used by
	// the pacing layer to surface typing cadence provider-side.
	DelayMs  int    `json:"delay,omitempty"`
	Presence string `json:"presence,omitempty"`
	QuotedID string `json:"quoted,omitempty"`

	// Provenance metadata forwarded for operational inspection.
	Source    string `json:"source,omitempty"`
	Humanized bool   `json:"humanized,omitempty"`
}

func (r SendTextRequest) validate() error {
	if strings.TrimSpace(r.InstanceID) == "" {
		return errors.New("evoclient: instance id required")
	}
	if strings.TrimSpace(r.Number) == "" {
		return errors.New("evoclient: destination number required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("evoclient: message text required")
	}
	return nil
}

// SendTextResponse carries the provider-assigned message identity.
type SendTextResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// SubscriptionRequest registers the event classes the socket should deliver.
type SubscriptionRequest struct {
	Enabled bool     `json:"enabled"`
	Events  []string `json:"events"`
}

func (r SubscriptionRequest) validate() error {
	if r.Enabled && len(r.Events) == 0 {
		return errors.New("evoclient: at least one event class required")
	}
	return nil
}

// DefaultEventClasses is the subscription set the pipeline needs.
func DefaultEventClasses() []string {
	return []string{
		"messages.upsert",
		"presence.update",
		"connection.update",
	}
}

// InstanceAuth is the per-instance bearer credential returned by the gateway.
type InstanceAuth struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// InstanceState reports the gateway-side connection status of an instance.
type InstanceState struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
}
