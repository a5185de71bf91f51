package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zapdesk/zapdesk-platform/internal/events"
)

// wireEnvelope is the outer shape the gateway uses on both the socket and
// the webhook channel. Data may be a single object or an array.
type wireEnvelope struct {
	Event      string          `json:"event"`
	InstanceID string          `json:"instance"`
	Data       json.RawMessage `json:"data"`
}

// Normalizer converts heterogeneous gateway payloads into the one
// InboundEvent schema the rest of the pipeline consumes. Downstream
// components never branch on transport-specific structure.
type Normalizer struct {
	now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize parses one raw payload into zero or more InboundEvents.
func (n *Normalizer) Normalize(raw []byte, source events.TransportSource) ([]events.InboundEvent, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if env.InstanceID == "" {
		return nil, fmt.Errorf("transport: envelope missing instance")
	}

	items, err := splitItems(env.Data)
	if err != nil {
		return nil, err
	}

	out := make([]events.InboundEvent, 0, len(items))
	for _, item := range items {
		evt, ok := n.normalizeItem(env, item, source)
		if !ok {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// splitItems accepts a single object or an array of objects.
func splitItems(data json.RawMessage) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var arr []map[string]any
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, fmt.Errorf("transport: decode event array: %w", err)
		}
		return arr, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("transport: decode event object: %w", err)
	}
	return []map[string]any{obj}, nil
}

func (n *Normalizer) normalizeItem(env wireEnvelope, item map[string]any, source events.TransportSource) (events.InboundEvent, bool) {
	rawItem, _ := json.Marshal(item)
	evt := events.InboundEvent{
		ID:         extractEventID(item),
		ReceivedAt: n.now().UTC(),
		Transport:  source,
		Raw:        rawItem,
	}

	remote := extractSender(item)
	evt.Key = events.NewConversationKey(env.InstanceID, remote)
	evt.SenderName = stringField(item, "pushName", "sender_name", "notifyName")

	switch env.Event {
	case "connection.update":
		if isCredentialFailure(item) {
			evt.Kind = events.KindCredentialError
		} else {
			evt.Kind = events.KindConnectionUpdate
		}
		evt.Key = events.NewConversationKey(env.InstanceID, "")
		return evt, true
	case "presence.update":
		evt.Kind = events.KindPresence
		evt.Text = stringField(item, "presence", "state")
		return evt, remote != ""
	}

	// Message payloads: classify by a fixed priority of media fields, then
	// fall back to the first non-empty text field.
	if remote == "" {
		return events.InboundEvent{}, false
	}
	kind, mediaURL, mime := classifyMedia(item)
	if kind != "" {
		evt.Kind = kind
		evt.MediaURL = mediaURL
		evt.MimeType = mime
		evt.Text = extractCaption(item)
		return evt, true
	}
	if text := extractText(item); text != "" {
		evt.Kind = events.KindText
		evt.Text = text
		return evt, true
	}
	return events.InboundEvent{}, false
}

// mediaPriority is the fixed classification order for message payloads.
var mediaPriority = []struct {
	field string
	kind  events.EventKind
}{
	{"audioMessage", events.KindAudio},
	{"audio", events.KindAudio},
	{"imageMessage", events.KindImage},
	{"image", events.KindImage},
	{"videoMessage", events.KindVideo},
	{"video", events.KindVideo},
	{"documentMessage", events.KindDocument},
	{"document", events.KindDocument},
}

func classifyMedia(item map[string]any) (events.EventKind, string, string) {
	containers := []map[string]any{item}
	if msg, ok := item["message"].(map[string]any); ok {
		containers = append(containers, msg)
	}
	for _, c := range containers {
		for _, p := range mediaPriority {
			media, ok := c[p.field].(map[string]any)
			if !ok {
				continue
			}
			url := stringField(media, "url", "mediaUrl", "directPath")
			mime := stringField(media, "mimetype", "mimeType")
			return p.kind, url, mime
		}
	}
	return "", "", ""
}

// extractEventID prefers the provider's message id so the same message
// arriving over the socket and the webhook dedupes to one event.
func extractEventID(item map[string]any) string {
	if key, ok := item["key"].(map[string]any); ok {
		if id := stringField(key, "id"); id != "" {
			return id
		}
	}
	if id := stringField(item, "messageId", "message_id", "eventId"); id != "" {
		return id
	}
	return uuid.NewString()
}

func extractSender(item map[string]any) string {
	if key, ok := item["key"].(map[string]any); ok {
		if jid := stringField(key, "remoteJid", "remoteJID"); jid != "" {
			return jid
		}
	}
	return stringField(item, "remoteJid", "from", "sender", "id")
}

func extractText(item map[string]any) string {
	if msg, ok := item["message"].(map[string]any); ok {
		if text, ok := msg["conversation"].(string); ok && text != "" {
			return text
		}
		if ext, ok := msg["extendedTextMessage"].(map[string]any); ok {
			if text := stringField(ext, "text"); text != "" {
				return text
			}
		}
	}
	return stringField(item, "text", "body", "content")
}

func extractCaption(item map[string]any) string {
	containers := []map[string]any{item}
	if msg, ok := item["message"].(map[string]any); ok {
		containers = append(containers, msg)
	}
	for _, c := range containers {
		for _, p := range mediaPriority {
			if media, ok := c[p.field].(map[string]any); ok {
				if caption := stringField(media, "caption"); caption != "" {
					return caption
				}
			}
		}
	}
	return ""
}

func isCredentialFailure(item map[string]any) bool {
	switch status := item["statusReason"].(type) {
	case float64:
		if int(status) == 401 || int(status) == 403 {
			return true
		}
	case string:
		if status == "401" || status == "403" {
			return true
		}
	}
	reason := strings.ToLower(stringField(item, "error", "lastDisconnect", "reason"))
	return strings.Contains(reason, "unauthorized") || strings.Contains(reason, "logged out")
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
