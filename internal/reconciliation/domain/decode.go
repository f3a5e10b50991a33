package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

type envelope struct {
	ID        string         `json:"id"`
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// Decode parses a notification body. Both Stripe's {id,type,data.object} and the flat
// {event_id,event_type,data} shape are accepted.
func Decode(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, ErrInvalidPayload
	}

	event := Event{
		ID:     firstNonEmpty(env.ID, env.EventID),
		Type:   firstNonEmpty(env.Type, env.EventType),
		Object: env.Data,
		Raw:    json.RawMessage(payload),
	}
	if event.Type == "" {
		return Event{}, ErrMissingEventType
	}
	if object, ok := env.Data["object"].(map[string]any); ok {
		event.Object = object
	}
	if event.Object == nil {
		event.Object = map[string]any{}
	}
	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func asString(value any) string {
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
