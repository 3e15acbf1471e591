package kafkax

import (
	"github.com/segmentio/kafka-go"
)

// Header keys carried on every booking-service message.
const (
	HeaderEventID    = "event_id"
	HeaderEventType  = "event_type"
	HeaderProviderID = "provider_id"
)

type EventMeta struct {
	EventID    string
	EventType  string
	ProviderID string
}

// ExtractEventMeta falls back to the message key for the id and the topic for the type.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:    HeaderValue(msg.Headers, HeaderEventID),
		EventType:  HeaderValue(msg.Headers, HeaderEventType),
		ProviderID: HeaderValue(msg.Headers, HeaderProviderID),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func Headers(meta EventMeta) []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(meta.EventID)},
		{Key: HeaderEventType, Value: []byte(meta.EventType)},
	}
	if meta.ProviderID != "" {
		headers = append(headers, kafka.Header{Key: HeaderProviderID, Value: []byte(meta.ProviderID)})
	}
	return headers
}
