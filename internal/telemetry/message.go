package telemetry

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// StatusMessage is the payload on [TopicStatus].
type StatusMessage struct {
	Status Status `json:"status"`
}

// ResponseMessage is the payload on [TopicResponse]: a free-text
// acknowledgement from the controller after it handles a command.
type ResponseMessage struct {
	Message string `json:"message"`
}

// Message is one decoded inbound broker message. Exactly one of
// Status, Reading and Response is set, chosen by Topic. Payload keeps
// the original JSON text for consumers that forward it verbatim.
type Message struct {
	Topic    string           `json:"topic"`
	Payload  json.RawMessage  `json:"payload"`
	Status   *StatusMessage   `json:"-"`
	Reading  *Reading         `json:"-"`
	Response *ResponseMessage `json:"-"`
}

// DecodeMessage decodes a raw payload received on topic. The payload
// must be valid UTF-8 JSON, and on the status topic the status value
// must be online or offline. Messages on topics outside
// [InboundTopics] are still decoded as generic JSON so observers can
// see them.
func DecodeMessage(topic string, payload []byte) (Message, error) {
	if !utf8.Valid(payload) {
		return Message{}, fmt.Errorf("decode %s: payload is not valid UTF-8", topic)
	}
	if !json.Valid(payload) {
		return Message{}, fmt.Errorf("decode %s: payload is not valid JSON", topic)
	}

	msg := Message{
		Topic:   topic,
		Payload: append(json.RawMessage(nil), payload...),
	}

	switch topic {
	case TopicStatus:
		var s StatusMessage
		if err := json.Unmarshal(payload, &s); err != nil {
			return Message{}, fmt.Errorf("decode %s: %w", topic, err)
		}
		if !s.Status.Valid() {
			return Message{}, fmt.Errorf("decode %s: unknown status %q", topic, s.Status)
		}
		msg.Status = &s
	case TopicSensors:
		var r Reading
		if err := json.Unmarshal(payload, &r); err != nil {
			return Message{}, fmt.Errorf("decode %s: %w", topic, err)
		}
		msg.Reading = &r
	case TopicResponse:
		var resp ResponseMessage
		if err := json.Unmarshal(payload, &resp); err != nil {
			return Message{}, fmt.Errorf("decode %s: %w", topic, err)
		}
		msg.Response = &resp
	}

	return msg, nil
}
