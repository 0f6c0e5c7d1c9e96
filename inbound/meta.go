package inbound

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-automation/core"
)

const metaObjectInstagram = "instagram"

type metaEnvelope struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string          `json:"id"`
	Time      json.Number     `json:"time"`
	Changes   []metaChange    `json:"changes"`
	Messaging []metaMessaging `json:"messaging"`
}

type metaChange struct {
	Field string          `json:"field"`
	Value metaChangeValue `json:"value"`
}

type metaChangeValue struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
}

type metaMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp json.Number `json:"timestamp"`
	Message   *struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

// NormalizeMetaWebhook runs the default normalizer over a Meta webhook body.
func NormalizeMetaWebhook(body []byte) ([]core.InboundEvent, error) {
	defaultOnce.Do(func() {
		defaultNormalizer, defaultErr = NewNormalizer()
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return defaultNormalizer.NormalizeMetaWebhook(body)
}

// NormalizeMetaWebhook fans an Instagram webhook envelope out into canonical
// events: one per comment change and one per inbound text message. Changes of
// other fields, attachment-only messages, and echoes are skipped.
func (n *Normalizer) NormalizeMetaWebhook(body []byte) ([]core.InboundEvent, error) {
	var envelope metaEnvelope
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		return nil, inboundBadInput(err, "inbound: parse meta webhook payload", nil)
	}
	object := strings.TrimSpace(strings.ToLower(envelope.Object))
	if object != metaObjectInstagram {
		return nil, malformed("object", fmt.Sprintf("%q is not supported", envelope.Object))
	}

	events := make([]core.InboundEvent, 0, len(envelope.Entry))
	for index, entry := range envelope.Entry {
		accountID := strings.TrimSpace(entry.ID)
		if accountID == "" {
			return nil, malformed(fmt.Sprintf("entry.%d.id", index), "is required")
		}
		for _, change := range entry.Changes {
			if strings.TrimSpace(strings.ToLower(change.Field)) != "comments" {
				continue
			}
			if change.Value.From.ID == accountID {
				continue
			}
			raw := map[string]any{
				"event_id":      change.Value.ID,
				"account_id":    accountID,
				"event_type":    string(core.EventTypeComment),
				"text":          change.Value.Text,
				"sender_handle": change.Value.From.Username,
				"sender_id":     change.Value.From.ID,
				"media_id":      change.Value.Media.ID,
			}
			if entry.Time != "" {
				raw["received_at"] = entry.Time
			}
			event, err := n.Normalize(raw)
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		}
		for _, messaging := range entry.Messaging {
			message := messaging.Message
			if message == nil || message.IsEcho || messaging.Sender.ID == accountID {
				continue
			}
			if strings.TrimSpace(message.Text) == "" {
				continue
			}
			raw := map[string]any{
				"event_id":   message.MID,
				"account_id": accountID,
				"event_type": string(core.EventTypeDirectMessage),
				"text":       message.Text,
				"sender_id":  messaging.Sender.ID,
			}
			if messaging.Timestamp != "" {
				millis, err := messaging.Timestamp.Float64()
				if err != nil {
					return nil, malformed("timestamp", err.Error())
				}
				raw["received_at"] = millis / 1000
			}
			event, err := n.Normalize(raw)
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		}
	}
	return events, nil
}
