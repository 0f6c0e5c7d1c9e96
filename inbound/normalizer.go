package inbound

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-automation/core"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const eventSchemaPath = "schema/event.schema.json"

//go:embed schema/event.schema.json
var schemaFS embed.FS

var (
	defaultOnce       sync.Once
	defaultNormalizer *Normalizer
	defaultErr        error
)

// Normalizer validates flat event payloads and maps them to core events.
type Normalizer struct {
	Now    func() time.Time
	schema *jsonschema.Schema
}

func NewNormalizer() (*Normalizer, error) {
	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		Now:    func() time.Time { return time.Now().UTC() },
		schema: schema,
	}, nil
}

// Normalize runs the default normalizer.
func Normalize(raw map[string]any) (core.InboundEvent, error) {
	defaultOnce.Do(func() {
		defaultNormalizer, defaultErr = NewNormalizer()
	})
	if defaultErr != nil {
		return core.InboundEvent{}, defaultErr
	}
	return defaultNormalizer.Normalize(raw)
}

func (n *Normalizer) Normalize(raw map[string]any) (core.InboundEvent, error) {
	if n == nil || n.schema == nil {
		return core.InboundEvent{}, inboundInternal(nil, "inbound: normalizer is not initialized")
	}
	if raw == nil {
		return core.InboundEvent{}, malformed("payload", "is required")
	}
	for _, field := range []string{"event_id", "account_id", "text"} {
		if _, ok := raw[field]; !ok {
			return core.InboundEvent{}, malformed(field, "is required")
		}
	}
	if err := n.validateShape(raw); err != nil {
		return core.InboundEvent{}, err
	}

	event := core.InboundEvent{
		EventID:      strings.TrimSpace(stringField(raw, "event_id")),
		AccountID:    strings.TrimSpace(stringField(raw, "account_id")),
		UserID:       strings.TrimSpace(stringField(raw, "user_id")),
		SenderHandle: strings.TrimSpace(firstString(raw, "sender_handle", "username", "from")),
		SenderID:     strings.TrimSpace(stringField(raw, "sender_id")),
		MediaID:      strings.TrimSpace(stringField(raw, "media_id")),
		Text:         stringField(raw, "text"),
	}
	if event.EventID == "" {
		return core.InboundEvent{}, malformed("event_id", "must not be blank")
	}
	if event.AccountID == "" {
		return core.InboundEvent{}, malformed("account_id", "must not be blank")
	}

	eventType, err := parseEventType(stringField(raw, "event_type"))
	if err != nil {
		return core.InboundEvent{}, err
	}
	event.EventType = eventType

	receivedAt, err := parseReceivedAt(raw["received_at"], n.now)
	if err != nil {
		return core.InboundEvent{}, err
	}
	event.ReceivedAt = receivedAt
	return event, nil
}

func (n *Normalizer) validateShape(raw map[string]any) error {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return malformed("payload", "is not representable as JSON: "+err.Error())
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return malformed("payload", err.Error())
	}
	err = n.schema.Validate(instance)
	if err == nil {
		return nil
	}
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return malformed("payload", err.Error())
	}
	leaf := deepestCause(validationErr)
	field := strings.Join(leaf.InstanceLocation, ".")
	if field == "" {
		field = "payload"
	}
	return malformed(field, leaf.Error())
}

func (n *Normalizer) now() time.Time {
	if n != nil && n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

func compileEventSchema() (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(eventSchemaPath)
	if err != nil {
		return nil, inboundInternal(err, "inbound: read event schema")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, inboundInternal(err, "inbound: parse event schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventSchemaPath, doc); err != nil {
		return nil, inboundInternal(err, "inbound: register event schema")
	}
	schema, err := compiler.Compile(eventSchemaPath)
	if err != nil {
		return nil, inboundInternal(err, "inbound: compile event schema")
	}
	return schema, nil
}

func deepestCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	current := err
	for len(current.Causes) > 0 {
		current = current.Causes[0]
	}
	return current
}

func parseEventType(value string) (core.EventType, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "comment":
		return core.EventTypeComment, nil
	case "dm", "message", "direct_message":
		return core.EventTypeDirectMessage, nil
	default:
		return "", malformed("event_type", fmt.Sprintf("%q is not supported", value))
	}
}

func parseReceivedAt(value any, now func() time.Time) (time.Time, error) {
	switch typed := value.(type) {
	case nil:
		return now(), nil
	case time.Time:
		return typed.UTC(), nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return parsed.UTC(), nil
		}
		if seconds, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return unixSeconds(seconds), nil
		}
		return time.Time{}, malformed("received_at", fmt.Sprintf("%q is not RFC3339 or unix seconds", typed))
	case float64:
		return unixSeconds(typed), nil
	case float32:
		return unixSeconds(float64(typed)), nil
	case int:
		return time.Unix(int64(typed), 0).UTC(), nil
	case int64:
		return time.Unix(typed, 0).UTC(), nil
	case json.Number:
		seconds, err := typed.Float64()
		if err != nil {
			return time.Time{}, malformed("received_at", err.Error())
		}
		return unixSeconds(seconds), nil
	default:
		return time.Time{}, malformed("received_at", fmt.Sprintf("unsupported type %T", value))
	}
}

func unixSeconds(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
}

func stringField(raw map[string]any, key string) string {
	switch typed := raw[key].(type) {
	case string:
		return typed
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(stringField(raw, key)); value != "" {
			return value
		}
	}
	return ""
}
