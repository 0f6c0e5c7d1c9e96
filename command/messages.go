package command

import (
	"strings"

	"github.com/goliatone/go-automation/core"
)

const (
	TypeProcessEvent    = "automation.command.event.process"
	TypeProcessRawEvent = "automation.command.event.process_raw"
	TypeIngestWebhook   = "automation.command.webhook.ingest"
	TypePurgeLedger     = "automation.command.ledger.purge"
)

type ProcessEventMessage struct {
	Event core.InboundEvent
}

func (ProcessEventMessage) Type() string { return TypeProcessEvent }

func (m ProcessEventMessage) Validate() error {
	if strings.TrimSpace(m.Event.EventID) == "" {
		return commandValidationError("event_id", "is required")
	}
	if strings.TrimSpace(m.Event.AccountID) == "" {
		return commandValidationError("account_id", "is required")
	}
	return nil
}

// ProcessRawEventMessage carries a flat payload that still has to be
// normalized.
type ProcessRawEventMessage struct {
	Payload map[string]any
}

func (ProcessRawEventMessage) Type() string { return TypeProcessRawEvent }

func (m ProcessRawEventMessage) Validate() error {
	if len(m.Payload) == 0 {
		return commandValidationError("payload", "is required")
	}
	return nil
}

type IngestWebhookMessage struct {
	Headers map[string]string
	Body    []byte
}

func (IngestWebhookMessage) Type() string { return TypeIngestWebhook }

func (m IngestWebhookMessage) Validate() error {
	if len(m.Body) == 0 {
		return commandValidationError("body", "is required")
	}
	return nil
}

type PurgeLedgerMessage struct{}

func (PurgeLedgerMessage) Type() string { return TypePurgeLedger }

func (PurgeLedgerMessage) Validate() error { return nil }

// PurgeResult is stored in the result collector by PurgeLedgerCommand.
type PurgeResult struct {
	Purged int `json:"purged"`
}
