package command

import (
	"context"

	"github.com/goliatone/go-automation/core"
	"github.com/goliatone/go-automation/webhooks"
	gocmd "github.com/goliatone/go-command"
)

type EventService interface {
	Process(ctx context.Context, event core.InboundEvent) (core.ProcessResult, error)
	ProcessRaw(ctx context.Context, raw map[string]any) (core.ProcessResult, error)
}

type WebhookService interface {
	Ingest(ctx context.Context, delivery webhooks.Delivery) (webhooks.Report, error)
}

type LedgerService interface {
	PurgeLedger(ctx context.Context) (int, error)
}

type ProcessEventCommand struct {
	service EventService
}

func NewProcessEventCommand(service EventService) *ProcessEventCommand {
	return &ProcessEventCommand{service: service}
}

func (c *ProcessEventCommand) Execute(ctx context.Context, msg ProcessEventMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: event service is required")
	}
	out, err := c.service.Process(ctx, msg.Event)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ProcessRawEventCommand struct {
	service EventService
}

func NewProcessRawEventCommand(service EventService) *ProcessRawEventCommand {
	return &ProcessRawEventCommand{service: service}
}

func (c *ProcessRawEventCommand) Execute(ctx context.Context, msg ProcessRawEventMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: event service is required")
	}
	out, err := c.service.ProcessRaw(ctx, msg.Payload)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type IngestWebhookCommand struct {
	service WebhookService
}

func NewIngestWebhookCommand(service WebhookService) *IngestWebhookCommand {
	return &IngestWebhookCommand{service: service}
}

func (c *IngestWebhookCommand) Execute(ctx context.Context, msg IngestWebhookMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: webhook service is required")
	}
	out, err := c.service.Ingest(ctx, webhooks.Delivery{Headers: msg.Headers, Body: msg.Body})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type PurgeLedgerCommand struct {
	service LedgerService
}

func NewPurgeLedgerCommand(service LedgerService) *PurgeLedgerCommand {
	return &PurgeLedgerCommand{service: service}
}

func (c *PurgeLedgerCommand) Execute(ctx context.Context, _ PurgeLedgerMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: ledger service is required")
	}
	purged, err := c.service.PurgeLedger(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, PurgeResult{Purged: purged})
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
