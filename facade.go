package automation

import (
	"context"
	"fmt"

	automationcmd "github.com/goliatone/go-automation/command"
	"github.com/goliatone/go-automation/core"
	"github.com/goliatone/go-automation/inbound"
	automationqry "github.com/goliatone/go-automation/query"
	"github.com/goliatone/go-automation/webhooks"
)

type Commands struct {
	ProcessEvent    *automationcmd.ProcessEventCommand
	ProcessRawEvent *automationcmd.ProcessRawEventCommand
	IngestWebhook   *automationcmd.IngestWebhookCommand
	PurgeLedger     *automationcmd.PurgeLedgerCommand
}

type Queries struct {
	ListLogs   *automationqry.ListLogsQuery
	LogSummary *automationqry.LogSummaryQuery
	RuleStats  *automationqry.RuleStatsQuery
}

// Facade is the entry point the HTTP and CLI collaborators talk to. It owns
// payload normalization and webhook fan-out in front of the engine.
type Facade struct {
	service    *core.Service
	normalizer *inbound.Normalizer
	ingestor   *webhooks.Ingestor
	commands   Commands
	queries    Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	normalizer     *inbound.Normalizer
	verifier       webhooks.Verifier
	burst          webhooks.BurstController
	maxConcurrency int
}

func WithNormalizer(normalizer *inbound.Normalizer) FacadeOption {
	return func(options *facadeOptions) {
		options.normalizer = normalizer
	}
}

// WithWebhookVerifier checks every webhook delivery before it is normalized.
func WithWebhookVerifier(verifier webhooks.Verifier) FacadeOption {
	return func(options *facadeOptions) {
		options.verifier = verifier
	}
}

func WithBurstController(burst webhooks.BurstController) FacadeOption {
	return func(options *facadeOptions) {
		options.burst = burst
	}
}

func WithIngestConcurrency(limit int) FacadeOption {
	return func(options *facadeOptions) {
		options.maxConcurrency = limit
	}
}

func NewFacade(service *core.Service, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("automation: service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	normalizer := cfg.normalizer
	if normalizer == nil {
		built, err := inbound.NewNormalizer()
		if err != nil {
			return nil, err
		}
		normalizer = built
	}

	ingestor := webhooks.NewIngestor(normalizer, service)
	ingestor.Verifier = cfg.verifier
	ingestor.Burst = cfg.burst
	ingestor.Logger = service.Logger()
	if cfg.maxConcurrency > 0 {
		ingestor.MaxConcurrency = cfg.maxConcurrency
	}

	facade := &Facade{
		service:    service,
		normalizer: normalizer,
		ingestor:   ingestor,
	}
	facade.commands = Commands{
		ProcessEvent:    automationcmd.NewProcessEventCommand(facade),
		ProcessRawEvent: automationcmd.NewProcessRawEventCommand(facade),
		IngestWebhook:   automationcmd.NewIngestWebhookCommand(facade),
		PurgeLedger:     automationcmd.NewPurgeLedgerCommand(facade),
	}
	facade.queries = Queries{
		ListLogs:   automationqry.NewListLogsQuery(facade),
		LogSummary: automationqry.NewLogSummaryQuery(facade),
		RuleStats:  automationqry.NewRuleStatsQuery(facade),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() *core.Service {
	if f == nil {
		return nil
	}
	return f.service
}

func (f *Facade) Process(ctx context.Context, event core.InboundEvent) (core.ProcessResult, error) {
	if f == nil || f.service == nil {
		return core.ProcessResult{}, core.ErrNotConfigured
	}
	return f.service.Process(ctx, event)
}

// ProcessRaw normalizes a flat payload and processes it. A payload that does
// not normalize is logged and returned as a malformed event error without
// touching the ledger.
func (f *Facade) ProcessRaw(ctx context.Context, raw map[string]any) (core.ProcessResult, error) {
	if f == nil || f.service == nil || f.normalizer == nil {
		return core.ProcessResult{}, core.ErrNotConfigured
	}
	event, err := f.normalizer.Normalize(raw)
	if err != nil {
		f.service.Logger().Warn("inbound payload rejected",
			"error", err.Error(),
			"event_id", raw["event_id"],
			"account_id", raw["account_id"],
		)
		return core.ProcessResult{}, err
	}
	return f.service.Process(ctx, event)
}

func (f *Facade) Ingest(ctx context.Context, delivery webhooks.Delivery) (webhooks.Report, error) {
	if f == nil || f.ingestor == nil {
		return webhooks.Report{}, core.ErrNotConfigured
	}
	return f.ingestor.Ingest(ctx, delivery)
}

func (f *Facade) PurgeLedger(ctx context.Context) (int, error) {
	if f == nil || f.service == nil {
		return 0, core.ErrNotConfigured
	}
	return f.service.PurgeLedger(ctx)
}

func (f *Facade) ListLogs(ctx context.Context, req core.ListLogsRequest) (core.LogPage, error) {
	if f == nil || f.service == nil {
		return core.LogPage{}, core.ErrNotConfigured
	}
	return f.service.ListLogs(ctx, req)
}

func (f *Facade) LogSummary(ctx context.Context, req core.LogSummaryRequest) (core.LogSummaryReport, error) {
	if f == nil || f.service == nil {
		return core.LogSummaryReport{}, core.ErrNotConfigured
	}
	return f.service.LogSummary(ctx, req)
}

func (f *Facade) RuleStats(ctx context.Context, accountID string) ([]core.RuleStat, error) {
	if f == nil || f.service == nil {
		return nil, core.ErrNotConfigured
	}
	return f.service.RuleStats(ctx, accountID)
}

// Shutdown stops admission and waits for in-flight events, webhook fan-outs
// included.
func (f *Facade) Shutdown(ctx context.Context) error {
	if f == nil || f.service == nil {
		return nil
	}
	return f.service.Shutdown(ctx)
}

var (
	_ automationcmd.EventService    = (*Facade)(nil)
	_ automationcmd.WebhookService  = (*Facade)(nil)
	_ automationcmd.LedgerService   = (*Facade)(nil)
	_ automationqry.LogReader       = (*Facade)(nil)
	_ automationqry.RuleStatsReader = (*Facade)(nil)
	_ webhooks.EventProcessor       = (*Facade)(nil)
)
