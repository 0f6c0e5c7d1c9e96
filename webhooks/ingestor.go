package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-automation/core"
	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/sync/errgroup"
)

const defaultMaxConcurrency = 4

// Delivery is one webhook POST as received by the HTTP collaborator.
type Delivery struct {
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

type EnvelopeNormalizer interface {
	NormalizeMetaWebhook(body []byte) ([]core.InboundEvent, error)
}

type EventProcessor interface {
	Process(ctx context.Context, event core.InboundEvent) (core.ProcessResult, error)
}

// EventResult is the per-event line of a Report.
type EventResult struct {
	EventID   string
	AccountID string
	EventType core.EventType
	RuleID    string
	Status    core.OutcomeStatus
	Duplicate bool
	Err       error
}

type Report struct {
	Events    []EventResult
	Coalesced bool
}

// Counts tallies the report by outcome status; events that returned an error
// are counted under "error".
func (r Report) Counts() map[string]int {
	counts := map[string]int{}
	for _, event := range r.Events {
		if event.Err != nil {
			counts["error"]++
			continue
		}
		counts[string(event.Status)]++
	}
	return counts
}

// Retryable reports whether at least one event failed for a reason a
// redelivery could fix. Malformed events are never retryable.
func (r Report) Retryable() bool {
	for _, event := range r.Events {
		if event.Err != nil && !core.IsMalformedEvent(event.Err) {
			return true
		}
	}
	return false
}

type Ingestor struct {
	Verifier       Verifier
	Normalizer     EnvelopeNormalizer
	Processor      EventProcessor
	Burst          BurstController
	MaxConcurrency int
	Logger         core.Logger
}

func NewIngestor(normalizer EnvelopeNormalizer, processor EventProcessor) *Ingestor {
	return &Ingestor{
		Normalizer:     normalizer,
		Processor:      processor,
		MaxConcurrency: defaultMaxConcurrency,
	}
}

// Ingest verifies and fans out one delivery. An error is returned only when
// the delivery as a whole is rejected; per-event errors live in the report.
func (i *Ingestor) Ingest(ctx context.Context, delivery Delivery) (Report, error) {
	if i == nil || i.Normalizer == nil || i.Processor == nil {
		return Report{}, goerrors.New("webhooks: ingestor requires a normalizer and a processor", goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.ErrorInternal)
	}
	if len(delivery.Body) == 0 {
		return Report{}, goerrors.New("webhooks: delivery body is empty", goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode(core.ErrorBadInput)
	}
	if i.Verifier != nil {
		if err := i.Verifier.Verify(ctx, delivery); err != nil {
			i.log(ctx, "warn", "webhook delivery rejected", map[string]any{"error": err.Error()})
			return Report{}, err
		}
	}
	if i.Burst != nil && !i.Burst.Allow(delivery) {
		i.log(ctx, "debug", "webhook delivery coalesced", nil)
		return Report{Coalesced: true}, nil
	}

	events, err := i.Normalizer.NormalizeMetaWebhook(delivery.Body)
	if err != nil {
		i.log(ctx, "warn", "webhook delivery malformed", map[string]any{"error": err.Error()})
		return Report{}, err
	}

	results := make([]EventResult, len(events))
	group := errgroup.Group{}
	group.SetLimit(i.concurrency())
	for index, event := range events {
		group.Go(func() error {
			results[index] = i.processOne(ctx, event)
			return nil
		})
	}
	_ = group.Wait()

	report := Report{Events: results}
	i.log(ctx, "info", "webhook delivery ingested", summaryFields(report))
	return report, nil
}

func (i *Ingestor) processOne(ctx context.Context, event core.InboundEvent) EventResult {
	line := EventResult{
		EventID:   event.EventID,
		AccountID: event.AccountID,
		EventType: event.EventType,
	}
	result, err := i.Processor.Process(ctx, event)
	line.RuleID = result.Match.RuleID()
	line.Status = result.Outcome.Status
	line.Duplicate = result.Duplicate
	if err != nil {
		line.Err = err
		i.log(ctx, "error", "webhook event failed", map[string]any{
			"event_id":   event.EventID,
			"account_id": event.AccountID,
			"error":      err.Error(),
		})
	}
	return line
}

func (i *Ingestor) concurrency() int {
	if i.MaxConcurrency > 0 {
		return i.MaxConcurrency
	}
	return defaultMaxConcurrency
}

func (i *Ingestor) log(ctx context.Context, level string, message string, fields map[string]any) {
	if i.Logger == nil {
		return
	}
	logger := i.Logger.WithContext(ctx)
	args := make([]any, 0, len(fields)*2)
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	switch strings.ToLower(level) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func summaryFields(report Report) map[string]any {
	fields := map[string]any{"events": len(report.Events)}
	for status, count := range report.Counts() {
		fields[fmt.Sprintf("count_%s", status)] = count
	}
	return fields
}
