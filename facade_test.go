package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	automationcmd "github.com/goliatone/go-automation/command"
	"github.com/goliatone/go-automation/core"
	automationqry "github.com/goliatone/go-automation/query"
	"github.com/goliatone/go-automation/webhooks"
	gocmd "github.com/goliatone/go-command"
)

var facadeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPerformer struct {
	mu       sync.Mutex
	requests []core.ActionRequest
}

func (p *recordingPerformer) PerformAction(_ context.Context, req core.ActionRequest) (core.ActionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return core.ActionResult{ExternalRef: "ref_" + req.EventID}, nil
}

func (p *recordingPerformer) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func newTestFacade(t *testing.T, opts ...FacadeOption) (*Facade, *recordingPerformer) {
	t.Helper()
	performer := &recordingPerformer{}
	rules := core.NewMemoryRuleStore(
		core.Rule{
			ID:              "r_price",
			AccountID:       "A1",
			Name:            "price",
			Type:            core.RuleTypeDM,
			TriggerKeywords: []string{"price", "how much"},
			ActionMessage:   "Hi {username}, check your inbox",
			Priority:        1,
			Active:          true,
		},
	)
	svc, err := NewService(DefaultConfig(),
		WithActionPerformer(performer),
		WithRuleStore(rules),
		WithClock(func() time.Time { return facadeNow }),
		WithSleeper(core.SleeperFunc(func(context.Context, time.Duration) error { return nil })),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	facade, err := NewFacade(svc, opts...)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	return facade, performer
}

func TestNewFacade_WiresCommandsAndQueries(t *testing.T) {
	facade, _ := newTestFacade(t)

	commands := facade.Commands()
	if commands.ProcessEvent == nil || commands.ProcessRawEvent == nil || commands.IngestWebhook == nil || commands.PurgeLedger == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.ListLogs == nil || queries.LogSummary == nil || queries.RuleStats == nil {
		t.Fatalf("expected query handlers to be wired")
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	facade, err := NewFacade(nil)
	if err == nil {
		t.Fatalf("expected nil service error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}

func TestFacade_ProcessRawNormalizesAndDispatches(t *testing.T) {
	facade, performer := newTestFacade(t)

	collector := gocmd.NewResult[core.ProcessResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := facade.Commands().ProcessRawEvent.Execute(ctx, automationcmd.ProcessRawEventMessage{Payload: map[string]any{
		"event_id":      "E1",
		"account_id":    "A1",
		"text":          "hi, what's the PRICE?",
		"event_type":    "comment",
		"sender_handle": "alice",
	}})
	if err != nil {
		t.Fatalf("process raw: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected stored process result")
	}
	if result.Outcome.Status != core.OutcomeSuccess || result.Match.RuleID() != "r_price" {
		t.Fatalf("unexpected result %+v", result)
	}
	if performer.calls() != 1 {
		t.Fatalf("expected one dispatch, got %d", performer.calls())
	}
	if performer.requests[0].Message != "Hi alice, check your inbox" {
		t.Fatalf("expected rendered message, got %q", performer.requests[0].Message)
	}
}

func TestFacade_ProcessRawRejectsMalformedPayload(t *testing.T) {
	facade, performer := newTestFacade(t)

	_, err := facade.ProcessRaw(context.Background(), map[string]any{"account_id": "A1", "text": "price"})
	if err == nil || !core.IsMalformedEvent(err) {
		t.Fatalf("expected malformed event error, got %v", err)
	}
	if performer.calls() != 0 {
		t.Fatalf("expected no dispatch for malformed payload")
	}
	page, err := facade.ListLogs(context.Background(), core.ListLogsRequest{Filter: core.LogFilter{AccountID: "A1"}})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("expected no log entry for malformed payload, got %d", page.Total)
	}
}

const facadeWebhookBody = `{
  "object": "instagram",
  "entry": [{
    "id": "A1",
    "time": 1772359200,
    "changes": [{
      "field": "comments",
      "value": {"id": "c_1", "text": "how much?", "from": {"id": "u_1", "username": "alice"}}
    }],
    "messaging": [{
      "sender": {"id": "u_2"},
      "recipient": {"id": "A1"},
      "timestamp": 1772359201000,
      "message": {"mid": "m_1", "text": "just saying hi"}
    }]
  }]
}`

func TestFacade_IngestFansOutAndQueriesSeeResults(t *testing.T) {
	facade, performer := newTestFacade(t, WithIngestConcurrency(2))

	report, err := facade.Ingest(context.Background(), webhooks.Delivery{Body: []byte(facadeWebhookBody)})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	counts := report.Counts()
	if counts[string(core.OutcomeSuccess)] != 1 || counts[string(core.OutcomeSkippedNoMatch)] != 1 {
		t.Fatalf("unexpected report counts %v", counts)
	}
	if report.Retryable() {
		t.Fatalf("expected a clean report")
	}
	if performer.calls() != 1 {
		t.Fatalf("expected one dispatch, got %d", performer.calls())
	}

	page, err := facade.Queries().ListLogs.Query(context.Background(), automationqry.ListLogsMessage{
		Request: core.ListLogsRequest{Filter: core.LogFilter{AccountID: "A1"}},
	})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected two log entries, got %d", page.Total)
	}

	stats, err := facade.Queries().RuleStats.Query(context.Background(), automationqry.RuleStatsMessage{AccountID: "A1"})
	if err != nil {
		t.Fatalf("rule stats: %v", err)
	}
	if len(stats) != 1 || stats[0].SuccessCount != 1 || stats[0].SuccessRate != 100 {
		t.Fatalf("unexpected rule stats %+v", stats)
	}

	again, err := facade.Ingest(context.Background(), webhooks.Delivery{Body: []byte(facadeWebhookBody)})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	for _, event := range again.Events {
		if !event.Duplicate {
			t.Fatalf("expected redelivered event %s to be a duplicate", event.EventID)
		}
	}
	if performer.calls() != 1 {
		t.Fatalf("expected redelivery to skip dispatch, got %d calls", performer.calls())
	}
}

func TestFacade_PurgeLedgerCommandStoresResult(t *testing.T) {
	facade, _ := newTestFacade(t)

	collector := gocmd.NewResult[automationcmd.PurgeResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := facade.Commands().PurgeLedger.Execute(ctx, automationcmd.PurgeLedgerMessage{}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, ok := collector.Load(); !ok {
		t.Fatalf("expected purge result in collector")
	}
}

func TestFacade_ShutdownRejectsNewEvents(t *testing.T) {
	facade, _ := newTestFacade(t)
	if err := facade.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, err := facade.Process(context.Background(), core.InboundEvent{EventID: "E9", AccountID: "A1", EventType: core.EventTypeComment})
	if err == nil {
		t.Fatalf("expected shutdown error")
	}
}
