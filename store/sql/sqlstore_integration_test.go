package sqlstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-automation/core"
	automationmigrations "github.com/goliatone/go-automation/migrations"
	"github.com/goliatone/go-automation/ratelimit"
	sqlstore "github.com/goliatone/go-automation/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-automation-tests"
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingPerformer struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPerformer) PerformAction(_ context.Context, req core.ActionRequest) (core.ActionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return core.ActionResult{ExternalRef: "ref-" + req.EventID}, nil
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"automation_rules", "automation_logs", "automation_dedup_ledger", "automation_rate_buckets", "automation_jobs"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestRuleStore_OrderingCountersAndDeletion(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	rules := factory.RuleStore()

	seed := []core.Rule{
		sampleRule("r3", 1, true),
		sampleRule("r1", 5, true),
		sampleRule("r2", 1, true),
		sampleRule("r4", 0, false),
	}
	for _, rule := range seed {
		if _, err := rules.SaveRule(ctx, rule); err != nil {
			t.Fatalf("save rule %s: %v", rule.ID, err)
		}
	}

	active, err := rules.ActiveRulesFor(ctx, "A1")
	if err != nil {
		t.Fatalf("active rules: %v", err)
	}
	if got := ruleIDs(active); got != "r2,r3,r1" {
		t.Fatalf("expected active rules ordered by (priority, id), got %s", got)
	}
	if len(active[0].TriggerKeywords) != 2 || active[0].TriggerKeywords[0] != "buy" {
		t.Fatalf("expected keywords to round trip, got %v", active[0].TriggerKeywords)
	}

	var wg sync.WaitGroup
	for index := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := core.OutcomeSuccess
			if index%4 == 0 {
				status = core.OutcomeFailure
			}
			if err := rules.IncrementCounter(ctx, "r1", status); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := rules.IncrementCounter(ctx, "r1", core.OutcomeSkippedNoMatch); err != nil {
		t.Fatalf("skipped status should be a no-op: %v", err)
	}

	stored, err := rules.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if stored.SuccessCount != 30 || stored.FailureCount != 10 {
		t.Fatalf("expected 30/10 counters, got %d/%d", stored.SuccessCount, stored.FailureCount)
	}

	edited := sampleRule("r1", 2, true)
	edited.ActionMessage = "updated"
	if _, err := rules.SaveRule(ctx, edited); err != nil {
		t.Fatalf("edit rule: %v", err)
	}
	stored, err = rules.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("get edited rule: %v", err)
	}
	if stored.ActionMessage != "updated" || stored.SuccessCount != 30 || stored.FailureCount != 10 {
		t.Fatalf("expected edit to keep counters, got %+v", stored)
	}

	if err := rules.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if err := rules.IncrementCounter(ctx, "r1", core.OutcomeSuccess); !core.IsRuleNotFound(err) {
		t.Fatalf("expected rule not found after delete, got %v", err)
	}
	if _, err := rules.GetRule(ctx, "r1"); !core.IsRuleNotFound(err) {
		t.Fatalf("expected rule not found on get, got %v", err)
	}
	if err := rules.DeleteRule(ctx, "r1"); !core.IsRuleNotFound(err) {
		t.Fatalf("expected rule not found on second delete, got %v", err)
	}

	all, err := rules.ListRules(ctx, "A1")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if got := ruleIDs(all); got != "r4,r2,r3" {
		t.Fatalf("expected all remaining rules, got %s", got)
	}
}

func TestOutcomeStore_CommitIsIdempotentPerEvent(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	rules := factory.RuleStore()
	outcomes := factory.OutcomeStore()

	if _, err := rules.SaveRule(ctx, sampleRule("r1", 1, true)); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	entry := sampleEntry("log-1", "E1", "r1", core.OutcomeSuccess, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	counter := core.CounterChange{RuleID: "r1", Status: core.OutcomeSuccess}

	stored, created, err := outcomes.CommitOutcome(ctx, entry, counter)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !created || stored.ID != "log-1" || stored.RuleID != "r1" {
		t.Fatalf("expected created entry, got created=%t %+v", created, stored)
	}

	again := sampleEntry("log-2", "E1", "r1", core.OutcomeSuccess, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC))
	stored, created, err = outcomes.CommitOutcome(ctx, again, counter)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if created || stored.ID != "log-1" {
		t.Fatalf("expected existing entry on duplicate commit, got created=%t %+v", created, stored)
	}

	rule, err := rules.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if rule.SuccessCount != 1 {
		t.Fatalf("expected a single increment, got %d", rule.SuccessCount)
	}

	found, ok, err := outcomes.FindByEvent(ctx, "A1", "E1")
	if err != nil || !ok || found.ID != "log-1" {
		t.Fatalf("expected to find log-1, got ok=%t err=%v %+v", ok, err, found)
	}
	if _, ok, err := outcomes.FindByEvent(ctx, "A1", "missing"); err != nil || ok {
		t.Fatalf("expected no entry for missing event, got ok=%t err=%v", ok, err)
	}
}

func TestOutcomeStore_CommitKeepsEntryWhenRuleDeleted(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)

	entry := sampleEntry("log-1", "E1", "gone", core.OutcomeFailure, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	stored, created, err := factory.OutcomeStore().CommitOutcome(ctx, entry, core.CounterChange{RuleID: "gone", Status: core.OutcomeFailure})
	if !core.IsRuleNotFound(err) {
		t.Fatalf("expected rule not found, got %v", err)
	}
	if !created || stored.ID != "log-1" {
		t.Fatalf("expected entry to be written, got created=%t %+v", created, stored)
	}
	if _, ok, _ := factory.OutcomeStore().FindByEvent(ctx, "A1", "E1"); !ok {
		t.Fatalf("expected entry to be persisted")
	}
}

func TestOutcomeStore_ListFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	outcomes := factory.OutcomeStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	statuses := []core.OutcomeStatus{
		core.OutcomeSuccess,
		core.OutcomeFailure,
		core.OutcomeSkippedNoMatch,
		core.OutcomeSuccess,
		core.OutcomeSkippedRateLimited,
	}
	for index, status := range statuses {
		entry := sampleEntry(fmt.Sprintf("log-%d", index), fmt.Sprintf("E%d", index), "r1", status, base.Add(time.Duration(index)*time.Hour))
		if _, _, err := outcomes.CommitOutcome(ctx, entry, core.CounterChange{}); err != nil {
			t.Fatalf("commit %d: %v", index, err)
		}
	}

	page, err := outcomes.List(ctx, core.LogFilter{AccountID: "A1", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 {
		t.Fatalf("expected total 5 and 2 items, got %d/%d", page.Total, len(page.Items))
	}
	if page.Items[0].ID != "log-4" || page.Items[1].ID != "log-3" {
		t.Fatalf("expected newest first, got %s,%s", page.Items[0].ID, page.Items[1].ID)
	}

	page, err = outcomes.List(ctx, core.LogFilter{AccountID: "A1", Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "log-0" {
		t.Fatalf("expected last page to hold log-0, got %+v", page.Items)
	}

	page, err = outcomes.List(ctx, core.LogFilter{Status: core.OutcomeSuccess})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 successes, got %d", page.Total)
	}

	since := base.Add(time.Hour)
	until := base.Add(3 * time.Hour)
	page, err = outcomes.List(ctx, core.LogFilter{Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("list by window: %v", err)
	}
	if page.Total != 2 || page.Items[0].ID != "log-2" || page.Items[1].ID != "log-1" {
		t.Fatalf("expected log-2 and log-1 in window, got %+v", page.Items)
	}
}

func TestDedupLedger_AdmitReleaseAndExpiry(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	clock := newFixedClock()
	ledger := factory.DedupLedger()
	ledger.Now = clock.Now

	admitted, err := ledger.Admit(ctx, "A1", "E1")
	if err != nil || !admitted {
		t.Fatalf("expected first admission, got %t %v", admitted, err)
	}
	admitted, err = ledger.Admit(ctx, "A1", "E1")
	if err != nil || admitted {
		t.Fatalf("expected duplicate to be rejected, got %t %v", admitted, err)
	}
	if admitted, _ := ledger.Admit(ctx, "A2", "E1"); !admitted {
		t.Fatalf("expected same event id on another account to be admitted")
	}

	if err := ledger.Release(ctx, "A1", "E1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if admitted, _ := ledger.Admit(ctx, "A1", "E1"); !admitted {
		t.Fatalf("expected admission after release")
	}

	clock.Advance(2 * time.Hour)
	if admitted, _ := ledger.Admit(ctx, "A1", "E1"); !admitted {
		t.Fatalf("expected expired entry to be re-admitted")
	}

	clock.Advance(2 * time.Hour)
	purged, err := ledger.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged entries, got %d", purged)
	}
	if _, err := ledger.Admit(ctx, " ", "E1"); err == nil {
		t.Fatalf("expected error for blank account id")
	}
}

func TestDedupLedger_ConcurrentAdmissionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	ledger := factory.DedupLedger()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, err := ledger.Admit(ctx, "A1", "E1")
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if admitted {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one admission, got %d", winners)
	}
}

func TestBucketStore_BacksTokenBucketLimiter(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	clock := newFixedClock()

	config := core.DefaultConfig().RateLimit
	config.Default = core.BucketConfig{Capacity: 5, RefillPerSecond: 0.5}
	limiter := ratelimit.NewLimiter(factory.BucketStore(), config)
	limiter.Now = clock.Now

	for attempt := 1; attempt <= 5; attempt++ {
		allowed, err := limiter.TryAcquire(ctx, "A1")
		if err != nil || !allowed {
			t.Fatalf("expected acquire %d to pass, got %t %v", attempt, allowed, err)
		}
	}
	if allowed, _ := limiter.TryAcquire(ctx, "A1"); allowed {
		t.Fatalf("expected sixth acquire to be denied")
	}
	clock.Advance(2 * time.Second)
	if allowed, _ := limiter.TryAcquire(ctx, "A1"); !allowed {
		t.Fatalf("expected acquire after refill")
	}

	state, found, err := factory.BucketStore().Load(ctx, "A1")
	if err != nil || !found {
		t.Fatalf("expected stored bucket, got %t %v", found, err)
	}
	if state.Version != 6 {
		t.Fatalf("expected version 6 after six writes, got %d", state.Version)
	}
	stale := state
	stale.Version = 1
	swapped, err := factory.BucketStore().CompareAndSwap(ctx, "A1", stale, true, ratelimit.BucketState{Tokens: 5, Version: 2, UpdatedAt: clock.Now()})
	if err != nil || swapped {
		t.Fatalf("expected stale swap to fail, got %t %v", swapped, err)
	}
	swapped, err = factory.BucketStore().CompareAndSwap(ctx, "A1", ratelimit.BucketState{}, false, ratelimit.BucketState{Tokens: 5, Version: 1, UpdatedAt: clock.Now()})
	if err != nil || swapped {
		t.Fatalf("expected insert over existing bucket to fail, got %t %v", swapped, err)
	}
}

func TestCachedRuleStore_FromFactoryInvalidatesOnSave(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.WithRuleCacheTTL(time.Minute))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	rules := factory.RuleStore()
	if _, ok := rules.(*sqlstore.CachedRuleStore); !ok {
		t.Fatalf("expected cached rule store, got %T", rules)
	}

	if _, err := rules.SaveRule(ctx, sampleRule("r1", 1, true)); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	active, err := rules.ActiveRulesFor(ctx, "A1")
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active rule, got %d %v", len(active), err)
	}
	if _, err := rules.SaveRule(ctx, sampleRule("r2", 0, true)); err != nil {
		t.Fatalf("save second rule: %v", err)
	}
	active, err = rules.ActiveRulesFor(ctx, "A1")
	if err != nil {
		t.Fatalf("active rules: %v", err)
	}
	if got := ruleIDs(active); got != "r2,r1" {
		t.Fatalf("expected cache invalidated after save, got %s", got)
	}
}

func TestEngineOverSQLStores_DuplicateDeliveryCountsOnce(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	if _, err := factory.RuleStore().SaveRule(ctx, sampleRule("r1", 1, true)); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	performer := &countingPerformer{}
	svc, err := core.NewService(core.DefaultConfig(),
		core.WithRuleStore(factory.RuleStore()),
		core.WithOutcomeStore(factory.OutcomeStore()),
		core.WithDedupLedger(factory.DedupLedger()),
		core.WithActionPerformer(performer),
		core.WithSleeper(core.SleeperFunc(func(context.Context, time.Duration) error { return nil })),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	event := core.InboundEvent{
		EventID:      "E1",
		AccountID:    "A1",
		UserID:       "u1",
		EventType:    core.EventTypeComment,
		SenderHandle: "alice",
		SenderID:     "s1",
		Text:         "hi, want to BUY",
		ReceivedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	first, err := svc.Process(ctx, event)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if first.Outcome.Status != core.OutcomeSuccess {
		t.Fatalf("expected success, got %s", first.Outcome.Status)
	}
	second, err := svc.Process(ctx, event)
	if err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if !second.Duplicate || second.Outcome.Status != core.OutcomeSkippedDuplicate {
		t.Fatalf("expected duplicate outcome, got %+v", second)
	}

	page, err := factory.OutcomeStore().List(ctx, core.LogFilter{AccountID: "A1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected one log entry, got %d", page.Total)
	}
	rule, err := factory.RuleStore().GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if rule.SuccessCount != 1 || performer.calls != 1 {
		t.Fatalf("expected one increment and one call, got %d/%d", rule.SuccessCount, performer.calls)
	}
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.WithDedupRetention(time.Hour))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func sampleRule(id string, priority int, active bool) core.Rule {
	return core.Rule{
		ID:              id,
		UserID:          "u1",
		AccountID:       "A1",
		Name:            "rule " + id,
		Type:            core.RuleTypeCommentReply,
		TriggerKeywords: []string{"buy", "price"},
		ActionMessage:   "Thanks {username}!",
		Priority:        priority,
		Active:          active,
	}
}

func sampleEntry(id, eventID, ruleID string, status core.OutcomeStatus, createdAt time.Time) core.LogEntry {
	return core.LogEntry{
		ID:           id,
		UserID:       "u1",
		AccountID:    "A1",
		RuleID:       ruleID,
		EventID:      eventID,
		Type:         core.LogTypeComment,
		Status:       status,
		TargetHandle: "alice",
		Message:      "Thanks alice!",
		AttemptCount: 1,
		LatencyMS:    12,
		CreatedAt:    createdAt,
	}
}

func ruleIDs(rules []core.Rule) string {
	out := ""
	for index, rule := range rules {
		if index > 0 {
			out += ","
		}
		out += rule.ID
	}
	return out
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:automation-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	if err := automationmigrations.Apply(context.Background(), client, automationmigrations.DialectSQLite); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
