package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) counter(name string, status string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, counter := range m.counters {
		if counter.name == name && (status == "" || counter.tags["status"] == status) {
			total += counter.value
		}
	}
	return total
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := *l.records
	out := make([]capturedLog, len(items))
	copy(out, items)
	return out
}

func (l *captureLogger) withMessage(msg string) []capturedLog {
	out := []capturedLog{}
	for _, record := range l.snapshot() {
		if record.msg == msg {
			out = append(out, record)
		}
	}
	return out
}

type stubLoggerProvider struct {
	logger Logger
}

func (p stubLoggerProvider) GetLogger(string) Logger {
	return p.logger
}

// flakyOutcomeStore fails CommitOutcome and FindByEvent a fixed number of
// times before delegating to the wrapped store.
type flakyOutcomeStore struct {
	*MemoryOutcomeStore
	mu             sync.Mutex
	failures       int
	lookupFailures int
	commits        int
}

func (s *flakyOutcomeStore) FindByEvent(ctx context.Context, accountID, eventID string) (LogEntry, bool, error) {
	s.mu.Lock()
	if s.lookupFailures > 0 {
		s.lookupFailures--
		s.mu.Unlock()
		return LogEntry{}, false, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryOutcomeStore.FindByEvent(ctx, accountID, eventID)
}

func (s *flakyOutcomeStore) CommitOutcome(ctx context.Context, entry LogEntry, counter CounterChange) (LogEntry, bool, error) {
	s.mu.Lock()
	s.commits++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return LogEntry{}, false, errors.New("database is locked")
	}
	s.mu.Unlock()
	return s.MemoryOutcomeStore.CommitOutcome(ctx, entry, counter)
}

type stubEscalator struct {
	mu     sync.Mutex
	inputs []RecordInput
	err    error
}

func (e *stubEscalator) Escalate(_ context.Context, input RecordInput, _ error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = append(e.inputs, input)
	return e.err
}

type stubJobQueue struct {
	mu       sync.Mutex
	messages []*JobExecutionMessage
	acked    int
	nacks    []JobNackOptions
}

func (q *stubJobQueue) Enqueue(_ context.Context, msg *JobExecutionMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func (q *stubJobQueue) Dequeue(context.Context) (JobDelivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return &stubJobDelivery{queue: q, msg: msg}, nil
}

type stubJobDelivery struct {
	queue *stubJobQueue
	msg   *JobExecutionMessage
}

func (d *stubJobDelivery) Message() *JobExecutionMessage { return d.msg }

func (d *stubJobDelivery) Ack(context.Context) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	d.queue.acked++
	return nil
}

func (d *stubJobDelivery) Nack(_ context.Context, opts JobNackOptions) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	d.queue.nacks = append(d.queue.nacks, opts)
	if opts.Requeue {
		d.queue.messages = append(d.queue.messages, d.msg)
	}
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEngine struct {
	service   *Service
	rules     *MemoryRuleStore
	outcomes  *MemoryOutcomeStore
	performer *scriptedPerformer
	clock     *testClock
	logger    *captureLogger
	metrics   *captureMetricsRecorder
}

func newTestEngine(t *testing.T, rules []Rule, extra ...Option) testEngine {
	t.Helper()
	clock := newTestClock()
	ruleStore := NewMemoryRuleStore(rules...)
	outcomes := NewMemoryOutcomeStore(ruleStore)
	performer := &scriptedPerformer{idempotent: true}
	logger := newCaptureLogger()
	metrics := &captureMetricsRecorder{}

	options := []Option{
		WithRuleStore(ruleStore),
		WithOutcomeStore(outcomes),
		WithActionPerformer(performer),
		WithSleeper(&virtualSleeper{}),
		WithClock(clock.Now),
		WithLogger(logger),
		WithLoggerProvider(stubLoggerProvider{logger: logger}),
		WithMetricsRecorder(metrics),
	}
	options = append(options, extra...)
	svc, err := NewService(DefaultConfig(), options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return testEngine{
		service:   svc,
		rules:     ruleStore,
		outcomes:  outcomes,
		performer: performer,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}
