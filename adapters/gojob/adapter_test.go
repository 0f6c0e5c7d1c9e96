package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-automation/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func TestMessageMappingRoundTrip(t *testing.T) {
	original := &core.JobExecutionMessage{
		JobID:          core.JobIDReconcileOutcome,
		ScriptPath:     core.JobIDReconcileOutcome,
		Parameters:     map[string]any{"event_id": "c_1"},
		IdempotencyKey: "reconcile:A1|c_1",
		DedupPolicy:    "drop",
	}

	converted := ToExecutionMessage(original)
	if converted == nil {
		t.Fatalf("expected converted message")
	}
	roundTrip := FromExecutionMessage(converted)
	if roundTrip.JobID != original.JobID {
		t.Fatalf("expected job id %q, got %q", original.JobID, roundTrip.JobID)
	}
	if roundTrip.ScriptPath != original.ScriptPath {
		t.Fatalf("expected script path %q, got %q", original.ScriptPath, roundTrip.ScriptPath)
	}
	if roundTrip.IdempotencyKey != original.IdempotencyKey {
		t.Fatalf("expected idempotency key %q, got %q", original.IdempotencyKey, roundTrip.IdempotencyKey)
	}
	if roundTrip.DedupPolicy != original.DedupPolicy {
		t.Fatalf("expected dedup policy %q, got %q", original.DedupPolicy, roundTrip.DedupPolicy)
	}
	if roundTrip.Parameters["event_id"] != "c_1" {
		t.Fatalf("expected parameters to survive mapping")
	}
}

func TestEnqueueAndDequeueAdapters(t *testing.T) {
	ctx := context.Background()
	enqueuer := &stubQueueEnqueuer{}
	enqueueAdapter := NewEnqueuerAdapter(enqueuer)

	now := time.Date(2026, 3, 1, 12, 40, 0, 0, time.UTC)
	if err := enqueueAdapter.Enqueue(ctx, core.PurgeLedgerJob(now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != core.JobIDPurgeLedger {
		t.Fatalf("expected mapped go-job message")
	}

	dequeuer := &stubQueueDequeuer{delivery: &stubQueueDelivery{msg: enqueuer.last}}
	dequeueAdapter := NewDequeuerAdapter(dequeuer, RetryPolicy{})
	delivery, err := dequeueAdapter.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	got := delivery.Message()
	if got == nil || got.JobID != core.JobIDPurgeLedger {
		t.Fatalf("expected mapped core message")
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !dequeuer.delivery.(*stubQueueDelivery).acked {
		t.Fatalf("expected ack on underlying delivery")
	}
}

func TestDequeueAdapterPassesEmptyQueueThrough(t *testing.T) {
	adapter := NewDequeuerAdapter(&stubQueueDequeuer{}, DefaultRetryPolicy())
	delivery, err := adapter.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if delivery != nil {
		t.Fatalf("expected nil delivery for an empty queue, got %#v", delivery)
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	ctx := context.Background()
	rawDelivery := &stubQueueDelivery{
		msg: &job.ExecutionMessage{
			JobID:      core.JobIDReconcileOutcome,
			ScriptPath: core.JobIDReconcileOutcome,
		},
	}
	adapter := NewDeliveryAdapter(rawDelivery, RetryPolicy{
		MaxAttempts:     3,
		MaxDelay:        10 * time.Second,
		DeadLetterOnMax: true,
	})

	if err := adapter.NackForAttempt(ctx, core.JobNackOptions{
		Delay:   30 * time.Second,
		Requeue: true,
		Reason:  "transient",
	}, 1); err != nil {
		t.Fatalf("nack attempt 1: %v", err)
	}
	if rawDelivery.nackOpts.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", rawDelivery.nackOpts.Delay)
	}
	if !rawDelivery.nackOpts.Requeue {
		t.Fatalf("expected message to be requeued before max attempts")
	}

	if err := adapter.NackForAttempt(ctx, core.JobNackOptions{
		Delay:   time.Second,
		Requeue: true,
		Reason:  "still failing",
	}, 3); err != nil {
		t.Fatalf("nack max attempt: %v", err)
	}
	if rawDelivery.nackOpts.Requeue {
		t.Fatalf("expected no requeue once max attempts is reached")
	}
	if !rawDelivery.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter on max attempts")
	}
}

func TestWorkerHookAdapterEventMapping(t *testing.T) {
	now := time.Now().UTC().Add(-time.Second)
	coreHook := &capturingHook{}
	adapter := NewWorkerHookAdapter(coreHook)

	evt := worker.Event{
		Message: &job.ExecutionMessage{
			JobID:          core.JobIDPurgeLedger,
			ScriptPath:     core.JobIDPurgeLedger,
			IdempotencyKey: "purge:2026-03-01T12:00:00Z",
		},
		Attempt:   2,
		Delay:     5 * time.Second,
		Err:       errors.New("retry"),
		StartedAt: now,
		Duration:  250 * time.Millisecond,
	}

	adapter.OnRetry(context.Background(), evt)
	if coreHook.last.Message == nil {
		t.Fatalf("expected worker message mapping")
	}
	if coreHook.last.Message.JobID != core.JobIDPurgeLedger {
		t.Fatalf("expected job id mapping, got %q", coreHook.last.Message.JobID)
	}
	if coreHook.last.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", coreHook.last.Attempt)
	}
	if coreHook.last.Delay != 5*time.Second {
		t.Fatalf("expected delay 5s, got %s", coreHook.last.Delay)
	}
	if coreHook.last.Duration != 250*time.Millisecond {
		t.Fatalf("expected duration mapping")
	}
	if coreHook.last.StartedAt.IsZero() {
		t.Fatalf("expected started_at mapping")
	}
	if coreHook.last.Err == nil || coreHook.last.Err.Error() != "retry" {
		t.Fatalf("expected error mapping")
	}
}

func TestNewEscalatorQueuesReconcileJob(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	escalator := NewEscalator(enqueuer)

	input := core.RecordInput{
		Event:   core.InboundEvent{EventID: "c_1", AccountID: "A1", UserID: "u1", EventType: core.EventTypeComment},
		Outcome: core.ActionOutcome{Status: core.OutcomeSuccess, AttemptCount: 1},
	}
	if err := escalator.Escalate(context.Background(), input, errors.New("db down")); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != core.JobIDReconcileOutcome {
		t.Fatalf("expected reconcile job, got %+v", enqueuer.last)
	}
	if enqueuer.last.IdempotencyKey != "reconcile:A1|c_1" {
		t.Fatalf("expected event keyed idempotency, got %q", enqueuer.last.IdempotencyKey)
	}
	if enqueuer.last.DedupPolicy != job.DeduplicationPolicy("drop") {
		t.Fatalf("expected drop dedup policy, got %q", enqueuer.last.DedupPolicy)
	}
	decoded, err := core.DecodeRecordInput(enqueuer.last.Parameters)
	if err != nil {
		t.Fatalf("decode parameters: %v", err)
	}
	if decoded.Event.Key() != input.Event.Key() {
		t.Fatalf("expected event key to survive the queue, got %q", decoded.Event.Key())
	}
}

func TestSchedulePurgeBucketsByHour(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	first := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	if err := SchedulePurge(context.Background(), enqueuer, first); err != nil {
		t.Fatalf("schedule purge: %v", err)
	}
	key := enqueuer.last.IdempotencyKey
	if err := SchedulePurge(context.Background(), enqueuer, first.Add(40*time.Minute)); err != nil {
		t.Fatalf("schedule purge: %v", err)
	}
	if enqueuer.last.IdempotencyKey != key {
		t.Fatalf("expected same-hour purges to share a key, got %q and %q", key, enqueuer.last.IdempotencyKey)
	}
	if err := SchedulePurge(context.Background(), enqueuer, first.Add(time.Hour)); err != nil {
		t.Fatalf("schedule purge: %v", err)
	}
	if enqueuer.last.IdempotencyKey == key {
		t.Fatalf("expected next hour to use a new key")
	}
}

func TestDefaultRetryPolicyDeadLettersAfterFiveAttempts(t *testing.T) {
	policy := DefaultRetryPolicy()
	opts := policy.NormalizeAttempt(core.JobNackOptions{Requeue: true, Delay: time.Hour}, 5)
	if opts.Requeue || !opts.DeadLetter {
		t.Fatalf("expected dead letter on fifth attempt, got %+v", opts)
	}
	opts = policy.NormalizeAttempt(core.JobNackOptions{Requeue: true, Delay: time.Hour}, 2)
	if !opts.Requeue || opts.Delay != 5*time.Minute {
		t.Fatalf("expected capped requeue, got %+v", opts)
	}
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	last core.JobWorkerEvent
}

func (h *capturingHook) OnStart(context.Context, core.JobWorkerEvent)   {}
func (h *capturingHook) OnSuccess(context.Context, core.JobWorkerEvent) {}
func (h *capturingHook) OnFailure(context.Context, core.JobWorkerEvent) {}
func (h *capturingHook) OnRetry(_ context.Context, event core.JobWorkerEvent) {
	h.last = event
}
