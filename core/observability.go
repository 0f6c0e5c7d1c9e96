package core

import (
	"context"
	"sort"
	"strings"
	"time"
)

// observeEvent emits the single structured record every admitted event gets.
func (s *Service) observeEvent(ctx context.Context, result ProcessResult, err error) {
	if s == nil {
		return
	}
	fields := map[string]any{
		"event_id":      result.EventID,
		"account_id":    result.AccountID,
		"status":        string(result.Outcome.Status),
		"attempt_count": result.Outcome.AttemptCount,
		"latency_ms":    result.Latency.Milliseconds(),
	}
	if ruleID := result.Match.RuleID(); ruleID != "" {
		fields["rule_id"] = ruleID
		fields["matched_keyword"] = result.Match.MatchedKeyword
	}
	if result.Entry != nil {
		fields["log_id"] = result.Entry.ID
		fields["log_type"] = string(result.Entry.Type)
	}
	if detail := strings.TrimSpace(result.Outcome.ErrorDetail); detail != "" {
		fields["error_detail"] = detail
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	tags := map[string]string{
		"status": string(result.Outcome.Status),
	}
	s.recordCounter(ctx, "automation.events.total", 1, tags)
	s.recordHistogram(ctx, "automation.events.latency_ms", float64(result.Latency.Milliseconds()), tags)
	if result.Outcome.AttemptCount > 0 {
		s.recordHistogram(ctx, "automation.dispatch.attempts", float64(result.Outcome.AttemptCount), tags)
	}

	switch {
	case err != nil:
		s.logError(ctx, "event processing failed", fields)
	case result.Outcome.Status == OutcomeFailure:
		s.logWarn(ctx, "event processed", fields)
	default:
		s.logInfo(ctx, "event processed", fields)
	}
}

func (s *Service) observeDuplicate(ctx context.Context, event InboundEvent) {
	s.recordCounter(ctx, "automation.events.duplicate", 1, map[string]string{
		"status": string(OutcomeSkippedDuplicate),
	})
	s.logDebug(ctx, "duplicate event skipped", map[string]any{
		"event_id":   event.EventID,
		"account_id": event.AccountID,
		"status":     string(OutcomeSkippedDuplicate),
	})
}

func (s *Service) logDebug(ctx context.Context, message string, fields map[string]any) {
	s.logWithLevel(ctx, "debug", message, fields)
}

func (s *Service) logInfo(ctx context.Context, message string, fields map[string]any) {
	s.logWithLevel(ctx, "info", message, fields)
}

func (s *Service) logWarn(ctx context.Context, message string, fields map[string]any) {
	s.logWithLevel(ctx, "warn", message, fields)
}

func (s *Service) logError(ctx context.Context, message string, fields map[string]any) {
	s.logWithLevel(ctx, "error", message, fields)
}

func (s *Service) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if s == nil {
		return
	}
	logWithLevel(ctx, s.logger, level, message, fields)
}

func logWithLevel(ctx context.Context, logger Logger, level string, message string, fields map[string]any) {
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func (s *Service) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (s *Service) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func elapsedSince(now func() time.Time, startedAt time.Time) time.Duration {
	if now == nil {
		return time.Since(startedAt)
	}
	elapsed := now().Sub(startedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
