package sqlstore

import (
	"github.com/goliatone/go-automation/core"
	"github.com/goliatone/go-automation/ratelimit"
	"github.com/goliatone/go-job/queue"
)

var (
	_ core.RuleRepository   = (*RuleStore)(nil)
	_ core.RuleRepository   = (*CachedRuleStore)(nil)
	_ core.OutcomeStore     = (*OutcomeStore)(nil)
	_ core.DedupLedger      = (*DedupLedger)(nil)
	_ ratelimit.BucketStore = (*BucketStore)(nil)
	_ queue.Enqueuer        = (*JobQueue)(nil)
	_ queue.Dequeuer        = (*JobQueue)(nil)
	_ queue.Delivery        = (*jobDelivery)(nil)
)
