package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ DedupLedger    = (*MemoryDedupLedger)(nil)
	_ RuleRepository = (*MemoryRuleStore)(nil)
	_ OutcomeStore   = (*MemoryOutcomeStore)(nil)
	_ Escalator      = (*JobEscalator)(nil)
	_ Sleeper        = SleeperFunc(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
