package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	NameEngine   = "automation"
	NameWebhooks = "automation.webhooks"
	NameJobs     = "automation.jobs"
)

// Loggers holds the named loggers the automation runtime writes to.
type Loggers struct {
	Provider    glog.LoggerProvider
	Engine      glog.Logger
	Webhooks    glog.Logger
	Jobs        glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ResolveAutomation resolves the engine logger and derives the webhook and
// job loggers from the same provider, so one configured sink receives all
// three streams.
func ResolveAutomation(provider glog.LoggerProvider, logger glog.Logger) Loggers {
	resolvedProvider, engine := Resolve(NameEngine, provider, logger)
	out := Loggers{
		Provider: resolvedProvider,
		Engine:   glog.Ensure(engine),
		Webhooks: glog.Ensure(engine),
		Jobs:     glog.Ensure(engine),
	}
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(NameWebhooks); named != nil {
			out.Webhooks = named
		}
		if named := resolvedProvider.GetLogger(NameJobs); named != nil {
			out.Jobs = named
		}
	}
	out.JobProvider = ToJobProvider(resolvedProvider)
	out.JobLogger = ToJobLogger(out.Jobs)
	return out
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves glog logger/provider then returns equivalent go-job adapters.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
