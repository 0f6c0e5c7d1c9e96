package gologger

import (
	"context"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

func TestResolveDeterministicFallback(t *testing.T) {
	loggerOnly := &capturingLogger{id: "logger"}
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	var resolvedProvider glog.LoggerProvider
	_, resolved := Resolve("automation", provider, loggerOnly)
	got := resolved.(*capturingLogger)
	if got.id != "provider" {
		t.Fatalf("expected provider logger precedence, got %q", got.id)
	}

	resolvedProvider, resolved = Resolve("automation", nil, loggerOnly)
	got = resolved.(*capturingLogger)
	if got.id != "logger" {
		t.Fatalf("expected direct logger when provider is nil, got %q", got.id)
	}
	if resolvedProvider == nil {
		t.Fatalf("expected provider wrapper from logger")
	}

	_, resolved = Resolve("automation", nil, nil)
	if resolved == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestGoJobBridgeCompatibility(t *testing.T) {
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	_, _, jobProvider, jobLogger := ResolveForJob("automation", provider, nil)
	if jobProvider == nil {
		t.Fatalf("expected go-job provider bridge")
	}
	if jobLogger == nil {
		t.Fatalf("expected go-job logger bridge")
	}

	bridged := jobProvider.GetLogger("automation")
	bridged.Info("hello", "k", "v")

	captured := providerLogger.lastInfo
	if captured.msg != "hello" {
		t.Fatalf("expected bridged message, got %q", captured.msg)
	}
	if captured.args[0] != "k" || captured.args[1] != "v" {
		t.Fatalf("expected bridged args, got %#v", captured.args)
	}
}

func TestResolveAutomationNamesEachStream(t *testing.T) {
	engine := &capturingLogger{id: "engine"}
	jobs := &capturingLogger{id: "jobs"}
	provider := &capturingProvider{
		logger: engine,
		named:  map[string]*capturingLogger{NameJobs: jobs},
	}

	loggers := ResolveAutomation(provider, nil)
	if loggers.Engine.(*capturingLogger).id != "engine" {
		t.Fatalf("expected engine logger from provider")
	}
	if loggers.Webhooks.(*capturingLogger).id != "engine" {
		t.Fatalf("expected webhook logger to fall back to the provider default")
	}
	if loggers.Jobs.(*capturingLogger).id != "jobs" {
		t.Fatalf("expected named jobs logger")
	}
	if loggers.JobProvider == nil || loggers.JobLogger == nil {
		t.Fatalf("expected go-job bridges")
	}
	loggers.JobLogger.Info("job started", "job_id", "automation.ledger.purge")
	if jobs.lastInfo.msg != "job started" {
		t.Fatalf("expected job logger to write to the jobs stream, got %q", jobs.lastInfo.msg)
	}
}

func TestResolveAutomationWithoutSinkIsNop(t *testing.T) {
	loggers := ResolveAutomation(nil, nil)
	if loggers.Engine == nil || loggers.Webhooks == nil || loggers.Jobs == nil {
		t.Fatalf("expected nop loggers")
	}
	loggers.Webhooks.Info("ignored")
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger *capturingLogger
	named  map[string]*capturingLogger
}

func (p *capturingProvider) GetLogger(name string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	if p.named != nil {
		if logger, ok := p.named[name]; ok {
			return logger
		}
	}
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
}

func (l *capturingLogger) Trace(string, ...any) {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(string, ...any) {}
func (l *capturingLogger) Fatal(string, ...any) {}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.lastInfo = infoCall{
		msg:  msg,
		args: append([]any(nil), args...),
	}
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
