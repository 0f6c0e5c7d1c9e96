package gocommand

import (
	"fmt"

	automationcmd "github.com/goliatone/go-automation/command"
	"github.com/goliatone/go-automation/core"
	automationqry "github.com/goliatone/go-automation/query"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
)

// Handlers groups the services the automation commands and queries delegate
// to. Nil members skip their handlers.
type Handlers struct {
	Events   automationcmd.EventService
	Webhooks automationcmd.WebhookService
	Ledger   automationcmd.LedgerService
	Logs     automationqry.LogReader
	Stats    automationqry.RuleStatsReader
}

// RegisterAutomation registers and subscribes every configured automation
// handler. On failure the subscriptions made so far are released.
func RegisterAutomation(adapter *RegistryAdapter, handlers Handlers, runnerOpts ...runner.Option) ([]commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}

	var subscriptions []commanddispatcher.Subscription
	keep := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		subscriptions = append(subscriptions, sub)
		return nil
	}

	steps := []func() error{}
	if handlers.Events != nil {
		steps = append(steps,
			func() error {
				return keep(RegisterAndSubscribe[automationcmd.ProcessEventMessage](adapter, automationcmd.NewProcessEventCommand(handlers.Events), runnerOpts...))
			},
			func() error {
				return keep(RegisterAndSubscribe[automationcmd.ProcessRawEventMessage](adapter, automationcmd.NewProcessRawEventCommand(handlers.Events), runnerOpts...))
			},
		)
	}
	if handlers.Webhooks != nil {
		steps = append(steps, func() error {
			return keep(RegisterAndSubscribe[automationcmd.IngestWebhookMessage](adapter, automationcmd.NewIngestWebhookCommand(handlers.Webhooks), runnerOpts...))
		})
	}
	if handlers.Ledger != nil {
		steps = append(steps, func() error {
			return keep(RegisterAndSubscribe[automationcmd.PurgeLedgerMessage](adapter, automationcmd.NewPurgeLedgerCommand(handlers.Ledger), runnerOpts...))
		})
	}
	if handlers.Logs != nil {
		steps = append(steps,
			func() error {
				return keep(RegisterAndSubscribeQuery[automationqry.ListLogsMessage, core.LogPage](adapter, automationqry.NewListLogsQuery(handlers.Logs), runnerOpts...))
			},
			func() error {
				return keep(RegisterAndSubscribeQuery[automationqry.LogSummaryMessage, core.LogSummaryReport](adapter, automationqry.NewLogSummaryQuery(handlers.Logs), runnerOpts...))
			},
		)
	}
	if handlers.Stats != nil {
		steps = append(steps, func() error {
			return keep(RegisterAndSubscribeQuery[automationqry.RuleStatsMessage, []core.RuleStat](adapter, automationqry.NewRuleStatsQuery(handlers.Stats), runnerOpts...))
		})
	}

	for _, step := range steps {
		if err := step(); err != nil {
			Unsubscribe(subscriptions)
			return nil, err
		}
	}
	return subscriptions, nil
}

func Unsubscribe(subscriptions []commanddispatcher.Subscription) {
	for _, sub := range subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}
