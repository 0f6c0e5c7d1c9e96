package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ProcessEventMessage]    = (*ProcessEventCommand)(nil)
	_ gocmd.Commander[ProcessRawEventMessage] = (*ProcessRawEventCommand)(nil)
	_ gocmd.Commander[IngestWebhookMessage]   = (*IngestWebhookCommand)(nil)
	_ gocmd.Commander[PurgeLedgerMessage]     = (*PurgeLedgerCommand)(nil)
)
