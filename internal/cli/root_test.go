package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "automation", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"process", "ingest", "logs", "stats", "purge", "reconcile", "migrate", "seed"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)

	for _, name := range []string{"db-driver", "dsn", "log-level", "dry-run", "trace"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestLogsCommandRequiresAccount(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"logs"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account")
}

func TestInvalidFormatRejected(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"purge", "--format", "xml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

type cliRun struct {
	t   *testing.T
	dsn string
}

func newCLIRun(t *testing.T) *cliRun {
	t.Helper()
	dir := t.TempDir()
	return &cliRun{t: t, dsn: "file:" + filepath.Join(dir, "automation.db") + "?_foreign_keys=on"}
}

func (r *cliRun) exec(stdin string, args ...string) (string, error) {
	r.t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	base := []string{
		"--config", filepath.Join(r.t.TempDir(), "missing.yaml"),
		"--db-driver", "sqlite3",
		"--dsn", r.dsn,
		"--dry-run",
		"--format", "json",
	}
	cmd.SetArgs(append(args, base...))
	err := cmd.Execute()
	return out.String(), err
}

func decodeData(t *testing.T, raw string, target any) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope), raw)
	require.Equal(t, "ok", envelope.Status)
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func TestEndToEndSeedProcessAndQuery(t *testing.T) {
	run := newCLIRun(t)

	pack := filepath.Join(t.TempDir(), "starter.yaml")
	require.NoError(t, os.WriteFile(pack, []byte(`name: starter
rules:
  - id: r_price
    account_id: A1
    type: comment_reply
    trigger_keywords: [price]
    action_message: "Thanks {username}, prices are in your DMs"
`), 0o600))

	out, err := run.exec("", "seed", pack)
	require.NoError(t, err)
	seeded := map[string]int{}
	decodeData(t, out, &seeded)
	assert.Equal(t, 1, seeded["rules"])

	payload := `{"event_id":"c_1","account_id":"A1","event_type":"comment","text":"what's the PRICE?","sender_handle":"alice"}`
	out, err = run.exec(payload, "process")
	require.NoError(t, err)
	var processed ProcessView
	decodeData(t, out, &processed)
	assert.Equal(t, "success", processed.Status)
	assert.Equal(t, "r_price", processed.RuleID)
	assert.Equal(t, "price", processed.Keyword)

	out, err = run.exec(payload, "process")
	require.NoError(t, err)
	decodeData(t, out, &processed)
	assert.True(t, processed.Duplicate)

	out, err = run.exec("", "logs", "--account", "A1")
	require.NoError(t, err)
	var page LogPageView
	decodeData(t, out, &page)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "comment", page.Items[0].Type)
	assert.Equal(t, "Thanks alice, prices are in your DMs", page.Items[0].Message)

	out, err = run.exec("", "stats", "--account", "A1", "--days", "7")
	require.NoError(t, err)
	var stats StatsView
	decodeData(t, out, &stats)
	require.Len(t, stats.Rules, 1)
	assert.EqualValues(t, 1, stats.Rules[0].SuccessCount)
	assert.Equal(t, 1, stats.Summary.Total)
	assert.Len(t, stats.Summary.Daily, 7)
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	run := newCLIRun(t)
	_, err := run.exec(`{"account_id":"A1","text":"price"}`, "process")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestReconcileDrainsScheduledPurge(t *testing.T) {
	run := newCLIRun(t)

	out, err := run.exec("", "reconcile")
	require.NoError(t, err)
	var view ReconcileView
	decodeData(t, out, &view)
	assert.Equal(t, 0, view.Handled)

	out, err = run.exec("", "reconcile", "--schedule-purge")
	require.NoError(t, err)
	view = ReconcileView{}
	decodeData(t, out, &view)
	assert.Equal(t, 1, view.Handled)
	assert.Equal(t, 0, view.Failed)
	assert.Equal(t, 0, view.Queue["pending"])
	assert.Equal(t, 0, view.Queue["dead"])
}

func TestMigrateCommand(t *testing.T) {
	run := newCLIRun(t)
	out, err := run.exec("", "migrate")
	require.NoError(t, err)
	result := map[string]string{}
	decodeData(t, out, &result)
	assert.Equal(t, "sqlite", result["dialect"])
}
