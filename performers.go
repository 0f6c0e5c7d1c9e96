package automation

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-automation/transport"
)

// GraphConfig configures the Graph API action performer.
type GraphConfig struct {
	BaseURL     string            `koanf:"base_url" mapstructure:"base_url"`
	Tokens      map[string]string `koanf:"tokens" mapstructure:"tokens"`
	CallTimeout time.Duration     `koanf:"call_timeout" mapstructure:"call_timeout"`
}

// GraphPerformer builds the Graph API performer with static per-account
// tokens. Use transport.NewGraphClient directly for a dynamic token source.
func GraphPerformer(cfg GraphConfig, client *http.Client) (*transport.GraphClient, error) {
	tokens := transport.StaticTokens{}
	for accountID, token := range cfg.Tokens {
		accountID = strings.TrimSpace(accountID)
		if accountID == "" || strings.TrimSpace(token) == "" {
			continue
		}
		tokens[accountID] = token
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("automation: graph performer needs at least one account token")
	}
	var doer transport.HTTPDoer
	if client != nil {
		doer = client
	}
	graph := transport.NewGraphClient(cfg.BaseURL, tokens, doer)
	if cfg.CallTimeout > 0 {
		graph.CallTimeout = cfg.CallTimeout
	}
	return graph, nil
}
