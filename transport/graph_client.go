package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-automation/core"
	goerrors "github.com/goliatone/go-errors"
)

const (
	DefaultGraphBaseURL = "https://graph.facebook.com/v23.0"

	defaultGraphCallTimeout  = 10 * time.Second
	defaultRetryAfterOn429   = 5 * time.Second
	idempotencyKeyHeader     = "Idempotency-Key"
	graphErrorDetailMaxBytes = 512
)

// TokenSource returns the page or user access token for a connected account.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

type StaticTokens map[string]string

func (t StaticTokens) AccessToken(_ context.Context, accountID string) (string, error) {
	token := strings.TrimSpace(t[strings.TrimSpace(accountID)])
	if token == "" {
		return "", fmt.Errorf("transport: no access token for account %q", accountID)
	}
	return token, nil
}

// GraphClient performs automation actions against an Instagram Graph API
// shaped endpoint. Comment replies go to /{comment_id}/replies and direct
// messages to /{account_id}/messages. A direct message on a comment event is a
// private reply addressed by comment id; otherwise the sender id is required.
type GraphClient struct {
	BaseURL     string
	Tokens      TokenSource
	HTTP        *RESTAdapter
	CallTimeout time.Duration
}

func NewGraphClient(baseURL string, tokens TokenSource, client HTTPDoer) *GraphClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	return &GraphClient{
		BaseURL:     baseURL,
		Tokens:      tokens,
		HTTP:        NewRESTAdapter(client),
		CallTimeout: defaultGraphCallTimeout,
	}
}

// SupportsIdempotency reports that every request carries an Idempotency-Key.
func (c *GraphClient) SupportsIdempotency() bool {
	return true
}

func (c *GraphClient) PerformAction(ctx context.Context, req core.ActionRequest) (core.ActionResult, error) {
	if c == nil || c.HTTP == nil {
		return core.ActionResult{}, core.PermanentActionError("graph client is not configured", nil)
	}
	if c.Tokens == nil {
		return core.ActionResult{}, core.PermanentActionError("graph client has no token source", nil)
	}

	endpoint, payload, err := c.route(req)
	if err != nil {
		return core.ActionResult{}, err
	}
	token, err := c.Tokens.AccessToken(ctx, req.AccountID)
	if err != nil {
		return core.ActionResult{}, core.PermanentActionError("resolve access token", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return core.ActionResult{}, core.PermanentActionError("encode graph payload", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers[idempotencyKeyHeader] = key
	}

	res, err := c.HTTP.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     endpoint,
		Headers: headers,
		Body:    body,
		Timeout: c.CallTimeout,
	})
	if err != nil {
		return core.ActionResult{}, classifyTransportError(ctx, err)
	}
	return interpretGraphResponse(res)
}

func (c *GraphClient) route(req core.ActionRequest) (string, map[string]any, error) {
	message := strings.TrimSpace(req.Message)
	switch req.RuleType {
	case core.RuleTypeCommentReply:
		if req.EventType == core.EventTypeDirectMessage {
			return "", nil, core.PermanentActionError("comment reply requires a comment event", nil)
		}
		commentID := strings.TrimSpace(req.EventID)
		if commentID == "" {
			return "", nil, core.PermanentActionError("comment reply requires a comment id", nil)
		}
		return c.endpoint(commentID, "replies"), map[string]any{"message": message}, nil
	case core.RuleTypeDM:
		accountID := strings.TrimSpace(req.AccountID)
		if accountID == "" {
			return "", nil, core.PermanentActionError("direct message requires an account id", nil)
		}
		recipient := map[string]any{}
		switch {
		case req.EventType == core.EventTypeComment && strings.TrimSpace(req.EventID) != "":
			recipient["comment_id"] = strings.TrimSpace(req.EventID)
		case strings.TrimSpace(req.TargetID) != "":
			recipient["id"] = strings.TrimSpace(req.TargetID)
		default:
			return "", nil, core.PermanentActionError("direct message requires a recipient", nil)
		}
		return c.endpoint(accountID, "messages"), map[string]any{
			"recipient": recipient,
			"message":   map[string]any{"text": message},
		}, nil
	case core.RuleTypeFollow:
		return "", nil, core.PermanentActionError("follow actions are not supported by the graph api", nil)
	default:
		return "", nil, core.PermanentActionError(fmt.Sprintf("rule type %q has no graph action", req.RuleType), nil)
	}
}

func (c *GraphClient) endpoint(node string, edge string) string {
	return c.BaseURL + "/" + url.PathEscape(node) + "/" + edge
}

type graphErrorBody struct {
	Error struct {
		Message     string `json:"message"`
		Type        string `json:"type"`
		Code        int    `json:"code"`
		IsTransient bool   `json:"is_transient"`
	} `json:"error"`
}

type graphSuccessBody struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

func interpretGraphResponse(res Response) (core.ActionResult, error) {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		var decoded graphSuccessBody
		_ = json.Unmarshal(res.Body, &decoded)
		ref := strings.TrimSpace(decoded.ID)
		if ref == "" {
			ref = strings.TrimSpace(decoded.MessageID)
		}
		return core.ActionResult{
			ExternalRef: ref,
			Metadata: map[string]any{
				"status_code": res.StatusCode,
				"duration_ms": res.Duration.Milliseconds(),
			},
		}, nil
	}

	reason := graphErrorReason(res)
	actionErr := &core.ActionError{
		Class:      core.ErrorClassPermanent,
		StatusCode: res.StatusCode,
		Reason:     reason,
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		actionErr.Class = core.ErrorClassTransient
		actionErr.RetryAfter = defaultRetryAfterOn429
		if hint, ok := ParseRetryAfter(res.Headers["Retry-After"], time.Now()); ok {
			actionErr.RetryAfter = hint
		}
	case res.StatusCode >= 500:
		actionErr.Class = core.ErrorClassTransient
		if hint, ok := ParseRetryAfter(res.Headers["Retry-After"], time.Now()); ok {
			actionErr.RetryAfter = hint
		}
	case isTransientGraphError(res.Body):
		actionErr.Class = core.ErrorClassTransient
	}
	return core.ActionResult{}, actionErr
}

func graphErrorReason(res Response) string {
	var decoded graphErrorBody
	if err := json.Unmarshal(res.Body, &decoded); err == nil && strings.TrimSpace(decoded.Error.Message) != "" {
		if decoded.Error.Code > 0 {
			return fmt.Sprintf("%s (code %d)", strings.TrimSpace(decoded.Error.Message), decoded.Error.Code)
		}
		return strings.TrimSpace(decoded.Error.Message)
	}
	text := strings.TrimSpace(string(res.Body))
	if len(text) > graphErrorDetailMaxBytes {
		text = text[:graphErrorDetailMaxBytes]
	}
	if text == "" {
		text = http.StatusText(res.StatusCode)
	}
	return text
}

func isTransientGraphError(body []byte) bool {
	var decoded graphErrorBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false
	}
	return decoded.Error.IsTransient
}

// classifyTransportError maps adapter failures to action errors. A done
// caller context surfaces as the context error so the dispatcher stops.
func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && (rich.Category == goerrors.CategoryBadInput || rich.Category == goerrors.CategoryInternal) {
		return core.PermanentActionError("graph request rejected", err)
	}
	return core.TransientActionError("graph request failed", err)
}

// ParseRetryAfter reads a Retry-After header in delta-seconds or HTTP-date form.
func ParseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	when, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	wait := when.Sub(now)
	if wait <= 0 {
		return 0, false
	}
	return wait, true
}

var (
	_ core.ActionPerformer  = (*GraphClient)(nil)
	_ core.IdempotencyAware = (*GraphClient)(nil)
)
