package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/goliatone/go-automation/core"
	goerrors "github.com/goliatone/go-errors"
)

const (
	MetaSignatureHeader = "X-Hub-Signature-256"
	metaSignaturePrefix = "sha256="
)

type Verifier interface {
	Verify(ctx context.Context, delivery Delivery) error
}

// SignatureVerifier checks a hex HMAC-SHA256 of the raw body carried in a
// request header.
type SignatureVerifier struct {
	Header string
	Prefix string
	Secret string
}

// NewMetaSignatureVerifier verifies X-Hub-Signature-256 with the app secret.
func NewMetaSignatureVerifier(appSecret string) SignatureVerifier {
	return SignatureVerifier{
		Header: MetaSignatureHeader,
		Prefix: metaSignaturePrefix,
		Secret: strings.TrimSpace(appSecret),
	}
}

func (v SignatureVerifier) Verify(_ context.Context, delivery Delivery) error {
	header := strings.TrimSpace(headerValue(delivery.Headers, v.Header))
	if header == "" {
		return unauthorized("webhooks: " + strings.TrimSpace(v.Header) + " signature header is required")
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return goerrors.New("webhooks: signature secret is required", goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.ErrorInternal)
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	decoded, err := hex.DecodeString(signature)
	if err != nil || len(decoded) == 0 {
		return unauthorized("webhooks: signature is not valid hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(delivery.Body)
	if subtle.ConstantTimeCompare(decoded, mac.Sum(nil)) != 1 {
		return unauthorized("webhooks: signature verification failed")
	}
	return nil
}

// VerifySubscription answers the hub.challenge handshake Meta performs when a
// webhook subscription is created.
func VerifySubscription(query map[string]string, verifyToken string) (string, error) {
	expected := strings.TrimSpace(verifyToken)
	if expected == "" {
		return "", goerrors.New("webhooks: verify token is not configured", goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.ErrorInternal)
	}
	if strings.TrimSpace(query["hub.mode"]) != "subscribe" {
		return "", goerrors.New("webhooks: hub.mode must be subscribe", goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode(core.ErrorBadInput)
	}
	actual := strings.TrimSpace(query["hub.verify_token"])
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return "", unauthorized("webhooks: verify token mismatch")
	}
	return strings.TrimSpace(query["hub.challenge"]), nil
}

func unauthorized(message string) error {
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(core.ErrorBadInput)
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
