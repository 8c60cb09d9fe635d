package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/webhook-engine/internal/domain"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "community-lending-webhooks/1.0"

	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-Id"
	HeaderTimestamp = "X-Webhook-Timestamp"

	timeoutBody = "timeout"
)

// WebhookProvider posts signed envelopes to subscriber endpoints.
type WebhookProvider struct {
	client    *resty.Client
	timeout   time.Duration
	userAgent string
	now       func() time.Time
}

func NewWebhookProvider(timeout time.Duration, userAgent string) (*WebhookProvider, error) {
	return NewWebhookProviderWithClient(resty.New(), timeout, userAgent)
}

func NewWebhookProviderWithClient(client *resty.Client, timeout time.Duration, userAgent string) (*WebhookProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}

	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetRedirectPolicy(resty.NoRedirectPolicy())

	return &WebhookProvider{
		client:    client,
		timeout:   timeout,
		userAgent: userAgent,
		now:       time.Now,
	}, nil
}

func (p *WebhookProvider) Send(ctx context.Context, req SendRequest) Outcome {
	if p == nil || p.client == nil {
		return Outcome{Err: &ProviderError{Message: "provider is not initialized"}}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := domain.ValidateTargetURL(req.URL); err != nil {
		return Outcome{Err: &ProviderError{Message: "invalid target url", Cause: err}}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	response, err := p.client.R().
		SetContext(sendCtx).
		SetDoNotParseResponse(true).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", p.userAgent).
		SetHeader(HeaderSignature, req.Signature).
		SetHeader(HeaderID, req.DeliveryID).
		SetHeader(HeaderTimestamp, req.Timestamp).
		SetBody(req.Envelope).
		Post(req.URL)

	if err != nil {
		outcome := Outcome{DurationMs: p.elapsedMs(start)}
		if response != nil && response.StatusCode() > 0 {
			code := response.StatusCode()
			outcome.StatusCode = &code
		}
		closeRawBody(response)

		if IsTimeout(err) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			outcome.Body = timeoutBody
			outcome.Err = &ProviderError{Message: "request timed out", Timeout: true, Cause: err}
			return outcome
		}
		outcome.Err = &ProviderError{Message: "request failed", Cause: err}
		return outcome
	}
	if response == nil {
		return Outcome{
			DurationMs: p.elapsedMs(start),
			Err:        &ProviderError{Message: "empty response"},
		}
	}

	body, readErr := readLimitedBody(response)
	statusCode := response.StatusCode()
	outcome := Outcome{
		StatusCode: &statusCode,
		Body:       body,
		DurationMs: p.elapsedMs(start),
	}

	if readErr != nil && IsTimeout(readErr) {
		outcome.Body = timeoutBody
		outcome.Err = &ProviderError{StatusCode: statusCode, Message: "response timed out", Timeout: true, Cause: readErr}
		return outcome
	}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		outcome.OK = true
		return outcome
	}

	outcome.Err = &ProviderError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("endpoint returned status %d", statusCode),
	}
	return outcome
}

func (p *WebhookProvider) elapsedMs(start time.Time) int64 {
	elapsed := p.now().Sub(start).Milliseconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// readLimitedBody reads at most MaxResponseBodyLength bytes and drains nothing else.
func readLimitedBody(response *resty.Response) (string, error) {
	raw := response.RawBody()
	if raw == nil {
		return "", nil
	}
	defer raw.Close() //nolint:errcheck

	buf, err := io.ReadAll(io.LimitReader(raw, domain.MaxResponseBodyLength))
	return domain.Truncate(strings.TrimSpace(string(buf)), domain.MaxResponseBodyLength), err
}

func closeRawBody(response *resty.Response) {
	if response == nil || response.RawBody() == nil {
		return
	}
	_ = response.RawBody().Close()
}
