package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// TokenFunc supplies a bearer token for the fallback transport. Called per
// request so short-lived credentials can be refreshed mid-run.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc for a fixed credential.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// BearerFallback is the secondary write transport: one document per request
// against a REST endpoint, authenticated with a manually constructed bearer
// credential. Deliberately lower-throughput than the primary store client —
// it exists to keep a run moving when the primary transport times out
// systemically, not to match its speed.
type BearerFallback struct {
	endpoint string
	token    TokenFunc
	client   *retryablehttp.Client
}

// NewBearerFallback creates a fallback writer posting documents under
// endpoint with tokens from token.
func NewBearerFallback(endpoint string, token TokenFunc) *BearerFallback {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultClient()
	client.RetryMax = 1
	client.Logger = nil
	return &BearerFallback{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   client,
	}
}

// WithHTTPClient replaces the underlying HTTP client. Nil is ignored.
func (b *BearerFallback) WithHTTPClient(hc *http.Client) *BearerFallback {
	if hc != nil {
		b.client.HTTPClient = hc
	}
	return b
}

// WriteOne implements SingleWriter: PATCH <endpoint>/<path>?merge=<bool>
// with the payload as JSON body.
func (b *BearerFallback) WriteOne(ctx context.Context, op WriteOp) error {
	if err := op.Validate(); err != nil {
		return err
	}
	tok, err := b.token(ctx)
	if err != nil {
		return fmt.Errorf("obtaining bearer token: %w", err)
	}

	body, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", op.Path, err)
	}

	target := b.endpoint + "/" + strings.TrimLeft(op.Path, "/") +
		"?merge=" + strconv.FormatBool(op.Merge)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building fallback request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("fallback write to %s: %w", op.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fallback write to %s: unexpected status %d: %s",
			op.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Release implements Releaser: drops idle connections held by the client.
func (b *BearerFallback) Release(context.Context) error {
	b.client.HTTPClient.CloseIdleConnections()
	return nil
}
