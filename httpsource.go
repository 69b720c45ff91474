package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// RESTSource is a PageSource over a paginated REST collection following the
// {data: [...], links: [{rel: "next", href}]} convention: the fetcher
// advances by following the next link until absent.
//
// Transport-level resilience (connection errors, transient 5xx) is handled
// by the underlying retryable client; the Fetcher's per-page retry policy
// and attempt accounting sit on top.
type RESTSource struct {
	base    string
	client  *retryablehttp.Client
	headers map[string]string
}

// restEnvelope is the wire shape of one page.
type restEnvelope struct {
	Data  []Record   `json:"data"`
	Links []restLink `json:"links"`
}

type restLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// NewRESTSource creates a page source rooted at baseURL.
func NewRESTSource(baseURL string) *RESTSource {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.RetryMax = 2
	client.Logger = nil
	return &RESTSource{
		base:    strings.TrimRight(baseURL, "/"),
		client:  client,
		headers: make(map[string]string),
	}
}

// WithHeader adds a header sent on every request (API keys, Accept).
func (s *RESTSource) WithHeader(key, value string) *RESTSource {
	s.headers[key] = value
	return s
}

// WithTransportRetries sets the transport-level retry count of the
// underlying client. Negative values are ignored.
func (s *RESTSource) WithTransportRetries(n int) *RESTSource {
	if n >= 0 {
		s.client.RetryMax = n
	}
	return s
}

// WithHTTPClient replaces the underlying HTTP client. Nil is ignored.
func (s *RESTSource) WithHTTPClient(hc *http.Client) *RESTSource {
	if hc != nil {
		s.client.HTTPClient = hc
	}
	return s
}

// FetchPage implements PageSource. An empty next token requests the first
// page of <base>/<path>?<params>; a non-empty token is the absolute or
// relative href taken from the previous page's next link.
func (s *RESTSource) FetchPage(ctx context.Context, path string, params map[string]string, next string) (*Page, error) {
	target, err := s.pageURL(path, params, next)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building page request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetching %s: unexpected status %d: %s",
			target, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope restEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", target, err)
	}

	page := &Page{Data: envelope.Data}
	for _, link := range envelope.Links {
		if strings.EqualFold(link.Rel, "next") && link.Href != "" {
			page.Next = s.absolute(link.Href)
			break
		}
	}
	return page, nil
}

func (s *RESTSource) pageURL(path string, params map[string]string, next string) (string, error) {
	if next != "" {
		return next, nil
	}
	u, err := url.Parse(s.base + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("building page url for %q: %w", path, err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// absolute resolves a next href that the source emitted relative to its base.
func (s *RESTSource) absolute(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return s.base + "/" + strings.TrimLeft(href, "/")
}
