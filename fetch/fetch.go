// Package fetch provides the default tree.Fetcher implementation: a plain
// net/http client, grounded on the teacher's getSegment/Transport functions
// (3052-maya network.go, net.go). HTTP transport itself stays an external
// collaborator per the engine's scope -- this package is the thin adapter
// the engine is built against, not a feature of the engine.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
)

// Client implements tree.Fetcher over net/http.
type Client struct {
	HTTP *http.Client
}

func New() *Client {
	return &Client{HTTP: http.DefaultClient}
}

// NewHTTP1Only builds a Client whose transport refuses HTTP/2 during the TLS
// handshake (ALPN), grounded on the teacher's NewHTTP1OnlyTransport -- some
// origin servers misbehave on byte-range segment requests over HTTP/2.
func NewHTTP1Only() *Client {
	return &Client{HTTP: &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{NextProtos: []string{"http/1.1"}},
	}}}
}

// Download performs a GET, returning the (possibly redirected) effective
// URL and the full response body.
func (c *Client) Download(ctx context.Context, url string, headers http.Header) (effectiveURL string, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("fetch: build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", nil, fmt.Errorf("fetch: %s: unexpected status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if resp.Request != nil && resp.Request.URL != nil {
		effectiveURL = resp.Request.URL.String()
	}
	return effectiveURL, data, nil
}

// SetProxy installs a logging/debugging proxy hook on http.DefaultTransport,
// mirroring the teacher's shared.go SetProxy -- useful for the CLI harness,
// kept outside the engine's own concerns.
func SetProxy(proxy func(*http.Request) (*http.Response, error)) {
	http.DefaultTransport = &proxyTransport{proxy: proxy, next: http.DefaultTransport}
}

type proxyTransport struct {
	proxy func(*http.Request) (*http.Response, error)
	next  http.RoundTripper
}

func (p *proxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if p.proxy != nil {
		if resp, err := p.proxy(req); resp != nil || err != nil {
			return resp, err
		}
	}
	return p.next.RoundTrip(req)
}
