package homeconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
	"golang.org/x/oauth2"
)

// mediaType is the vendor JSON media type accepted and sent by the REST API.
const mediaType = "application/vnd.bsh.sdk.v1+json"

// DefaultRequestTimeout bounds REST calls. Event streams are not bounded.
const DefaultRequestTimeout = 10 * time.Second

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseTransport  http.RoundTripper
	requestTimeout time.Duration
}

// WithTransport sets the base transport below the bearer-token transport.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithRequestTimeout bounds each non-streaming request.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.requestTimeout = d
	}
}

// Client is an authenticated handle to the Home Connect REST API.
// A Client is bound to the token source it was built with and is never
// mutated; callers replace it when the token changes.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewClient creates a Client that authenticates every request with tokens from ts.
func NewClient(baseURL string, ts oauth2.TokenSource, opts ...ClientOption) (*Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("missing token source")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	cfg := &clientConfig{
		baseTransport:  http.DefaultTransport,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No client-level timeout: event streams stay open indefinitely.
		// REST calls are bounded per request instead.
		httpClient: &http.Client{
			Transport: &oauth2.Transport{Source: ts, Base: cfg.baseTransport},
		},
		requestTimeout: cfg.requestTimeout,
	}, nil
}

// appliancePath renders /homeappliances/{haId}/<suffix> with the haId encoded
// the way the generated vendor client encodes path parameters.
func appliancePath(haID string, suffix string) (string, error) {
	param, err := runtime.StyleParamWithLocation("simple", false, "haId", runtime.ParamLocationPath, haID)
	if err != nil {
		return "", fmt.Errorf("encoding haId: %w", err)
	}
	path := "/homeappliances/" + param
	if suffix != "" {
		path += "/" + suffix
	}
	return path, nil
}

// do performs a JSON request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", mediaType)
	if in != nil {
		req.Header.Set("Content-Type", mediaType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
