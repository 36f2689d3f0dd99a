package tokensource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	deviceCodeGrantURN = "urn:ietf:params:oauth:grant-type:device_code"
	deviceCodeGrant    = "device_code"
)

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for New.
type clientConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
}

// WithTransport sets a custom base transport for authorization server requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds each request to the authorization server.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// Client performs device authorization, device-code polling, and refresh
// grants against the Home Connect authorization server.
type Client struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// New creates a Client for a confidential client registration.
func New(clientID, clientSecret string, endpoint oauth2.Endpoint, opts ...Option) *Client {
	cfg := &clientConfig{
		baseTransport: http.DefaultTransport,
		timeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		httpClient: &http.Client{
			Timeout: cfg.timeout,
			Transport: &tokenRequestTransport{
				base: cfg.baseTransport,
			},
		},
	}
}

// withHTTPClient injects the rewriting HTTP client the way the oauth2 package
// expects it: through the oauth2.HTTPClient context key.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// DeviceAuth starts a device authorization by posting the client id to the
// device authorization endpoint.
func (c *Client) DeviceAuth(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	da, err := c.config.DeviceAuth(c.withHTTPClient(ctx))
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	return da, nil
}

// DeviceAccessToken polls the token endpoint every da.Interval seconds until
// the user approves, the device code expires, or ctx is done. Pending
// authorizations are retried; any other rejection is returned.
func (c *Client) DeviceAccessToken(ctx context.Context, da *oauth2.DeviceAuthResponse) (*oauth2.Token, error) {
	return c.config.DeviceAccessToken(c.withHTTPClient(ctx), da)
}

// Refresh exchanges refreshToken for a new token pair. If the server omits a
// new refresh token the previous one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	// A token without access token is never valid, forcing a refresh grant.
	return c.config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// tokenRequestTransport rewrites the RFC 8628 grant type to the literal value
// Home Connect expects and logs rejected token requests.
// The oauth2 package guarantees this transport only receives authorization server requests.
type tokenRequestTransport struct {
	base http.RoundTripper
}

// Compile-time check that tokenRequestTransport implements http.RoundTripper.
var _ http.RoundTripper = (*tokenRequestTransport)(nil)

// RoundTrip rewrites the form-encoded body when it carries the device-code grant.
func (t *tokenRequestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil {
		return t.base.RoundTrip(req)
	}

	// Defer close since we consume the body entirely and create a new body for the cloned request.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	grantType := formData.Get("grant_type")
	if grantType == deviceCodeGrantURN {
		grantType = deviceCodeGrant
		formData.Set("grant_type", grantType)
	}
	encoded := formData.Encode()

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(strings.NewReader(encoded))
	newReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(encoded)), nil
	}
	newReq.ContentLength = int64(len(encoded))

	resp, err := t.base.RoundTrip(newReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if grantType == "" {
			grantType = "device_authorization"
		}
		slog.InfoContext(req.Context(), "authorization server rejected request",
			"grant_type", grantType, "status", resp.StatusCode)
	}
	return resp, nil
}
