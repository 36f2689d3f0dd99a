package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/hcbridge/internal/alert"
	"github.com/florianilch/hcbridge/internal/homeconnect"
	"github.com/florianilch/hcbridge/internal/observability"
	"github.com/florianilch/hcbridge/internal/tokenstore"
)

var (
	// ErrInvalidCredential marks a token pair rejected during validation.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrRefreshExhausted is reported when every refresh attempt of a cycle failed.
	ErrRefreshExhausted = errors.New("token refresh exhausted")

	// ErrDeviceCodeExpired is returned when the user did not approve the
	// device before the device code expired.
	ErrDeviceCodeExpired = errors.New("device code expired")

	errIncompletePair = errors.New("token response lacks access or refresh token")
)

// Defaults for Config fields left zero.
const (
	DefaultRefreshInterval      = 4 * time.Hour
	DefaultRefreshAttempts      = 10
	DefaultRefreshRetryDelay    = 60 * time.Second
	DefaultPollInterval         = 60 * time.Second
	DefaultValidationRetryDelay = 60 * time.Second
)

// alertSource tags alerts raised by the manager.
const alertSource = "credential"

// Authorizer performs the OAuth2 grants against the authorization server.
// *tokensource.Client implements it.
type Authorizer interface {
	DeviceAuth(ctx context.Context) (*oauth2.DeviceAuthResponse, error)
	DeviceAccessToken(ctx context.Context, da *oauth2.DeviceAuthResponse) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Config describes the account and appliance the manager authenticates for.
type Config struct {
	BaseURL       string
	ApplianceName string
	// ApplianceID is optional; when set it is compared with the id resolved
	// from ApplianceName during validation.
	ApplianceID string

	// RefreshInterval must be shorter than the access token lifetime.
	RefreshInterval      time.Duration
	RefreshAttempts      int
	RefreshRetryDelay    time.Duration
	PollInterval         time.Duration
	ValidationRetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.RefreshAttempts <= 0 {
		c.RefreshAttempts = DefaultRefreshAttempts
	}
	if c.RefreshRetryDelay <= 0 {
		c.RefreshRetryDelay = DefaultRefreshRetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ValidationRetryDelay <= 0 {
		c.ValidationRetryDelay = DefaultValidationRetryDelay
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets where operator alerts go. Defaults to alert.LogNotifier.
func WithNotifier(n alert.Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithMetrics records gate and refresh metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClientOptions passes options to every transport handle the manager builds.
func WithClientOptions(opts ...homeconnect.ClientOption) Option {
	return func(m *Manager) {
		m.clientOpts = append(m.clientOpts, opts...)
	}
}

// Manager owns the credential lifecycle of one account: it loads or obtains a
// token pair, validates it, refreshes it on a timer, and hands out transport
// handles bound to the current access token.
type Manager struct {
	cfg        Config
	auth       Authorizer
	store      tokenstore.TokenStore
	notifier   alert.Notifier
	metrics    *observability.Metrics
	clientOpts []homeconnect.ClientOption

	startOnce sync.Once
	done      chan struct{}

	// flowMu guards validate -> mutate -> publish.
	flowMu  sync.Mutex
	current *TokenPair

	// mu guards the gate below; held only for short critical sections.
	mu          sync.Mutex
	client      *homeconnect.Client
	applianceID string
	available   bool
	ready       chan struct{} // closed while available
}

// New creates a Manager. No I/O is performed until Start.
func New(cfg Config, auth Authorizer, store tokenstore.TokenStore, opts ...Option) (*Manager, error) {
	if auth == nil {
		return nil, fmt.Errorf("missing authorizer")
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if cfg.ApplianceName == "" {
		return nil, fmt.Errorf("missing appliance name")
	}
	if _, err := homeconnect.NewClient(cfg.BaseURL, oauth2.StaticTokenSource(&oauth2.Token{})); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:      cfg,
		auth:     auth,
		store:    store,
		notifier: alert.LogNotifier{},
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start launches the background credential task. Only the first call has an
// effect; the task runs until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.metrics.SetTokenAvailable(false)
		go m.run(ctx)
	})
}

// Done is closed once the background task has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// TokenAvailable reports whether a validated token is currently available.
func (m *Manager) TokenAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// ApplianceID returns the appliance id resolved during the last successful
// validation, or the configured id before that.
func (m *Manager) ApplianceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applianceID != "" {
		return m.applianceID
	}
	return m.cfg.ApplianceID
}

// AcquireTransport blocks until a validated token is available and returns
// the current transport handle. The handle stays bound to the token it was
// created with; callers re-acquire to pick up refreshed tokens.
func (m *Manager) AcquireTransport(ctx context.Context, caller string) (*homeconnect.Client, error) {
	for {
		m.mu.Lock()
		if m.available {
			client := m.client
			m.mu.Unlock()
			return client, nil
		}
		ready := m.ready
		m.mu.Unlock()

		slog.DebugContext(ctx, "token not available, waiting", "caller", caller)
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// publish installs a new transport handle and opens the gate.
func (m *Manager) publish(client *homeconnect.Client, applianceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
	m.applianceID = applianceID
	if !m.available {
		m.available = true
		close(m.ready)
	}
	m.metrics.SetTokenAvailable(true)
}

// withdraw closes the gate; waiters block until the next publish.
func (m *Manager) withdraw() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.available {
		m.available = false
		m.ready = make(chan struct{})
	}
	m.metrics.SetTokenAvailable(false)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	if err := m.authenticate(ctx); err != nil {
		slog.InfoContext(ctx, "credential manager stopped before authentication completed", "error", err)
		return
	}

	// Timer firings are handled here, on the same goroutine as authentication,
	// so refreshes never overlap each other or the startup flow.
	timer := time.NewTimer(m.cfg.RefreshInterval)
	defer timer.Stop()
	slog.DebugContext(ctx, "token refresh timer armed", "interval", m.cfg.RefreshInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.refresh(ctx)
			timer.Reset(m.cfg.RefreshInterval)
		}
	}
}

// authenticate loads, validates, or obtains a token pair. It returns only
// once the gate is open or ctx is done.
func (m *Manager) authenticate(ctx context.Context) error {
	pair, err := m.loadPair(ctx)
	if err != nil {
		slog.WarnContext(ctx, "could not read stored tokens", "error", err)
	}
	if pair != nil {
		err := m.install(ctx, *pair)
		if err == nil {
			slog.InfoContext(ctx, "stored tokens validated")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.WarnContext(ctx, "stored tokens rejected, starting device authorization", "error", err)
	} else {
		slog.InfoContext(ctx, "no stored tokens, starting device authorization")
	}

	for {
		pair, err := m.deviceFlow(ctx)
		if err != nil {
			return err
		}
		if err := m.persist(ctx, pair); err != nil {
			slog.ErrorContext(ctx, "failed to persist token pair", "error", err)
		}
		err = m.install(ctx, pair)
		if err == nil {
			slog.InfoContext(ctx, "device authorization complete")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.ErrorContext(ctx, "tokens from device authorization failed validation", "error", err)
	}
}

// install validates pair and, if valid, makes it current and publishes a
// transport handle bound to it.
func (m *Manager) install(ctx context.Context, pair TokenPair) error {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	client, err := m.newClient(pair)
	if err != nil {
		return err
	}
	applianceID, err := m.validate(ctx, client)
	if err != nil {
		return err
	}

	m.current = &pair
	m.publish(client, applianceID)
	return nil
}

func (m *Manager) newClient(pair TokenPair) (*homeconnect.Client, error) {
	return homeconnect.NewClient(m.cfg.BaseURL, oauth2.StaticTokenSource(pair.oauth2Token()), m.clientOpts...)
}

// validate resolves the configured appliance with client. Rate limits and
// network failures are retried; a 401, an unknown appliance, or any other API
// error makes the pair invalid.
func (m *Manager) validate(ctx context.Context, client *homeconnect.Client) (string, error) {
	for {
		slog.DebugContext(ctx, "validating tokens", "appliance", m.cfg.ApplianceName)
		appliance, err := client.FindAppliance(ctx, m.cfg.ApplianceName)
		if err == nil {
			if m.cfg.ApplianceID != "" && appliance.HaID != m.cfg.ApplianceID {
				slog.WarnContext(ctx, "configured appliance id differs from account",
					"configured", m.cfg.ApplianceID, "resolved", appliance.HaID)
			}
			return appliance.HaID, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var apiErr *homeconnect.APIError
		if retryAfter, limited := homeconnect.IsRateLimited(err); limited {
			if retryAfter <= 0 {
				retryAfter = m.cfg.ValidationRetryDelay
			}
			slog.WarnContext(ctx, "rate limited during token validation", "retry_in", retryAfter)
			if err := sleep(ctx, retryAfter); err != nil {
				return "", err
			}
			continue
		}

		switch {
		case homeconnect.IsUnauthorized(err):
			m.metrics.IncValidationFailure("unauthorized")
			m.notify(ctx, alert.Alert{
				Kind:    alert.KindAuthenticationFailed,
				Message: "Home Connect authentication failure",
				Detail:  err.Error(),
			})
			return "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		case errors.Is(err, homeconnect.ErrApplianceNotFound):
			m.metrics.IncValidationFailure("appliance_not_found")
			return "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		case errors.As(err, &apiErr):
			m.metrics.IncValidationFailure("api_error")
			return "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}

		slog.WarnContext(ctx, "could not reach Home Connect during validation",
			"error", err, "retry_in", m.cfg.ValidationRetryDelay)
		if err := sleep(ctx, m.cfg.ValidationRetryDelay); err != nil {
			return "", err
		}
	}
}

// deviceFlow runs device authorizations until one yields a complete pair.
func (m *Manager) deviceFlow(ctx context.Context) (TokenPair, error) {
	for {
		m.metrics.IncDeviceAuthorization()
		slog.InfoContext(ctx, "starting device authorization")
		da, err := m.auth.DeviceAuth(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return TokenPair{}, ctx.Err()
			}
			slog.ErrorContext(ctx, "could not start device authorization",
				"error", err, "retry_in", m.cfg.PollInterval)
			if err := sleep(ctx, m.cfg.PollInterval); err != nil {
				return TokenPair{}, err
			}
			continue
		}

		m.notify(ctx, alert.Alert{
			Kind:     alert.KindAuthorizationRequired,
			Message:  "Waiting for authentication on " + verificationURI(da),
			URL:      verificationURI(da),
			UserCode: da.UserCode,
		})

		pair, err := m.pollDeviceToken(ctx, da)
		if err == nil {
			return pair, nil
		}
		if ctx.Err() != nil {
			return TokenPair{}, ctx.Err()
		}
		slog.WarnContext(ctx, "device authorization abandoned, starting over", "error", err)
	}
}

// pollDeviceToken polls the token endpoint at the configured interval until
// the user approves or the device code becomes unusable.
func (m *Manager) pollDeviceToken(ctx context.Context, da *oauth2.DeviceAuthResponse) (TokenPair, error) {
	poll := *da
	poll.Interval = max(int64(m.cfg.PollInterval/time.Second), 1)

	for {
		tok, err := m.auth.DeviceAccessToken(ctx, &poll)
		if err == nil {
			pair := pairFromToken(tok)
			if pair.complete() {
				return pair, nil
			}
			err = errIncompletePair
		}
		if ctx.Err() != nil {
			return TokenPair{}, ctx.Err()
		}
		if !da.Expiry.IsZero() && !time.Now().Before(da.Expiry) {
			return TokenPair{}, ErrDeviceCodeExpired
		}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && (retrieveErr.ErrorCode == "expired_token" || retrieveErr.ErrorCode == "access_denied") {
			return TokenPair{}, err
		}

		slog.ErrorContext(ctx, "could not retrieve access token",
			"error", err, "retry_in", m.cfg.PollInterval)
		if err := sleep(ctx, m.cfg.PollInterval); err != nil {
			return TokenPair{}, err
		}
	}
}

// refresh performs one refresh cycle. The gate stays closed from the start of
// the cycle until a refresh succeeds; after the last failed attempt it stays
// closed until the next cycle.
func (m *Manager) refresh(ctx context.Context) {
	slog.InfoContext(ctx, "token about to expire, refreshing")
	m.withdraw()

	m.flowMu.Lock()
	refreshToken := m.current.RefreshToken
	m.flowMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.RefreshAttempts; attempt++ {
		tok, err := m.auth.Refresh(ctx, refreshToken)
		if err == nil {
			err = m.installRefreshed(ctx, pairFromToken(tok))
		}
		if err == nil {
			m.metrics.ObserveRefresh("success")
			slog.InfoContext(ctx, "access token refreshed", "attempt", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}

		lastErr = err
		m.metrics.ObserveRefresh("failure")
		slog.ErrorContext(ctx, "could not refresh access token",
			"error", err, "attempt", attempt, "max_attempts", m.cfg.RefreshAttempts)
		if attempt < m.cfg.RefreshAttempts {
			if err := sleep(ctx, m.cfg.RefreshRetryDelay); err != nil {
				return
			}
		}
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrRefreshExhausted, m.cfg.RefreshAttempts, lastErr)
	m.metrics.ObserveRefresh("exhausted")
	slog.ErrorContext(ctx, "API access suspended until next refresh cycle",
		"error", err, "next_cycle_in", m.cfg.RefreshInterval)
	m.notify(ctx, alert.Alert{
		Kind:    alert.KindRefreshExhausted,
		Message: fmt.Sprintf("Home Connect token refresh failed %d times", m.cfg.RefreshAttempts),
		Detail:  err.Error(),
	})
}

// installRefreshed persists a refreshed pair and publishes a new handle.
func (m *Manager) installRefreshed(ctx context.Context, pair TokenPair) error {
	if !pair.complete() {
		return errIncompletePair
	}

	m.flowMu.Lock()
	defer m.flowMu.Unlock()

	client, err := m.newClient(pair)
	if err != nil {
		return err
	}
	if err := m.persist(ctx, pair); err != nil {
		// The pair is still usable from memory; the next refresh persists again.
		slog.ErrorContext(ctx, "failed to persist refreshed token pair", "error", err)
	}

	m.current = &pair
	m.publish(client, m.ApplianceID())
	return nil
}

func (m *Manager) notify(ctx context.Context, a alert.Alert) {
	a.Source = alertSource
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if err := m.notifier.Notify(ctx, a); err != nil {
		slog.WarnContext(ctx, "failed to deliver alert", "kind", a.Kind, "error", err)
	}
}

func verificationURI(da *oauth2.DeviceAuthResponse) string {
	if da.VerificationURIComplete != "" {
		return da.VerificationURIComplete
	}
	return da.VerificationURI
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
