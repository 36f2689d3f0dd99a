package eventstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/florianilch/hcbridge/internal/homeconnect"
	"github.com/florianilch/hcbridge/internal/observability"
)

// ErrStreamDead is reported when no line arrives within the keep-alive timeout.
var ErrStreamDead = errors.New("event stream dead")

// Defaults for Config fields left zero.
const (
	DefaultKeepAliveTimeout = 240 * time.Second
	DefaultReconnectDelay   = 5 * time.Second
	DefaultErrorDelay       = 60 * time.Second
	DefaultRateLimitDelay   = time.Hour
)

const (
	callerName    = "eventstream"
	maxLineLength = 1 << 20
)

// State is the connection state of a Consumer.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// TransportGate hands out a transport handle once a validated token exists.
// *credential.Manager implements it.
type TransportGate interface {
	AcquireTransport(ctx context.Context, caller string) (*homeconnect.Client, error)
}

// Handler receives appliance events. Handlers run synchronously on the
// consumer's goroutine, in subscription order, one event at a time.
type Handler func(ctx context.Context, ev Event)

// Config selects the appliance and tunes reconnect timing.
type Config struct {
	ApplianceName string
	// ApplianceID skips the name lookup when set.
	ApplianceID string

	KeepAliveTimeout time.Duration
	ReconnectDelay   time.Duration
	ErrorDelay       time.Duration
	// RateLimitDelay applies to a 429 without a usable Retry-After.
	RateLimitDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = DefaultErrorDelay
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = DefaultRateLimitDelay
	}
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithMetrics records connection state, reconnects and events.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

type subscription struct {
	id      uint64
	handler Handler
}

// Consumer keeps one event stream open for one appliance, reassembles frames
// and delivers them to subscribers. It reconnects after clean ends, errors,
// rate limits and keep-alive timeouts.
type Consumer struct {
	cfg     Config
	gate    TransportGate
	metrics *observability.Metrics

	startOnce sync.Once
	done      chan struct{}
	state     atomic.Int32

	subMu  sync.RWMutex
	subs   []subscription
	nextID uint64

	// haID is the resolved appliance id; touched only by the run goroutine.
	haID string
}

// New creates a Consumer. Nothing happens until Start.
func New(cfg Config, gate TransportGate, opts ...Option) (*Consumer, error) {
	if gate == nil {
		return nil, fmt.Errorf("missing transport gate")
	}
	if cfg.ApplianceID == "" && cfg.ApplianceName == "" {
		return nil, fmt.Errorf("appliance id or name required")
	}
	cfg.applyDefaults()

	c := &Consumer{
		cfg:  cfg,
		gate: gate,
		done: make(chan struct{}),
		haID: cfg.ApplianceID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe registers h and returns a function that removes it.
func (c *Consumer) Subscribe(h Handler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, handler: h})

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Start launches the consume loop. Only the first call has an effect.
func (c *Consumer) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Done is closed once the consume loop has exited.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetStreamState(s.String())
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	for {
		err := c.attempt(ctx)
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "event stream stopped")
			return
		}
		if err := sleep(ctx, c.backoff(ctx, err)); err != nil {
			slog.InfoContext(ctx, "event stream stopped")
			return
		}
	}
}

// backoff classifies the end of an attempt, moves to the matching state and
// returns the pause before the next one.
func (c *Consumer) backoff(ctx context.Context, err error) time.Duration {
	switch {
	case errors.Is(err, io.EOF):
		c.setState(StateDisconnected)
		c.metrics.IncReconnect("eof")
		slog.InfoContext(ctx, "event stream closed by server", "retry_in", c.cfg.ReconnectDelay)
		return c.cfg.ReconnectDelay
	case errors.Is(err, ErrStreamDead):
		c.setState(StateBackoff)
		c.metrics.IncReconnect("keep_alive_timeout")
		slog.InfoContext(ctx, "event stream silent, reconnecting", "error", err, "retry_in", c.cfg.ReconnectDelay)
		return c.cfg.ReconnectDelay
	}

	if retryAfter, limited := homeconnect.IsRateLimited(err); limited {
		if retryAfter <= 0 {
			retryAfter = c.cfg.RateLimitDelay
		}
		c.setState(StateBackoff)
		c.metrics.IncReconnect("rate_limited")
		slog.WarnContext(ctx, "event stream rate limited", "retry_in", retryAfter)
		return retryAfter
	}

	c.setState(StateDisconnected)
	c.metrics.IncReconnect("error")
	slog.ErrorContext(ctx, "event stream failed", "error", err, "retry_in", c.cfg.ErrorDelay)
	return c.cfg.ErrorDelay
}

// attempt runs one connection until it ends. The returned error says why:
// io.EOF for a clean close, ErrStreamDead for a watchdog expiry, or the
// transport/API error.
func (c *Consumer) attempt(ctx context.Context) error {
	c.setState(StateConnecting)

	slog.InfoContext(ctx, "waiting for authentication")
	client, err := c.gate.AcquireTransport(ctx, callerName)
	if err != nil {
		return err
	}
	haID, err := c.applianceID(ctx, client)
	if err != nil {
		return err
	}

	connID := uuid.NewString()
	log := slog.With("connection_id", connID, "appliance", haID)

	// Each attempt owns its cancellation; nothing outlives it.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	result := make(chan error, 1)
	go func() {
		result <- c.read(connCtx, log, client, haID, lines)
	}()

	watchdog := time.NewTimer(c.cfg.KeepAliveTimeout)
	defer watchdog.Stop()

	var frame assembler
	for {
		select {
		case line := <-lines:
			// Subscribers run here; their time is not stream silence.
			watchdog.Stop()
			c.handleLine(ctx, log, &frame, haID, line)
			watchdog.Reset(c.cfg.KeepAliveTimeout)

		case err := <-result:
			if errors.Is(err, io.EOF) && frame.pending() {
				log.DebugContext(ctx, "stream ended with incomplete frame")
			}
			return err

		case <-watchdog.C:
			cancel()
			<-result
			return fmt.Errorf("%w: no line within %s", ErrStreamDead, c.cfg.KeepAliveTimeout)

		case <-ctx.Done():
			cancel()
			<-result
			return ctx.Err()
		}
	}
}

// read opens the stream and forwards lines until the stream ends or ctx is
// cancelled. It returns io.EOF on a clean end.
func (c *Consumer) read(ctx context.Context, log *slog.Logger, client *homeconnect.Client, haID string, lines chan<- string) error {
	log.DebugContext(ctx, "connecting to event stream")
	body, err := client.StreamEvents(ctx, haID)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	c.setState(StateStreaming)
	log.InfoContext(ctx, "event stream connected")

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineLength)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Consumer) handleLine(ctx context.Context, log *slog.Logger, frame *assembler, haID, line string) {
	ev, complete, err := frame.feed(line)
	if err != nil {
		c.metrics.IncProtocolViolation()
		log.WarnContext(ctx, "ignoring non-conformant stream line", "error", err)
		return
	}
	if !complete {
		return
	}
	if ev.Event == KeepAliveEvent {
		c.metrics.IncKeepAlive()
		log.DebugContext(ctx, "keep-alive received")
		return
	}

	ev.ApplianceID = haID
	c.metrics.IncEvent(ev.Event)
	log.DebugContext(ctx, "appliance event received", "event", ev.Event, "id", ev.ID)
	c.publish(ctx, ev)
}

func (c *Consumer) publish(ctx context.Context, ev Event) {
	c.subMu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.subMu.RUnlock()

	for _, s := range subs {
		s.handler(ctx, ev)
	}
}

// applianceID returns the configured id or resolves it by name once.
func (c *Consumer) applianceID(ctx context.Context, client *homeconnect.Client) (string, error) {
	if c.haID != "" {
		return c.haID, nil
	}
	appliance, err := client.FindAppliance(ctx, c.cfg.ApplianceName)
	if err != nil {
		return "", fmt.Errorf("resolving appliance: %w", err)
	}
	c.haID = appliance.HaID
	slog.InfoContext(ctx, "resolved appliance", "name", appliance.Name, "appliance", appliance.HaID)
	return c.haID, nil
}

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
