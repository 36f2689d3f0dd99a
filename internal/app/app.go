package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/hcbridge/internal/alert"
	"github.com/florianilch/hcbridge/internal/command"
	"github.com/florianilch/hcbridge/internal/credential"
	"github.com/florianilch/hcbridge/internal/eventstream"
	"github.com/florianilch/hcbridge/internal/homeconnect"
	"github.com/florianilch/hcbridge/internal/observability"
	"github.com/florianilch/hcbridge/internal/server"
	"github.com/florianilch/hcbridge/internal/sink"
	"github.com/florianilch/hcbridge/internal/tokensource"
)

// App orchestrates the credential manager, the event stream, the command
// dispatcher, the event sinks and the local server.
type App struct {
	cfg *Config

	registry    *prometheus.Registry
	redis       *redis.Client
	credentials *credential.Manager
	stream      *eventstream.Consumer
	commands    *command.Dispatcher
	events      *server.Broadcaster
	server      *server.Server
	kafka       *sink.KafkaPublisher
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	clientOpts []homeconnect.ClientOption
	authOpts   []tokensource.Option
}

// WithClientOptions passes options to every Home Connect API client.
func WithClientOptions(opts ...homeconnect.ClientOption) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithAuthOptions passes options to the OAuth2 client.
func WithAuthOptions(opts ...tokensource.Option) Option {
	return func(o *options) {
		o.authOpts = append(o.authOpts, opts...)
	}
}

// New creates a new App instance. No network I/O is performed.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		redis:    cfg.NewRedisClient(),
		events:   server.NewBroadcaster(0),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(a.registry)

	store, err := cfg.NewTokenStore(a.redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	notifier, err := newNotifier(cfg.Alert)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert notifier: %w", err)
	}

	clientOpts := append([]homeconnect.ClientOption{
		homeconnect.WithRequestTimeout(cfg.HomeConnect.RequestTimeout),
	}, o.clientOpts...)

	authorizer := tokensource.New(
		cfg.HomeConnect.ClientID,
		cfg.HomeConnect.ClientSecret,
		tokensource.Endpoint(cfg.HomeConnect.DeviceAuthURL, cfg.HomeConnect.TokenURL),
		o.authOpts...,
	)

	a.credentials, err = credential.New(cfg.credentialConfig(), authorizer, store,
		credential.WithNotifier(notifier),
		credential.WithMetrics(metrics),
		credential.WithClientOptions(clientOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential manager: %w", err)
	}

	a.stream, err = eventstream.New(cfg.streamConfig(), a.credentials, eventstream.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create event stream consumer: %w", err)
	}

	a.commands = command.NewDispatcher(a.credentials, command.WithMetrics(metrics))

	if err := a.subscribeSinks(); err != nil {
		return nil, err
	}

	if cfg.ServerEnabled() {
		a.server, err = server.New(server.Deps{
			Token:    a.credentials,
			Stream:   a.stream,
			Commands: a.commands,
			Events:   a.events,
			Gatherer: a.registry,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create server: %w", err)
		}
	}

	return a, nil
}

// subscribeSinks attaches every configured event sink to the stream.
func (a *App) subscribeSinks() error {
	a.stream.Subscribe(sink.Log{}.Handle)
	a.stream.Subscribe(a.events.Handle)

	if len(a.cfg.Kafka.Brokers) > 0 {
		writer, err := sink.NewKafkaWriter(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("failed to create kafka writer: %w", err)
		}
		a.kafka = sink.NewKafkaPublisher(writer)
		a.stream.Subscribe(a.kafka.Handle)
	}

	if channel := a.cfg.redisChannel(); channel != "" {
		a.stream.Subscribe(sink.NewRedisPublisher(a.redis, channel).Handle)
	}
	return nil
}

func newNotifier(cfg AlertConfig) (alert.Notifier, error) {
	notifiers := alert.Multi{alert.LogNotifier{}}
	if cfg.WebhookURL != "" {
		webhook, err := alert.NewWebhookNotifier(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	return notifiers, nil
}

// Credentials returns the credential manager.
func (a *App) Credentials() *credential.Manager {
	return a.credentials
}

// Start starts all services and blocks until ctx is cancelled or a service
// fails. Shutdown runs in reverse start order and its errors are joined.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	var shutdownFuncs []func(context.Context) error
	if a.redis != nil {
		shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return a.redis.Close() })
	}
	if a.kafka != nil {
		shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return a.kafka.Close() })
	}

	// Startup phase: Start services
	a.credentials.Start(gCtx)
	shutdownFuncs = append(shutdownFuncs, waitFor("credential manager", a.credentials.Done()))

	a.stream.Start(gCtx)
	shutdownFuncs = append(shutdownFuncs, waitFor("event stream", a.stream.Done()))

	g.Go(func() error {
		return a.commands.Run(gCtx)
	})

	if a.server != nil {
		address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
		slog.InfoContext(gCtx, "starting status server", "address", address)
		serverErrCh, err := a.server.Start(gCtx, address)
		if err != nil {
			cancel()
			return errors.Join(fmt.Errorf("server startup failed: %w", err), a.shutdown(shutdownFuncs, g.Wait()))
		}
		shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

		// Monitor runtime errors - errgroup cancels context on first error
		g.Go(func() error {
			select {
			case err := <-serverErrCh:
				if err != nil {
					slog.ErrorContext(gCtx, "server runtime error", "error", err)
					return fmt.Errorf("server: %w", err)
				}
				return nil
			case <-gCtx.Done():
				return nil
			}
		})
	}

	slog.InfoContext(gCtx, "application ready", "appliance", a.cfg.HomeConnect.ApplianceName)

	runtimeErr := g.Wait()

	slog.InfoContext(ctx, "shutting down services")
	return a.shutdown(shutdownFuncs, runtimeErr)
}

func (a *App) shutdown(shutdownFuncs []func(context.Context) error, runtimeErr error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// Login runs the credential flow until a validated token is available and
// returns the appliances visible to the account.
func (a *App) Login(ctx context.Context) ([]homeconnect.Appliance, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-a.credentials.Done()
		if a.redis != nil {
			_ = a.redis.Close()
		}
	}()

	a.credentials.Start(ctx)
	client, err := a.credentials.AcquireTransport(ctx, "login")
	if err != nil {
		return nil, err
	}
	return client.ListAppliances(ctx)
}

// waitFor returns a shutdown func that waits until done is closed.
func waitFor(name string, done <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%s did not stop: %w", name, ctx.Err())
		}
	}
}
