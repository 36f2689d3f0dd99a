// Package command queues appliance commands and executes them one at a time
// once an authenticated transport is available.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/florianilch/hcbridge/internal/homeconnect"
	"github.com/florianilch/hcbridge/internal/observability"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has no free slot.
	ErrQueueFull = errors.New("command queue full")

	// ErrUnknownCommand is returned for command names the dispatcher does not know.
	ErrUnknownCommand = errors.New("unknown command")
)

// DefaultQueueSize bounds the number of pending commands.
const DefaultQueueSize = 16

const callerName = "command"

// Kind names an appliance command.
type Kind string

const (
	StartSelectedProgram Kind = "StartSelectedProgram"
	StopActiveProgram    Kind = "StopActiveProgram"
	SetPowerState        Kind = "SetPowerState"
)

var powerStates = map[string]homeconnect.PowerState{
	"on":      homeconnect.PowerStateOn,
	"off":     homeconnect.PowerStateOff,
	"standby": homeconnect.PowerStateStandby,
}

// Command is one queued request against an appliance.
type Command struct {
	ID          string    `json:"id"`
	ApplianceID string    `json:"haId"`
	Kind        Kind      `json:"command"`
	Value       string    `json:"value,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
}

// Validate checks the command name and its value.
func (c Command) Validate() error {
	if c.ApplianceID == "" {
		return fmt.Errorf("missing appliance id")
	}
	switch c.Kind {
	case StartSelectedProgram, StopActiveProgram:
		return nil
	case SetPowerState:
		if _, ok := powerStates[normalizePower(c.Value)]; !ok {
			return fmt.Errorf("invalid power state %q: want On, Off or Standby", c.Value)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Kind)
	}
}

// TransportGate hands out a transport handle once a validated token exists.
type TransportGate interface {
	AcquireTransport(ctx context.Context, caller string) (*homeconnect.Client, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Command, n)
		}
	}
}

// WithMetrics counts executed commands.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// Dispatcher executes queued commands sequentially.
type Dispatcher struct {
	gate    TransportGate
	queue   chan Command
	metrics *observability.Metrics
}

// NewDispatcher creates a Dispatcher. Commands are executed by Run.
func NewDispatcher(gate TransportGate, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gate:  gate,
		queue: make(chan Command, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue validates cmd, assigns it an id and queues it without blocking.
func (d *Dispatcher) Enqueue(cmd Command) (Command, error) {
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	cmd.ID = uuid.NewString()
	cmd.QueuedAt = time.Now().UTC()

	select {
	case d.queue <- cmd:
		return cmd, nil
	default:
		d.metrics.ObserveCommand(string(cmd.Kind), "rejected")
		return Command{}, ErrQueueFull
	}
}

// Run executes queued commands until ctx is cancelled. Each command waits
// for the transport gate; a failed command is logged and dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-d.queue:
			d.execute(ctx, cmd)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command) {
	log := slog.With("command_id", cmd.ID, "command", cmd.Kind, "appliance", cmd.ApplianceID)

	client, err := d.gate.AcquireTransport(ctx, callerName)
	if err != nil {
		log.WarnContext(ctx, "command dropped", "error", err)
		return
	}

	start := time.Now()
	err = d.apply(ctx, client, cmd)
	if err != nil {
		result := "error"
		if _, limited := homeconnect.IsRateLimited(err); limited {
			result = "rate_limited"
		}
		d.metrics.ObserveCommand(string(cmd.Kind), result)
		log.ErrorContext(ctx, "command failed", "error", err)
		return
	}

	d.metrics.ObserveCommand(string(cmd.Kind), "ok")
	log.InfoContext(ctx, "command executed", "duration", time.Since(start))
}

func (d *Dispatcher) apply(ctx context.Context, client *homeconnect.Client, cmd Command) error {
	switch cmd.Kind {
	case StartSelectedProgram:
		program, err := client.SelectedProgram(ctx, cmd.ApplianceID)
		if err != nil {
			return fmt.Errorf("reading selected program: %w", err)
		}
		return client.StartProgram(ctx, cmd.ApplianceID, *program)
	case StopActiveProgram:
		return client.StopActiveProgram(ctx, cmd.ApplianceID)
	case SetPowerState:
		return client.SetPowerState(ctx, cmd.ApplianceID, powerStates[normalizePower(cmd.Value)])
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
}

func normalizePower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
