// Package alert delivers operator-visible notifications about credential
// problems that need human attention, such as a pending device authorization.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind classifies an alert.
type Kind string

const (
	// KindAuthorizationRequired asks a user to approve the device on the
	// verification page.
	KindAuthorizationRequired Kind = "authorization_required"
	// KindAuthenticationFailed reports a stored token pair rejected by the API.
	KindAuthenticationFailed Kind = "authentication_failed"
	// KindRefreshExhausted reports that every refresh attempt of a cycle failed.
	KindRefreshExhausted Kind = "refresh_exhausted"
)

// Alert is a single operator notification.
type Alert struct {
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	URL       string    `json:"verification_uri,omitempty"`
	UserCode  string    `json:"user_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the default slog logger.
type LogNotifier struct{}

// Compile-time check to ensure LogNotifier implements Notifier
var _ Notifier = LogNotifier{}

// Notify logs the alert. Authorization requests are warnings, the rest errors.
func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	level := slog.LevelError
	if a.Kind == KindAuthorizationRequired {
		level = slog.LevelWarn
	}
	attrs := []any{"kind", a.Kind, "source", a.Source}
	if a.URL != "" {
		attrs = append(attrs, "verification_uri", a.URL)
	}
	if a.UserCode != "" {
		attrs = append(attrs, "user_code", a.UserCode)
	}
	if a.Detail != "" {
		attrs = append(attrs, "detail", a.Detail)
	}
	slog.Log(ctx, level, a.Message, attrs...)
	return nil
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

// Compile-time check to ensure Multi implements Notifier
var _ Notifier = Multi(nil)

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
