package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies log records emitted through the OpenTelemetry bridge.
const instrumentationName = "github.com/florianilch/hcbridge"

// Supported log formats.
const (
	FormatText     = "text"
	FormatJSON     = "json"
	FormatOTel     = "otel"
	FormatOTLPHTTP = "otlp-http"
	FormatOTLPGRPC = "otlp-grpc"
)

// Instrument installs the default slog logger for the given level and format.
// Text and JSON write to stderr directly. The OpenTelemetry formats route
// records through the log SDK: "otel" prints them to stderr, "otlp-http" and
// "otlp-grpc" export them to a collector configured via the standard
// OTEL_EXPORTER_OTLP_* environment variables.
//
// The returned function flushes pending records and must be called on shutdown.
func Instrument(ctx context.Context, level slog.Level, format string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	opts := &slog.HandlerOptions{Level: level}

	var exporter sdklog.Exporter
	var err error
	switch format {
	case FormatText, "":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return noop, nil
	case FormatJSON:
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		return noop, nil
	case FormatOTel:
		exporter, err = stdoutlog.New(stdoutlog.WithWriter(os.Stderr))
	case FormatOTLPHTTP:
		exporter, err = otlploghttp.New(ctx)
	case FormatOTLPGRPC:
		exporter, err = otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s log exporter: %w", format, err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), minimumSeverity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	global.SetLoggerProvider(provider)

	// The SDK reports export failures here; slog may be the failing path.
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		_, _ = fmt.Fprintf(os.Stderr, "opentelemetry: %v\n", err)
	}))

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))))
	return provider.Shutdown, nil
}

// minimumSeverity maps a slog level to the closest OpenTelemetry severity floor.
func minimumSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
