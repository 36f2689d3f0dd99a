package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/hcbridge/internal/app"
	"github.com/florianilch/hcbridge/internal/homeconnect"
	"github.com/florianilch/hcbridge/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "hcbridge",
		Usage: "Home Connect event and command bridge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel|otlp-http|otlp-grpc)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "homeconnect--appliance-name",
				Usage: "name of the appliance to bridge",
			},
			&cli.StringFlag{
				Name:  "homeconnect--base-url",
				Usage: "Home Connect API base URL",
				Value: app.DefaultConfigBaseURL,
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			loginCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "authorize, stream appliance events and accept commands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "status server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "status server port",
				Value: int(app.DefaultConfigServerPort),
			},
		},
		Action: startAction,
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:   "login",
		Usage:  "run the device authorization flow and list the account's appliances",
		Action: loginAction,
	}
}

// setup loads the configuration and installs the logging pipeline.
func setup(ctx context.Context, cmd *cli.Command) (*app.Config, func(context.Context) error, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}
	return cfg, shutdown, nil
}

func startAction(ctx context.Context, cmd *cli.Command) (err error) {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := shutdown(context.WithoutCancel(ctx)); shutdownErr != nil && err == nil {
			err = fmt.Errorf("failed to flush logs: %w", shutdownErr)
		}
	}()

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func loginAction(ctx context.Context, cmd *cli.Command) (err error) {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := shutdown(context.WithoutCancel(ctx)); shutdownErr != nil && err == nil {
			err = fmt.Errorf("failed to flush logs: %w", shutdownErr)
		}
	}()

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	appliances, err := application.Login(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	return printAppliances(os.Stdout, appliances, term.IsTerminal(int(os.Stdout.Fd())))
}

// printAppliances writes a table for terminals and JSON otherwise.
func printAppliances(w io.Writer, appliances []homeconnect.Appliance, tty bool) error {
	if !tty {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(appliances)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHAID\tBRAND\tTYPE\tCONNECTED")
	for _, a := range appliances {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", a.Name, a.HaID, a.Brand, a.Type, a.Connected)
	}
	return tw.Flush()
}
