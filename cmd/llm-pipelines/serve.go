package llmpipelines

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/llm-pipelines/internal/app"
	"github.com/temirov/llm-pipelines/internal/server"
	"github.com/temirov/llm-pipelines/internal/telemetry"
)

const tracerShutdownTimeout = 5 * time.Second

func newServeCommand(settings rootSettings) *cobra.Command {
	var address string
	command := &cobra.Command{
		Use:   serveCommandUse,
		Short: serveCommandShort,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, settings, address)
		},
	}
	command.Flags().StringVar(&address, addressFlagName, "", addressFlagUsage)
	return command
}

func runServe(command *cobra.Command, settings rootSettings, address string) error {
	rootConfiguration, logger, err := settings.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if address != "" {
		rootConfiguration.Server.Address = address
	}

	shutdownTracer, err := telemetry.InitTracer(telemetry.Options{
		Enabled:     rootConfiguration.Telemetry.Enabled,
		ServiceName: rootConfiguration.Telemetry.ServiceName,
		PrettyPrint: rootConfiguration.Telemetry.PrettyPrint,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if shutdownErr := shutdownTracer(shutdownCtx); shutdownErr != nil {
			logger.Warn("cli: tracer shutdown", zap.Error(shutdownErr))
		}
	}()

	ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := app.New(ctx, rootConfiguration, settings.serviceOptions(logger)...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := service.Close(); closeErr != nil {
			logger.Warn("cli: close service", zap.Error(closeErr))
		}
	}()

	return server.New(service, rootConfiguration.Server, logger).ListenAndServe(ctx)
}
