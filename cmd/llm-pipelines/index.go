package llmpipelines

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/llm-pipelines/internal/app"
)

func newIndexCommand(settings rootSettings) *cobra.Command {
	return &cobra.Command{
		Use:   indexCommandUse,
		Short: indexCommandShort,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rootConfiguration, logger, err := settings.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			// The corpus is indexed explicitly below, not at startup.
			rootConfiguration.Retrieval.CorpusDir = ""
			service, err := app.New(cmd.Context(), rootConfiguration, settings.serviceOptions(logger)...)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := service.Close(); closeErr != nil {
					logger.Warn("cli: close service", zap.Error(closeErr))
				}
			}()

			indexed, err := service.IndexCorpus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents from %s\n", indexed, args[0])
			return err
		},
	}
}
