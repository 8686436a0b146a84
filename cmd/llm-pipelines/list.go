package llmpipelines

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand(settings rootSettings) *cobra.Command {
	var includeDisabled bool
	command := &cobra.Command{
		Use:   listCommandUse,
		Short: listCommandShort,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListCommand(cmd, settings, includeDisabled)
		},
	}
	command.Flags().BoolVar(&includeDisabled, allFlagName, false, allFlagUsage)
	return command
}

func runListCommand(command *cobra.Command, settings rootSettings, includeDisabled bool) error {
	rootConfiguration, err := loadRootConfiguration(settings.configPath())
	if err != nil {
		return err
	}

	for _, pipelineConfiguration := range rootConfiguration.Pipelines {
		if !includeDisabled && !pipelineConfiguration.Enabled {
			continue
		}

		stateLabel := enabledStateLabel
		if !pipelineConfiguration.Enabled {
			stateLabel = disabledStateLabel
		}

		model := rootConfiguration.ModelFor(pipelineConfiguration)
		_, writeErr := fmt.Fprintf(command.OutOrStdout(), "%s\t(%s, model=%s, stages=%d overrides)\n",
			pipelineConfiguration.Name, stateLabel, dashIfEmpty(model.Name), len(pipelineConfiguration.Stages))
		if writeErr != nil {
			return fmt.Errorf("write pipeline listing: %w", writeErr)
		}
	}
	return nil
}

func dashIfEmpty(value string) string {
	if value == "" {
		return dashPlaceholder
	}
	return value
}
