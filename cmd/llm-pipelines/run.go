package llmpipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/llm-pipelines/internal/app"
	"github.com/temirov/llm-pipelines/internal/config"
	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/tasks/taxcompliance"
	"github.com/temirov/llm-pipelines/tasks/vendorrisk"
)

type runOptions struct {
	inputPath   string
	domain      string
	entityType  string
	filingType  string
	periodStart string
	periodEnd   string
	model       string
	attempts    int
	timeout     time.Duration
	outputPath  string
}

func newRunCommand(settings rootSettings) *cobra.Command {
	options := runOptions{}
	command := &cobra.Command{
		Use:   runCommandUse,
		Short: runCommandShort,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, settings, args[0], options)
		},
	}
	flags := command.Flags()
	flags.StringVar(&options.inputPath, inputFlagName, "", inputFlagUsage)
	flags.StringVar(&options.domain, domainFlagName, "", domainFlagUsage)
	flags.StringVar(&options.entityType, entityTypeFlagName, "", entityTypeFlagUsage)
	flags.StringVar(&options.filingType, filingTypeFlagName, "", filingTypeFlagUsage)
	flags.StringVar(&options.periodStart, periodStartFlagName, "", periodStartFlagUsage)
	flags.StringVar(&options.periodEnd, periodEndFlagName, "", periodEndFlagUsage)
	flags.StringVar(&options.model, modelFlagName, "", modelFlagUsage)
	flags.IntVar(&options.attempts, attemptsFlagName, 0, attemptsFlagUsage)
	flags.DurationVar(&options.timeout, timeoutFlagName, 0, timeoutFlagUsage)
	flags.StringVar(&options.outputPath, outputFlagName, "", outputFlagUsage)
	_ = command.MarkFlagRequired(inputFlagName)
	return command
}

func runPipeline(command *cobra.Command, settings rootSettings, name string, options runOptions) error {
	rootConfiguration, logger, err := settings.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	applyRunOverrides(&rootConfiguration, options)

	serviceOptions := settings.serviceOptions(logger)
	if options.model != "" {
		serviceOptions = append(serviceOptions, app.WithModel(options.model))
	}
	service, err := app.New(command.Context(), rootConfiguration, serviceOptions...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := service.Close(); closeErr != nil {
			logger.Warn("cli: close service", zap.Error(closeErr))
		}
	}()

	content, err := settings.files.FS.ReadFile(options.inputPath)
	if err != nil {
		return fmt.Errorf(readInputErrorFormat, options.inputPath, err)
	}

	report, status, errorMessage, err := execute(command.Context(), service, name, content, options)
	if err != nil {
		return err
	}
	if err := writeReport(settings.files, command.OutOrStdout(), options.outputPath, report); err != nil {
		return err
	}
	if status == pipeline.StatusAborted {
		return fmt.Errorf(runAbortedErrorFormat, name, errorMessage)
	}
	return nil
}

func execute(ctx context.Context, service *app.Service, name string, content []byte, options runOptions) (any, pipeline.Status, string, error) {
	switch name {
	case vendorrisk.Name:
		var input vendorrisk.Input
		if err := json.Unmarshal(content, &input); err != nil {
			return nil, "", "", fmt.Errorf(readInputErrorFormat, options.inputPath, err)
		}
		report, err := service.RunVendorRisk(ctx, input)
		if err != nil {
			return nil, "", "", err
		}
		return report, report.Status, report.Error, nil
	case taxcompliance.Name:
		input, err := taxComplianceInput(content, options)
		if err != nil {
			return nil, "", "", err
		}
		report, err := service.RunTaxCompliance(ctx, input)
		if err != nil {
			return nil, "", "", err
		}
		return report, report.Status, report.Error, nil
	default:
		return nil, "", "", fmt.Errorf(unsupportedPipelineErrorFormat, name)
	}
}

func taxComplianceInput(content []byte, options runOptions) (taxcompliance.Input, error) {
	input := taxcompliance.Input{
		CSV:        content,
		Domain:     options.domain,
		EntityType: options.entityType,
		FilingType: options.filingType,
	}
	var err error
	if input.PeriodStart, err = parseOptionalDate(periodStartFlagName, options.periodStart); err != nil {
		return taxcompliance.Input{}, err
	}
	if input.PeriodEnd, err = parseOptionalDate(periodEndFlagName, options.periodEnd); err != nil {
		return taxcompliance.Input{}, err
	}
	return input, nil
}

func parseOptionalDate(flagName, value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf(parsePeriodErrorFormat, flagName, err)
	}
	return parsed, nil
}

// applyRunOverrides folds command-line limits into the common defaults.
func applyRunOverrides(rootConfiguration *config.Root, options runOptions) {
	if options.attempts > 0 {
		rootConfiguration.Common.Defaults.Attempts = options.attempts
	}
	if options.timeout > 0 {
		rootConfiguration.Common.Defaults.TimeoutSeconds = max(int(options.timeout/time.Second), 1)
	}
}

func writeReport(files fsops.Ops, stdout io.Writer, outputPath string, report any) error {
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	encoded = append(encoded, '\n')
	if outputPath == "" {
		_, err = stdout.Write(encoded)
		return err
	}
	if err := files.WriteReport(outputPath, encoded); err != nil {
		return fmt.Errorf("output %s: %w", outputPath, err)
	}
	return nil
}
