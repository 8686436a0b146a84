package llmpipelines

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/temirov/llm-pipelines/internal/app"
	"github.com/temirov/llm-pipelines/internal/config"
	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/logging"
)

// rootSettings resolves persistent flags through viper so each one can also
// be set as LLM_PIPELINES_<FLAG>. Input, output and report files go through
// files.
type rootSettings struct {
	values *viper.Viper
	files  fsops.Ops
}

func (settings rootSettings) configPath() string {
	return strings.TrimSpace(settings.values.GetString(configFlagName))
}

// load reads the root configuration and builds the logger it describes.
// Flag and environment values win over the file.
func (settings rootSettings) load() (config.Root, *zap.Logger, error) {
	rootConfiguration, err := loadRootConfiguration(settings.configPath())
	if err != nil {
		return config.Root{}, nil, err
	}
	level := firstNonEmpty(settings.values.GetString(logLevelFlagName), rootConfiguration.Common.Logging.Level)
	format := firstNonEmpty(settings.values.GetString(logFormatFlagName), rootConfiguration.Common.Logging.Format)
	logger, err := logging.New(level, format)
	if err != nil {
		return config.Root{}, nil, err
	}
	return rootConfiguration, logger, nil
}

// serviceOptions are the app options every command shares.
func (settings rootSettings) serviceOptions(logger *zap.Logger) []app.Option {
	return []app.Option{app.WithLogger(logger), app.WithFiles(settings.files)}
}

// NewRootCommand builds the command tree on the host file system.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithFiles(fsops.NewOps(fsops.NewOS()))
}

// NewRootCommandWithFiles builds the command tree reading pipeline input and
// writing reports through files. The configuration file is always read from
// the host file system.
func NewRootCommandWithFiles(files fsops.Ops) *cobra.Command {
	settings := rootSettings{values: viper.New(), files: files}
	settings.values.SetEnvPrefix(environmentPrefix)
	settings.values.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.values.AutomaticEnv()

	command := &cobra.Command{
		Use:           applicationName,
		Short:         rootCommandShort,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := command.PersistentFlags()
	flags.String(configFlagName, defaultConfigPath, configFlagUsage)
	flags.String(logLevelFlagName, "", logLevelFlagUsage)
	flags.String(logFormatFlagName, "", logFormatFlagUsage)
	for _, name := range []string{configFlagName, logLevelFlagName, logFormatFlagName} {
		_ = settings.values.BindPFlag(name, flags.Lookup(name))
	}

	command.AddCommand(
		newRunCommand(settings),
		newListCommand(settings),
		newServeCommand(settings),
		newIndexCommand(settings),
	)
	return command
}

// Execute runs the command tree against the process arguments.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
