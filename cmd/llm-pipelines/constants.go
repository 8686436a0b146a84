package llmpipelines

const (
	applicationName                              = "llm-pipelines"
	environmentPrefix                            = "LLM_PIPELINES"
	defaultConfigPath                            = "./config.yaml"
	rootCommandShort                             = "Run staged LLM pipelines for vendor risk and tax compliance"
	runCommandUse                                = "run PIPELINE"
	runCommandShort                              = "Run a registered pipeline once and print its report"
	listCommandUse                               = "list"
	listCommandShort                             = "List pipelines from config.yaml (enabled by default)"
	serveCommandUse                              = "serve"
	serveCommandShort                            = "Serve the pipelines over HTTP"
	indexCommandUse                              = "index DIRECTORY"
	indexCommandShort                            = "Add the text files under DIRECTORY to the retrieval index"
	configFlagName                               = "config"
	configFlagUsage                              = "Path to config.yaml"
	logLevelFlagName                             = "log-level"
	logLevelFlagUsage                            = "Log level (debug, info, warn, error); overrides config"
	logFormatFlagName                            = "log-format"
	logFormatFlagUsage                           = "Log format (console or json); overrides config"
	allFlagName                                  = "all"
	allFlagUsage                                 = "Show disabled pipelines as well"
	inputFlagName                                = "input"
	inputFlagUsage                               = "Input file: vendor JSON for vendor-risk, transactions CSV for tax-compliance"
	domainFlagName                               = "domain"
	domainFlagUsage                              = "Tax domain, e.g. GST or TDS"
	entityTypeFlagName                           = "entity-type"
	entityTypeFlagUsage                          = "Entity type, e.g. company or individual"
	filingTypeFlagName                           = "filing-type"
	filingTypeFlagUsage                          = "Filing type, e.g. GSTR-1 (defaults to config)"
	periodStartFlagName                          = "period-start"
	periodStartFlagUsage                         = "Filing period start (YYYY-MM-DD); defaults to the earliest date in the file"
	periodEndFlagName                            = "period-end"
	periodEndFlagUsage                           = "Filing period end (YYYY-MM-DD); defaults to the latest date in the file"
	modelFlagName                                = "model"
	modelFlagUsage                               = "Override the pipeline's model by name (must exist in models[])"
	attemptsFlagName                             = "attempts"
	attemptsFlagUsage                            = "Attempts per stage (0 = use defaults)"
	timeoutFlagName                              = "timeout"
	timeoutFlagUsage                             = "Per-attempt stage timeout (e.g., 45s; 0 = use defaults)"
	outputFlagName                               = "output"
	outputFlagUsage                              = "Write the report JSON to this file instead of stdout"
	addressFlagName                              = "address"
	addressFlagUsage                             = "Listen address; overrides server.address"
	enabledStateLabel                            = "enabled"
	disabledStateLabel                           = "disabled"
	dashPlaceholder                              = "-"
	configurationLoaderInitializationErrorFormat = "initialize configuration loader: %w"
	configurationSourceResolutionErrorFormat     = "resolve configuration source: %w"
	rootConfigurationLoadErrorFormat             = "load root configuration %s: %w"
	runAbortedErrorFormat                        = "pipeline %s aborted: %s"
	unsupportedPipelineErrorFormat               = "pipeline %q has no command-line input mapping"
	readInputErrorFormat                         = "read input %s: %w"
	parsePeriodErrorFormat                       = "parse --%s: %w"
)
