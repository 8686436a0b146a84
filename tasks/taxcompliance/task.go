package taxcompliance

import (
	"fmt"
	"regexp"

	"github.com/temirov/llm-pipelines/internal/config"
	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/prompts"
	"github.com/temirov/llm-pipelines/internal/retrieval"
	"github.com/temirov/llm-pipelines/internal/store"
)

// Name is the registry name of the tax-compliance pipeline.
const Name = "tax-compliance"

// Config is the tax-compliance section of the root configuration.
type Config = config.TaxCompliance

// Dependencies are the collaborators and settings a definition is built from.
// A nil Store keeps records in memory for the life of the definition; a nil
// Files skips writing the filing documents.
type Dependencies struct {
	Config    Config
	ModelID   string
	Reasoner  pipeline.Reasoner
	Retriever Retriever
	Context   *retrieval.ContextBuilder
	Prompts   *prompts.Library
	Files     *fsops.Ops
	Store     store.Store
}

// NewDefinition builds the tax-compliance stage list.
func NewDefinition(dependencies Dependencies) (pipeline.Definition, error) {
	settings, err := config.MapTaxCompliance(config.Pipeline{Name: Name})
	if err != nil {
		return pipeline.Definition{}, err
	}
	overlay(&settings, dependencies.Config)

	taxIDPattern, err := regexp.Compile(settings.TaxIDPattern)
	if err != nil {
		return pipeline.Definition{}, fmt.Errorf("%s: tax_id_pattern: %w", Name, err)
	}
	library := dependencies.Prompts
	if library == nil {
		defaults, loadErr := prompts.Default()
		if loadErr != nil {
			return pipeline.Definition{}, loadErr
		}
		library = &defaults
	}
	contextBuilder := dependencies.Context
	if contextBuilder == nil {
		contextBuilder, err = retrieval.NewContextBuilder(0)
		if err != nil {
			return pipeline.Definition{}, err
		}
	}
	records := dependencies.Store
	if records == nil {
		records = store.NewMemory()
	}

	reasoningSettings := reasoning{
		reasoner:    dependencies.Reasoner,
		prompts:     *library,
		modelID:     dependencies.ModelID,
		temperature: settings.Temperature,
		maxTokens:   settings.MaxTokens,
	}
	definition := pipeline.Definition{
		Name: Name,
		Stages: []pipeline.StageSpec{
			{Stage: ingestStage{records: records, filingType: settings.FilingType}, Policy: pipeline.PolicyFatal},
			{Stage: regulationFetchStage{
				retriever: dependencies.Retriever,
				context:   contextBuilder,
				k:         settings.RetrievalK,
			}, Policy: pipeline.PolicySkippable},
			{Stage: complianceValidationStage{reasoning: reasoningSettings, records: records}, Policy: pipeline.PolicyFatal},
			{Stage: filingAggregationStage{
				records: records,
				gstRate: settings.GSTRate,
				tdsRate: settings.TDSRate,
			}, Policy: pipeline.PolicyFatal},
			{Stage: anomalyDetectionStage{
				records:          records,
				taxIDPattern:     taxIDPattern,
				highAmountFactor: settings.HighAmountFactor,
				tdsRate:          settings.TDSRate,
			}, Policy: pipeline.PolicyFatal},
			{Stage: reportGenerationStage{
				reasoning: reasoningSettings,
				records:   records,
				files:     dependencies.Files,
				directory: settings.ReportDirectory,
			}, Policy: pipeline.PolicySkippable},
		},
		CheckInput: CheckInput,
	}
	return definition, definition.Validate()
}

// overlay copies the non-zero fields of configured onto settings.
func overlay(settings *Config, configured Config) {
	if configured.TaxIDPattern != "" {
		settings.TaxIDPattern = configured.TaxIDPattern
	}
	if configured.FilingType != "" {
		settings.FilingType = configured.FilingType
	}
	if configured.GSTRate > 0 {
		settings.GSTRate = configured.GSTRate
	}
	if configured.TDSRate > 0 {
		settings.TDSRate = configured.TDSRate
	}
	if configured.HighAmountFactor > 0 {
		settings.HighAmountFactor = configured.HighAmountFactor
	}
	if configured.RetrievalK > 0 {
		settings.RetrievalK = configured.RetrievalK
	}
	if configured.ReportDirectory != "" {
		settings.ReportDirectory = configured.ReportDirectory
	}
	settings.Temperature = configured.Temperature
	settings.MaxTokens = configured.MaxTokens
}
