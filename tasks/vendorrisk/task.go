package vendorrisk

import (
	"fmt"
	"regexp"

	"github.com/temirov/llm-pipelines/internal/config"
	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/prompts"
	"github.com/temirov/llm-pipelines/internal/retrieval"
	"github.com/temirov/llm-pipelines/internal/scoring"
)

// Name is the registry name of the vendor-risk pipeline.
const Name = "vendor-risk"

// Config is the vendor-risk section of the root configuration.
type Config = config.VendorRisk

// Dependencies are the collaborators and settings a definition is built from.
// Zero values fall back to built-in defaults; a nil Files skips writing the
// report file and a nil Retriever makes external_intelligence fail.
type Dependencies struct {
	Config    Config
	ModelID   string
	Reasoner  pipeline.Reasoner
	Retriever Retriever
	Context   *retrieval.ContextBuilder
	Prompts   *prompts.Library
	Files     *fsops.Ops
	Scoring   *scoring.Config
	Rules     *scoring.RuleWeights
}

// NewDefinition builds the vendor-risk stage list.
func NewDefinition(dependencies Dependencies) (pipeline.Definition, error) {
	pattern := dependencies.Config.TaxIDPattern
	if pattern == "" {
		mapped, err := config.MapVendorRisk(config.Pipeline{Name: Name})
		if err != nil {
			return pipeline.Definition{}, err
		}
		pattern = mapped.TaxIDPattern
	}
	taxIDPattern, err := regexp.Compile(pattern)
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
	scoringConfig := scoring.DefaultConfig()
	if dependencies.Scoring != nil {
		scoringConfig = *dependencies.Scoring
	}
	if err := scoringConfig.Validate(); err != nil {
		return pipeline.Definition{}, err
	}
	ruleWeights := scoring.DefaultRuleWeights()
	if dependencies.Rules != nil {
		ruleWeights = *dependencies.Rules
	}

	reasoningSettings := reasoning{
		reasoner:    dependencies.Reasoner,
		prompts:     *library,
		modelID:     dependencies.ModelID,
		temperature: dependencies.Config.Temperature,
		maxTokens:   dependencies.Config.MaxTokens,
	}
	definition := pipeline.Definition{
		Name: Name,
		Stages: []pipeline.StageSpec{
			{Stage: documentAnalysisStage{taxIDPattern: taxIDPattern}, Policy: pipeline.PolicyFatal},
			{Stage: riskSignalsStage{taxIDPattern: taxIDPattern, weights: ruleWeights}, Policy: pipeline.PolicyFatal},
			{Stage: externalIntelligenceStage{
				reasoning: reasoningSettings,
				retriever: dependencies.Retriever,
				context:   contextBuilder,
				k:         dependencies.Config.RetrievalK,
			}, Policy: pipeline.PolicySkippable},
			{Stage: credibilityStage{reasoning: reasoningSettings, scoring: scoringConfig}, Policy: pipeline.PolicyFatal},
			{Stage: reportStage{files: dependencies.Files, directory: dependencies.Config.ReportDirectory}, Policy: pipeline.PolicySkippable},
		},
		CheckInput: CheckInput,
	}
	return definition, definition.Validate()
}
