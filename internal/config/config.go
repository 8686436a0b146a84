package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/scoring"
)

const (
	emptyModelsErrorMessage                  = "config.models is empty"
	missingDefaultModelErrorMessage          = "no default model found (set models[].default: true)"
	rootConfigurationEmptyContentErrorFormat = "root configuration %s is empty"
	rootConfigurationUnmarshalErrorFormat    = "unmarshal root configuration %s: %w"
	scoringConfigurationErrorFormat          = "config.scoring: %w"
	unknownPipelineModelErrorFormat          = "pipeline %s references unknown model %q"
	mapPipelineMarshalErrorFormat            = "marshal pipeline %s options: %w"
	mapPipelineUnmarshalErrorFormat          = "map pipeline %s options: %w"
	stageOverridePolicyErrorFormat           = "pipeline %s stage %s: %w"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	BackendMemory = "memory"
	BackendSQLite = "sqlite"

	EmbedderHash  = "hash"
	EmbedderGenAI = "genai"

	defaultStageAttempts    = 1
	defaultStageTimeout     = 45 * time.Second
	defaultGSTRate          = 0.18
	defaultTDSRate          = 0.10
	defaultHighAmountFactor = 3.0
	defaultTaxIDPattern     = `^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`
	defaultReportDirectory  = "reports"
	defaultFilingType       = "GSTR-1"
)

type Root struct {
	Common    Common         `yaml:"common"`
	Models    []Model        `yaml:"models"`
	Pipelines []Pipeline     `yaml:"pipelines"`
	Scoring   scoring.Config `yaml:"scoring"`
	Retrieval Retrieval      `yaml:"retrieval"`
	Store     Store          `yaml:"store"`
	Server    Server         `yaml:"server"`
	Telemetry Telemetry      `yaml:"telemetry"`
}

type Common struct {
	API struct {
		Endpoint  string `yaml:"endpoint"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"api"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Defaults struct {
		Attempts       int  `yaml:"attempts"`
		TimeoutSeconds int  `yaml:"timeout_seconds"`
		Parallel       bool `yaml:"parallel"`
	} `yaml:"defaults"`
}

type Model struct {
	Name                string  `yaml:"name"`
	Provider            string  `yaml:"provider"`
	ModelID             string  `yaml:"model_id"`
	Default             bool    `yaml:"default"`
	APIKeyEnv           string  `yaml:"api_key_env"`
	SupportsTemperature bool    `yaml:"supports_temperature"`
	DefaultTemperature  float64 `yaml:"default_temperature"`
	MaxCompletionTokens int     `yaml:"max_completion_tokens"`
}

// Pipeline configures one registered pipeline. Stage entries override the
// compiled-in policy and limits; everything else is pipeline-specific.
type Pipeline struct {
	Name    string        `yaml:"name"`
	Enabled bool          `yaml:"enabled"`
	Model   string        `yaml:"model"`
	Stages  []StageConfig `yaml:"stages"`

	Body map[string]any `yaml:",inline"`
}

type StageConfig struct {
	Name           string `yaml:"name"`
	Policy         string `yaml:"policy"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Attempts       int    `yaml:"attempts"`
}

type Retrieval struct {
	Backend        string `yaml:"backend"`
	Path           string `yaml:"path"`
	Embedder       string `yaml:"embedder"`
	EmbeddingModel string `yaml:"embedding_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	Dimensions     int    `yaml:"dimensions"`
	MaxK           int    `yaml:"max_k"`
	ContextTokens  int    `yaml:"context_tokens"`
	CorpusDir      string `yaml:"corpus_dir"`
}

type Store struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type Server struct {
	Address             string `yaml:"address"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	MaxUploadBytes      int64  `yaml:"max_upload_bytes"`
}

type Telemetry struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	PrettyPrint bool   `yaml:"pretty_print"`
}

// LoadRoot parses the provided configuration source and validates required fields.
func LoadRoot(source RootConfigurationSource) (Root, error) {
	if len(source.Content) == 0 {
		return Root{}, fmt.Errorf(rootConfigurationEmptyContentErrorFormat, source.Reference)
	}

	rootConfiguration := Root{Scoring: scoring.DefaultConfig()}
	if err := yaml.Unmarshal(source.Content, &rootConfiguration); err != nil {
		return Root{}, fmt.Errorf(rootConfigurationUnmarshalErrorFormat, source.Reference, err)
	}

	if len(rootConfiguration.Models) == 0 {
		return Root{}, errors.New(emptyModelsErrorMessage)
	}
	if _, ok := rootConfiguration.DefaultModel(); !ok {
		return Root{}, errors.New(missingDefaultModelErrorMessage)
	}
	if err := rootConfiguration.Scoring.Validate(); err != nil {
		return Root{}, fmt.Errorf(scoringConfigurationErrorFormat, err)
	}
	for _, pipelineConfiguration := range rootConfiguration.Pipelines {
		if pipelineConfiguration.Model == "" {
			continue
		}
		if _, ok := rootConfiguration.FindModel(pipelineConfiguration.Model); !ok {
			return Root{}, fmt.Errorf(unknownPipelineModelErrorFormat, pipelineConfiguration.Name, pipelineConfiguration.Model)
		}
	}
	return rootConfiguration, nil
}

func (root Root) DefaultModel() (Model, bool) {
	for _, modelConfiguration := range root.Models {
		if modelConfiguration.Default {
			return modelConfiguration, true
		}
	}
	return Model{}, false
}

func (root Root) FindModel(name string) (Model, bool) {
	for _, modelConfiguration := range root.Models {
		if modelConfiguration.Name == name {
			return modelConfiguration, true
		}
	}
	return Model{}, false
}

func (root Root) FindPipeline(name string) (Pipeline, bool) {
	for _, pipelineConfiguration := range root.Pipelines {
		if pipelineConfiguration.Name == name {
			return pipelineConfiguration, true
		}
	}
	return Pipeline{}, false
}

// ModelFor resolves the model a pipeline should use, falling back to the default.
func (root Root) ModelFor(pipelineConfiguration Pipeline) Model {
	if modelConfiguration, ok := root.FindModel(pipelineConfiguration.Model); ok {
		return modelConfiguration
	}
	modelConfiguration, _ := root.DefaultModel()
	return modelConfiguration
}

// RunOptions converts the common defaults into orchestrator options.
func (root Root) RunOptions() pipeline.RunOptions {
	attempts := root.Common.Defaults.Attempts
	if attempts <= 0 {
		attempts = defaultStageAttempts
	}
	timeout := time.Duration(root.Common.Defaults.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	return pipeline.RunOptions{StageAttempts: attempts, StageTimeout: timeout, Parallel: root.Common.Defaults.Parallel}
}

// Overrides converts stage entries into orchestrator overrides.
func (p Pipeline) Overrides() ([]pipeline.StageOverride, error) {
	overrides := make([]pipeline.StageOverride, 0, len(p.Stages))
	for _, stageConfiguration := range p.Stages {
		override := pipeline.StageOverride{
			Stage:    stageConfiguration.Name,
			Timeout:  time.Duration(stageConfiguration.TimeoutSeconds) * time.Second,
			Attempts: stageConfiguration.Attempts,
		}
		if stageConfiguration.Policy != "" {
			policy, err := pipeline.ParsePolicy(stageConfiguration.Policy)
			if err != nil {
				return nil, fmt.Errorf(stageOverridePolicyErrorFormat, p.Name, stageConfiguration.Name, err)
			}
			override.Policy = policy
		}
		overrides = append(overrides, override)
	}
	return overrides, nil
}

// VendorRisk holds the vendor-risk pipeline options.
type VendorRisk struct {
	TaxIDPattern    string  `yaml:"tax_id_pattern"`
	RetrievalK      int     `yaml:"retrieval_k"`
	ReportDirectory string  `yaml:"report_directory"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
}

// TaxCompliance holds the tax-compliance pipeline options.
type TaxCompliance struct {
	TaxIDPattern     string  `yaml:"tax_id_pattern"`
	FilingType       string  `yaml:"filing_type"`
	GSTRate          float64 `yaml:"gst_rate"`
	TDSRate          float64 `yaml:"tds_rate"`
	HighAmountFactor float64 `yaml:"high_amount_factor"`
	RetrievalK       int     `yaml:"retrieval_k"`
	ReportDirectory  string  `yaml:"report_directory"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
}

// MapVendorRisk decodes the pipeline body into VendorRisk with defaults.
func MapVendorRisk(p Pipeline) (VendorRisk, error) {
	var vendorRisk VendorRisk
	if err := remarshal(p, &vendorRisk); err != nil {
		return VendorRisk{}, err
	}
	if vendorRisk.TaxIDPattern == "" {
		vendorRisk.TaxIDPattern = defaultTaxIDPattern
	}
	if vendorRisk.ReportDirectory == "" {
		vendorRisk.ReportDirectory = defaultReportDirectory
	}
	return vendorRisk, nil
}

// MapTaxCompliance decodes the pipeline body into TaxCompliance with defaults.
func MapTaxCompliance(p Pipeline) (TaxCompliance, error) {
	var taxCompliance TaxCompliance
	if err := remarshal(p, &taxCompliance); err != nil {
		return TaxCompliance{}, err
	}
	if taxCompliance.TaxIDPattern == "" {
		taxCompliance.TaxIDPattern = defaultTaxIDPattern
	}
	if taxCompliance.FilingType == "" {
		taxCompliance.FilingType = defaultFilingType
	}
	if taxCompliance.GSTRate <= 0 {
		taxCompliance.GSTRate = defaultGSTRate
	}
	if taxCompliance.TDSRate <= 0 {
		taxCompliance.TDSRate = defaultTDSRate
	}
	if taxCompliance.HighAmountFactor <= 0 {
		taxCompliance.HighAmountFactor = defaultHighAmountFactor
	}
	if taxCompliance.ReportDirectory == "" {
		taxCompliance.ReportDirectory = defaultReportDirectory
	}
	return taxCompliance, nil
}

func remarshal(p Pipeline, target any) error {
	encodedBody, marshalError := yaml.Marshal(p.Body)
	if marshalError != nil {
		return fmt.Errorf(mapPipelineMarshalErrorFormat, p.Name, marshalError)
	}
	if err := yaml.Unmarshal(encodedBody, target); err != nil {
		return fmt.Errorf(mapPipelineUnmarshalErrorFormat, p.Name, err)
	}
	return nil
}
