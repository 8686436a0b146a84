// Package app wires configuration into runnable pipelines. It owns the
// collaborators shared by every run (model clients, record store, retrieval
// index) and is the single entry point for the CLI and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/temirov/llm-pipelines/internal/config"
	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/llm"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/prompts"
	"github.com/temirov/llm-pipelines/internal/retrieval"
	"github.com/temirov/llm-pipelines/internal/store"
	"github.com/temirov/llm-pipelines/tasks/taxcompliance"
	"github.com/temirov/llm-pipelines/tasks/vendorrisk"
)

const (
	unknownPipelineErrorFormat   = "unknown or disabled pipeline %q"
	unknownModelErrorFormat      = "model %q not found in models[]"
	unknownProviderErrorFormat   = "model %s: unknown provider %q"
	unknownBackendErrorFormat    = "%s: unknown backend %q"
	unknownEmbedderErrorFormat   = "retrieval: unknown embedder %q"
	missingAPIKeyWarning         = "app: API key not set; reasoning is disabled for this model"
	runRecordWarning             = "app: run record not persisted"
	defaultAPIEndpoint           = "https://api.openai.com/v1"
	defaultAPIKeyEnvironmentName = "OPENAI_API_KEY"
	defaultGoogleKeyName         = "GOOGLE_API_KEY"
	corpusSourceSeparator        = "/"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	corpusExtensions   = []string{".txt", ".md"}
)

// Service runs configured pipelines.
type Service struct {
	root          config.Root
	logger        *zap.Logger
	getenv        func(string) string
	newRunID      func() string
	modelOverride string

	reasoner  pipeline.Reasoner
	reasoners map[string]pipeline.Reasoner
	store     store.Store
	index     retrieval.Index
	retriever retrieval.Retriever
	context   *retrieval.ContextBuilder
	prompts   prompts.Library
	files     *fsops.Ops
	registry  *pipeline.Registry
	closers   []func() error
}

// New builds a Service from root. Collaborators not supplied through options
// are created from the configuration.
func New(ctx context.Context, root config.Root, options ...Option) (*Service, error) {
	service := &Service{
		root:      root,
		logger:    zap.NewNop(),
		getenv:    os.Getenv,
		newRunID:  uuid.NewString,
		reasoners: map[string]pipeline.Reasoner{},
	}
	for _, option := range options {
		if err := option(service); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if service.files == nil {
		files := fsops.NewOps(fsops.NewOS())
		service.files = &files
	}

	if err := service.openStore(); err != nil {
		return nil, err
	}
	if err := service.openRetrieval(ctx); err != nil {
		_ = service.Close()
		return nil, err
	}
	library, err := prompts.Default()
	if err != nil {
		_ = service.Close()
		return nil, err
	}
	service.prompts = library
	if err := service.buildRegistry(ctx); err != nil {
		_ = service.Close()
		return nil, err
	}
	if corpus := strings.TrimSpace(root.Retrieval.CorpusDir); corpus != "" {
		if _, err := service.IndexCorpus(ctx, corpus); err != nil {
			_ = service.Close()
			return nil, err
		}
	}
	return service, nil
}

// Names lists the runnable pipelines.
func (s *Service) Names() []string { return s.registry.Names() }

// Store exposes the record store for inspection.
func (s *Service) Store() store.Store { return s.store }

// Close releases the collaborators the service opened itself.
func (s *Service) Close() error {
	var errs []error
	for index := len(s.closers) - 1; index >= 0; index-- {
		errs = append(errs, s.closers[index]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// RunVendorRisk runs the vendor-risk pipeline and compiles its report.
func (s *Service) RunVendorRisk(ctx context.Context, input vendorrisk.Input) (vendorrisk.Report, error) {
	outcome, err := s.Run(ctx, vendorrisk.Name, input)
	if err != nil {
		return vendorrisk.Report{}, err
	}
	return vendorrisk.Compiler{}.Compile(outcome), nil
}

// RunTaxCompliance runs the tax-compliance pipeline and compiles its report.
func (s *Service) RunTaxCompliance(ctx context.Context, input taxcompliance.Input) (taxcompliance.Report, error) {
	outcome, err := s.Run(ctx, taxcompliance.Name, input)
	if err != nil {
		return taxcompliance.Report{}, err
	}
	return taxcompliance.Compiler{}.Compile(outcome), nil
}

// Run executes the named pipeline once. The run is tracked as a run record
// that moves from running to its terminal status.
func (s *Service) Run(ctx context.Context, name string, input any) (pipeline.Outcome, error) {
	definition, found, err := s.registry.Create(name)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	if !found {
		return pipeline.Outcome{}, fmt.Errorf("%w: "+unknownPipelineErrorFormat, ErrUnknownPipeline, name)
	}

	runID := s.newRunID()
	runner := pipeline.Runner{
		Options:  s.root.RunOptions(),
		Logger:   s.logger,
		NewRunID: func() string { return runID },
	}
	s.trackRun(ctx, store.Record{
		Kind:   store.KindRun,
		ID:     runID,
		RunID:  runID,
		Status: store.StatusRunning,
		Fields: map[string]any{"pipeline": name, "started_at": time.Now().UTC().Format(time.RFC3339)},
	})

	outcome, err := runner.Run(ctx, definition, input)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	s.finishRun(context.WithoutCancel(ctx), outcome)
	return outcome, nil
}

// IndexCorpus adds every text file under directory to the retrieval index.
// Document ids are paths relative to directory.
func (s *Service) IndexCorpus(ctx context.Context, directory string) (int, error) {
	files, err := s.files.ReadTextFiles(directory, corpusExtensions...)
	if err != nil {
		return 0, fmt.Errorf("read corpus %s: %w", directory, err)
	}
	documents := make([]retrieval.Document, 0, len(files))
	for _, file := range files {
		relative, relErr := filepath.Rel(directory, file.Path)
		if relErr != nil {
			relative = file.Name
		}
		relative = filepath.ToSlash(relative)
		source := relative
		if separator := strings.Index(relative, corpusSourceSeparator); separator > 0 {
			source = relative[:separator]
		}
		documents = append(documents, retrieval.Document{ID: relative, Content: file.Content, Source: source})
	}
	if err := s.retriever.Add(ctx, documents...); err != nil {
		return 0, err
	}
	s.logger.Info("app: corpus indexed", zap.String("directory", directory), zap.Int("documents", len(documents)))
	return len(documents), nil
}

func (s *Service) trackRun(ctx context.Context, record store.Record) {
	if err := s.store.Put(ctx, record); err != nil {
		s.logger.Warn(runRecordWarning, zap.String("run_id", record.ID), zap.Error(err))
	}
}

func (s *Service) finishRun(ctx context.Context, outcome pipeline.Outcome) {
	fields := map[string]any{
		"elapsed_ms": outcome.Elapsed.Milliseconds(),
		"warnings":   len(outcome.Warnings()),
	}
	if outcome.Status == pipeline.StatusAborted {
		fields["aborted_at"] = outcome.AbortedAt
		fields["reason"] = outcome.Reason
		fields["error"] = outcome.ErrorMessage()
	}
	if err := s.store.UpdateStatus(ctx, store.KindRun, outcome.RunID, store.Status(outcome.Status), fields); err != nil {
		s.logger.Warn(runRecordWarning, zap.String("run_id", outcome.RunID), zap.Error(err))
	}
}

func (s *Service) buildRegistry(ctx context.Context) error {
	s.registry = pipeline.NewRegistry()
	builders := map[string]func(config.Pipeline, pipeline.Reasoner, string) (pipeline.Definition, error){
		vendorrisk.Name:    s.vendorRiskDefinition,
		taxcompliance.Name: s.taxComplianceDefinition,
	}
	for name, build := range builders {
		pipelineConfiguration, configured := s.root.FindPipeline(name)
		if configured && !pipelineConfiguration.Enabled {
			continue
		}
		if !configured {
			pipelineConfiguration = config.Pipeline{Name: name, Enabled: true}
		}
		model, err := s.modelFor(pipelineConfiguration)
		if err != nil {
			return err
		}
		reasoner, err := s.reasonerFor(ctx, model)
		if err != nil {
			return err
		}
		overrides, err := pipelineConfiguration.Overrides()
		if err != nil {
			return err
		}
		s.registry.Register(name, func() (pipeline.Definition, error) {
			definition, buildErr := build(pipelineConfiguration, reasoner, model.ModelID)
			if buildErr != nil {
				return pipeline.Definition{}, buildErr
			}
			return definition.WithOverrides(overrides)
		})
	}
	return nil
}

func (s *Service) vendorRiskDefinition(pipelineConfiguration config.Pipeline, reasoner pipeline.Reasoner, modelID string) (pipeline.Definition, error) {
	settings, err := config.MapVendorRisk(pipelineConfiguration)
	if err != nil {
		return pipeline.Definition{}, err
	}
	scoringConfiguration := s.root.Scoring
	return vendorrisk.NewDefinition(vendorrisk.Dependencies{
		Config:    settings,
		ModelID:   modelID,
		Reasoner:  reasoner,
		Retriever: s.retriever,
		Context:   s.context,
		Prompts:   &s.prompts,
		Files:     s.files,
		Scoring:   &scoringConfiguration,
	})
}

func (s *Service) taxComplianceDefinition(pipelineConfiguration config.Pipeline, reasoner pipeline.Reasoner, modelID string) (pipeline.Definition, error) {
	settings, err := config.MapTaxCompliance(pipelineConfiguration)
	if err != nil {
		return pipeline.Definition{}, err
	}
	return taxcompliance.NewDefinition(taxcompliance.Dependencies{
		Config:    settings,
		ModelID:   modelID,
		Reasoner:  reasoner,
		Retriever: s.retriever,
		Context:   s.context,
		Prompts:   &s.prompts,
		Files:     s.files,
		Store:     s.store,
	})
}

func (s *Service) modelFor(pipelineConfiguration config.Pipeline) (config.Model, error) {
	if s.modelOverride != "" {
		model, ok := s.root.FindModel(s.modelOverride)
		if !ok {
			return config.Model{}, fmt.Errorf(unknownModelErrorFormat, s.modelOverride)
		}
		return model, nil
	}
	return s.root.ModelFor(pipelineConfiguration), nil
}

// reasonerFor returns the client for model, creating it once. A missing API
// key leaves the model without a client so runs degrade instead of failing
// at startup.
func (s *Service) reasonerFor(ctx context.Context, model config.Model) (pipeline.Reasoner, error) {
	if s.reasoner != nil {
		return s.reasoner, nil
	}
	if reasoner, ok := s.reasoners[model.Name]; ok {
		return reasoner, nil
	}

	var reasoner pipeline.Reasoner
	switch strings.ToLower(model.Provider) {
	case config.ProviderOpenAI, "":
		keyName := firstNonEmpty(model.APIKeyEnv, s.root.Common.API.APIKeyEnv, defaultAPIKeyEnvironmentName)
		apiKey := strings.TrimSpace(s.getenv(keyName))
		if apiKey == "" {
			s.logger.Warn(missingAPIKeyWarning, zap.String("model", model.Name), zap.String("env", keyName))
			break
		}
		temperature := model.DefaultTemperature
		if !model.SupportsTemperature {
			temperature = 0
		}
		reasoner = llm.Adapter{
			Client:        llm.Client{HTTPBaseURL: firstNonEmpty(s.root.Common.API.Endpoint, defaultAPIEndpoint), APIKey: apiKey},
			DefaultModel:  model.ModelID,
			DefaultTemp:   temperature,
			DefaultTokens: model.MaxCompletionTokens,
		}
	case config.ProviderGemini:
		keyName := firstNonEmpty(model.APIKeyEnv, defaultGoogleKeyName)
		apiKey := strings.TrimSpace(s.getenv(keyName))
		if apiKey == "" {
			s.logger.Warn(missingAPIKeyWarning, zap.String("model", model.Name), zap.String("env", keyName))
			break
		}
		client, err := llm.NewGeminiClient(ctx, apiKey, model.ModelID)
		if err != nil {
			return nil, err
		}
		client.DefaultTemp = model.DefaultTemperature
		client.DefaultTokens = model.MaxCompletionTokens
		reasoner = client
	default:
		return nil, fmt.Errorf(unknownProviderErrorFormat, model.Name, model.Provider)
	}
	s.reasoners[model.Name] = reasoner
	return reasoner, nil
}

func (s *Service) openStore() error {
	if s.store != nil {
		return nil
	}
	switch strings.ToLower(s.root.Store.Backend) {
	case config.BackendMemory, "":
		s.store = store.NewMemory()
	case config.BackendSQLite:
		records, err := store.OpenSQLite(s.root.Store.Path)
		if err != nil {
			return err
		}
		s.store = records
		s.closers = append(s.closers, records.Close)
	default:
		return fmt.Errorf(unknownBackendErrorFormat, "store", s.root.Store.Backend)
	}
	return nil
}

func (s *Service) openRetrieval(ctx context.Context) error {
	settings := s.root.Retrieval
	if s.index == nil {
		switch strings.ToLower(settings.Backend) {
		case config.BackendMemory, "":
			s.index = retrieval.NewMemoryIndex()
		case config.BackendSQLite:
			index, err := retrieval.OpenSQLiteIndex(settings.Path)
			if err != nil {
				return err
			}
			s.index = index
			s.closers = append(s.closers, index.Close)
		default:
			return fmt.Errorf(unknownBackendErrorFormat, "retrieval", settings.Backend)
		}
	}

	var embedder retrieval.Embedder
	switch strings.ToLower(settings.Embedder) {
	case config.EmbedderHash, "":
		embedder = retrieval.HashEmbedder{Dimensions: settings.Dimensions}
	case config.EmbedderGenAI:
		keyName := firstNonEmpty(settings.APIKeyEnv, defaultGoogleKeyName)
		genAIEmbedder, err := retrieval.NewGenAIEmbedder(ctx, s.getenv(keyName), settings.EmbeddingModel)
		if err != nil {
			return err
		}
		embedder = genAIEmbedder
	default:
		return fmt.Errorf(unknownEmbedderErrorFormat, settings.Embedder)
	}
	s.retriever = retrieval.Retriever{Embedder: embedder, Index: s.index, MaxK: settings.MaxK}

	contextBuilder, err := retrieval.NewContextBuilder(settings.ContextTokens)
	if err != nil {
		return err
	}
	s.context = contextBuilder
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
