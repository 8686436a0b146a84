package app

import (
	"go.uber.org/zap"

	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/retrieval"
	"github.com/temirov/llm-pipelines/internal/store"
)

// Option configures a Service.
type Option func(*Service) error

// WithLogger sets the logger used by the service and its runner.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithReasoner replaces the configured model clients with reasoner for
// every pipeline.
func WithReasoner(reasoner pipeline.Reasoner) Option {
	return func(s *Service) error {
		s.reasoner = reasoner
		return nil
	}
}

// WithStore replaces the configured record store. The service does not close
// a store supplied this way.
func WithStore(records store.Store) Option {
	return func(s *Service) error {
		s.store = records
		return nil
	}
}

// WithIndex replaces the configured retrieval index.
func WithIndex(index retrieval.Index) Option {
	return func(s *Service) error {
		s.index = index
		return nil
	}
}

// WithFiles sets the file system reports are written to.
func WithFiles(files fsops.Ops) Option {
	return func(s *Service) error {
		s.files = &files
		return nil
	}
}

// WithGetenv sets the environment lookup used for API keys.
func WithGetenv(getenv func(string) string) Option {
	return func(s *Service) error {
		s.getenv = getenv
		return nil
	}
}

// WithModel forces every pipeline onto the named model.
func WithModel(name string) Option {
	return func(s *Service) error {
		s.modelOverride = name
		return nil
	}
}

// WithRunID sets the run id generator.
func WithRunID(newRunID func() string) Option {
	return func(s *Service) error {
		s.newRunID = newRunID
		return nil
	}
}
