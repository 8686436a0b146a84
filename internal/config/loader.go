package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	// EmbeddedRootConfigurationReference identifies the embedded fallback configuration source.
	EmbeddedRootConfigurationReference = "embedded default configuration"

	explicitConfigurationReadErrorFormat = "read explicit configuration %s: %w"
	searchedConfigurationReadErrorFormat = "read configuration %s: %w"
	workingDirectoryErrorFormat          = "determine working directory: %w"
	homeEnvironmentVariableName          = "HOME"
	xdgConfigEnvironmentVariableName     = "XDG_CONFIG_HOME"
	configurationFileName                = "config.yaml"
	applicationDirectoryName             = "llm-pipelines"
	homeApplicationDirectoryName         = ".llm-pipelines"
)

//go:embed default_root_configuration.yaml
var embeddedRootConfigurationBytes []byte

// RootConfigurationSource holds the raw configuration data and its origin.
type RootConfigurationSource struct {
	Reference string
	Content   []byte
}

// RootConfigurationLoader resolves config.yaml from, in order: an explicit
// path, the working directory, $XDG_CONFIG_HOME/llm-pipelines and
// $HOME/.llm-pipelines. The embedded defaults are the last resort.
type RootConfigurationLoader struct {
	workingDirectory string
	configDirectory  string
	homeDirectory    string
	filesystem       afero.Fs
}

// NewRootConfigurationLoader constructs a loader over the OS filesystem.
// Empty directories are skipped.
func NewRootConfigurationLoader(workingDirectory string, homeDirectory string) RootConfigurationLoader {
	return RootConfigurationLoader{
		workingDirectory: workingDirectory,
		homeDirectory:    homeDirectory,
		filesystem:       afero.NewOsFs(),
	}
}

// NewDefaultRootConfigurationLoader builds a loader from the process working
// directory, XDG_CONFIG_HOME and HOME.
func NewDefaultRootConfigurationLoader() (RootConfigurationLoader, error) {
	workingDirectory, err := os.Getwd()
	if err != nil {
		return RootConfigurationLoader{}, fmt.Errorf(workingDirectoryErrorFormat, err)
	}
	loader := NewRootConfigurationLoader(workingDirectory, os.Getenv(homeEnvironmentVariableName))
	return loader.WithConfigDirectory(os.Getenv(xdgConfigEnvironmentVariableName)), nil
}

// WithConfigDirectory returns a copy that also searches
// <directory>/llm-pipelines/config.yaml.
func (loader RootConfigurationLoader) WithConfigDirectory(directory string) RootConfigurationLoader {
	loader.configDirectory = directory
	return loader
}

// WithFilesystem returns a copy reading from filesystem.
func (loader RootConfigurationLoader) WithFilesystem(filesystem afero.Fs) RootConfigurationLoader {
	loader.filesystem = filesystem
	return loader
}

// Load returns the first configuration found. An explicit path must exist;
// searched locations that are missing or unreadable are skipped.
func (loader RootConfigurationLoader) Load(explicitPath string) (RootConfigurationSource, error) {
	if explicitPath != "" {
		content, err := afero.ReadFile(loader.fs(), explicitPath)
		if err != nil {
			return RootConfigurationSource{}, fmt.Errorf(explicitConfigurationReadErrorFormat, explicitPath, err)
		}
		return RootConfigurationSource{Reference: explicitPath, Content: content}, nil
	}

	for _, candidate := range loader.candidates() {
		content, err := afero.ReadFile(loader.fs(), candidate)
		if err == nil {
			return RootConfigurationSource{Reference: candidate, Content: content}, nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission) {
			return RootConfigurationSource{}, fmt.Errorf(searchedConfigurationReadErrorFormat, candidate, err)
		}
	}
	return RootConfigurationSource{Reference: EmbeddedRootConfigurationReference, Content: embeddedRootConfigurationBytes}, nil
}

func (loader RootConfigurationLoader) candidates() []string {
	var paths []string
	if loader.workingDirectory != "" {
		paths = append(paths, filepath.Join(loader.workingDirectory, configurationFileName))
	}
	if loader.configDirectory != "" {
		paths = append(paths, filepath.Join(loader.configDirectory, applicationDirectoryName, configurationFileName))
	}
	if loader.homeDirectory != "" {
		paths = append(paths, filepath.Join(loader.homeDirectory, homeApplicationDirectoryName, configurationFileName))
	}
	return paths
}

func (loader RootConfigurationLoader) fs() afero.Fs {
	if loader.filesystem == nil {
		return afero.NewOsFs()
	}
	return loader.filesystem
}
