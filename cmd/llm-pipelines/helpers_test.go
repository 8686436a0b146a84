package llmpipelines_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	llmpipelines "github.com/temirov/llm-pipelines/cmd/llm-pipelines"
	"github.com/temirov/llm-pipelines/internal/config"
	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/scoring"
)

const (
	openAIAPIKeyEnvironmentVariable = "OPENAI_API_KEY"
	chatCompletionPath              = "/chat/completions"
	responseContentTypeJSON         = "application/json"
	testModelName                   = "test-model"
	testModelIdentifier             = "gpt-test"
	loggingLevelError               = "error"
	loggingFormatConsole            = "console"
)

var cannedCompletions = map[string]string{
	"compliance_validation":  `{"status":"pass","details":"Registered supplier.","applied_rules":[]}`,
	"filing_summary":         `{"summary":"Ready to file.","actions":[]}`,
	"external_intelligence":  `{"summary":"No adverse records.","concerns":[],"legal_disputes":false}`,
	"credibility_assessment": `{"risk_score":12,"justification":"Clean history.","recommendations":[]}`,
}

// newMockCompletionServer answers chat completions with the canned reply for
// the requested json_schema name and counts requests.
func newMockCompletionServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var requestCount int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, httpRequest *http.Request) {
		if httpRequest.URL.Path != chatCompletionPath {
			t.Errorf("unexpected request path: %s", httpRequest.URL.Path)
			http.NotFound(responseWriter, httpRequest)
			return
		}
		atomic.AddInt32(&requestCount, 1)

		requestBody, readErr := io.ReadAll(httpRequest.Body)
		if readErr != nil {
			t.Errorf("read request body: %v", readErr)
			return
		}
		var payload struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			ResponseFormat struct {
				JSONSchema struct {
					Name string `json:"name"`
				} `json:"json_schema"`
			} `json:"response_format"`
		}
		if decodeErr := json.Unmarshal(requestBody, &payload); decodeErr != nil {
			t.Errorf("decode request: %v", decodeErr)
			return
		}
		if len(payload.Messages) == 0 {
			t.Errorf("no messages in request payload")
		}

		responsePayload := map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"role":    "assistant",
						"content": cannedCompletions[payload.ResponseFormat.JSONSchema.Name],
					},
				},
			},
		}
		responseBytes, marshalErr := json.Marshal(responsePayload)
		if marshalErr != nil {
			t.Errorf("marshal response: %v", marshalErr)
			return
		}
		responseWriter.Header().Set("Content-Type", responseContentTypeJSON)
		responseWriter.WriteHeader(http.StatusOK)
		_, _ = responseWriter.Write(responseBytes)
	}))
	t.Cleanup(mockServer.Close)
	return mockServer, &requestCount
}

// writeConfig writes a config.yaml pointing both pipelines at endpoint and at
// a report directory under directory.
func writeConfig(t *testing.T, directory string, endpoint string) string {
	t.Helper()

	rootConfiguration := config.Root{Scoring: scoring.DefaultConfig()}
	rootConfiguration.Common.API.Endpoint = endpoint
	rootConfiguration.Common.API.APIKeyEnv = openAIAPIKeyEnvironmentVariable
	rootConfiguration.Common.Logging.Level = loggingLevelError
	rootConfiguration.Common.Logging.Format = loggingFormatConsole
	rootConfiguration.Common.Defaults.Attempts = 1
	rootConfiguration.Common.Defaults.TimeoutSeconds = 5
	rootConfiguration.Models = []config.Model{
		{
			Name:                testModelName,
			Provider:            "openai",
			ModelID:             testModelIdentifier,
			Default:             true,
			MaxCompletionTokens: 512,
		},
	}
	rootConfiguration.Pipelines = []config.Pipeline{
		{
			Name:    "vendor-risk",
			Enabled: true,
			Model:   testModelName,
			Body:    map[string]any{"report_directory": filepath.Join(directory, "vendor-reports")},
		},
		{
			Name:    "tax-compliance",
			Enabled: true,
			Model:   testModelName,
			Body:    map[string]any{"report_directory": filepath.Join(directory, "tax-reports")},
		},
	}
	rootConfiguration.Retrieval.Backend = "memory"
	rootConfiguration.Retrieval.Embedder = "hash"
	rootConfiguration.Store.Backend = "memory"

	configData, marshalErr := yaml.Marshal(rootConfiguration)
	if marshalErr != nil {
		t.Fatalf("marshal config: %v", marshalErr)
	}
	configPath := filepath.Join(directory, "config.yaml")
	if writeErr := os.WriteFile(configPath, configData, 0o600); writeErr != nil {
		t.Fatalf("write config: %v", writeErr)
	}
	return configPath
}

func writeFile(t *testing.T, directory, name, content string) string {
	t.Helper()
	path := filepath.Join(directory, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runRootCommand(llmpipelines.NewRootCommand(), args...)
}

func executeCommandWithFiles(t *testing.T, files fsops.Ops, args ...string) (string, error) {
	t.Helper()
	return runRootCommand(llmpipelines.NewRootCommandWithFiles(files), args...)
}

func runRootCommand(rootCommand *cobra.Command, args ...string) (string, error) {
	rootCommand.SetArgs(args)
	var stdout, stderr bytes.Buffer
	rootCommand.SetOut(&stdout)
	rootCommand.SetErr(&stderr)
	err := rootCommand.Execute()
	return stdout.String(), err
}
