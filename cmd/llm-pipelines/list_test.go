package llmpipelines_test

import (
	"strings"
	"testing"
)

const sampleConfig = `
common:
  api:
    endpoint: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
  defaults:
    attempts: 1
    timeout_seconds: 1

models:
  - name: gpt-4o-mini
    provider: openai
    model_id: gpt-4o-mini
    default: true
    max_completion_tokens: 1500

pipelines:
  - name: tax-compliance
    enabled: true
    model: gpt-4o-mini
    filing_type: GSTR-3B
  - name: vendor-risk
    enabled: false
    model: gpt-4o-mini
`

func TestRootList_DefaultFiltersDisabled(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "config.yaml", sampleConfig)

	got, err := executeCommand(t, "list", "--config", configPath)
	if err != nil {
		t.Fatalf("execute list: %v\nstdout:\n%s", err, got)
	}
	if !strings.Contains(got, "tax-compliance\t(enabled, model=gpt-4o-mini") {
		t.Fatalf("expected to list enabled pipeline 'tax-compliance'; got:\n%s", got)
	}
	if strings.Contains(got, "vendor-risk") {
		t.Fatalf("did not expect disabled pipeline 'vendor-risk' without --all; got:\n%s", got)
	}
}

func TestRootList_AllShowsDisabled(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "config.yaml", sampleConfig)

	got, err := executeCommand(t, "list", "--config", configPath, "--all")
	if err != nil {
		t.Fatalf("execute list --all: %v\nstdout:\n%s", err, got)
	}
	if !strings.Contains(got, "tax-compliance") || !strings.Contains(got, "vendor-risk\t(disabled") {
		t.Fatalf("expected to list both pipelines; got:\n%s", got)
	}
}

func TestRootList_ConfigFromEnvironment(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "config.yaml", sampleConfig)
	t.Setenv("LLM_PIPELINES_CONFIG", configPath)

	got, err := executeCommand(t, "list", "--all")
	if err != nil {
		t.Fatalf("execute list: %v\nstdout:\n%s", err, got)
	}
	if !strings.Contains(got, "vendor-risk") {
		t.Fatalf("expected the environment config to be used; got:\n%s", got)
	}
}
