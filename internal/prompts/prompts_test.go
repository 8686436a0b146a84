package prompts_test

import (
	"encoding/json"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/temirov/llm-pipelines/internal/prompts"
)

func TestDefaultLibraryParsesEveryTemplate(t *testing.T) {
	library, err := prompts.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	expected := []string{"tax_compliance_validation", "tax_filing_summary", "vendor_credibility", "vendor_external_intelligence"}
	names := library.Names()
	if strings.Join(names, ",") != strings.Join(expected, ",") {
		t.Fatalf("unexpected templates %v", names)
	}
	for _, name := range names {
		template, lookupErr := library.Lookup(name)
		if lookupErr != nil {
			t.Fatalf("Lookup %s: %v", name, lookupErr)
		}
		var schema map[string]any
		if err := json.Unmarshal([]byte(template.Schema.Content), &schema); err != nil {
			t.Fatalf("%s schema is not JSON: %v", name, err)
		}
		if template.Schema.Name == "" {
			t.Fatalf("%s schema has no name", name)
		}
	}
}

func TestRenderSubstitutesVariables(t *testing.T) {
	library, err := prompts.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	rendered, err := library.Render("vendor_credibility", map[string]string{
		"vendor_name":  "Acme Supplies",
		"signals":      "gstin_mismatch: 0.00",
		"factors":      "none",
		"intelligence": "no records",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasPrefix(rendered.Prompt, "Vendor: Acme Supplies\n") {
		t.Fatalf("unexpected prompt start %q", rendered.Prompt)
	}
	for _, fragment := range []string{"gstin_mismatch: 0.00", "Rules:\n- \"risk_score\"", "matching this schema"} {
		if !strings.Contains(rendered.Prompt, fragment) {
			t.Fatalf("prompt lacks %q:\n%s", fragment, rendered.Prompt)
		}
	}
	if rendered.System == "" || rendered.SchemaName != "credibility_assessment" || len(rendered.JSONSchema) == 0 {
		t.Fatalf("unexpected rendered metadata %+v", rendered)
	}
}

func TestRenderErrors(t *testing.T) {
	library, err := prompts.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	testCases := []struct {
		name     string
		template string
		vars     map[string]string
		contains string
	}{
		{name: "unknown template", template: "missing", vars: nil, contains: "unknown prompt template"},
		{name: "required parameter blank", template: "vendor_credibility", vars: map[string]string{"vendor_name": " ", "signals": "x"}, contains: "vendor_name is required"},
		{name: "optional variable absent", template: "vendor_credibility", vars: map[string]string{"vendor_name": "Acme", "signals": "x"}, contains: "missing variable: factors"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, renderErr := library.Render(testCase.template, testCase.vars)
			if renderErr == nil || !strings.Contains(renderErr.Error(), testCase.contains) {
				t.Fatalf("expected error containing %q, got %v", testCase.contains, renderErr)
			}
		})
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	document := `<prompt name="same"><body><text>hi</text></body></prompt>`
	fsys := fstest.MapFS{
		"p/a.xml": {Data: []byte(document)},
		"p/b.xml": {Data: []byte(document)},
	}
	if _, err := prompts.Load(fsys, "p"); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestExpandInlineNested(t *testing.T) {
	nodes := []prompts.AnyNode{
		{XMLName: xmlName("text"), Content: "a="},
		{XMLName: xmlName("var"), Ref: "a"},
		{XMLName: xmlName("group"), Children: []prompts.AnyNode{
			{XMLName: xmlName("br")},
			{XMLName: xmlName("text"), Content: "b="},
			{XMLName: xmlName("var"), Ref: "b"},
		}},
	}
	expanded, err := prompts.ExpandInline(nodes, map[string]string{"a": "1", "b": "2"})
	if err != nil {
		t.Fatalf("ExpandInline: %v", err)
	}
	if expanded != "a=1\nb=2" {
		t.Fatalf("unexpected expansion %q", expanded)
	}
}
