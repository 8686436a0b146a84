package prompts

import (
	"bytes"
	"embed"
	"encoding/xml"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

const (
	templateDirectory        = "templates"
	templateExtension        = ".xml"
	unknownTemplateFormat    = "unknown prompt template %q"
	parseTemplateFormat      = "parse prompt template %s: %w"
	missingVariableFormat    = "missing variable: %s"
	missingRequiredFormat    = "prompt %s: %s is required"
	emptyTemplateNameFormat  = "prompt template %s has no name"
	duplicateTemplateFormat  = "duplicate prompt template %q"
	rulesHeading             = "Rules:"
	rulePrefix               = "- "
	schemaHeading            = "Respond with a single JSON object matching this schema:"
	defaultTemplateSeparator = "\n\n"
)

//go:embed templates/*.xml
var embeddedTemplates embed.FS

// Template is an XML prompt recipe: a system prompt, declared parameters, an
// inline body mixing <text> and <var ref=""/> nodes, rules and an optional
// JSON schema the reply must satisfy.
type Template struct {
	XMLName xml.Name `xml:"prompt"`
	Name    string   `xml:"name,attr"`
	System  string   `xml:"system"`
	Inputs  Inputs   `xml:"inputs"`
	Body    Body     `xml:"body"`
	Rules   Rules    `xml:"rules"`
	Schema  Schema   `xml:"schema"`
}

type Inputs struct {
	Params []Param `xml:"param"`
}

type Param struct {
	Name     string `xml:"name,attr"`
	Required bool   `xml:"required,attr"`
}

type Body struct {
	Nodes []AnyNode `xml:",any"`
}

type Rules struct {
	Rule []string `xml:"rule"`
}

type Schema struct {
	Name    string `xml:"name,attr"`
	Content string `xml:",chardata"`
}

type AnyNode struct {
	XMLName  xml.Name
	Content  string    `xml:",chardata"`
	Children []AnyNode `xml:",any"`
	Ref      string    `xml:"ref,attr"`
}

// Rendered is a template with its variables substituted.
type Rendered struct {
	System     string
	Prompt     string
	SchemaName string
	JSONSchema []byte
}

// Request turns the rendered prompt into a reasoning call.
func (r Rendered) Request(modelID string, temperature float64, maxTokens int) pipeline.CompletionRequest {
	return pipeline.CompletionRequest{
		SystemPrompt: r.System,
		Prompt:       r.Prompt,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		ModelID:      modelID,
		SchemaName:   r.SchemaName,
		JSONSchema:   r.JSONSchema,
	}
}

// Library holds parsed templates by name.
type Library struct {
	templates map[string]Template
}

// Default parses the templates compiled into the binary.
func Default() (Library, error) {
	return Load(embeddedTemplates, templateDirectory)
}

// Load parses every *.xml file under dir in fsys.
func Load(fsys fs.FS, dir string) (Library, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return Library{}, err
	}
	library := Library{templates: make(map[string]Template, len(entries))}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != templateExtension {
			continue
		}
		data, readErr := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if readErr != nil {
			return Library{}, readErr
		}
		var template Template
		if err := xml.Unmarshal(data, &template); err != nil {
			return Library{}, fmt.Errorf(parseTemplateFormat, entry.Name(), err)
		}
		if strings.TrimSpace(template.Name) == "" {
			return Library{}, fmt.Errorf(emptyTemplateNameFormat, entry.Name())
		}
		if _, exists := library.templates[template.Name]; exists {
			return Library{}, fmt.Errorf(duplicateTemplateFormat, template.Name)
		}
		library.templates[template.Name] = template
	}
	return library, nil
}

func (l Library) Names() []string {
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l Library) Lookup(name string) (Template, error) {
	template, ok := l.templates[name]
	if !ok {
		return Template{}, fmt.Errorf(unknownTemplateFormat, name)
	}
	return template, nil
}

// Render looks name up and renders it with vars.
func (l Library) Render(name string, vars map[string]string) (Rendered, error) {
	template, err := l.Lookup(name)
	if err != nil {
		return Rendered{}, err
	}
	return template.Render(vars)
}

// Render substitutes vars into the body and appends rules and schema.
func (t Template) Render(vars map[string]string) (Rendered, error) {
	for _, param := range t.Inputs.Params {
		if param.Required && strings.TrimSpace(vars[param.Name]) == "" {
			return Rendered{}, fmt.Errorf(missingRequiredFormat, t.Name, param.Name)
		}
	}
	body, err := ExpandInline(t.Body.Nodes, vars)
	if err != nil {
		return Rendered{}, fmt.Errorf("prompt %s: %w", t.Name, err)
	}

	sections := []string{strings.TrimSpace(body)}
	if len(t.Rules.Rule) > 0 {
		lines := []string{rulesHeading}
		for _, rule := range t.Rules.Rule {
			lines = append(lines, rulePrefix+strings.TrimSpace(rule))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	schema := strings.TrimSpace(t.Schema.Content)
	if schema != "" {
		sections = append(sections, schemaHeading+"\n"+schema)
	}

	rendered := Rendered{
		System:     strings.TrimSpace(t.System),
		Prompt:     strings.Join(sections, defaultTemplateSeparator),
		SchemaName: t.Schema.Name,
	}
	if schema != "" {
		rendered.JSONSchema = []byte(schema)
	}
	return rendered, nil
}

// ExpandInline walks body nodes, writing <text> content verbatim and
// replacing <var ref="name"/> with vars[name].
func ExpandInline(nodes []AnyNode, vars map[string]string) (string, error) {
	var builder bytes.Buffer
	for _, node := range nodes {
		switch node.XMLName.Local {
		case "var":
			value, ok := vars[node.Ref]
			if !ok {
				return "", fmt.Errorf(missingVariableFormat, node.Ref)
			}
			builder.WriteString(value)
		case "text":
			builder.WriteString(node.Content)
		case "br":
			builder.WriteString("\n")
		default:
			if len(strings.TrimSpace(node.Content)) > 0 && len(node.Children) == 0 {
				builder.WriteString(node.Content)
			} else if len(node.Children) > 0 {
				expanded, err := ExpandInline(node.Children, vars)
				if err != nil {
					return "", err
				}
				builder.WriteString(expanded)
			}
		}
	}
	return builder.String(), nil
}
