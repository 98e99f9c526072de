package enrichment

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPromptRules_EmptyPathIsNoop(t *testing.T) {
	t.Parallel()
	rules, err := LoadPromptRules("")
	if err != nil || rules != nil {
		t.Fatalf("LoadPromptRules(\"\") = %v, %v; want nil, nil", rules, err)
	}
}

func TestLoadPromptRules(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	const doc = `
- scope: global
  mode: prepend
  prompt: be terse
- scope: api:chat
  mode: append
  prompt: respond in markdown
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rules, err := LoadPromptRules(path)
	if err != nil {
		t.Fatalf("LoadPromptRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}
	if rules[0].Scope != "global" || rules[0].Mode != ModePrepend || rules[0].Prompt != "be terse" {
		t.Errorf("unexpected rule[0]: %+v", rules[0])
	}
	if rules[1].Mode != ModeAppend {
		t.Errorf("rule[1].Mode = %q, want append", rules[1].Mode)
	}
}

func TestLoadPromptRules_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := LoadPromptRules(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadToolSources_EmptyPathIsNoop(t *testing.T) {
	t.Parallel()
	tools, err := LoadToolSources("")
	if err != nil || tools != nil {
		t.Fatalf("LoadToolSources(\"\") = %v, %v; want nil, nil", tools, err)
	}
}

func TestLoadToolSources(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	const doc = `
- server_name: search
  name: web_search
  description: search the web
  parameters:
    type: object
    properties:
      query:
        type: string
    required: [query]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tools, err := LoadToolSources(path)
	if err != nil {
		t.Fatalf("LoadToolSources: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1", len(tools))
	}
	if tools[0].ServerName != "search" || tools[0].Tool.Name != "web_search" {
		t.Errorf("unexpected tool source: %+v", tools[0])
	}
	if len(tools[0].Tool.Parameters) == 0 {
		t.Error("expected non-empty re-encoded parameters")
	}
}

func TestLoadToolSources_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := LoadToolSources(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
