package enrichment

import (
	"encoding/json"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	gateway "github.com/routiium/gateway/internal"
)

type promptRuleFile struct {
	Scope  string `yaml:"scope"`
	Mode   string `yaml:"mode"`
	Prompt string `yaml:"prompt"`
}

type toolSourceFile struct {
	ServerName  string `yaml:"server_name"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parameters  any    `yaml:"parameters"`
}

// LoadPromptRules parses the system-prompt rules file a Reloader's
// SystemPrompt callback feeds to Enricher.Reload. An empty path is a no-op:
// the enricher never injects a system prompt.
func LoadPromptRules(path string) ([]PromptRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("enrichment: read prompt rules: %w", err)
	}
	var raw []promptRuleFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("enrichment: parse prompt rules: %w", err)
	}
	rules := make([]PromptRule, len(raw))
	for i, r := range raw {
		rules[i] = PromptRule{Scope: r.Scope, Mode: InjectionMode(r.Mode), Prompt: r.Prompt}
	}
	return rules, nil
}

// LoadToolSources parses the discovered-tools file that a Reloader's
// SystemPrompt callback feeds to Enricher.Reload together with the prompt
// rules.
func LoadToolSources(path string) ([]ToolSource, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("enrichment: read tools: %w", err)
	}
	var raw []toolSourceFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("enrichment: parse tools: %w", err)
	}
	tools := make([]ToolSource, len(raw))
	for i, t := range raw {
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("enrichment: encode tool %q parameters: %w", t.Name, err)
		}
		tools[i] = ToolSource{
			ServerName: t.ServerName,
			Tool: gateway.ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return tools, nil
}
