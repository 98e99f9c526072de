// Package enrichment applies system-prompt injection and tool merging to
// inbound requests before routing. Both sources are hot-reloadable: a
// reload atomically swaps one immutable snapshot for another, so an
// in-flight request always sees a single consistent view captured at entry.
package enrichment

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	gateway "github.com/routiium/gateway/internal"
)

// InjectionMode names how a system prompt combines with an existing one.
type InjectionMode string

const (
	ModePrepend InjectionMode = "prepend"
	ModeAppend  InjectionMode = "append"
	ModeReplace InjectionMode = "replace"
)

// PromptRule is one configured system-prompt source, scoped globally,
// per-API-surface, or per-model.
type PromptRule struct {
	Scope  string // "global", "api:<surface>", "model:<id>"
	Mode   InjectionMode
	Prompt string
}

// ToolSource is one out-of-band discovered tool, namespaced as
// serverName_toolName before being merged into an outgoing request.
type ToolSource struct {
	ServerName string
	Tool       gateway.ChatFunction
}

// Snapshot is one immutable, atomically-swapped configuration generation.
type Snapshot struct {
	rules []PromptRule
	tools []namespacedTool
}

type namespacedTool struct {
	name string // "serverName_toolName"
	tool gateway.ChatTool
}

// Enricher holds the current Snapshot behind an atomic pointer and applies
// it to inbound requests.
type Enricher struct {
	snap atomic.Pointer[Snapshot]
}

// New returns an Enricher with an empty snapshot.
func New() *Enricher {
	e := &Enricher{}
	e.snap.Store(&Snapshot{})
	return e
}

// Reload validates and compiles rules/tools into a new Snapshot, then
// atomically swaps it in. Validation failure leaves the prior snapshot in
// place.
func (e *Enricher) Reload(rules []PromptRule, tools []ToolSource) error {
	compiled := make([]namespacedTool, 0, len(tools))
	for _, t := range tools {
		if err := validateParameterSchema(t.Tool.Parameters); err != nil {
			return fmt.Errorf("tool %s_%s: invalid parameter schema: %w", t.ServerName, t.Tool.Name, err)
		}
		name := t.ServerName + "_" + t.Tool.Name
		fn := t.Tool
		fn.Name = name
		compiled = append(compiled, namespacedTool{name: name, tool: gateway.ChatTool{Type: "function", Function: fn}})
	}

	e.snap.Store(&Snapshot{rules: append([]PromptRule(nil), rules...), tools: compiled})
	return nil
}

// ApplySystemPrompt selects the governing prompt (per-model, else per-api,
// else global) and applies it to messages per InjectionMode. Idempotent:
// calling it twice on the same input (model, api) is a no-op on the second
// call, since prepend/append detect an already-applied prompt by substring
// match against the existing system message, and replace by an exact
// match of its whole content. The second return value reports whether a prompt was
// actually injected or merged into messages on this call.
func (e *Enricher) ApplySystemPrompt(messages []gateway.ChatMessage, model string, api gateway.APISurface) ([]gateway.ChatMessage, bool) {
	snap := e.snap.Load()
	rule, ok := selectRule(snap.rules, model, api)
	if !ok || rule.Prompt == "" {
		return messages, false
	}

	sysIdx := -1
	for i, m := range messages {
		if m.Role == "system" {
			sysIdx = i
			break
		}
	}

	mode := rule.Mode
	if mode == ModeReplace && sysIdx < 0 {
		mode = ModePrepend // no system message to replace: degrade to prepend
	}

	switch mode {
	case ModeReplace:
		if alreadyContains(string(messages[sysIdx].Content), rule.Prompt) && isExactSystemPrompt(messages[sysIdx].Content, rule.Prompt) {
			return messages, false
		}
		out := append([]gateway.ChatMessage(nil), messages...)
		out[sysIdx].Content = jsonString(rule.Prompt)
		return out, true

	case ModeAppend:
		if sysIdx < 0 {
			return prependSystemMessage(messages, rule.Prompt), true
		}
		if alreadyContains(string(messages[sysIdx].Content), rule.Prompt) {
			return messages, false
		}
		out := append([]gateway.ChatMessage(nil), messages...)
		out[sysIdx].Content = jsonString(unquote(out[sysIdx].Content) + "\n" + rule.Prompt)
		return out, true

	default: // ModePrepend
		if sysIdx < 0 {
			return prependSystemMessage(messages, rule.Prompt), true
		}
		if alreadyContains(string(messages[sysIdx].Content), rule.Prompt) {
			return messages, false
		}
		out := append([]gateway.ChatMessage(nil), messages...)
		out[sysIdx].Content = jsonString(rule.Prompt + "\n" + unquote(out[sysIdx].Content))
		return out, true
	}
}

// MergeTools returns the union of clientTools and the discovered tool set,
// with client-declared names shadowing discovered ones on collision. The
// second return value reports whether any discovered (MCP-sourced) tool was
// actually merged in.
func (e *Enricher) MergeTools(clientTools []gateway.ChatTool) ([]gateway.ChatTool, bool) {
	snap := e.snap.Load()
	if len(snap.tools) == 0 {
		return clientTools, false
	}

	declared := make(map[string]bool, len(clientTools))
	for _, t := range clientTools {
		declared[t.Function.Name] = true
	}

	out := append([]gateway.ChatTool(nil), clientTools...)
	merged := false
	for _, nt := range snap.tools {
		if declared[nt.name] {
			continue
		}
		out = append(out, nt.tool)
		merged = true
	}
	return out, merged
}

func selectRule(rules []PromptRule, model string, api gateway.APISurface) (PromptRule, bool) {
	var global, apiRule, modelRule PromptRule
	var haveGlobal, haveAPI, haveModel bool

	for _, r := range rules {
		switch {
		case r.Scope == "model:"+model:
			modelRule, haveModel = r, true
		case r.Scope == "api:"+string(api):
			apiRule, haveAPI = r, true
		case r.Scope == "global":
			global, haveGlobal = r, true
		}
	}

	switch {
	case haveModel:
		return modelRule, true
	case haveAPI:
		return apiRule, true
	case haveGlobal:
		return global, true
	default:
		return PromptRule{}, false
	}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

func alreadyContains(rawContent, prompt string) bool {
	var s string
	if err := json.Unmarshal([]byte(rawContent), &s); err != nil {
		s = rawContent
	}
	return len(prompt) > 0 && (s == prompt || contains(s, prompt))
}

func isExactSystemPrompt(raw json.RawMessage, prompt string) bool {
	return unquote(raw) == prompt
}

func contains(haystack, needle string) bool {
	return len(needle) <= len(haystack) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func prependSystemMessage(messages []gateway.ChatMessage, prompt string) []gateway.ChatMessage {
	out := make([]gateway.ChatMessage, 0, len(messages)+1)
	out = append(out, gateway.ChatMessage{Role: "system", Content: jsonString(prompt)})
	out = append(out, messages...)
	return out
}
