package translate

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/routiium/gateway/internal"
)

// chatContentPart mirrors the heterogeneous Chat content-part shapes this
// gateway accepts: plain text, a data-URI image, or a data-URI audio clip.
type chatContentPart struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	ImageURL *urlRef `json:"image_url,omitempty"`
	AudioURL *urlRef `json:"audio_url,omitempty"`
}

type urlRef struct {
	URL string `json:"url"`
}

// chatContentToResponsesParts parses a Chat message's raw content (either a
// JSON string or an array of chatContentPart) into the flat ResponsesPart
// shape the Responses format uses.
func chatContentToResponsesParts(raw json.RawMessage) ([]gateway.ResponsesPart, error) {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []gateway.ResponsesPart{{Type: "text", Text: r.String()}}, nil
	}
	if !r.IsArray() {
		return nil, fmt.Errorf("unsupported content shape: %s", raw)
	}

	var parts []chatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("unmarshal content parts: %w", err)
	}

	out := make([]gateway.ResponsesPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, gateway.ResponsesPart{Type: "text", Text: p.Text})
		case "image_url":
			url := ""
			if p.ImageURL != nil {
				url = p.ImageURL.URL
			}
			out = append(out, gateway.ResponsesPart{Type: "image_url", ImageURL: url})
		case "audio_url":
			url := ""
			if p.AudioURL != nil {
				url = p.AudioURL.URL
			}
			out = append(out, gateway.ResponsesPart{Type: "audio_url", AudioURL: url})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return out, nil
}

// responsesPartsToChatContent is the inverse of chatContentToResponsesParts.
// A single text part round-trips to a plain JSON string, matching the
// common case where the original Chat content was plain text rather than
// an explicit single-element array.
func responsesPartsToChatContent(parts []gateway.ResponsesPart) (json.RawMessage, error) {
	if len(parts) == 1 && parts[0].Type == "text" {
		return jsonString(parts[0].Text), nil
	}

	out := make([]chatContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, chatContentPart{Type: "text", Text: p.Text})
		case "image_url":
			out = append(out, chatContentPart{Type: "image_url", ImageURL: &urlRef{URL: p.ImageURL}})
		case "audio_url":
			out = append(out, chatContentPart{Type: "audio_url", AudioURL: &urlRef{URL: p.AudioURL}})
		default:
			return nil, fmt.Errorf("unsupported responses part type %q", p.Type)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// chatMessageToResponsesItems expands one Chat message (which may carry
// both text content and tool calls) into the Responses item(s) it maps to.
func chatMessageToResponsesItems(m gateway.ChatMessage) ([]gateway.ResponsesItem, error) {
	var items []gateway.ResponsesItem

	switch m.Role {
	case "tool":
		items = append(items, gateway.ResponsesItem{
			Type:   "function_call_output",
			CallID: m.ToolCallID,
			Output: contentAsPlainText(m.Content),
		})
		return items, nil

	case "system":
		return nil, nil // folded into ResponsesDocument.Instructions by the caller
	}

	if len(m.Content) > 0 {
		parts, err := chatContentToResponsesParts(m.Content)
		if err != nil {
			return nil, err
		}
		items = append(items, gateway.ResponsesItem{Type: "message", Role: m.Role, Content: parts})
	}
	if len(m.ToolCalls) > 0 {
		calls, err := parseChatToolCalls(m.ToolCalls)
		if err != nil {
			return nil, err
		}
		for _, c := range calls {
			items = append(items, gateway.ResponsesItem{
				Type:      "function_call",
				CallID:    c.ID,
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			})
		}
	}
	return items, nil
}

// responsesItemsToChatMessages is the inverse of chatMessageToResponsesItems
// applied to a whole item list: consecutive function_call items emitted by
// the same assistant turn are folded back into one assistant ChatMessage's
// ToolCalls array, attached to the assistant text message directly before
// them when there is one.
func responsesItemsToChatMessages(items []gateway.ResponsesItem) ([]gateway.ChatMessage, error) {
	var out []gateway.ChatMessage
	var pendingCalls []chatToolCall
	assistantText := -1 // index in out of an assistant text message the pending calls belong to

	flushPending := func() error {
		if len(pendingCalls) == 0 {
			return nil
		}
		raw, err := json.Marshal(pendingCalls)
		if err != nil {
			return err
		}
		if assistantText >= 0 {
			out[assistantText].ToolCalls = raw
		} else {
			out = append(out, gateway.ChatMessage{Role: "assistant", ToolCalls: raw})
		}
		pendingCalls = nil
		assistantText = -1
		return nil
	}

	for _, item := range items {
		switch item.Type {
		case "function_call":
			pendingCalls = append(pendingCalls, chatToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: chatToolCallFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})

		case "function_call_output":
			if err := flushPending(); err != nil {
				return nil, err
			}
			assistantText = -1
			out = append(out, gateway.ChatMessage{
				Role:       "tool",
				ToolCallID: item.CallID,
				Content:    jsonString(item.Output),
			})

		default: // "message"
			if err := flushPending(); err != nil {
				return nil, err
			}
			content, err := responsesPartsToChatContent(item.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, gateway.ChatMessage{Role: item.Role, Content: content})
			assistantText = -1
			if item.Role == "assistant" {
				assistantText = len(out) - 1
			}
		}
	}
	if err := flushPending(); err != nil {
		return nil, err
	}
	return out, nil
}
