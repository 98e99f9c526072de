// Package translate implements the bijective mapping between the Chat and
// Responses wire documents (and their streaming chunk shapes) that the
// request pipeline applies whenever an inbound request's API surface
// differs from the plan's resolved upstream mode.
//
// Non-streaming conversion is a pair of pure functions, ChatToResponses and
// ResponsesToChat. Streaming conversion is a pair of small state machines
// (NewChatToResponsesStream / NewResponsesToChatStream) that each consume
// one upstream chunk at a time and emit zero or more translated chunks,
// mirroring the per-provider streamState pattern this gateway's ancestor
// used for SSE translation.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/routiium/gateway/internal"
)

// ChatToResponses converts a Chat document into its Responses-format
// equivalent. Pure function: no I/O, no mutation of doc.
func ChatToResponses(doc *gateway.ChatDocument) (*gateway.ResponsesDocument, error) {
	out := &gateway.ResponsesDocument{
		Model:          doc.Model,
		Temperature:    doc.Temperature,
		TopP:           doc.TopP,
		MaxOutputTok:   doc.MaxTokens,
		Stream:         doc.Stream,
		ConversationID: doc.ConversationID,
		PrevResponseID: doc.PrevResponseID,
		ID:             doc.ID,
		Object:         responsesObject(doc.Object),
		Created:        doc.Created,
		Usage:          doc.Usage,
	}

	var systemParts []string
	for _, m := range doc.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, contentAsPlainText(m.Content))
			continue
		}
		items, err := chatMessageToResponsesItems(m)
		if err != nil {
			return nil, fmt.Errorf("translate message: %w", err)
		}
		out.Input = append(out.Input, items...)
	}
	if len(systemParts) > 0 {
		out.Instructions = joinNonEmpty(systemParts, "\n")
	}

	if len(doc.Tools) > 0 {
		out.Tools = make([]gateway.ResponsesTool, len(doc.Tools))
		for i, t := range doc.Tools {
			out.Tools[i] = gateway.ResponsesTool{
				Type:        "function",
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			}
		}
	}
	out.ToolChoice = doc.ToolChoice

	for _, c := range doc.Choices {
		items, err := chatMessageToResponsesItems(c.Message)
		if err != nil {
			return nil, fmt.Errorf("translate choice %d: %w", c.Index, err)
		}
		out.Output = append(out.Output, items...)
	}
	if len(doc.Choices) > 0 {
		out.Status = mapFinishToStatus(doc.Choices[len(doc.Choices)-1].FinishReason)
	}

	return out, nil
}

// ResponsesToChat converts a Responses document into its Chat-format
// equivalent. Pure function: no I/O, no mutation of doc.
func ResponsesToChat(doc *gateway.ResponsesDocument) (*gateway.ChatDocument, error) {
	out := &gateway.ChatDocument{
		Model:          doc.Model,
		Temperature:    doc.Temperature,
		TopP:           doc.TopP,
		MaxTokens:      doc.MaxOutputTok,
		Stream:         doc.Stream,
		ConversationID: doc.ConversationID,
		PrevResponseID: doc.PrevResponseID,
		ID:             doc.ID,
		Object:         chatObject(doc.Object),
		Created:        doc.Created,
		Usage:          doc.Usage,
		ToolChoice:     doc.ToolChoice,
	}

	if doc.Instructions != "" {
		out.Messages = append(out.Messages, gateway.ChatMessage{Role: "system", Content: jsonString(doc.Instructions)})
	}

	msgs, err := responsesItemsToChatMessages(doc.Input)
	if err != nil {
		return nil, fmt.Errorf("translate input: %w", err)
	}
	out.Messages = append(out.Messages, msgs...)

	if len(doc.Tools) > 0 {
		out.Tools = make([]gateway.ChatTool, len(doc.Tools))
		for i, t := range doc.Tools {
			out.Tools[i] = gateway.ChatTool{
				Type: "function",
				Function: gateway.ChatFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}

	outputMsgs, err := responsesItemsToChatMessages(doc.Output)
	if err != nil {
		return nil, fmt.Errorf("translate output: %w", err)
	}
	for i, m := range outputMsgs {
		out.Choices = append(out.Choices, gateway.ChatChoice{
			Index:        i,
			Message:      m,
			FinishReason: mapStatusToFinish(doc.Status, len(m.ToolCalls) > 0),
		})
	}

	return out, nil
}

func responsesObject(chatObject string) string {
	if chatObject == "" {
		return ""
	}
	return "response"
}

func chatObject(responsesObject string) string {
	if responsesObject == "" {
		return ""
	}
	return "chat.completion"
}

// mapFinishToStatus maps a Chat finish_reason onto a Responses status.
// Only "stop" and "tool_calls" collapse onto the generic "completed"
// status -- tool_calls round-trips via the reconstructed message shape
// instead (see mapStatusToFinish), and "stop" has no distinct status of
// its own. "length" and "content_filter" pass through unchanged so the
// reverse leg can recover the original finish reason exactly.
func mapFinishToStatus(reason string) string {
	switch reason {
	case "":
		return ""
	case "stop", "tool_calls":
		return "completed"
	default:
		return reason
	}
}

func mapStatusToFinish(status string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch status {
	case "completed", "":
		return "stop"
	default:
		return status
	}
}

func contentAsPlainText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	if r.IsArray() {
		var sb []string
		r.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				sb = append(sb, part.Get("text").String())
			}
			return true
		})
		return joinNonEmpty(sb, "\n")
	}
	return string(raw)
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
