package translate

import (
	"encoding/json"
	"fmt"

	gateway "github.com/routiium/gateway/internal"
)

// chatStreamChunk is one Chat Completions streaming chunk
// ("chat.completion.chunk").
type chatStreamChunk struct {
	ID      string             `json:"id,omitempty"`
	Object  string             `json:"object,omitempty"`
	Model   string             `json:"model,omitempty"`
	Choices []chatStreamChoice `json:"choices,omitempty"`
	Usage   *gateway.Usage     `json:"usage,omitempty"`
}

type chatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        chatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason,omitempty"`
}

type chatStreamDelta struct {
	Role      string              `json:"role,omitempty"`
	Content   string              `json:"content,omitempty"`
	ToolCalls []chatDeltaToolCall `json:"tool_calls,omitempty"`
}

type chatDeltaToolCall struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function chatDeltaFunction `json:"function,omitempty"`
}

type chatDeltaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// responsesStreamChunk is one event in this gateway's Responses-format
// streaming dialect: a flat envelope distinguished by Type, carrying only
// the fields that event kind uses.
type responsesStreamChunk struct {
	Type         string         `json:"type"`
	ItemID       string         `json:"item_id,omitempty"`
	Role         string         `json:"role,omitempty"`
	Delta        string         `json:"delta,omitempty"`
	CallID       string         `json:"call_id,omitempty"`
	Name         string         `json:"name,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        *gateway.Usage `json:"usage,omitempty"`
}

const (
	eventItemAdded     = "response.output_item.added"
	eventTextDelta     = "response.output_text.delta"
	eventToolArgsDelta = "response.function_call_arguments.delta"
	eventItemDone      = "response.output_item.done"
	eventUsage         = "response.usage"
)

// ChatToResponsesStream accumulates state across a Chat-dialect streaming
// response and emits the equivalent Responses-dialect events.
type ChatToResponsesStream struct {
	id          string
	model       string
	sawRole     bool
	textItemID  string
	toolItemIDs map[int]string // chat tool_call delta index -> synthesized item id
	toolCallIDs map[int]string // chat tool_call delta index -> call_id
	nextItem    int
}

// NewChatToResponsesStream returns a fresh streamer for one response.
func NewChatToResponsesStream() *ChatToResponsesStream {
	return &ChatToResponsesStream{toolItemIDs: make(map[int]string), toolCallIDs: make(map[int]string)}
}

// Translate consumes one upstream Chat-dialect chunk and returns zero or
// more Responses-dialect chunks. The terminal Done sentinel and any Err
// pass through unchanged.
func (s *ChatToResponsesStream) Translate(chunk gateway.StreamChunk) ([]gateway.StreamChunk, error) {
	if chunk.Done || chunk.Err != nil {
		return []gateway.StreamChunk{chunk}, nil
	}

	var in chatStreamChunk
	if err := json.Unmarshal(chunk.Data, &in); err != nil {
		return nil, fmt.Errorf("parse chat stream chunk: %w", err)
	}
	if s.id == "" {
		s.id = in.ID
		s.model = in.Model
	}

	var out []gateway.StreamChunk
	emit := func(e responsesStreamChunk) error {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		out = append(out, gateway.StreamChunk{Data: b})
		return nil
	}

	for _, choice := range in.Choices {
		if !s.sawRole && choice.Delta.Role != "" {
			s.sawRole = true
			s.textItemID = s.newItemID()
			if err := emit(responsesStreamChunk{Type: eventItemAdded, ItemID: s.textItemID, Role: choice.Delta.Role}); err != nil {
				return nil, err
			}
		}

		if choice.Delta.Content != "" {
			if s.textItemID == "" {
				s.textItemID = s.newItemID()
			}
			if err := emit(responsesStreamChunk{Type: eventTextDelta, ItemID: s.textItemID, Delta: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			itemID, ok := s.toolItemIDs[tc.Index]
			if !ok {
				itemID = s.newItemID()
				s.toolItemIDs[tc.Index] = itemID
			}
			if tc.ID != "" {
				s.toolCallIDs[tc.Index] = tc.ID
			}
			if err := emit(responsesStreamChunk{
				Type:   eventToolArgsDelta,
				ItemID: itemID,
				CallID: s.toolCallIDs[tc.Index],
				Name:   tc.Function.Name,
				Delta:  tc.Function.Arguments,
			}); err != nil {
				return nil, err
			}
		}

		if choice.FinishReason != nil {
			if err := emit(responsesStreamChunk{Type: eventItemDone, FinishReason: *choice.FinishReason}); err != nil {
				return nil, err
			}
		}
	}

	if in.Usage != nil {
		if err := emit(responsesStreamChunk{Type: eventUsage, Usage: in.Usage}); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (s *ChatToResponsesStream) newItemID() string {
	s.nextItem++
	return fmt.Sprintf("item_%d", s.nextItem)
}

// ResponsesToChatStream accumulates state across a Responses-dialect
// streaming response and emits the equivalent Chat-dialect chunks.
type ResponsesToChatStream struct {
	id            string
	model         string
	toolIndexes   map[string]int // responses item_id -> chat tool_call delta index
	nextToolIndex int
}

// NewResponsesToChatStream returns a fresh streamer for one response.
func NewResponsesToChatStream() *ResponsesToChatStream {
	return &ResponsesToChatStream{toolIndexes: make(map[string]int)}
}

// Translate consumes one upstream Responses-dialect event and returns zero
// or more Chat-dialect chunks.
func (s *ResponsesToChatStream) Translate(chunk gateway.StreamChunk) ([]gateway.StreamChunk, error) {
	if chunk.Done || chunk.Err != nil {
		return []gateway.StreamChunk{chunk}, nil
	}

	var in responsesStreamChunk
	if err := json.Unmarshal(chunk.Data, &in); err != nil {
		return nil, fmt.Errorf("parse responses stream chunk: %w", err)
	}

	var delta chatStreamDelta
	var finish *string
	switch in.Type {
	case eventItemAdded:
		delta.Role = in.Role
	case eventTextDelta:
		delta.Content = in.Delta
	case eventToolArgsDelta:
		idx, ok := s.toolIndexes[in.ItemID]
		if !ok {
			idx = s.nextToolIndex
			s.toolIndexes[in.ItemID] = idx
			s.nextToolIndex++
		}
		delta.ToolCalls = []chatDeltaToolCall{{
			Index:    idx,
			ID:       in.CallID,
			Type:     "function",
			Function: chatDeltaFunction{Name: in.Name, Arguments: in.Delta},
		}}
	case eventItemDone:
		finish = &in.FinishReason
	case eventUsage:
		b, err := json.Marshal(chatStreamChunk{ID: s.id, Object: "chat.completion.chunk", Model: s.model, Usage: in.Usage})
		if err != nil {
			return nil, err
		}
		return []gateway.StreamChunk{{Data: b, Usage: in.Usage}}, nil
	default:
		return nil, nil
	}

	out := chatStreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Model:   s.model,
		Choices: []chatStreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return []gateway.StreamChunk{{Data: b}}, nil
}
