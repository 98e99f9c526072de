package translate

import (
	"encoding/json"
	"fmt"

	gateway "github.com/routiium/gateway/internal"
)

// chatToolCall mirrors one entry of a Chat assistant message's tool_calls
// array.
type chatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function chatToolCallFunction `json:"function"`
}

type chatToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// parseChatToolCalls unmarshals a ChatMessage.ToolCalls raw array.
func parseChatToolCalls(raw json.RawMessage) ([]chatToolCall, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var calls []chatToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, fmt.Errorf("unmarshal tool_calls: %w", err)
	}
	return calls, nil
}
