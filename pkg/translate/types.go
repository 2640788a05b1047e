package translate

import (
	"encoding/json"
	"fmt"
)

// Message role constants for the caller-facing chat model.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block type constants.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeImage      = "image"
)

// Stop reason constants.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// ChatRequest is a provider-agnostic chat request. It is built from the
// caller-facing wire format and transformed to the upstream format by
// BuildUpstreamRequest.
type ChatRequest struct {
	// Model is the model identifier requested by the caller
	Model string `json:"model"`

	// Messages is the ordered conversation history
	Messages []Message `json:"messages"`

	// Tools is the list of tools the model may call
	Tools []Tool `json:"tools,omitempty"`

	// ToolChoice controls which tools the model may call
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// MaxTokens is the maximum number of output tokens to generate
	MaxTokens int `json:"max_tokens,omitempty"`

	// Stream indicates whether the caller requested a streaming response
	Stream bool `json:"stream,omitempty"`
}

// Message is a single conversation turn. Content is an ordered list of
// content blocks; plain string content on the wire is normalized into a
// single text block.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UnmarshalJSON accepts both the shorthand string form and the block-array
// form for message content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role

	if len(raw.Content) == 0 {
		m.Content = nil
		return nil
	}

	// Shorthand: "content": "hello"
	if raw.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(raw.Content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: BlockTypeText, Text: text}}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return fmt.Errorf("invalid message content: %w", err)
	}
	m.Content = blocks
	return nil
}

// ContentBlock is one unit of message content. The populated fields depend
// on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`
}

// ResultText returns the tool_result content as plain text. Block-array
// result content is flattened to the concatenation of its text parts.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	if b.Content[0] == '"' {
		var s string
		if json.Unmarshal(b.Content, &s) == nil {
			return s
		}
	}
	var nested []ContentBlock
	if json.Unmarshal(b.Content, &nested) == nil {
		var out string
		for _, n := range nested {
			if n.Type == BlockTypeText {
				out += n.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// ImageSource carries inline image data in the caller format.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool is a tool definition supplied by the caller.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolChoice is the caller's tool selection policy.
type ToolChoice struct {
	// Type is one of "auto", "any", "tool", "none"
	Type string `json:"type"`

	// Name selects a specific tool when Type is "tool"
	Name string `json:"name,omitempty"`
}

// Usage tracks token consumption for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is a provider-agnostic buffered chat response, normalized
// from the upstream response format.
type ChatResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}
