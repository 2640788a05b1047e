package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports malformed caller input. Requests that fail
// validation are rejected before any upstream call and never retried.
type ValidationError struct {
	// Field is the name of the invalid field
	Field string

	// Message describes what is invalid about the field
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q: %s", e.Field, e.Message)
}

// BuildOptions carries per-call parameters for BuildUpstreamRequest.
type BuildOptions struct {
	// Project is the upstream billing/project scope of the selected account
	Project string

	// UserAgent identifies the client to the upstream validator
	UserAgent string
}

// BuildUpstreamRequest transforms a caller request into the upstream request
// envelope. The transformation is pure: the same request and options always
// produce the same payload except for the per-attempt request id.
func BuildUpstreamRequest(req *ChatRequest, opts BuildOptions) (*UpstreamRequest, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	body := UpstreamBody{
		Contents:  make([]UpstreamContent, 0, len(req.Messages)),
		SessionID: SessionID(req),
	}

	// tool_result parts reference the original call by name, so remember the
	// name behind every tool_use id seen so far.
	callNames := make(map[string]string)

	for i, msg := range req.Messages {
		content, err := buildContent(i, msg, callNames)
		if err != nil {
			return nil, err
		}
		body.Contents = append(body.Contents, content)
	}

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  SanitizeSchema(tool.InputSchema),
			})
		}
		body.Tools = []UpstreamTool{{FunctionDeclarations: decls}}
	}

	if tc := buildToolConfig(req.ToolChoice); tc != nil {
		body.ToolConfig = tc
	}

	if req.MaxTokens > 0 {
		body.GenerationConfig = &GenerationConfig{MaxOutputTokens: req.MaxTokens}
	}

	return &UpstreamRequest{
		Model:       req.Model,
		UserAgent:   opts.UserAgent,
		RequestType: "agent",
		Project:     opts.Project,
		RequestID:   "agent-" + uuid.NewString(),
		Request:     body,
	}, nil
}

// ValidateRequest checks the caller request for structural problems.
func ValidateRequest(req *ChatRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Message: "request cannot be nil"}
	}
	if req.Model == "" {
		return &ValidationError{Field: "model", Message: "model is required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "at least one message is required"}
	}
	for i, msg := range req.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return &ValidationError{
				Field:   "messages",
				Message: fmt.Sprintf("unsupported role %q at index %d", msg.Role, i),
			}
		}
	}
	return nil
}

// buildContent flattens one caller message into an upstream content turn.
func buildContent(index int, msg Message, callNames map[string]string) (UpstreamContent, error) {
	role := "user"
	if msg.Role == RoleAssistant {
		role = "model"
	}

	parts := make([]Part, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case BlockTypeText:
			parts = append(parts, Part{Text: block.Text})

		case BlockTypeImage:
			if block.Source == nil {
				return UpstreamContent{}, &ValidationError{
					Field:   "messages",
					Message: fmt.Sprintf("image block without source at message %d", index),
				}
			}
			parts = append(parts, Part{InlineData: &InlineData{
				MimeType: block.Source.MediaType,
				Data:     block.Source.Data,
			}})

		case BlockTypeToolUse:
			callNames[block.ID] = block.Name
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			parts = append(parts, Part{FunctionCall: &FunctionCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			}})

		case BlockTypeToolResult:
			name, ok := callNames[block.ToolUseID]
			if !ok {
				return UpstreamContent{}, &ValidationError{
					Field:   "messages",
					Message: fmt.Sprintf("tool_result references unknown tool_use id %q", block.ToolUseID),
				}
			}
			response := map[string]any{"result": block.ResultText()}
			if block.IsError {
				response = map[string]any{"error": block.ResultText()}
			}
			parts = append(parts, Part{FunctionResponse: &FunctionResponse{
				ID:       block.ToolUseID,
				Name:     name,
				Response: response,
			}})

		default:
			return UpstreamContent{}, &ValidationError{
				Field:   "messages",
				Message: fmt.Sprintf("unsupported content block type %q", block.Type),
			}
		}
	}

	return UpstreamContent{Role: role, Parts: parts}, nil
}

// buildToolConfig maps the caller tool-choice policy to the upstream
// function-calling mode.
func buildToolConfig(tc *ToolChoice) *ToolConfig {
	if tc == nil {
		return nil
	}
	cfg := &FunctionCallingConfig{}
	switch tc.Type {
	case "auto":
		cfg.Mode = "AUTO"
	case "any":
		cfg.Mode = "ANY"
	case "tool":
		cfg.Mode = "ANY"
		if tc.Name != "" {
			cfg.AllowedFunctionNames = []string{tc.Name}
		}
	case "none":
		cfg.Mode = "NONE"
	default:
		return nil
	}
	return &ToolConfig{FunctionCallingConfig: cfg}
}

// SessionID derives a deterministic session identifier from the first user
// message. The same conversation yields the same id across retries and
// account rotation, which keeps upstream session affinity stable.
func SessionID(req *ChatRequest) string {
	for _, msg := range req.Messages {
		if msg.Role != RoleUser {
			continue
		}
		var seed string
		for _, block := range msg.Content {
			if block.Type == BlockTypeText {
				seed = block.Text
				break
			}
		}
		sum := sha256.Sum256([]byte(seed))
		return "session-" + hex.EncodeToString(sum[:8])
	}
	sum := sha256.Sum256(nil)
	return "session-" + hex.EncodeToString(sum[:8])
}
