package translate

import (
	"encoding/json"

	"github.com/google/uuid"
)

// AssembleResponse converts buffered upstream output into a caller response.
// Consecutive text parts collapse into a single text block, function calls
// become tool_use blocks (with generated ids when the upstream omits them),
// and the stop reason is derived from the final candidate.
func AssembleResponse(model string, chunks []*UpstreamResponse) *ChatResponse {
	resp := &ChatResponse{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Role:  RoleAssistant,
		Model: model,
	}

	var finishReason string
	sawToolUse := false

	for _, chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.UsageMetadata != nil {
			resp.Usage = Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				sawToolUse = true
				resp.Content = append(resp.Content, toolUseBlock(part.FunctionCall))
			case part.Text != "":
				n := len(resp.Content)
				if n > 0 && resp.Content[n-1].Type == BlockTypeText {
					resp.Content[n-1].Text += part.Text
				} else {
					resp.Content = append(resp.Content, ContentBlock{
						Type: BlockTypeText,
						Text: part.Text,
					})
				}
			}
		}
	}

	resp.StopReason = mapStopReason(finishReason, sawToolUse)
	return resp
}

// toolUseBlock converts an upstream function call into a tool_use block,
// generating an id when the upstream did not supply one.
func toolUseBlock(fc *FunctionCall) ContentBlock {
	id := fc.ID
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}
	input := fc.Args
	if input == nil {
		input = map[string]any{}
	}
	return ContentBlock{
		Type:  BlockTypeToolUse,
		ID:    id,
		Name:  fc.Name,
		Input: input,
	}
}

// mapStopReason normalizes the upstream finish reason. Any function call in
// the response forces tool_use regardless of the reported reason.
func mapStopReason(finishReason string, sawToolUse bool) string {
	if sawToolUse {
		return StopReasonToolUse
	}
	switch finishReason {
	case "MAX_TOKENS":
		return StopReasonMaxTokens
	default:
		return StopReasonEndTurn
	}
}

// DecodeChunk parses one SSE data payload from the upstream stream.
func DecodeChunk(data []byte) (*UpstreamResponse, error) {
	var chunk UpstreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	return chunk.Payload(), nil
}
