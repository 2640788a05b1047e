package translate

// Upstream request/response wire types for the internal code-assist API.
// The envelope shape (userAgent, requestType, requestId) is fixed by the
// upstream validator; the inner request follows the generateContent schema.

// UpstreamRequest is the outer request envelope.
type UpstreamRequest struct {
	Model       string       `json:"model"`
	UserAgent   string       `json:"userAgent"`
	RequestType string       `json:"requestType"`
	Project     string       `json:"project,omitempty"`
	RequestID   string       `json:"requestId"`
	Request     UpstreamBody `json:"request"`
}

// UpstreamBody is the inner generateContent request.
type UpstreamBody struct {
	Contents         []UpstreamContent `json:"contents"`
	Tools            []UpstreamTool    `json:"tools,omitempty"`
	ToolConfig       *ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
	SessionID        string            `json:"sessionId,omitempty"`
}

// UpstreamContent is one conversation turn in upstream format.
// Role is "user" or "model".
type UpstreamContent struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one content part. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// InlineData carries base64-encoded inline media.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a tool invocation emitted by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FunctionResponse answers a prior FunctionCall, paired by name and id.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// UpstreamTool groups function declarations.
type UpstreamTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration describes one callable function.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolConfig carries the function-calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig modes: AUTO, ANY, NONE.
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// GenerationConfig carries sampling and length limits.
type GenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

// UpstreamChunk is one SSE data payload from the upstream stream. The
// internal endpoint wraps the generateContent response in a "response" key;
// some deployments emit the bare form.
type UpstreamChunk struct {
	Response *UpstreamResponse `json:"response,omitempty"`

	// Bare form fields
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Payload returns the response body regardless of envelope form.
func (c *UpstreamChunk) Payload() *UpstreamResponse {
	if c.Response != nil {
		return c.Response
	}
	if len(c.Candidates) == 0 && c.UsageMetadata == nil {
		return nil
	}
	return &UpstreamResponse{
		Candidates:    c.Candidates,
		UsageMetadata: c.UsageMetadata,
	}
}

// UpstreamResponse is a generateContent response (complete or incremental).
type UpstreamResponse struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one response candidate. Only the first is used.
type Candidate struct {
	Content      *UpstreamContent `json:"content,omitempty"`
	FinishReason string           `json:"finishReason,omitempty"`
}

// UsageMetadata is the upstream token accounting.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}
