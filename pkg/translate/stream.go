package translate

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Stream event type constants.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// StreamEvent is one caller-facing stream event. Concrete types carry the
// event payload; EventName returns the wire event type.
type StreamEvent interface {
	EventName() string
}

// MessageStartEvent opens the streamed message.
type MessageStartEvent struct {
	Type    string       `json:"type"`
	Message ChatResponse `json:"message"`
}

func (e *MessageStartEvent) EventName() string { return e.Type }

// ContentBlockStartEvent opens a content block at a new index.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func (e *ContentBlockStartEvent) EventName() string { return e.Type }

// ContentBlockDeltaEvent carries incremental content for an open block.
type ContentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

func (e *ContentBlockDeltaEvent) EventName() string { return e.Type }

// Delta is the incremental payload of a ContentBlockDeltaEvent.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStopEvent closes the block at Index.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func (e *ContentBlockStopEvent) EventName() string { return e.Type }

// MessageDeltaEvent carries the terminal stop reason and final usage.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

func (e *MessageDeltaEvent) EventName() string { return e.Type }

// MessageDelta is the payload of a MessageDeltaEvent.
type MessageDelta struct {
	StopReason string `json:"stop_reason,omitempty"`
}

// MessageStopEvent terminates the stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}

func (e *MessageStopEvent) EventName() string { return e.Type }

// StreamTranslator converts upstream stream payloads into caller stream
// events. It maintains block-index state so that every index is opened
// exactly once before its deltas, closed before the next index opens, and
// never reopened. Feed and Finish are not safe for concurrent use.
type StreamTranslator struct {
	model string
	msgID string

	started    bool
	finished   bool
	nextIndex  int
	textOpen   bool
	textIndex  int
	sawToolUse bool

	finishReason string
	usage        Usage
}

// NewStreamTranslator creates a translator for one upstream stream.
func NewStreamTranslator(model string) *StreamTranslator {
	return &StreamTranslator{
		model: model,
		msgID: "msg_" + uuid.NewString(),
	}
}

// Feed consumes one upstream payload and returns the caller events it
// produces, in order. The first call also emits message_start.
func (t *StreamTranslator) Feed(resp *UpstreamResponse) []StreamEvent {
	if t.finished || resp == nil {
		return nil
	}

	var events []StreamEvent
	if !t.started {
		t.started = true
		events = append(events, &MessageStartEvent{
			Type: EventMessageStart,
			Message: ChatResponse{
				ID:      t.msgID,
				Type:    "message",
				Role:    RoleAssistant,
				Model:   t.model,
				Content: []ContentBlock{},
			},
		})
	}

	if resp.UsageMetadata != nil {
		t.usage = Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(resp.Candidates) == 0 {
		return events
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		t.finishReason = cand.FinishReason
	}
	if cand.Content == nil {
		return events
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			events = append(events, t.emitToolUse(part.FunctionCall)...)
		case part.Text != "":
			events = append(events, t.emitText(part.Text)...)
		}
	}
	return events
}

// emitText opens a text block if none is open and emits a text delta.
func (t *StreamTranslator) emitText(text string) []StreamEvent {
	var events []StreamEvent
	if !t.textOpen {
		t.textIndex = t.nextIndex
		t.nextIndex++
		t.textOpen = true
		events = append(events, &ContentBlockStartEvent{
			Type:         EventContentBlockStart,
			Index:        t.textIndex,
			ContentBlock: ContentBlock{Type: BlockTypeText},
		})
	}
	events = append(events, &ContentBlockDeltaEvent{
		Type:  EventContentBlockDelta,
		Index: t.textIndex,
		Delta: Delta{Type: "text_delta", Text: text},
	})
	return events
}

// emitToolUse closes any open text block, then emits a complete tool_use
// block: start, one JSON delta carrying the full arguments, stop.
func (t *StreamTranslator) emitToolUse(fc *FunctionCall) []StreamEvent {
	var events []StreamEvent
	if t.textOpen {
		events = append(events, &ContentBlockStopEvent{
			Type:  EventContentBlockStop,
			Index: t.textIndex,
		})
		t.textOpen = false
	}

	t.sawToolUse = true
	index := t.nextIndex
	t.nextIndex++

	id := fc.ID
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}

	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}

	events = append(events,
		&ContentBlockStartEvent{
			Type:  EventContentBlockStart,
			Index: index,
			ContentBlock: ContentBlock{
				Type:  BlockTypeToolUse,
				ID:    id,
				Name:  fc.Name,
				Input: map[string]any{},
			},
		},
		&ContentBlockDeltaEvent{
			Type:  EventContentBlockDelta,
			Index: index,
			Delta: Delta{Type: "input_json_delta", PartialJSON: string(argsJSON)},
		},
		&ContentBlockStopEvent{
			Type:  EventContentBlockStop,
			Index: index,
		},
	)
	return events
}

// Finish closes any open block and emits the terminal message_delta and
// message_stop pair. It is idempotent; repeated calls return nil.
func (t *StreamTranslator) Finish() []StreamEvent {
	if t.finished {
		return nil
	}
	t.finished = true

	var events []StreamEvent
	if !t.started {
		// Upstream produced nothing; still open the message so the caller
		// sees a well-formed event sequence.
		events = append(events, &MessageStartEvent{
			Type: EventMessageStart,
			Message: ChatResponse{
				ID:      t.msgID,
				Type:    "message",
				Role:    RoleAssistant,
				Model:   t.model,
				Content: []ContentBlock{},
			},
		})
	}
	if t.textOpen {
		events = append(events, &ContentBlockStopEvent{
			Type:  EventContentBlockStop,
			Index: t.textIndex,
		})
		t.textOpen = false
	}
	events = append(events,
		&MessageDeltaEvent{
			Type:  EventMessageDelta,
			Delta: MessageDelta{StopReason: mapStopReason(t.finishReason, t.sawToolUse)},
			Usage: t.usage,
		},
		&MessageStopEvent{Type: EventMessageStop},
	)
	return events
}

// Usage returns the last token counts reported by the upstream.
func (t *StreamTranslator) Usage() Usage {
	return t.usage
}
