package translate

import (
	"testing"
)

// checkEventOrdering asserts the structural rules of the caller stream:
// message_start first, every block opened exactly once before its deltas,
// closed before a new index opens, never reopened, and exactly one terminal
// message_delta/message_stop pair.
func checkEventOrdering(t *testing.T, events []StreamEvent) {
	t.Helper()

	if len(events) == 0 {
		t.Fatal("no events")
	}
	if events[0].EventName() != EventMessageStart {
		t.Fatalf("first event = %q, want message_start", events[0].EventName())
	}
	if events[len(events)-1].EventName() != EventMessageStop {
		t.Fatalf("last event = %q, want message_stop", events[len(events)-1].EventName())
	}

	opened := map[int]bool{}
	closed := map[int]bool{}
	sawDelta := false
	sawStop := false

	for i, ev := range events[1:] {
		switch e := ev.(type) {
		case *MessageStartEvent:
			t.Fatalf("event %d: duplicate message_start", i+1)
		case *ContentBlockStartEvent:
			if opened[e.Index] {
				t.Fatalf("event %d: index %d opened twice", i+1, e.Index)
			}
			for idx := range opened {
				if !closed[idx] {
					t.Fatalf("event %d: index %d opened while %d still open", i+1, e.Index, idx)
				}
			}
			opened[e.Index] = true
		case *ContentBlockDeltaEvent:
			if !opened[e.Index] || closed[e.Index] {
				t.Fatalf("event %d: delta for index %d outside its open window", i+1, e.Index)
			}
		case *ContentBlockStopEvent:
			if !opened[e.Index] || closed[e.Index] {
				t.Fatalf("event %d: stop for index %d outside its open window", i+1, e.Index)
			}
			closed[e.Index] = true
		case *MessageDeltaEvent:
			sawDelta = true
		case *MessageStopEvent:
			sawStop = true
		}
	}

	for idx := range opened {
		if !closed[idx] {
			t.Errorf("index %d never closed", idx)
		}
	}
	if !sawDelta || !sawStop {
		t.Error("missing terminal message_delta/message_stop pair")
	}
}

func TestStreamTranslatorTextOnly(t *testing.T) {
	tr := NewStreamTranslator("gemini-3-pro")

	var events []StreamEvent
	events = append(events, tr.Feed(textChunk("Hel"))...)
	events = append(events, tr.Feed(textChunk("lo"))...)
	events = append(events, tr.Feed(finalChunk("STOP", 12, 3))...)
	events = append(events, tr.Finish()...)

	checkEventOrdering(t, events)

	var text string
	for _, ev := range events {
		if d, ok := ev.(*ContentBlockDeltaEvent); ok {
			text += d.Delta.Text
		}
	}
	if text != "Hello" {
		t.Errorf("assembled text = %q", text)
	}

	last := events[len(events)-2].(*MessageDeltaEvent)
	if last.Delta.StopReason != StopReasonEndTurn {
		t.Errorf("StopReason = %q, want end_turn", last.Delta.StopReason)
	}
	if last.Usage.InputTokens != 12 || last.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", last.Usage)
	}
	if tr.Usage() != (Usage{InputTokens: 12, OutputTokens: 3}) {
		t.Errorf("Usage() = %+v", tr.Usage())
	}
}

func TestStreamTranslatorToolCallClosesTextBlock(t *testing.T) {
	tr := NewStreamTranslator("m")

	call := &UpstreamResponse{
		Candidates: []Candidate{{Content: &UpstreamContent{Parts: []Part{
			{FunctionCall: &FunctionCall{Name: "search", Args: map[string]any{"q": "go"}}},
		}}}},
	}

	var events []StreamEvent
	events = append(events, tr.Feed(textChunk("Checking"))...)
	events = append(events, tr.Feed(call)...)
	events = append(events, tr.Feed(textChunk("Found it."))...)
	events = append(events, tr.Finish()...)

	checkEventOrdering(t, events)

	// Expect three blocks: text(0), tool_use(1), text(2).
	var starts []*ContentBlockStartEvent
	for _, ev := range events {
		if s, ok := ev.(*ContentBlockStartEvent); ok {
			starts = append(starts, s)
		}
	}
	if len(starts) != 3 {
		t.Fatalf("got %d block starts, want 3", len(starts))
	}
	if starts[0].Index != 0 || starts[1].Index != 1 || starts[2].Index != 2 {
		t.Errorf("block indices = %d,%d,%d", starts[0].Index, starts[1].Index, starts[2].Index)
	}
	if starts[1].ContentBlock.Type != BlockTypeToolUse || starts[1].ContentBlock.Name != "search" {
		t.Errorf("tool block = %+v", starts[1].ContentBlock)
	}

	// The tool block carries its full arguments in one JSON delta.
	for _, ev := range events {
		d, ok := ev.(*ContentBlockDeltaEvent)
		if !ok || d.Index != 1 {
			continue
		}
		if d.Delta.Type != "input_json_delta" || d.Delta.PartialJSON != `{"q":"go"}` {
			t.Errorf("tool delta = %+v", d.Delta)
		}
	}

	last := events[len(events)-2].(*MessageDeltaEvent)
	if last.Delta.StopReason != StopReasonToolUse {
		t.Errorf("StopReason = %q, want tool_use", last.Delta.StopReason)
	}
}

func TestStreamTranslatorEmptyUpstream(t *testing.T) {
	tr := NewStreamTranslator("m")
	events := tr.Finish()

	checkEventOrdering(t, events)
	if len(events) != 3 {
		t.Fatalf("got %d events, want message_start, message_delta, message_stop", len(events))
	}
}

func TestStreamTranslatorFinishIdempotent(t *testing.T) {
	tr := NewStreamTranslator("m")
	tr.Feed(textChunk("x"))
	if events := tr.Finish(); len(events) == 0 {
		t.Fatal("first Finish produced nothing")
	}
	if events := tr.Finish(); events != nil {
		t.Fatalf("second Finish produced %d events, want none", len(events))
	}
	if events := tr.Feed(textChunk("late")); events != nil {
		t.Fatalf("Feed after Finish produced %d events, want none", len(events))
	}
}

func TestStreamTranslatorIgnoresEmptyPayloads(t *testing.T) {
	tr := NewStreamTranslator("m")

	var events []StreamEvent
	events = append(events, tr.Feed(nil)...)
	events = append(events, tr.Feed(&UpstreamResponse{})...)
	events = append(events, tr.Feed(textChunk("hi"))...)
	events = append(events, tr.Finish()...)

	checkEventOrdering(t, events)
}
