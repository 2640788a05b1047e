package translate

import (
	"encoding/json"
	"fmt"
)

// EncodeSSE serializes a stream event as a wire-ready SSE frame, an
// `event:`/`data:` pair the HTTP layer forwards verbatim.
func EncodeSSE(ev StreamEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream event %q: %w", ev.EventName(), err)
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", ev.EventName(), data), nil
}
