package pipeline

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed server-sent event from the upstream stream.
type sseEvent struct {
	name string
	data string
}

// sseReader reads server-sent events off an upstream response body.
type sseReader struct {
	scanner *bufio.Scanner
}

// newSSEReader wraps a response body. The scanner buffer is sized for the
// large single-line data payloads the upstream emits.
func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &sseReader{scanner: scanner}
}

// next reads one complete event. Returns io.EOF on clean stream end.
func (r *sseReader) next() (*sseEvent, error) {
	var name string
	var dataLines []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		// Blank line terminates an event.
		if line == "" {
			if name != "" || len(dataLines) > 0 {
				return &sseEvent{name: name, data: strings.Join(dataLines, "\n")}, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		}
		// id and retry fields are ignored.
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if name != "" || len(dataLines) > 0 {
		return &sseEvent{name: name, data: strings.Join(dataLines, "\n")}, nil
	}
	return nil, io.EOF
}
