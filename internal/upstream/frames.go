package upstream

import (
	"encoding/json"
	"strings"
)

// frame is one decoded upstream SSE payload. The upstream emits lines of
// the form "data: <json>" where <json> carries an event discriminator and
// an event-specific data field.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Upstream event discriminators.
const (
	frameStart           = "start"
	frameToken           = "token"
	frameSourceDocuments = "sourceDocuments"
	frameEnd             = "end"
	frameError           = "error"
)

// doneSentinel terminates the stream regardless of whether an end frame
// was seen.
const doneSentinel = "[DONE]"

// lineBuffer accumulates raw bytes from the upstream body and yields
// complete "data:" lines. Lines are split on both \n and \r\n. A data line
// whose JSON does not parse is pushed back onto the buffer head so the
// next read can complete it.
type lineBuffer struct {
	buf strings.Builder
}

func (b *lineBuffer) write(p []byte) {
	b.buf.Write(p)
}

// nextLine pops the first newline-terminated line from the buffer.
// Returns ok=false when no complete line is buffered yet.
func (b *lineBuffer) nextLine() (string, bool) {
	s := b.buf.String()
	idx := strings.IndexByte(s, '\n')
	if idx == -1 {
		return "", false
	}

	line := s[:idx]
	line = strings.TrimSuffix(line, "\r")

	b.buf.Reset()
	b.buf.WriteString(s[idx+1:])
	return line, true
}

// pushBack restores an unconsumed line to the buffer head. Used when a
// data line's JSON is incomplete: the line rejoins whatever bytes arrive
// next.
func (b *lineBuffer) pushBack(line string) {
	rest := b.buf.String()
	b.buf.Reset()
	b.buf.WriteString(line)
	b.buf.WriteString(rest)
}

// tail returns whatever is left in the buffer, consuming it.
func (b *lineBuffer) tail() string {
	s := b.buf.String()
	b.buf.Reset()
	return s
}

// parseDataLine extracts the payload of a "data:" line. Non-data lines
// (SSE comments, blank keep-alives) return ok=false.
func parseDataLine(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
