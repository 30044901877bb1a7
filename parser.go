package earnly

import (
	"bytes"
	"strings"
)

// defaultEventType is used when the stream omits the event field.
const defaultEventType = "message"

// rawEvent is one decoded wire event, before batching and JSON decoding.
type rawEvent struct {
	id   string
	typ  string
	data string
}

// eventStreamDecoder incrementally decodes a text/event-stream byte stream.
// It holds a rolling buffer so field lines may be split across chunk
// boundaries arbitrarily; a trailing partial line is carried over to the
// next Feed call.
type eventStreamDecoder struct {
	buf  []byte
	id   string
	typ  string
	data []string
}

// Feed consumes the next chunk from the stream, invoking emit once per
// completed event (blank-line delimited, non-empty data).
func (d *eventStreamDecoder) Feed(chunk []byte, emit func(rawEvent)) {
	d.buf = append(d.buf, chunk...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		line = strings.TrimSuffix(line, "\r")
		d.processLine(line, emit)
	}
}

func (d *eventStreamDecoder) processLine(line string, emit func(rawEvent)) {
	switch {
	case line == "":
		// Event boundary. Events that accumulated no data are not emitted.
		if len(d.data) > 0 {
			typ := d.typ
			if typ == "" {
				typ = defaultEventType
			}
			emit(rawEvent{id: d.id, typ: typ, data: strings.Join(d.data, "\n")})
		}
		d.id, d.typ, d.data = "", "", nil

	case strings.HasPrefix(line, ":"):
		// Heartbeat comment. Receiving anything at all already proves the
		// stream is alive, so nothing to do.

	case strings.HasPrefix(line, "id:"):
		d.id = strings.TrimSpace(line[len("id:"):])

	case strings.HasPrefix(line, "event:"):
		d.typ = strings.TrimSpace(line[len("event:"):])

	case strings.HasPrefix(line, "data:"):
		d.data = append(d.data, trimFieldValue(line[len("data:"):]))

	case strings.HasPrefix(line, "retry:"):
		// Server-suggested retry intervals are ignored; reconnect timing is
		// owned by the client's own backoff policy.
	}
}

// trimFieldValue strips the single optional space after a field colon,
// preserving any further leading whitespace inside the value.
func trimFieldValue(v string) string {
	if strings.HasPrefix(v, " ") {
		return v[1:]
	}
	return v
}
