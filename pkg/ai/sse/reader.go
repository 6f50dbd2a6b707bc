// Package sse provides a minimal Server-Sent Events reader.
// It reads a stream of SSE lines and emits (event, data) pairs.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is a single SSE event.
type Event struct {
	Type string // value of the "event:" field (may be empty)
	ID   string // value of the "id:" field (may be empty)
	Data string // value of the "data:" field(s), joined with "\n"
}

// Reader reads SSE events from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
	lastID  string
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB line limit
	return &Reader{scanner: sc}
}

// LastEventID returns the most recent "id:" value seen on the stream.
func (r *Reader) LastEventID() string { return r.lastID }

// Next returns the next event. Returns (Event{}, io.EOF) at end of stream.
// An event that is still open when the stream ends is dispatched before EOF.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var dataLines []string

	dispatch := func() Event {
		ev.Data = strings.Join(dataLines, "\n")
		if ev.ID != "" {
			r.lastID = ev.ID
		}
		return ev
	}

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			// Blank line terminates the current event.
			if len(dataLines) > 0 || ev.Type != "" {
				return dispatch(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}

		field, value := splitField(line)
		switch field {
		case "event":
			ev.Type = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			ev.ID = value
		}
		// retry: is intentionally ignored
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(dataLines) > 0 || ev.Type != "" {
		// Stream ended without a trailing blank line.
		return dispatch(), nil
	}
	return Event{}, io.EOF
}

// splitField splits "field: value", stripping the single optional space
// after the colon per the SSE spec (we strip all surrounding whitespace,
// which every provider in the wild is compatible with).
func splitField(line string) (field, value string) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}
