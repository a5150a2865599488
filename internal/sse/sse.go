// Package sse reads Server-Sent Events streams.
//
// Only the parts of the event-stream format the detection backend uses are
// supported: "event", "data" and "id" fields, comment lines, and blank-line
// dispatch. A "retry" field is parsed and exposed through [Reader.Retry].
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultEventName is the name of events sent without an "event" field.
const DefaultEventName = "message"

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data string
	ID   string
}

// Reader decodes events from a stream. It is not safe for concurrent use.
type Reader struct {
	reader *bufio.Reader
	body   io.Closer
	retry  time.Duration
}

// NewReader wraps body. Close closes body.
func NewReader(body io.ReadCloser) *Reader {
	return &Reader{
		reader: bufio.NewReader(body),
		body:   body,
	}
}

// Retry returns the last reconnection delay announced by the server, or zero.
func (r *Reader) Retry() time.Duration {
	return r.retry
}

// Next blocks until the next event is dispatched. It returns io.EOF when the
// stream ends without a pending event.
func (r *Reader) Next() (Event, error) {
	var (
		name    string
		id      string
		data    bytes.Buffer
		hasData bool
	)

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				return newEvent(name, id, data.String()), nil
			}
			if err == io.EOF {
				return Event{}, io.EOF
			}
			// Blank line without data resets the pending event.
			name, id = "", ""
			continue
		}

		field, value := splitField(line)
		switch field {
		case "":
			// comment
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			id = value
		case "retry":
			if ms, perr := strconv.Atoi(value); perr == nil && ms >= 0 {
				r.retry = time.Duration(ms) * time.Millisecond
			}
		}

		if err == io.EOF {
			if hasData {
				return newEvent(name, id, data.String()), nil
			}
			return Event{}, io.EOF
		}
	}
}

// Close closes the underlying stream.
func (r *Reader) Close() error {
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}

func newEvent(name, id, data string) Event {
	if name == "" {
		name = DefaultEventName
	}
	return Event{Name: name, Data: data, ID: id}
}

// splitField splits "field: value". Comment lines (leading ':') yield an
// empty field.
func splitField(line string) (string, string) {
	if strings.HasPrefix(line, ":") {
		return "", ""
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
