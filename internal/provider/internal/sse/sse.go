// Package sse reads server-sent event streams from upstream providers.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Provider deltas can carry large tool-call arguments in one line.
const (
	initialBuffer = 256 * 1024
	maxBuffer     = 1024 * 1024
)

// Event is one server-sent event. Name is empty for bare data events.
type Event struct {
	Name string
	Data string
}

// Reader yields events from an SSE byte stream.
type Reader struct {
	sc  *bufio.Scanner
	err error
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, initialBuffer), maxBuffer)
	return &Reader{sc: sc}
}

// Next returns the next event; false means end of stream. Check Err
// afterwards to distinguish a clean end from a transport failure.
func (r *Reader) Next() (Event, bool) {
	var ev Event
	var data []string
	flush := func() (Event, bool) {
		ev.Data = strings.Join(data, "\n")
		return ev, true
	}
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if len(data) > 0 || ev.Name != "" {
				return flush()
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			ev.Name = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	r.err = r.sc.Err()
	if len(data) > 0 || ev.Name != "" {
		return flush()
	}
	return Event{}, false
}

// Err reports the transport failure that ended the stream, if any.
func (r *Reader) Err() error { return r.err }
