// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements Server-Sent Event framing shared by the streamable
// and legacy HTTP transports (SPEC_FULL.md §4.7, §4.12): encoding an event
// to the wire, and scanning a byte stream back into events.

package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// event is a parsed server-sent event: an optional id (used for the
// Last-Event-ID resumption protocol), an optional event name, the data
// payload, and an optional retry interval override (SPEC_FULL.md §4.7).
type event struct {
	id    string
	name  string
	data  []byte
	retry time.Duration // zero if the event carried no "retry:" field
}

// writeEvent writes evt to w in SSE wire format and flushes, so that
// streaming HTTP responses are delivered promptly.
func writeEvent(w io.Writer, evt event) (int, error) {
	var b bytes.Buffer
	if evt.id != "" {
		fmt.Fprintf(&b, "id: %s\n", evt.id)
	}
	if evt.name != "" {
		fmt.Fprintf(&b, "event: %s\n", evt.name)
	}
	fmt.Fprintf(&b, "data: %s\n\n", evt.data)
	n, err := w.Write(b.Bytes())
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

// scanEvents returns an iterator over the SSE events in r, per
// https://developer.mozilla.org/en-US/docs/Web/API/Server-sent_events/Using_server-sent_events#examples:
//   - "key: value" line records, blank-line terminated.
//   - Consecutive "data:" fields are joined with newlines.
//   - Lines starting with ":" are ignored; a line with no colon ends the
//     iteration with an error.
//   - Unrecognized fields (other than id, event, data, retry) are ignored.
//
// The iterator yields a final (event{}, io.EOF) pair when the stream ends.
func scanEvents(r io.Reader) iter.Seq2[event, error] {
	return func(yield func(event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		var (
			evt         event
			lastWasData bool
		)
		flush := func() bool {
			if evt.name == "" && evt.id == "" && evt.retry == 0 && len(evt.data) == 0 {
				return true
			}
			cur := evt
			evt = event{}
			lastWasData = false
			return yield(cur, nil)
		}
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				if !flush() {
					return
				}
				continue
			}
			if line[0] == ':' {
				continue
			}
			before, after, found := bytes.Cut(line, []byte{':'})
			if !found {
				yield(event{}, fmt.Errorf("malformed SSE line: %q", line))
				return
			}
			value := strings.TrimPrefix(string(after), " ")
			switch string(before) {
			case "id":
				evt.id = value
			case "event":
				evt.name = value
			case "retry":
				if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
					evt.retry = time.Duration(ms) * time.Millisecond
				}
			case "data":
				data := []byte(value)
				if lastWasData {
					evt.data = slices.Concat(evt.data, []byte{'\n'}, data)
				} else {
					evt.data = data
				}
				lastWasData = true
			}
		}
		if err := scanner.Err(); err != nil {
			yield(event{}, err)
			return
		}
		if !flush() {
			return
		}
		yield(event{}, io.EOF)
	}
}
