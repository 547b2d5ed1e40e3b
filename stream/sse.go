// Package stream implements the application-level event stream between the
// conversion backends and the client: an incremental SSE parser, a rewriting
// proxy transformer with deferred terminal-event processing, and a polling
// emitter that synthesizes the same event vocabulary for backends without a
// native push channel.
package stream

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Client-visible event names. Both the proxy path and the polling path emit
// exactly this vocabulary, so client behavior is backend-agnostic.
const (
	EventProgress  = "progress"
	EventHTMLReady = "html_ready"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventError     = "error"
)

// Event is one parsed SSE block.
type Event struct {
	Name string
	Data []byte
}

// Parser incrementally splits an event-stream byte feed into complete
// blocks. Partial blocks are buffered; an event is only produced once its
// terminating blank line has arrived.
type Parser struct {
	buf    bytes.Buffer
	heldCR bool
}

// Feed appends a chunk and returns every event completed by it, in the order
// the bytes were received.
func (p *Parser) Feed(chunk []byte) []Event {
	// CRLF-normalize before splitting so "\r\n\r\n" terminators work. A
	// chunk ending in '\r' is held back one byte: the pair may straddle the
	// chunk boundary, and normalizing its halves separately would fabricate
	// a blank line. A held '\r' never delays an event, because an event only
	// completes on a blank line after it.
	normalized := make([]byte, 0, len(chunk)+1)
	if p.heldCR {
		normalized = append(normalized, '\r')
		p.heldCR = false
	}
	normalized = append(normalized, chunk...)
	if n := len(normalized); n > 0 && normalized[n-1] == '\r' {
		p.heldCR = true
		normalized = normalized[:n-1]
	}
	normalized = bytes.ReplaceAll(normalized, []byte("\r\n"), []byte("\n"))
	normalized = bytes.ReplaceAll(normalized, []byte{'\r'}, []byte{'\n'})
	p.buf.Write(normalized)

	var events []Event
	for {
		raw := p.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			return events
		}
		block := make([]byte, idx)
		copy(block, raw[:idx])
		p.buf.Next(idx + 2)

		if ev, ok := parseBlock(block); ok {
			events = append(events, ev)
		}
	}
}

// parseBlock parses one blank-line-terminated block. Comment-only blocks
// (every line starts with ':') produce no event.
func parseBlock(block []byte) (Event, bool) {
	ev := Event{Name: "message"}
	var data [][]byte
	for _, line := range bytes.Split(block, []byte{'\n'}) {
		switch {
		case len(line) == 0, line[0] == ':':
			continue
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte{' '}))
		}
	}
	if len(data) == 0 {
		return Event{}, false
	}
	ev.Data = bytes.Join(data, []byte{'\n'})
	return ev, true
}

// Emitter serializes events onto an outgoing SSE response, flushing after
// every write and tracking the last write time for keepalive decisions.
// Safe for use from the single goroutine owning the response.
type Emitter struct {
	w         io.Writer
	flusher   http.Flusher
	mu        sync.Mutex
	lastWrite time.Time
}

// NewEmitter wraps w. If w implements http.Flusher each event is flushed
// immediately so intermediaries cannot batch the stream.
func NewEmitter(w io.Writer) *Emitter {
	e := &Emitter{w: w, lastWrite: time.Now()}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Emit writes one event block. Multi-line data is split into multiple data:
// lines per the wire format.
func (e *Emitter) Emit(name string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "event: %s\n", name); err != nil {
		return err
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if _, err := fmt.Fprintf(e.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(e.w, "\n"); err != nil {
		return err
	}
	e.flushLocked()
	return nil
}

// Comment writes a comment-only keepalive frame. Clients ignore it;
// intermediary proxies see traffic and keep the connection open.
func (e *Emitter) Comment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.flushLocked()
	return nil
}

// Idle returns how long ago the last frame was written.
func (e *Emitter) Idle() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastWrite)
}

func (e *Emitter) flushLocked() {
	e.lastWrite = time.Now()
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// PrepareResponse sets the headers that keep an SSE response streaming
// through intermediaries: no buffering, no transformation, no idle close.
func PrepareResponse(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
