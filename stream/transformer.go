package stream

import (
	"context"
	"io"
	"log/slog"
)

// RewriteFunc rewrites one non-terminal event's payload before it is
// forwarded. Returning nil suppresses the event entirely (used to drop
// heartbeat-like writes the client doesn't need).
type RewriteFunc func(event string, data []byte) []byte

// CompletionFunc processes the buffered terminal payload during Flush. It
// may emit synthetic progress events through emit while it works (image
// upload, enrichment, persistence), then returns the payload for the final
// terminal event. Returning nil data falls back to the original payload;
// errors are logged and also fall back, because by this point the backend
// has finished and the client must still receive its terminal event.
type CompletionFunc func(ctx context.Context, data []byte, emit func(event string, data []byte) error) ([]byte, error)

// Transformer converts a backend's raw SSE stream into the client-safe
// stream: every event except the terminal one is rewritten synchronously and
// forwarded in arrival order; the terminal event is buffered and replayed
// from Flush after its async completion handler has run. Nothing is ever
// written after the terminal event.
type Transformer struct {
	emitter    *Emitter
	parser     Parser
	rewrite    RewriteFunc
	terminal   string
	onComplete CompletionFunc
	logger     *slog.Logger

	pending      []byte
	terminalSeen bool
}

// NewTransformer creates a transformer writing to em. terminal names the
// event that triggers deferred processing (EventCompleted in production).
func NewTransformer(em *Emitter, terminal string, rewrite RewriteFunc, onComplete CompletionFunc, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{
		emitter:    em,
		rewrite:    rewrite,
		terminal:   terminal,
		onComplete: onComplete,
		logger:     logger,
	}
}

// Write feeds raw upstream bytes. Complete blocks are processed in the order
// the bytes were received; partial blocks stay buffered. Once the terminal
// event has been seen, later upstream events are dropped so the terminal
// event stays last on the wire.
func (t *Transformer) Write(p []byte) (int, error) {
	for _, ev := range t.parser.Feed(p) {
		if t.terminalSeen {
			t.logger.Warn("event after terminal dropped", "event", ev.Name)
			continue
		}
		if ev.Name == t.terminal {
			t.pending = append([]byte(nil), ev.Data...)
			t.terminalSeen = true
			continue
		}
		data := ev.Data
		if t.rewrite != nil {
			data = t.rewrite(ev.Name, ev.Data)
			if data == nil {
				continue
			}
		}
		if err := t.emitter.Emit(ev.Name, data); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush runs the deferred completion handler and emits the terminal event.
// If the upstream stream ended without a terminal event, Flush does nothing:
// the proxied stream simply ends and the caller's own timeout detects the
// truncation.
func (t *Transformer) Flush(ctx context.Context) error {
	if !t.terminalSeen {
		return nil
	}
	data := t.pending
	if t.onComplete != nil {
		processed, err := t.onComplete(ctx, t.pending, t.emitter.Emit)
		if err != nil {
			t.logger.Error("completion processing failed, emitting original payload", "error", err)
		} else if processed != nil {
			data = processed
		}
	}
	return t.emitter.Emit(t.terminal, data)
}

// Proxy copies the upstream body through the transformer until EOF or ctx
// cancellation, then flushes. Cancellation is cooperative: it is checked at
// every chunk boundary, and an in-flight read is not aborted mid-flight.
func (t *Transformer) Proxy(ctx context.Context, upstream io.Reader) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := t.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return t.Flush(ctx)
		}
		if err != nil {
			return err
		}
	}
}
