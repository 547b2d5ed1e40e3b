package stream

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

// parseAll splits an output buffer back into events for assertions.
func parseAll(t *testing.T, b []byte) []Event {
	t.Helper()
	var p Parser
	return p.Feed(b)
}

func TestTransformerRewritesAndSuppresses(t *testing.T) {
	var out bytes.Buffer
	rewrite := func(event string, data []byte) []byte {
		if event == "heartbeat" {
			return nil // drop
		}
		return bytes.ToUpper(data)
	}
	tr := NewTransformer(NewEmitter(&out), EventCompleted, rewrite, nil, nil)

	tr.Write([]byte("event: progress\ndata: abc\n\nevent: heartbeat\ndata: x\n\n"))

	events := parseAll(t, out.Bytes())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (heartbeat suppressed)", len(events))
	}
	if events[0].Name != "progress" || string(events[0].Data) != "ABC" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestTransformerDefersTerminalEvent(t *testing.T) {
	var out bytes.Buffer
	var completed []byte
	onComplete := func(ctx context.Context, data []byte, emit func(string, []byte) error) ([]byte, error) {
		completed = data
		// Expensive completion work may surface progress before the client
		// sees the terminal event.
		emit(EventProgress, []byte(`{"stage":"uploading_images"}`))
		return []byte(`{"done":true}`), nil
	}
	tr := NewTransformer(NewEmitter(&out), EventCompleted, nil, onComplete, nil)

	tr.Write([]byte("event: progress\ndata: p1\n\nevent: completed\ndata: raw-result\n\n"))

	// Terminal event must not appear before Flush.
	for _, ev := range parseAll(t, out.Bytes()) {
		if ev.Name == EventCompleted {
			t.Fatal("terminal event emitted before Flush")
		}
	}

	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if string(completed) != "raw-result" {
		t.Errorf("handler received %q", completed)
	}

	events := parseAll(t, out.Bytes())
	last := events[len(events)-1]
	if last.Name != EventCompleted || string(last.Data) != `{"done":true}` {
		t.Errorf("last event = %+v, want rewritten completed", last)
	}
	// Synthetic progress appears between the proxied events and completed.
	if events[len(events)-2].Name != EventProgress {
		t.Errorf("expected synthetic progress before completed, got %+v", events[len(events)-2])
	}
}

func TestTransformerNothingAfterTerminal(t *testing.T) {
	var out bytes.Buffer
	tr := NewTransformer(NewEmitter(&out), EventCompleted, nil, nil, nil)

	tr.Write([]byte("event: completed\ndata: r\n\nevent: progress\ndata: late\n\n"))
	tr.Flush(context.Background())

	events := parseAll(t, out.Bytes())
	if len(events) != 1 || events[0].Name != EventCompleted {
		t.Fatalf("events = %+v, want only the terminal event", events)
	}
}

func TestTransformerFlushWithoutTerminalIsNoop(t *testing.T) {
	var out bytes.Buffer
	called := false
	onComplete := func(ctx context.Context, data []byte, emit func(string, []byte) error) ([]byte, error) {
		called = true
		return nil, nil
	}
	tr := NewTransformer(NewEmitter(&out), EventCompleted, nil, onComplete, nil)

	tr.Write([]byte("event: progress\ndata: p\n\n"))
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if called {
		t.Error("completion handler must not run when the terminal event never arrived")
	}
	if strings.Contains(out.String(), "completed") {
		t.Error("no terminal event should be synthesized")
	}
}

func TestTransformerCompletionErrorFallsBackToOriginal(t *testing.T) {
	var out bytes.Buffer
	onComplete := func(ctx context.Context, data []byte, emit func(string, []byte) error) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}
	tr := NewTransformer(NewEmitter(&out), EventCompleted, nil, onComplete, nil)

	tr.Write([]byte("event: completed\ndata: original\n\n"))
	tr.Flush(context.Background())

	events := parseAll(t, out.Bytes())
	if len(events) != 1 || string(events[0].Data) != "original" {
		t.Errorf("events = %+v, want original terminal payload", events)
	}
}

func TestTransformerProxyDrainsAndFlushes(t *testing.T) {
	var out bytes.Buffer
	tr := NewTransformer(NewEmitter(&out), EventCompleted, nil, nil, nil)

	upstream := strings.NewReader("event: progress\ndata: 1\n\nevent: completed\ndata: r\n\n")
	if err := tr.Proxy(context.Background(), upstream); err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	events := parseAll(t, out.Bytes())
	if len(events) != 2 || events[1].Name != EventCompleted {
		t.Errorf("events = %+v", events)
	}
}
