package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/docflow/backend"
)

// scriptedBackend replays a fixed sequence of job states; the last state
// repeats once the script runs out.
type scriptedBackend struct {
	mu           sync.Mutex
	script       []*backend.ConversionJob
	polls        int
	cancels      int
	cancellable  bool
	cancelCalled chan struct{}
}

func (s *scriptedBackend) Name() string { return "scripted" }

func (s *scriptedBackend) SubmitJob(ctx context.Context, in *backend.ConversionInput) (string, error) {
	return "job-1", nil
}

func (s *scriptedBackend) GetJobStatus(ctx context.Context, jobID string) (*backend.ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.polls
	s.polls++
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	return s.script[i], nil
}

func (s *scriptedBackend) CancelJob(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	if s.cancelCalled != nil {
		close(s.cancelCalled)
	}
	return true
}

func (s *scriptedBackend) SupportsStreaming() bool    { return false }
func (s *scriptedBackend) SupportsCancellation() bool { return s.cancellable }

func (s *scriptedBackend) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// cleanupRecorder captures cleanup invocations.
type cleanupRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (c *cleanupRecorder) fn(ctx context.Context, jobID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *cleanupRecorder) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

func fastCfg(maxPolls int) PollerConfig {
	return PollerConfig{MaxPolls: maxPolls, PollInterval: time.Millisecond, KeepaliveInterval: time.Hour}
}

func passthroughComplete(ctx context.Context, job *backend.ConversionJob, emit func(string, []byte) error) ([]byte, error) {
	return []byte(`{"status":"completed"}`), nil
}

func processing(p *backend.Progress) *backend.ConversionJob {
	return &backend.ConversionJob{ID: "job-1", Status: backend.StatusProcessing, Progress: p}
}

func TestPollerDeduplicatesProgress(t *testing.T) {
	b := &scriptedBackend{script: []*backend.ConversionJob{
		processing(&backend.Progress{Stage: "ocr", Current: 1, Total: 10}),
		processing(&backend.Progress{Stage: "ocr", Current: 1, Total: 10}), // duplicate
		processing(&backend.Progress{Stage: "ocr", Current: 2, Total: 10}),
		processing(&backend.Progress{Stage: "layout", Current: 2, Total: 10}), // stage change
		{ID: "job-1", Status: backend.StatusCompleted, Result: &backend.ConversionResult{}},
	}}
	var out bytes.Buffer
	cr := &cleanupRecorder{}
	p := NewPoller(b, "job-1", fastCfg(50), passthroughComplete, cr.fn)
	p.Run(context.Background(), NewEmitter(&out))

	var progress, completed int
	var pr Parser
	for _, ev := range pr.Feed(out.Bytes()) {
		switch ev.Name {
		case EventProgress:
			progress++
		case EventCompleted:
			completed++
		}
	}
	if progress != 3 {
		t.Errorf("progress events = %d, want 3 (one per distinct stage/current/total)", progress)
	}
	if completed != 1 {
		t.Errorf("completed events = %d, want 1", completed)
	}
	if len(cr.calls()) != 0 {
		t.Errorf("cleanup ran on the success path: %v", cr.calls())
	}
}

func TestPollerEmitsHTMLReadyOnce(t *testing.T) {
	htmlReady := &backend.ConversionJob{
		ID:     "job-1",
		Status: backend.StatusHTMLReady,
		Result: &backend.ConversionResult{Formats: backend.Formats{HTML: "<p>hi</p>"}},
	}
	b := &scriptedBackend{script: []*backend.ConversionJob{
		htmlReady,
		htmlReady,
		htmlReady,
		{ID: "job-1", Status: backend.StatusCompleted, Result: &backend.ConversionResult{}},
	}}
	var out bytes.Buffer
	p := NewPoller(b, "job-1", fastCfg(50), passthroughComplete, (&cleanupRecorder{}).fn)
	p.Run(context.Background(), NewEmitter(&out))

	var ready int
	var pr Parser
	for _, ev := range pr.Feed(out.Bytes()) {
		if ev.Name == EventHTMLReady {
			ready++
			var payload map[string]string
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				t.Fatalf("html_ready payload not valid JSON: %s", ev.Data)
			}
			if payload["html"] != "<p>hi</p>" {
				t.Errorf("html_ready payload missing html: %s", ev.Data)
			}
		}
	}
	if ready != 1 {
		t.Errorf("html_ready events = %d, want exactly 1", ready)
	}
}

func TestPollerFailedJob(t *testing.T) {
	b := &scriptedBackend{script: []*backend.ConversionJob{
		processing(nil),
		{ID: "job-1", Status: backend.StatusFailed, Error: "gpu worker crashed"},
	}}
	var out bytes.Buffer
	cr := &cleanupRecorder{}
	var recorded string
	p := NewPoller(b, "job-1", fastCfg(50), passthroughComplete, cr.fn,
		WithFailureRecorder(func(msg string) { recorded = msg }))
	p.Run(context.Background(), NewEmitter(&out))

	var pr Parser
	events := pr.Feed(out.Bytes())
	last := events[len(events)-1]
	if last.Name != EventFailed || !bytes.Contains(last.Data, []byte("gpu worker crashed")) {
		t.Errorf("terminal event = %+v", last)
	}
	if got := cr.calls(); len(got) != 1 || got[0] != "failed" {
		t.Errorf("cleanup calls = %v, want [failed]", got)
	}
	if recorded != "gpu worker crashed" {
		t.Errorf("failure recorder got %q", recorded)
	}
}

func TestPollerBudgetExhaustion(t *testing.T) {
	b := &scriptedBackend{script: []*backend.ConversionJob{processing(nil)}}
	var out bytes.Buffer
	cr := &cleanupRecorder{}
	p := NewPoller(b, "job-1", fastCfg(3), passthroughComplete, cr.fn)
	p.Run(context.Background(), NewEmitter(&out))

	if got := b.pollCount(); got != 3 {
		t.Errorf("polls = %d, want exactly MaxPolls", got)
	}
	var pr Parser
	events := pr.Feed(out.Bytes())
	last := events[len(events)-1]
	if last.Name != EventError || !bytes.Contains(last.Data, []byte("timed out")) {
		t.Errorf("terminal event = %+v, want error/timed out", last)
	}
	if got := cr.calls(); len(got) != 1 || got[0] != "timeout" {
		t.Errorf("cleanup calls = %v, want [timeout]", got)
	}
}

func TestPollerClientDisconnect(t *testing.T) {
	b := &scriptedBackend{
		script:       []*backend.ConversionJob{processing(nil)},
		cancellable:  true,
		cancelCalled: make(chan struct{}),
	}
	var out bytes.Buffer
	cr := &cleanupRecorder{}
	p := NewPoller(b, "job-1", fastCfg(1000), passthroughComplete, cr.fn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, NewEmitter(&out))
		close(done)
	}()

	// Let a few polls land, then drop the client.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after disconnect")
	}
	if got := cr.calls(); len(got) != 1 || got[0] != "client_disconnect" {
		t.Errorf("cleanup calls = %v, want [client_disconnect]", got)
	}
	select {
	case <-b.cancelCalled:
	case <-time.After(time.Second):
		t.Fatal("best-effort upstream cancel never fired")
	}
	// No further polls after the disconnect path ran.
	n := b.pollCount()
	time.Sleep(10 * time.Millisecond)
	if b.pollCount() != n {
		t.Error("poller kept polling after disconnect")
	}

	var pr Parser
	for _, ev := range pr.Feed(out.Bytes()) {
		if ev.Name == EventCompleted || ev.Name == EventFailed || ev.Name == EventError {
			t.Errorf("terminal event %q emitted to a disconnected client", ev.Name)
		}
	}
}

func TestPollerCompletionHandlerPayload(t *testing.T) {
	b := &scriptedBackend{script: []*backend.ConversionJob{
		{ID: "job-1", Status: backend.StatusCompleted, Result: &backend.ConversionResult{Content: "# doc"}},
	}}
	var out bytes.Buffer
	var gotJob *backend.ConversionJob
	complete := func(ctx context.Context, job *backend.ConversionJob, emit func(string, []byte) error) ([]byte, error) {
		gotJob = job
		emit(EventProgress, []byte(`{"stage":"uploading_images"}`))
		return []byte(`{"status":"completed","content":"# doc"}`), nil
	}
	p := NewPoller(b, "job-1", fastCfg(10), complete, (&cleanupRecorder{}).fn)
	p.Run(context.Background(), NewEmitter(&out))

	if gotJob == nil || gotJob.Result.Content != "# doc" {
		t.Fatalf("completion handler job = %+v", gotJob)
	}
	var pr Parser
	events := pr.Feed(out.Bytes())
	if len(events) != 2 {
		t.Fatalf("events = %+v, want synthetic progress then completed", events)
	}
	if events[0].Name != EventProgress || events[1].Name != EventCompleted {
		t.Errorf("event order = %q, %q", events[0].Name, events[1].Name)
	}
	if !bytes.Contains(events[1].Data, []byte("# doc")) {
		t.Errorf("completed payload = %s", events[1].Data)
	}
}
