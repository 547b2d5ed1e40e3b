package convert

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/docflow/backend"
	"github.com/hazyhaar/docflow/registry"
	"github.com/hazyhaar/docflow/storage"
	"github.com/hazyhaar/docflow/stream"
)

// fakeBackend is a scriptable in-memory backend.
type fakeBackend struct {
	mu          sync.Mutex
	name        string
	submitted   []*backend.ConversionInput
	jobs        map[string][]*backend.ConversionJob
	polls       map[string]int
	cancels     []string
	cancellable bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		name:        "local",
		jobs:        make(map[string][]*backend.ConversionJob),
		polls:       make(map[string]int),
		cancellable: true,
	}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) SubmitJob(ctx context.Context, in *backend.ConversionInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, in)
	return "job-1", nil
}

func (f *fakeBackend) GetJobStatus(ctx context.Context, jobID string) (*backend.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.jobs[jobID]
	i := f.polls[jobID]
	f.polls[jobID]++
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

func (f *fakeBackend) CancelJob(ctx context.Context, jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return true
}

func (f *fakeBackend) SupportsStreaming() bool    { return false }
func (f *fakeBackend) SupportsCancellation() bool { return f.cancellable }

func newTestService(t *testing.T, b backend.Backend, opts ...Option) (*Service, *storage.FSStore, registry.JobFiles) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir(), "/files")
	if err != nil {
		t.Fatal(err)
	}
	files := registry.NewMemoryJobFiles()
	opts = append(opts, WithPollerConfig(stream.PollerConfig{MaxPolls: 50, PollInterval: 1, KeepaliveInterval: 1 << 30}))
	return NewService(b, files, store, opts...), store, files
}

func seedFile(t *testing.T, store *storage.FSStore, fileID, content string) {
	t.Helper()
	if err := store.Save(context.Background(), uploadKey(fileID), []byte(content), "text/html"); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitRegistersJob(t *testing.T) {
	b := newFakeBackend()
	svc, store, files := newTestService(t, b)
	seedFile(t, store, "f1", "<p>doc</p>")

	id, err := svc.Submit(context.Background(), &SubmitRequest{FileID: "f1", Filename: "doc.html"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-1" {
		t.Errorf("id = %q", id)
	}
	if len(b.submitted) != 1 || b.submitted[0].FileURL == "" || b.submitted[0].FileBytes != nil {
		t.Errorf("local backend should get a URL, got %+v", b.submitted[0])
	}

	entry, err := files.Get(context.Background(), id)
	if err != nil || entry == nil {
		t.Fatalf("registry entry missing: %v", err)
	}
	if entry.FileID != "f1" || entry.BackendType != "local" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestSubmitMissingFile(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeBackend())
	_, err := svc.Submit(context.Background(), &SubmitRequest{FileID: "nope", Filename: "x.html"})
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Errorf("err = %v", err)
	}
}

func TestSubmitURLPerBackendAudience(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir(), "https://cdn.example.com/files",
		storage.WithFSInternalBaseURL("http://api.internal:8090/files"))
	if err != nil {
		t.Fatal(err)
	}
	seedFile(t, store, "f1", "<p>doc</p>")
	ctx := context.Background()

	// Local workers sit on the private network and must get the internal
	// address, never the client-facing one.
	local := newFakeBackend()
	svc := NewService(local, registry.NewMemoryJobFiles(), store)
	if _, err := svc.Submit(ctx, &SubmitRequest{FileID: "f1", Filename: "doc.html"}); err != nil {
		t.Fatal(err)
	}
	if got := local.submitted[0].FileURL; got != "http://api.internal:8090/files/uploads/f1" {
		t.Errorf("local FileURL = %q", got)
	}

	// The serverless provider runs outside our network and needs the
	// external address.
	provider := newFakeBackend()
	provider.name = "provider"
	svc = NewService(provider, registry.NewMemoryJobFiles(), store)
	if _, err := svc.Submit(ctx, &SubmitRequest{FileID: "f1", Filename: "doc.html"}); err != nil {
		t.Fatal(err)
	}
	if got := provider.submitted[0].FileURL; got != "https://cdn.example.com/files/uploads/f1" {
		t.Errorf("provider FileURL = %q", got)
	}
}

func TestSubmitHostedGetsBytes(t *testing.T) {
	b := newFakeBackend()
	b.name = "hosted"
	svc, store, _ := newTestService(t, b)
	seedFile(t, store, "f1", "<p>doc</p>")

	if _, err := svc.Submit(context.Background(), &SubmitRequest{FileID: "f1", Filename: "doc.html"}); err != nil {
		t.Fatal(err)
	}
	if got := b.submitted[0]; got.FileURL != "" || string(got.FileBytes) != "<p>doc</p>" {
		t.Errorf("hosted backend should get inline bytes, got %+v", got)
	}
}

type recordingController struct {
	mu      sync.Mutex
	loads   int
	unloads int
}

func (c *recordingController) Load(ctx context.Context) error {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return nil
}

func (c *recordingController) Unload(ctx context.Context) error {
	c.mu.Lock()
	c.unloads++
	c.mu.Unlock()
	return nil
}

func TestSubmitActivatesWorkerForMode(t *testing.T) {
	b := newFakeBackend()
	act := registry.NewActivation(true, nil)
	marker := &recordingController{}
	surya := &recordingController{}
	act.Register("marker", marker)
	act.Register("surya", surya)

	svc, store, _ := newTestService(t, b, WithActivation(act))
	seedFile(t, store, "f1", "<p>doc</p>")

	if _, err := svc.Submit(context.Background(), &SubmitRequest{FileID: "f1", Filename: "doc.html", Mode: backend.ModeAccurate}); err != nil {
		t.Fatal(err)
	}
	if surya.loads != 1 {
		t.Errorf("surya loads = %d, want 1", surya.loads)
	}
	if act.Hot() != "surya" {
		t.Errorf("hot = %q", act.Hot())
	}
}

func TestSubmitAccurateFallsBackWithoutSurya(t *testing.T) {
	// A deployment with only the default worker serves accurate mode there
	// too; activation must target the worker the backend will actually use.
	b := newFakeBackend()
	act := registry.NewActivation(true, nil)
	marker := &recordingController{}
	act.Register("marker", marker)

	svc, store, _ := newTestService(t, b, WithActivation(act))
	seedFile(t, store, "f1", "<p>doc</p>")

	if _, err := svc.Submit(context.Background(), &SubmitRequest{FileID: "f1", Filename: "doc.html", Mode: backend.ModeAccurate}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if marker.loads != 1 {
		t.Errorf("marker loads = %d, want 1", marker.loads)
	}
	if act.Hot() != "marker" {
		t.Errorf("hot = %q", act.Hot())
	}
}

func TestCancelReleasesJob(t *testing.T) {
	b := newFakeBackend()
	svc, store, files := newTestService(t, b)
	seedFile(t, store, "f1", "<p>doc</p>")
	ctx := context.Background()

	id, err := svc.Submit(ctx, &SubmitRequest{FileID: "f1", Filename: "doc.html"})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(b.cancels) != 1 {
		t.Errorf("cancel calls = %v", b.cancels)
	}
	if entry, _ := files.Get(ctx, id); entry != nil {
		t.Error("registry entry survived cancel")
	}
	if _, err := store.Read(ctx, uploadKey("f1")); err == nil {
		t.Error("uploaded source survived cancel")
	}
}

func TestCancelUnsupported(t *testing.T) {
	b := newFakeBackend()
	b.cancellable = false
	svc, store, _ := newTestService(t, b)
	seedFile(t, store, "f1", "<p>doc</p>")
	ctx := context.Background()

	id, _ := svc.Submit(ctx, &SubmitRequest{FileID: "f1", Filename: "doc.html"})
	if err := svc.Cancel(ctx, id); err != ErrCancelUnsupported {
		t.Errorf("err = %v, want ErrCancelUnsupported", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeBackend())
	if err := svc.Cancel(context.Background(), "ghost"); err != ErrJobNotFound {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	b := newFakeBackend()
	svc, store, _ := newTestService(t, b)
	seedFile(t, store, "f1", "<p>doc</p>")
	ctx := context.Background()

	id, _ := svc.Submit(ctx, &SubmitRequest{FileID: "f1", Filename: "doc.html"})
	if res := svc.Cleanup(ctx, id, "manual"); !res.Cleaned {
		t.Error("first cleanup found nothing")
	}
	if res := svc.Cleanup(ctx, id, "manual"); res.Cleaned {
		t.Error("second cleanup claims to have cleaned again")
	}
}

func TestCompleteJobEnrichesResult(t *testing.T) {
	b := newFakeBackend()
	svc, store, files := newTestService(t, b)
	ctx := context.Background()
	seedFile(t, store, "f1", "<p>doc</p>")

	id, _ := svc.Submit(ctx, &SubmitRequest{FileID: "f1", Filename: "doc.html"})
	entry, _ := files.Get(ctx, id)

	png := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})
	job := &backend.ConversionJob{
		ID:     id,
		Status: backend.StatusCompleted,
		Result: &backend.ConversionResult{
			Formats: backend.Formats{
				HTML: `<h1>Title</h1><script>evil()</script><p>Visit <a href="https://example.com">us</a></p><img src="fig1.png">`,
			},
			Images: map[string]string{"fig1.png": png},
		},
	}

	var synthetic []string
	emit := func(name string, data []byte) error {
		synthetic = append(synthetic, name)
		return nil
	}
	payload, err := svc.completeJob(ctx, id, entry, job, emit)
	if err != nil {
		t.Fatalf("completeJob: %v", err)
	}

	var got backend.ConversionJob
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	html := got.Result.Formats.HTML
	if strings.Contains(html, "script") {
		t.Error("unsanitized html in client payload")
	}
	if !strings.Contains(html, "/files/jobs/f1/images/fig1.png") {
		t.Errorf("image ref not rewritten: %q", html)
	}
	if got.Result.Formats.Markdown != "" {
		t.Error("markdown should be stripped from the client payload")
	}
	if got.Result.Content == "" {
		t.Error("content missing")
	}
	if links, ok := got.Result.Metadata["links"]; !ok {
		t.Error("links metadata missing")
	} else if l := links.([]any); len(l) != 1 || l[0] != "https://example.com" {
		t.Errorf("links = %v", links)
	}
	if _, ok := got.Result.Metadata["toc"]; !ok {
		t.Error("toc metadata missing")
	}

	if len(synthetic) == 0 {
		t.Error("no synthetic progress during completion work")
	}
	// Completion owns registry removal.
	if e, _ := files.Get(ctx, id); e != nil {
		t.Error("registry entry survived completion")
	}
	// The image really landed in the store.
	if _, err := store.Read(ctx, "jobs/f1/images/fig1.png"); err != nil {
		t.Errorf("uploaded image unreadable: %v", err)
	}
}

func TestStreamUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeBackend())
	err := svc.Stream(context.Background(), httptest.NewRecorder(), "ghost")
	if err != ErrJobNotFound {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}
