package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hazyhaar/docflow/backend"
	"github.com/hazyhaar/docflow/docstore"
	"github.com/hazyhaar/docflow/enrich"
	"github.com/hazyhaar/docflow/jobid"
	"github.com/hazyhaar/docflow/observability"
	"github.com/hazyhaar/docflow/registry"
	"github.com/hazyhaar/docflow/storage"
	"github.com/hazyhaar/docflow/stream"
)

// Sentinel errors the HTTP layer maps to status codes.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrFileNotFound      = errors.New("file not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrCancelUnsupported = errors.New("backend does not support cancellation")
)

// Service orchestrates conversions end to end. One instance serves all
// requests; per-job state lives in the job-file registry so any replica can
// stream, cancel, or clean up a job it did not submit.
type Service struct {
	backend    backend.Backend
	files      registry.JobFiles
	store      storage.ObjectStore
	activation *registry.Activation
	docs       *docstore.Store
	md         *enrich.MarkdownConverter
	poller     stream.PollerConfig
	events     *observability.EventLogger
	metrics    *observability.MetricsManager
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithActivation enables GPU worker activation before local submissions.
func WithActivation(a *registry.Activation) Option {
	return func(s *Service) { s.activation = a }
}

// WithDocstore enables persistence of finished conversions.
func WithDocstore(d *docstore.Store) Option {
	return func(s *Service) { s.docs = d }
}

// WithPollerConfig overrides the polling defaults.
func WithPollerConfig(cfg stream.PollerConfig) Option {
	return func(s *Service) { s.poller = cfg }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEventLogger enables conversion lifecycle event recording.
func WithEventLogger(e *observability.EventLogger) Option {
	return func(s *Service) { s.events = e }
}

// WithMetrics enables conversion metrics recording.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the orchestrator.
func NewService(b backend.Backend, files registry.JobFiles, store storage.ObjectStore, opts ...Option) *Service {
	s := &Service{
		backend: b,
		files:   files,
		store:   store,
		md:      enrich.NewMarkdownConverter(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SubmitRequest is one conversion request.
type SubmitRequest struct {
	FileID    string       `json:"-"`
	Filename  string       `json:"filename"`
	Mode      backend.Mode `json:"mode,omitempty"`
	UseLLM    bool         `json:"use_llm,omitempty"`
	PageRange string       `json:"page_range,omitempty"`
	UserID    string       `json:"-"`
}

// uploadKey is where a source file lives in the object store.
func uploadKey(fileID string) string { return "uploads/" + fileID }

// artifactPrefix is where a job's derived artifacts (images) live.
func artifactPrefix(fileID string) string { return "jobs/" + fileID }

// Submit validates the stored file, activates the right worker, and submits
// the job. The returned id is what the client streams and cancels with.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	data, err := s.store.Read(ctx, uploadKey(req.FileID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, req.FileID)
		}
		return "", fmt.Errorf("read source file: %w", err)
	}

	if isPDF(req.Filename, data) {
		count, err := enrich.PDFPageCount(data)
		if err != nil {
			return "", fmt.Errorf("%w: unreadable pdf: %v", ErrInvalidRequest, err)
		}
		if _, err := enrich.ParsePageRange(req.PageRange, count); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	if s.activation != nil {
		// Mirror the backend's worker selection: accurate mode runs on surya
		// only when that worker exists, everything else falls back to the
		// default worker.
		worker := jobid.DefaultWorker
		if req.Mode == backend.ModeAccurate && s.activation.Registered(jobid.WorkerSurya) {
			worker = jobid.WorkerSurya
		}
		if err := s.activation.Activate(ctx, worker); err != nil {
			return "", fmt.Errorf("activate worker: %w", err)
		}
	}

	input := &backend.ConversionInput{
		FileID:    req.FileID,
		Filename:  req.Filename,
		MimeType:  mimeTypeFor(req.Filename, data),
		Mode:      req.Mode,
		UseLLM:    req.UseLLM,
		PageRange: req.PageRange,
	}
	// The hosted API cannot reach our storage, so it gets the bytes inline.
	// Local workers fetch from the private network; anything else (the
	// serverless provider) needs the externally-routable address.
	switch s.backend.Name() {
	case "hosted":
		input.FileBytes = data
	case "local":
		input.FileURL = s.store.InternalURL(uploadKey(req.FileID))
	default:
		input.FileURL = s.store.URL(uploadKey(req.FileID))
	}

	id, err := s.backend.SubmitJob(ctx, input)
	if err != nil {
		return "", err
	}

	entry := &registry.JobFileEntry{
		DocumentPath: uploadKey(req.FileID),
		FileID:       req.FileID,
		Filename:     req.Filename,
		BackendType:  s.backend.Name(),
		UserID:       req.UserID,
	}
	if w, _ := jobid.Decode(id); jobid.Known(w) {
		entry.Worker = w
	}
	if err := s.files.Set(ctx, id, entry); err != nil {
		// The job is already running; losing the registry entry only loses
		// cleanup, not the stream.
		s.logger.Error("job-file registry set failed", "job_id", id, "error", err)
	}
	s.logEvent(ctx, observability.EventSubmitted, id, entry, "", true)
	if s.metrics != nil {
		s.metrics.RecordCount("jobs_submitted", 1, map[string]string{"backend": s.backend.Name()})
	}
	return id, nil
}

// Stream attaches the client to a job's event stream, choosing the proxy
// path for push-capable backends and the polling path otherwise. It returns
// after the terminal event or when the client goes away.
func (s *Service) Stream(ctx context.Context, w http.ResponseWriter, id string) error {
	entry, err := s.files.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("registry get: %w", err)
	}
	if entry == nil {
		return ErrJobNotFound
	}

	stream.PrepareResponse(w)
	w.WriteHeader(http.StatusOK)
	em := stream.NewEmitter(w)

	if streamer, ok := s.backend.(backend.Streamer); ok && s.backend.SupportsStreaming() {
		return s.streamProxy(ctx, em, streamer, id, entry)
	}

	p := stream.NewPoller(s.backend, id, s.poller,
		s.completeFunc(id, entry),
		s.cleanupFunc(),
		stream.WithPollerLogger(s.logger),
		stream.WithFailureRecorder(func(msg string) {
			observability.SetRequestError(ctx, msg)
			s.logEvent(ctx, observability.EventFailed, id, entry, msg, false)
		}),
	)
	p.Run(ctx, em)
	return nil
}

// streamProxy pipes the backend's native stream through the transformer,
// running the shared completion routine when the terminal event arrives. A
// mid-stream client disconnect takes the same cancel-and-clean path as the
// polling emitter.
func (s *Service) streamProxy(ctx context.Context, em *stream.Emitter, streamer backend.Streamer, id string, entry *registry.JobFileEntry) error {
	body, err := streamer.StreamJob(ctx, id)
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": "upstream stream unavailable"})
		em.Emit(stream.EventError, data)
		s.logger.Error("open upstream stream", "job_id", id, "error", err)
		return nil
	}
	defer body.Close()

	// A failed event passes through to the client untouched, but the job's
	// resources still need releasing once the stream drains.
	var failedMsg string
	rewrite := func(event string, data []byte) []byte {
		if event == stream.EventFailed {
			var payload struct {
				Error string `json:"error"`
			}
			json.Unmarshal(data, &payload)
			failedMsg = payload.Error
			if failedMsg == "" {
				failedMsg = "conversion failed"
			}
		}
		return data
	}

	tr := stream.NewTransformer(em, stream.EventCompleted, rewrite, func(ctx context.Context, data []byte, emit func(string, []byte) error) ([]byte, error) {
		var job backend.ConversionJob
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("decode terminal payload: %w", err)
		}
		job.ID = id
		job.Status = backend.StatusCompleted
		return s.completeJob(ctx, id, entry, &job, emit)
	}, s.logger)

	err = tr.Proxy(ctx, body)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info("client disconnected mid-stream", "job_id", id)
		if s.backend.SupportsCancellation() {
			go func() {
				cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				s.backend.CancelJob(cancelCtx, id)
			}()
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Cleanup(cleanupCtx, id, "client_disconnect")
		return nil
	}
	if err != nil {
		s.logger.Error("stream proxy failed", "job_id", id, "error", err)
	}
	if failedMsg != "" {
		observability.SetRequestError(ctx, failedMsg)
		s.logEvent(ctx, observability.EventFailed, id, entry, failedMsg, false)
		s.Cleanup(ctx, id, "failed")
	}
	return nil
}

// Cancel stops a running job and releases its resources. The upstream
// cancel is best-effort; local bookkeeping is released regardless.
func (s *Service) Cancel(ctx context.Context, id string) error {
	entry, err := s.files.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("registry get: %w", err)
	}
	if entry == nil {
		return ErrJobNotFound
	}
	if !s.backend.SupportsCancellation() {
		return ErrCancelUnsupported
	}
	if !s.backend.CancelJob(ctx, id) {
		s.logger.Warn("upstream cancel not acknowledged", "job_id", id)
	}
	s.logEvent(ctx, observability.EventCancelled, id, entry, "", true)
	s.Cleanup(ctx, id, "cancelled")
	return nil
}

// CleanupResult reports whether a cleanup pass found anything to release.
type CleanupResult struct {
	Cleaned bool `json:"cleaned"`
}

// Cleanup releases everything tracked for a job: registry entry, uploaded
// source, derived artifacts. Safe to call repeatedly and from racing paths;
// a second call finds nothing and reports Cleaned=false.
func (s *Service) Cleanup(ctx context.Context, id, reason string) CleanupResult {
	entry, err := s.files.Get(ctx, id)
	if err != nil {
		s.logger.Error("cleanup registry get failed", "job_id", id, "error", err)
		return CleanupResult{}
	}
	if entry == nil {
		return CleanupResult{}
	}
	if err := s.files.Delete(ctx, id); err != nil {
		s.logger.Error("cleanup registry delete failed", "job_id", id, "error", err)
	}
	if err := s.store.Delete(ctx, entry.DocumentPath); err != nil {
		s.logger.Warn("cleanup source delete failed", "job_id", id, "error", err)
	}
	if err := s.store.DeletePrefix(ctx, artifactPrefix(entry.FileID)); err != nil {
		s.logger.Warn("cleanup artifact delete failed", "job_id", id, "error", err)
	}
	s.logger.Info("job cleaned up", "job_id", id, "reason", reason)
	s.logEvent(ctx, observability.EventCleaned, id, entry, reason, true)
	return CleanupResult{Cleaned: true}
}

// completeFunc adapts completeJob to the polling emitter's contract.
func (s *Service) completeFunc(id string, entry *registry.JobFileEntry) stream.CompleteFunc {
	return func(ctx context.Context, job *backend.ConversionJob, emit func(string, []byte) error) ([]byte, error) {
		return s.completeJob(ctx, id, entry, job, emit)
	}
}

func (s *Service) cleanupFunc() stream.CleanupFunc {
	return func(ctx context.Context, jobID, reason string) {
		s.Cleanup(ctx, jobID, reason)
	}
}

// completeJob is the shared completion routine: upload inline images,
// rewrite their references, sanitize and enrich the HTML, derive markdown,
// persist, and build the client payload. Persistence failures are logged and
// do not fail the job; by this point the conversion itself has succeeded.
// The registry entry is removed here so the success path never leaves a
// stale association behind.
func (s *Service) completeJob(ctx context.Context, id string, entry *registry.JobFileEntry, job *backend.ConversionJob, emit func(string, []byte) error) ([]byte, error) {
	s.logEvent(ctx, observability.EventCompleted, id, entry, "", true)
	if s.metrics != nil && !entry.CreatedAt.IsZero() {
		s.metrics.RecordDuration("conversion_duration_ms", time.Since(entry.CreatedAt),
			map[string]string{"backend": entry.BackendType})
	}
	defer func() {
		if err := s.files.Delete(ctx, id); err != nil {
			s.logger.Error("registry delete after completion failed", "job_id", id, "error", err)
		}
	}()

	res := job.Result
	if res == nil {
		return json.Marshal(job)
	}

	if len(res.Images) > 0 {
		progress(emit, "uploading_images", 0, len(res.Images))
		urls, err := storage.UploadImages(ctx, s.store, path.Join(artifactPrefix(entry.FileID), "images"), res.Images)
		if err != nil {
			s.logger.Error("image upload failed", "job_id", id, "error", err)
			res.Images = nil
		} else {
			res.Images = urls
			progress(emit, "uploading_images", len(urls), len(urls))
		}
	}

	if res.Formats.HTML != "" {
		html := res.Formats.HTML
		if len(res.Images) > 0 {
			if rewritten, err := enrich.RewriteImageRefs(html, res.Images); err == nil {
				html = rewritten
			} else {
				s.logger.Warn("image ref rewrite failed", "job_id", id, "error", err)
			}
		}
		toc, annotated, err := enrich.ExtractTOC(html)
		if err == nil {
			html = annotated
		} else {
			s.logger.Warn("toc extraction failed", "job_id", id, "error", err)
		}
		html = enrich.Sanitize(html)
		res.Formats.HTML = html

		if res.Formats.Markdown == "" {
			if md, err := s.md.Convert(html); err == nil {
				res.Formats.Markdown = md
			} else {
				s.logger.Warn("markdown derivation failed", "job_id", id, "error", err)
			}
		}

		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		if links := enrich.ExtractLinks(html); len(links) > 0 {
			res.Metadata["links"] = links
		}
		if len(toc) > 0 {
			res.Metadata["toc"] = toc
		}
	}

	if res.Content == "" {
		if res.Formats.HTML != "" {
			res.Content = res.Formats.HTML
		} else {
			res.Content = res.Formats.Markdown
		}
	}

	if s.docs != nil {
		progress(emit, "persisting", 0, 1)
		if err := s.persist(ctx, id, entry, res); err != nil {
			s.logger.Error("document persistence failed", "job_id", id, "error", err)
		}
	}

	// The markdown rendition is served from the document store, not pushed
	// through the event stream; the terminal payload stays small.
	client := *job
	clientRes := *res
	clientRes.Formats.Markdown = ""
	client.Result = &clientRes
	return json.Marshal(&client)
}

func (s *Service) persist(ctx context.Context, id string, entry *registry.JobFileEntry, res *backend.ConversionResult) error {
	doc := &docstore.Document{
		FileID:   entry.FileID,
		JobID:    id,
		Filename: entry.Filename,
		Backend:  entry.BackendType,
		Markdown: res.Formats.Markdown,
		HTML:     res.Formats.HTML,
		Metadata: res.Metadata,
	}
	if links, ok := res.Metadata["links"].([]string); ok {
		doc.Links = links
	}
	if toc, ok := res.Metadata["toc"]; ok {
		if raw, err := json.Marshal(toc); err == nil {
			doc.TOC = raw
		}
	}
	chunks := docstore.ChunkMarkdown(res.Formats.Markdown, 0)
	return s.docs.Save(ctx, doc, chunks)
}

func (s *Service) logEvent(ctx context.Context, eventType, id string, entry *registry.JobFileEntry, detail string, success bool) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(ctx, observability.ConversionEvent{
		EventType: eventType,
		JobID:     id,
		FileID:    entry.FileID,
		Backend:   entry.BackendType,
		Worker:    entry.Worker,
		UserID:    entry.UserID,
		Detail:    detail,
		Success:   success,
	})
}

func progress(emit func(string, []byte) error, stage string, current, total int) {
	data, _ := json.Marshal(backend.Progress{Stage: stage, Current: current, Total: total})
	emit(stream.EventProgress, data)
}

func isPDF(filename string, data []byte) bool {
	if strings.EqualFold(path.Ext(filename), ".pdf") {
		return true
	}
	return len(data) >= 4 && string(data[:4]) == "%PDF"
}

func mimeTypeFor(filename string, data []byte) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".html", ".htm":
		return "text/html"
	case ".md":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	}
	return http.DetectContentType(data)
}
