package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/docflow/jobid"
)

// LocalConfig configures the local containerized worker pool. Workers maps
// worker name (jobid.WorkerMarker, jobid.WorkerSurya) to the worker's base
// URL on the private network. Local workers must never receive
// externally-routable file URLs.
type LocalConfig struct {
	Workers map[string]string `yaml:"workers"`
}

// Local drives the local worker pool. It is the one backend hosting two
// distinct sub-workers; the choice between them is made once at submit time
// from the input's Mode and encoded into the returned job id.
type Local struct {
	workers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// NewLocal creates the local backend adapter. Fails fast when the default
// worker has no configured URL or an unknown worker name appears.
func NewLocal(cfg LocalConfig, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers[jobid.DefaultWorker] == "" {
		return nil, &ConfigError{Backend: "local", Field: "workers." + jobid.DefaultWorker}
	}
	for name := range cfg.Workers {
		if !jobid.Known(name) {
			return nil, fmt.Errorf("backend: local: unknown worker %q", name)
		}
	}
	return &Local{
		workers: cfg.Workers,
		client:  newHTTPClient(),
		logger:  logger,
	}, nil
}

func (b *Local) Name() string               { return "local" }
func (b *Local) SupportsStreaming() bool    { return true }
func (b *Local) SupportsCancellation() bool { return true }

// workerFor maps a processing mode to the sub-worker that serves it.
// Accurate mode requires the surya worker when configured; everything else
// runs on the default marker worker.
func (b *Local) workerFor(mode Mode) string {
	if mode == ModeAccurate && b.workers[jobid.WorkerSurya] != "" {
		return jobid.WorkerSurya
	}
	return jobid.DefaultWorker
}

type localSubmitRequest struct {
	FileURL   string `json:"file_url"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	UseLLM    bool   `json:"use_llm"`
	PageRange string `json:"page_range,omitempty"`
}

type localSubmitResponse struct {
	JobID string `json:"job_id"`
}

// SubmitJob posts the conversion request to the selected worker and returns
// a worker-prefixed job id.
func (b *Local) SubmitJob(ctx context.Context, input *ConversionInput) (string, error) {
	worker := b.workerFor(input.Mode)

	callCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	var resp localSubmitResponse
	status, err := doJSON(callCtx, b.client, http.MethodPost, b.workers[worker]+"/convert", nil, localSubmitRequest{
		FileURL:   input.FileURL,
		Filename:  input.Filename,
		MimeType:  input.MimeType,
		UseLLM:    input.UseLLM,
		PageRange: input.PageRange,
	}, &resp)
	if err != nil {
		return "", &SubmissionError{Backend: "local", Status: status, Cause: err}
	}
	if resp.JobID == "" {
		return "", &SubmissionError{Backend: "local", Status: status, Cause: fmt.Errorf("upstream returned empty job id")}
	}

	b.logger.Info("local job submitted", "worker", worker, "job_id", resp.JobID, "file_id", input.FileID)
	return jobid.Encode(worker, resp.JobID), nil
}

type localJobResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress *struct {
		Stage   string `json:"stage"`
		Current int    `json:"current"`
		Total   int    `json:"total"`
	} `json:"progress"`
	Result *localResult `json:"result"`
	Error  string       `json:"error"`
}

type localResult struct {
	Content  string            `json:"content"`
	HTML     string            `json:"html"`
	Markdown string            `json:"markdown"`
	JSON     string            `json:"json"`
	Chunks   []string          `json:"chunks"`
	Images   map[string]string `json:"images"`
	Metadata map[string]any    `json:"metadata"`
}

func (r *localResult) toResult() *ConversionResult {
	content := r.Content
	if content == "" {
		content = r.HTML
	}
	return &ConversionResult{
		Content:  content,
		Metadata: r.Metadata,
		Formats: Formats{
			HTML:     r.HTML,
			Markdown: r.Markdown,
			JSON:     r.JSON,
			Chunks:   r.Chunks,
		},
		Images: r.Images,
	}
}

// GetJobStatus polls the owning worker and normalizes its wire shape.
func (b *Local) GetJobStatus(ctx context.Context, jobID string) (*ConversionJob, error) {
	worker, raw := jobid.Decode(jobID)
	base := b.workers[worker]
	if base == "" {
		return nil, &StatusQueryError{Backend: "local", JobID: jobID,
			Cause: fmt.Errorf("no URL configured for worker %s", worker)}
	}

	callCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var resp localJobResponse
	status, err := doJSON(callCtx, b.client, http.MethodGet, base+"/jobs/"+raw, nil, nil, &resp)
	if err != nil {
		return nil, &StatusQueryError{Backend: "local", JobID: jobID, Status: status, Timeout: isTimeout(err), Cause: err}
	}

	job := &ConversionJob{
		ID:     jobID,
		Status: normalizeLocalStatus(resp.Status),
		Error:  resp.Error,
	}
	if resp.Progress != nil {
		job.Progress = &Progress{Stage: resp.Progress.Stage, Current: resp.Progress.Current, Total: resp.Progress.Total}
	}
	if resp.Result != nil {
		job.Result = resp.Result.toResult()
	}
	return job, nil
}

// CancelJob asks the owning worker to abort the job. Best-effort: transport
// errors are swallowed and reported as false so cleanup paths never crash.
func (b *Local) CancelJob(ctx context.Context, jobID string) bool {
	worker, raw := jobid.Decode(jobID)
	base := b.workers[worker]
	if base == "" {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	_, err := doJSON(callCtx, b.client, http.MethodPost, base+"/jobs/"+raw+"/cancel", nil, nil, nil)
	if err != nil {
		b.logger.Warn("local cancel failed", "job_id", jobID, "error", err)
		return false
	}
	return true
}

// StreamJob opens the worker's native SSE stream for the job. The stream has
// no call deadline; lifetime is bounded by ctx.
func (b *Local) StreamJob(ctx context.Context, jobID string) (io.ReadCloser, error) {
	worker, raw := jobid.Decode(jobID)
	base := b.workers[worker]
	if base == "" {
		return nil, &StatusQueryError{Backend: "local", JobID: jobID,
			Cause: fmt.Errorf("no URL configured for worker %s", worker)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/jobs/"+raw+"/stream", nil)
	if err != nil {
		return nil, &StatusQueryError{Backend: "local", JobID: jobID, Cause: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &StatusQueryError{Backend: "local", JobID: jobID, Timeout: isTimeout(err), Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusQueryError{Backend: "local", JobID: jobID, Status: resp.StatusCode,
			Cause: fmt.Errorf("stream returned %d", resp.StatusCode)}
	}
	return resp.Body, nil
}
