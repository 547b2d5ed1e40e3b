package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
)

// HostedConfig configures the hosted third-party conversion API.
type HostedConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// Hosted drives a third-party conversion API. The hosted service cannot
// reach shared storage, so submissions carry the file bytes inline; the
// submit call is synchronous on the provider side and gets the long call
// deadline. No push channel, no cancellation.
type Hosted struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewHosted creates the hosted adapter, failing fast on missing endpoint or
// credential.
func NewHosted(cfg HostedConfig, logger *slog.Logger) (*Hosted, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		return nil, &ConfigError{Backend: "hosted", Field: "endpoint"}
	}
	if cfg.APIKey == "" {
		return nil, &ConfigError{Backend: "hosted", Field: "api_key"}
	}
	return &Hosted{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   newHTTPClient(),
		logger:   logger,
	}, nil
}

func (b *Hosted) Name() string               { return "hosted" }
func (b *Hosted) SupportsStreaming() bool    { return false }
func (b *Hosted) SupportsCancellation() bool { return false }

type hostedSubmitResponse struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
}

// SubmitJob uploads the file as multipart form data and returns the hosted
// request id.
func (b *Hosted) SubmitJob(ctx context.Context, input *ConversionInput) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", input.Filename)
	if err != nil {
		return "", &SubmissionError{Backend: "hosted", Cause: err}
	}
	if _, err := fw.Write(input.FileBytes); err != nil {
		return "", &SubmissionError{Backend: "hosted", Cause: err}
	}
	mw.WriteField("output_format", "markdown")
	mw.WriteField("use_llm", strconv.FormatBool(input.UseLLM))
	if input.PageRange != "" {
		mw.WriteField("page_range", input.PageRange)
	}
	if err := mw.Close(); err != nil {
		return "", &SubmissionError{Backend: "hosted", Cause: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, hostedSubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, b.endpoint+"/convert", &buf)
	if err != nil {
		return "", &SubmissionError{Backend: "hosted", Cause: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Api-Key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", &SubmissionError{Backend: "hosted", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &SubmissionError{Backend: "hosted", Status: resp.StatusCode,
			Cause: fmt.Errorf("upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
	}

	var sr hostedSubmitResponse
	if err := jsonDecode(resp.Body, &sr); err != nil {
		return "", &SubmissionError{Backend: "hosted", Status: resp.StatusCode, Cause: err}
	}
	if !sr.Success || sr.RequestID == "" {
		return "", &SubmissionError{Backend: "hosted", Status: resp.StatusCode,
			Cause: fmt.Errorf("upstream rejected submission: %s", sr.Error)}
	}

	b.logger.Info("hosted job submitted", "request_id", sr.RequestID, "file_id", input.FileID)
	return sr.RequestID, nil
}

type hostedCheckResponse struct {
	Status    string            `json:"status"`
	Success   bool              `json:"success"`
	Markdown  string            `json:"markdown"`
	HTML      string            `json:"html"`
	JSONData  string            `json:"json"`
	Images    map[string]string `json:"images"`
	Metadata  map[string]any    `json:"metadata"`
	PageCount int               `json:"page_count"`
	Error     string            `json:"error"`
}

// GetJobStatus polls the hosted check endpoint. Note the wire quirk: the
// service reports status=complete with success=false on failure, which the
// normalizer maps to failed.
func (b *Hosted) GetJobStatus(ctx context.Context, jobID string) (*ConversionJob, error) {
	callCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var resp hostedCheckResponse
	status, err := doJSON(callCtx, b.client, http.MethodGet, b.endpoint+"/requests/"+jobID,
		map[string]string{"X-Api-Key": b.apiKey}, nil, &resp)
	if err != nil {
		return nil, &StatusQueryError{Backend: "hosted", JobID: jobID, Status: status, Timeout: isTimeout(err), Cause: err}
	}

	job := &ConversionJob{
		ID:     jobID,
		Status: normalizeHostedStatus(resp.Status, resp.Success),
		Error:  resp.Error,
	}
	if job.Status == StatusCompleted {
		content := resp.HTML
		if content == "" {
			content = resp.Markdown
		}
		metadata := resp.Metadata
		if resp.PageCount > 0 {
			if metadata == nil {
				metadata = make(map[string]any)
			}
			metadata["page_count"] = resp.PageCount
		}
		job.Result = &ConversionResult{
			Content:  content,
			Metadata: metadata,
			Formats: Formats{
				HTML:     resp.HTML,
				Markdown: resp.Markdown,
				JSON:     resp.JSONData,
			},
			Images: resp.Images,
		}
	}
	return job, nil
}

// CancelJob is unsupported on the hosted API; always reports false.
func (b *Hosted) CancelJob(ctx context.Context, jobID string) bool {
	b.logger.Debug("hosted backend does not support cancellation", "job_id", jobID)
	return false
}
