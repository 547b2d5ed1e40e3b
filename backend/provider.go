package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// ProviderConfig configures the serverless GPU provider adapter.
type ProviderConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// Provider drives a serverless GPU endpoint (submit/status/cancel REST, no
// push channel). Jobs are observed through the polling emitter.
type Provider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewProvider creates the serverless adapter, failing fast on missing
// endpoint or credential.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		return nil, &ConfigError{Backend: "provider", Field: "endpoint"}
	}
	if cfg.APIKey == "" {
		return nil, &ConfigError{Backend: "provider", Field: "api_key"}
	}
	return &Provider{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   newHTTPClient(),
		logger:   logger,
	}, nil
}

func (b *Provider) Name() string               { return "provider" }
func (b *Provider) SupportsStreaming() bool    { return false }
func (b *Provider) SupportsCancellation() bool { return true }

func (b *Provider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + b.apiKey}
}

type providerSubmitRequest struct {
	Input providerInput `json:"input"`
}

type providerInput struct {
	FileURL   string `json:"file_url"`
	Filename  string `json:"filename,omitempty"`
	Mode      string `json:"mode,omitempty"`
	UseLLM    bool   `json:"use_llm"`
	PageRange string `json:"page_range,omitempty"`
}

type providerSubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmitJob enqueues a run on the serverless endpoint. The provider hosts a
// single worker, so the returned id carries no worker prefix.
func (b *Provider) SubmitJob(ctx context.Context, input *ConversionInput) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	var resp providerSubmitResponse
	status, err := doJSON(callCtx, b.client, http.MethodPost, b.endpoint+"/run", b.headers(), providerSubmitRequest{
		Input: providerInput{
			FileURL:   input.FileURL,
			Filename:  input.Filename,
			Mode:      string(input.Mode),
			UseLLM:    input.UseLLM,
			PageRange: input.PageRange,
		},
	}, &resp)
	if err != nil {
		return "", &SubmissionError{Backend: "provider", Status: status, Cause: err}
	}
	if resp.ID == "" {
		return "", &SubmissionError{Backend: "provider", Status: status, Cause: fmt.Errorf("upstream returned empty run id")}
	}

	b.logger.Info("provider job submitted", "run_id", resp.ID, "file_id", input.FileID)
	return resp.ID, nil
}

type providerStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output *struct {
		Content  string            `json:"content"`
		HTML     string            `json:"html"`
		Markdown string            `json:"markdown"`
		JSON     string            `json:"json"`
		Chunks   []string          `json:"chunks"`
		Images   map[string]string `json:"images"`
		Metadata map[string]any    `json:"metadata"`
		Progress *struct {
			Stage   string `json:"stage"`
			Current int    `json:"current"`
			Total   int    `json:"total"`
		} `json:"progress"`
	} `json:"output"`
	Error string `json:"error"`
}

// GetJobStatus polls the run status and normalizes the provider vocabulary.
func (b *Provider) GetJobStatus(ctx context.Context, jobID string) (*ConversionJob, error) {
	callCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var resp providerStatusResponse
	status, err := doJSON(callCtx, b.client, http.MethodGet, b.endpoint+"/status/"+jobID, b.headers(), nil, &resp)
	if err != nil {
		return nil, &StatusQueryError{Backend: "provider", JobID: jobID, Status: status, Timeout: isTimeout(err), Cause: err}
	}

	job := &ConversionJob{
		ID:     jobID,
		Status: normalizeProviderStatus(resp.Status),
		Error:  resp.Error,
	}
	if out := resp.Output; out != nil {
		if out.Progress != nil {
			job.Progress = &Progress{Stage: out.Progress.Stage, Current: out.Progress.Current, Total: out.Progress.Total}
		}
		if job.Status == StatusCompleted {
			content := out.Content
			if content == "" {
				content = out.HTML
			}
			job.Result = &ConversionResult{
				Content:  content,
				Metadata: out.Metadata,
				Formats: Formats{
					HTML:     out.HTML,
					Markdown: out.Markdown,
					JSON:     out.JSON,
					Chunks:   out.Chunks,
				},
				Images: out.Images,
			}
		}
	}
	return job, nil
}

// CancelJob aborts the serverless run. Best-effort.
func (b *Provider) CancelJob(ctx context.Context, jobID string) bool {
	callCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	_, err := doJSON(callCtx, b.client, http.MethodPost, b.endpoint+"/cancel/"+jobID, b.headers(), nil, nil)
	if err != nil {
		b.logger.Warn("provider cancel failed", "job_id", jobID, "error", err)
		return false
	}
	return true
}
