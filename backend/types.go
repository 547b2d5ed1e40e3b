// Package backend drives document conversion jobs against one of several
// interchangeable compute providers: a local containerized worker pool, a
// serverless GPU provider, or a hosted third-party API. All three are
// normalized behind the Backend interface so the orchestration layer never
// sees a provider's wire shapes.
package backend

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Status is the normalized lifecycle state of a conversion job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	// StatusHTMLReady is an optional intermediate state: renderable content
	// is available while enrichment is still pending. Only some backends
	// emit it; a job may go straight to completed.
	StatusHTMLReady Status = "html_ready"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// Orchestration-layer outcomes. No backend ever reports these; they are
	// attached client-side after a cancel or a poll-budget exhaustion.
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further backend state changes can follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Mode selects which sub-worker handles the job on backends that host more
// than one model.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeAccurate Mode = "accurate"
)

// ConversionInput describes one conversion request. Exactly one of FileURL
// and FileBytes is populated, depending on whether the target backend can
// reach shared storage directly. Immutable once constructed.
type ConversionInput struct {
	FileID    string
	FileURL   string
	FileBytes []byte
	Filename  string
	MimeType  string
	Mode      Mode
	UseLLM    bool
	PageRange string
}

// Progress reports how far a running job has advanced through a stage.
type Progress struct {
	Stage   string `json:"stage"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// Key returns the composite identity used for progress de-duplication.
func (p Progress) Key() string {
	return fmt.Sprintf("%s|%d|%d", p.Stage, p.Current, p.Total)
}

// Formats holds the alternative renditions of a conversion result.
type Formats struct {
	HTML     string   `json:"html,omitempty"`
	Markdown string   `json:"markdown,omitempty"`
	JSON     string   `json:"json,omitempty"`
	Chunks   []string `json:"chunks,omitempty"`
}

// ConversionResult is the payload of a completed job. Before completion
// processing, Images maps filename to inline base64 bytes that must be
// uploaded to durable storage; afterwards it maps filename to public URL.
type ConversionResult struct {
	Content  string            `json:"content"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	Formats  Formats           `json:"formats"`
	Images   map[string]string `json:"images,omitempty"`
}

// ConversionJob is the normalized view of one job's current state.
type ConversionJob struct {
	ID       string            `json:"id"`
	Status   Status            `json:"status"`
	Progress *Progress         `json:"progress,omitempty"`
	Result   *ConversionResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Backend is the contract every compute provider adapter implements.
//
// SubmitJob returns an opaque job id, possibly worker-prefixed (jobid
// package); the sub-worker choice is made once at submit time from the
// input's Mode and encoded into the id so later status/cancel calls route
// automatically. CancelJob is best-effort: it swallows its own transport
// errors and returns false rather than failing a cleanup path.
type Backend interface {
	Name() string
	SubmitJob(ctx context.Context, input *ConversionInput) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (*ConversionJob, error)
	CancelJob(ctx context.Context, jobID string) bool
	SupportsStreaming() bool
	SupportsCancellation() bool
}

// Streamer is implemented by backends with a native push channel.
type Streamer interface {
	// StreamJob opens the backend's SSE stream for a job. The caller owns
	// the returned body.
	StreamJob(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// Call timeouts, distinct per expected latency. A fired deadline surfaces as
// a transient *StatusQueryError, never as a job failure.
const (
	statusTimeout       = 10 * time.Second
	submitTimeout       = 30 * time.Second
	hostedSubmitTimeout = 120 * time.Second // hosted API converts during the submit call
	cancelTimeout       = 5 * time.Second
)
