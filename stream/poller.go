package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hazyhaar/docflow/backend"
)

// PollerConfig bounds the polling state machine.
type PollerConfig struct {
	MaxPolls          int           `yaml:"max_polls"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

func (c *PollerConfig) defaults() {
	if c.MaxPolls <= 0 {
		c.MaxPolls = 600
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
}

// CleanupFunc releases a job's tracked resources. reason is one of
// "failed", "timeout", "client_disconnect".
type CleanupFunc func(ctx context.Context, jobID, reason string)

// CompleteFunc runs the shared completion-processing routine on a finished
// job (the same routine the proxy path runs at Flush) and returns the client
// payload for the completed event. It may emit synthetic progress events
// while it works and is responsible for removing the job from the job-file
// registry on success.
type CompleteFunc func(ctx context.Context, job *backend.ConversionJob, emit func(event string, data []byte) error) ([]byte, error)

// Poller drives a non-streaming backend through the job lifecycle by timed
// status polls, synthesizing the same SSE vocabulary the proxy path
// produces. Within one job, polls are strictly sequential: no two
// outstanding status calls ever exist for the same id.
type Poller struct {
	backend    backend.Backend
	jobID      string
	cfg        PollerConfig
	onComplete CompleteFunc
	cleanup    CleanupFunc
	onFailure  func(msg string) // records the failure on the request-log record
	logger     *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger sets a custom logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// WithFailureRecorder sets the hook that records a job failure on the
// structured request-log record.
func WithFailureRecorder(f func(msg string)) PollerOption {
	return func(p *Poller) { p.onFailure = f }
}

// NewPoller creates a poller for one job.
func NewPoller(b backend.Backend, jobID string, cfg PollerConfig, onComplete CompleteFunc, cleanup CleanupFunc, opts ...PollerOption) *Poller {
	cfg.defaults()
	p := &Poller{
		backend:    b,
		jobID:      jobID,
		cfg:        cfg,
		onComplete: onComplete,
		cleanup:    cleanup,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes the polling loop until a terminal outcome. Always emits a
// terminal event (completed, failed, or error) unless the client is gone.
func (p *Poller) Run(ctx context.Context, em *Emitter) {
	log := p.logger.With("job_id", p.jobID)

	var (
		lastProgress  string
		htmlReadySent bool
	)

	for polls := 0; polls < p.cfg.MaxPolls; polls++ {
		// Client disconnect, checked every iteration. Cooperative: we never
		// abort an in-flight upstream call, we just stop issuing new ones.
		if ctx.Err() != nil {
			p.handleDisconnect(log)
			return
		}

		job, err := p.backend.GetJobStatus(ctx, p.jobID)
		if err != nil {
			// Transient by contract (*StatusQueryError); the poll budget
			// bounds how long we keep retrying.
			log.Warn("status poll failed", "error", err)
			if !p.sleep(ctx) {
				p.handleDisconnect(log)
				return
			}
			continue
		}

		switch job.Status {
		case backend.StatusPending, backend.StatusProcessing:
			if job.Progress != nil {
				if key := job.Progress.Key(); key != lastProgress {
					lastProgress = key
					data, _ := json.Marshal(job.Progress)
					em.Emit(EventProgress, data)
				}
			}

		case backend.StatusHTMLReady:
			if !htmlReadySent {
				htmlReadySent = true
				payload := map[string]string{"status": "html_ready"}
				if job.Result != nil && job.Result.Formats.HTML != "" {
					payload["html"] = job.Result.Formats.HTML
				}
				data, _ := json.Marshal(payload)
				em.Emit(EventHTMLReady, data)
			}

		case backend.StatusCompleted:
			data, cerr := p.onComplete(ctx, job, em.Emit)
			if cerr != nil {
				log.Error("completion processing failed", "error", cerr)
			}
			if data == nil {
				data, _ = json.Marshal(job)
			}
			em.Emit(EventCompleted, data)
			return

		case backend.StatusFailed:
			msg := job.Error
			if msg == "" {
				msg = "conversion failed"
			}
			data, _ := json.Marshal(map[string]string{"error": msg})
			em.Emit(EventFailed, data)
			if p.onFailure != nil {
				p.onFailure(msg)
			}
			p.cleanup(ctx, p.jobID, "failed")
			return
		}

		if em.Idle() > p.cfg.KeepaliveInterval {
			em.Comment("keepalive")
		}
		if !p.sleep(ctx) {
			p.handleDisconnect(log)
			return
		}
	}

	// Poll budget exhausted without a terminal state: the one path that is
	// neither success nor an explicit backend failure, and it must still
	// release resources.
	log.Warn("poll budget exhausted", "max_polls", p.cfg.MaxPolls)
	data, _ := json.Marshal(map[string]string{"error": "conversion timed out"})
	em.Emit(EventError, data)
	if p.onFailure != nil {
		p.onFailure("timeout")
	}
	p.cleanup(context.WithoutCancel(ctx), p.jobID, "timeout")
}

// handleDisconnect runs the client-gone path: best-effort fire-and-forget
// upstream cancel, then cleanup. Client-facing teardown is never gated on a
// potentially slow upstream cancel endpoint.
func (p *Poller) handleDisconnect(log *slog.Logger) {
	log.Info("client disconnected mid-poll")
	if p.backend.SupportsCancellation() {
		go func() {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.backend.CancelJob(cancelCtx, p.jobID)
		}()
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.cleanup(cleanupCtx, p.jobID, "client_disconnect")
}

// sleep waits one poll interval; false means the context died while waiting.
func (p *Poller) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(p.cfg.PollInterval):
		return true
	}
}
