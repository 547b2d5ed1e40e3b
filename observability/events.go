package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types written by the orchestration layer.
const (
	EventSubmitted = "job_submitted"
	EventCompleted = "job_completed"
	EventFailed    = "job_failed"
	EventCancelled = "job_cancelled"
	EventCleaned   = "job_cleaned"
)

// ConversionEvent is one lifecycle event of a conversion job.
type ConversionEvent struct {
	EventType string
	JobID     string
	FileID    string
	Backend   string
	Worker    string
	UserID    string
	Detail    string
	Success   bool
}

// EventLogger records conversion lifecycle events.
type EventLogger struct {
	db *sql.DB
}

// NewEventLogger wraps the observability database.
func NewEventLogger(db *sql.DB) *EventLogger {
	return &EventLogger{db: db}
}

// LogEvent records an event. Errors are logged, never propagated: a failing
// observability store must not fail a conversion.
func (l *EventLogger) LogEvent(ctx context.Context, event ConversionEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO conversion_events (
			event_id, event_type, job_id, file_id, backend, worker, user_id,
			detail, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		"evt_"+uuid.NewString(), event.EventType, event.JobID, event.FileID,
		event.Backend, event.Worker, event.UserID, event.Detail, event.Success,
		time.Now().Unix())
	if err != nil {
		slog.Error("conversion event log failed", "error", err, "event_type", event.EventType)
	}
}

// RetentionConfig specifies per-table retention in days. Zero disables
// cleanup for that table.
type RetentionConfig struct {
	HTTPLogsDays  int
	EventLogsDays int
	MetricsDays   int
}

// Cleanup deletes records older than the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"http_request_logs", "created_at", cfg.HTTPLogsDays},
		{"conversion_events", "created_at", cfg.EventLogsDays},
		{"metrics_timeseries", "timestamp", cfg.MetricsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days)*86400
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}
	return nil
}
