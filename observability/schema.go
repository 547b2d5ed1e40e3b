// Package observability provides SQLite-native monitoring for the
// conversion service: HTTP request logs, conversion lifecycle events, and a
// batched metrics timeseries. Everything writes to a dedicated database,
// separate from the documents store, so observability churn never contends
// with application writes. Persistence is non-blocking: a failing
// observability store degrades to slog warnings, never to backpressure.
package observability

import "database/sql"

// Schema is the complete DDL for the observability tables.
const Schema = `
-- HTTP Request Logs
CREATE TABLE IF NOT EXISTS http_request_logs (
    request_id TEXT PRIMARY KEY,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    duration_ms REAL NOT NULL,
    remote_addr TEXT,
    user_agent TEXT,
    error TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_http_logs_path_time
    ON http_request_logs(path, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_http_logs_time
    ON http_request_logs(created_at DESC);

-- Conversion Lifecycle Events
CREATE TABLE IF NOT EXISTS conversion_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    job_id TEXT,
    file_id TEXT,
    backend TEXT,
    worker TEXT,
    user_id TEXT,
    detail TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversion_events_job
    ON conversion_events(job_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversion_events_type_time
    ON conversion_events(event_type, created_at DESC);

-- Metrics Timeseries
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY,
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
`

// Init applies the schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
