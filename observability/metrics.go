package observability

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "milliseconds", "count", "bytes"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches. On
// buffer overflow the oldest points are flushed synchronously; nothing
// blocks the recording path for long.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric
	stop   chan struct{}
	done   chan struct{}
}

// NewMetricsManager creates a manager that flushes in batches. Sensible
// defaults: bufferSize=100, flushInterval=5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric for persistence.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordDuration records an elapsed time in milliseconds.
func (mm *MetricsManager) RecordDuration(name string, d time.Duration, labels map[string]string) {
	mm.Record(&Metric{
		Name:   name,
		Value:  float64(d.Milliseconds()),
		Labels: labels,
		Unit:   "milliseconds",
	})
}

// RecordCount records a counter increment.
func (mm *MetricsManager) RecordCount(name string, n int, labels map[string]string) {
	mm.Record(&Metric{
		Name:   name,
		Value:  float64(n),
		Labels: labels,
		Unit:   "count",
	})
}

// Close flushes the remaining buffer and stops the flush loop.
func (mm *MetricsManager) Close() {
	close(mm.stop)
	<-mm.done
	mm.mu.Lock()
	mm.flushLocked()
	mm.mu.Unlock()
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			return
		case <-ticker.C:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)

	tx, err := mm.db.Begin()
	if err != nil {
		slog.Warn("metrics flush failed", "error", err)
		return
	}
	defer tx.Rollback()
	for _, m := range batch {
		var labels string
		if len(m.Labels) > 0 {
			if raw, err := json.Marshal(m.Labels); err == nil {
				labels = string(raw)
			}
		}
		_, err = tx.Exec(`
			INSERT INTO metrics_timeseries (metric_id, metric_name, timestamp, value, labels, unit)
			VALUES (?,?,?,?,?,?)`,
			"met_"+uuid.NewString(), m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit)
		if err != nil {
			slog.Warn("metrics flush failed", "error", err, "metric", m.Name)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Warn("metrics flush commit failed", "error", err)
	}
}
