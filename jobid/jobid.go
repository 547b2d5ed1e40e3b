// Package jobid encodes the owning sub-worker of a conversion job inside the
// opaque job id handed to clients. Ids from the default worker stay bare so
// that legacy ids (minted before multi-worker routing existed) keep decoding
// correctly.
package jobid

import "strings"

// Known worker names. WorkerMarker is the fast default model, WorkerSurya the
// accurate alternative.
const (
	WorkerMarker = "marker"
	WorkerSurya  = "surya"
)

// DefaultWorker is the worker an unprefixed job id decodes to.
const DefaultWorker = WorkerMarker

const sep = ":"

// Encode embeds the worker name into a raw backend job id. The default worker
// encodes bare, every other worker as "<worker>:<rawID>".
func Encode(worker, rawID string) string {
	if worker == "" || worker == DefaultWorker {
		return rawID
	}
	return worker + sep + rawID
}

// Decode splits a job id into its owning worker and the raw backend id.
// An id without a worker prefix belongs to the default worker.
func Decode(id string) (worker, rawID string) {
	before, after, found := strings.Cut(id, sep)
	if !found || !Known(before) {
		return DefaultWorker, id
	}
	return before, after
}

// Known reports whether name is a registered worker name.
func Known(name string) bool {
	switch name {
	case WorkerMarker, WorkerSurya:
		return true
	}
	return false
}

// Workers returns all registered worker names.
func Workers() []string {
	return []string{WorkerMarker, WorkerSurya}
}
