package backend

import "fmt"

// SubmissionError is returned when a backend rejects a job submission: a
// non-2xx upstream response, a transport failure, or a malformed upstream id.
type SubmissionError struct {
	Backend string
	Status  int // upstream HTTP status, 0 for transport failures
	Cause   error
}

func (e *SubmissionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend: submit to %s returned %d: %v", e.Backend, e.Status, e.Cause)
	}
	return fmt.Sprintf("backend: submit to %s failed: %v", e.Backend, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// StatusQueryError is returned when a status poll fails at the transport
// level or with a non-2xx response. Timeout marks a fired call deadline;
// both cases are transient and must not be treated as a job failure.
type StatusQueryError struct {
	Backend string
	JobID   string
	Status  int
	Timeout bool
	Cause   error
}

func (e *StatusQueryError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("backend: status query for %s on %s timed out: %v", e.JobID, e.Backend, e.Cause)
	}
	if e.Status != 0 {
		return fmt.Sprintf("backend: status query for %s on %s returned %d: %v", e.JobID, e.Backend, e.Status, e.Cause)
	}
	return fmt.Sprintf("backend: status query for %s on %s failed: %v", e.JobID, e.Backend, e.Cause)
}

func (e *StatusQueryError) Unwrap() error { return e.Cause }

// ConfigError is returned at backend construction time when a required
// endpoint or credential is missing. It fails fast, before any job is
// accepted.
type ConfigError struct {
	Backend string
	Field   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("backend: %s: missing required config %s", e.Backend, e.Field)
}
