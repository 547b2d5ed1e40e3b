package backend

// Pure status-vocabulary mappings, one per backend wire shape. Each is total
// over the provider's documented vocabulary and maps every unrecognized
// string to failed: an unknown state is never silently dropped or left
// in-flight forever.

// normalizeLocalStatus maps the local worker pool's status strings.
func normalizeLocalStatus(s string) Status {
	switch s {
	case "queued", "pending":
		return StatusPending
	case "running", "processing":
		return StatusProcessing
	case "html_ready":
		return StatusHTMLReady
	case "completed", "done":
		return StatusCompleted
	case "failed", "error":
		return StatusFailed
	default:
		return StatusFailed
	}
}

// normalizeProviderStatus maps the serverless GPU provider's job states.
// Provider-side cancellations and timeouts are failures from the
// orchestration layer's point of view; cancelled/timeout as client-visible
// outcomes are attached only by this layer itself.
func normalizeProviderStatus(s string) Status {
	switch s {
	case "IN_QUEUE":
		return StatusPending
	case "IN_PROGRESS":
		return StatusProcessing
	case "COMPLETED":
		return StatusCompleted
	case "FAILED", "CANCELLED", "TIMED_OUT":
		return StatusFailed
	default:
		return StatusFailed
	}
}

// normalizeHostedStatus maps the hosted API's check responses. The hosted
// service reports status=complete with success=false on failure; that must
// become failed before it reaches the state machine.
func normalizeHostedStatus(s string, success bool) Status {
	switch s {
	case "queued":
		return StatusPending
	case "processing":
		return StatusProcessing
	case "complete":
		if !success {
			return StatusFailed
		}
		return StatusCompleted
	case "failed":
		return StatusFailed
	default:
		return StatusFailed
	}
}
