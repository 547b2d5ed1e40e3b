package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPWorkerController drives a worker's model residency over its control
// endpoints (POST /model/load, POST /model/unload).
type HTTPWorkerController struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWorkerController creates a controller for the worker at baseURL.
func NewHTTPWorkerController(baseURL string) *HTTPWorkerController {
	return &HTTPWorkerController{baseURL: baseURL, client: &http.Client{}}
}

// Load blocks until the worker reports the model resident. The caller's ctx
// bounds the wait; model loads can take minutes on cold starts.
func (c *HTTPWorkerController) Load(ctx context.Context) error {
	return c.post(ctx, "/model/load")
}

// Unload asks the worker to release GPU memory.
func (c *HTTPWorkerController) Unload(ctx context.Context) error {
	return c.post(ctx, "/model/unload")
}

func (c *HTTPWorkerController) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("registry: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) // drain

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("registry: %s returned %d", path, resp.StatusCode)
	}
	return nil
}
