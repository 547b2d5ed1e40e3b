package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerController loads or unloads one GPU-resident model. Load blocks
// until the model is resident (the GPU server serializes loads on its side);
// Unload is cheap and idempotent upstream.
type WorkerController interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// Activation tracks which local worker currently owns the GPU. The local
// deployment runs multiple models that cannot coexist in GPU memory;
// correctness requires unload-before-load ordering, not a lock: lost races
// are tolerated because load is idempotent upstream. There is no persisted
// state; unload-then-load converges from any prior state, so a process
// restart is always safe.
type Activation struct {
	mu      sync.Mutex
	workers map[string]WorkerController
	hot     string
	enabled bool
	logger  *slog.Logger
}

// NewActivation creates an activation registry. When enabled is false (every
// deployment mode except single-GPU local), Activate is a no-op.
func NewActivation(enabled bool, logger *slog.Logger) *Activation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activation{
		workers: make(map[string]WorkerController),
		enabled: enabled,
		logger:  logger,
	}
}

// Register adds a controllable worker. Call before serving requests.
func (a *Activation) Register(name string, ctrl WorkerController) {
	a.mu.Lock()
	a.workers[name] = ctrl
	a.mu.Unlock()
}

// Registered reports whether a controller exists for name. Callers use it to
// fall back to the default worker when an optional one is not deployed.
func (a *Activation) Registered(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.workers[name]
	return ok
}

// Hot returns the name of the currently loaded worker, or "".
func (a *Activation) Hot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hot
}

// Activate makes name the resident worker. Unload requests go to every other
// registered worker concurrently and best-effort (an already-unloaded worker
// erroring is not a failure); the load itself blocks and its failure
// propagates. Already-hot targets no-op.
func (a *Activation) Activate(ctx context.Context, name string) error {
	if !a.enabled {
		return nil
	}

	a.mu.Lock()
	if a.hot == name {
		a.mu.Unlock()
		return nil
	}
	target, ok := a.workers[name]
	others := make(map[string]WorkerController, len(a.workers))
	for n, c := range a.workers {
		if n != name {
			others[n] = c
		}
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("registry: activate: unknown worker %q", name)
	}

	// Unloads are dispatched concurrently and do not gate the load; the GPU
	// server serializes load against in-flight unloads on its side.
	var wg sync.WaitGroup
	for n, c := range others {
		wg.Add(1)
		go func(n string, c WorkerController) {
			defer wg.Done()
			unloadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.Unload(unloadCtx); err != nil {
				a.logger.Debug("worker unload ignored", "worker", n, "error", err)
			}
		}(n, c)
	}

	if err := target.Load(ctx); err != nil {
		wg.Wait()
		return fmt.Errorf("registry: load worker %s: %w", name, err)
	}
	wg.Wait()

	a.mu.Lock()
	a.hot = name
	a.mu.Unlock()
	a.logger.Info("worker activated", "worker", name)
	return nil
}
