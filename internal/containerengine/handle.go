package containerengine

import (
	"context"
	"sync"
	"time"

	"github.com/oro-sh/link-daemon/internal/logging"
)

// remover is the subset of Engine that Handle depends on, kept small so
// tests can substitute a fake instead of talking to a real Docker daemon.
type remover interface {
	RemoveContainer(ctx context.Context, id string) error
}

// Handle is the exclusive owner of one container id. It guarantees the
// container is force-removed exactly once, in the background, regardless
// of whether the session exits cleanly or by error — mirroring the
// teacher's Client.Close sync.Once guard, translated from "close a
// channel" to "tear down a container" (see internal/hub/hub.go).
//
// A session's exit path must never block on container teardown: Close
// schedules removal on a detached context and returns immediately.
type Handle struct {
	engine remover
	id     string

	once sync.Once
	done chan struct{}
}

// NewHandle wraps id for exclusive teardown ownership. engine only needs to
// satisfy RemoveContainer, so callers may pass a narrower interface (the
// session supervisor passes its ContainerEngine) as well as a concrete
// *Engine.
func NewHandle(engine remover, id string) *Handle {
	return &Handle{engine: engine, id: id, done: make(chan struct{})}
}

// ID returns the container id this Handle owns.
func (h *Handle) ID() string { return h.id }

// Close schedules a background force-remove of the container, idempotent
// across repeated calls. It does not wait for removal to complete; call
// Wait if the caller needs that (tests do; the session supervisor's exit
// path does not).
func (h *Handle) Close() {
	h.once.Do(func() {
		go func() {
			defer close(h.done)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.engine.RemoveContainer(ctx, h.id); err != nil {
				logging.L().Warn("containerengine: background remove failed", "container_id", h.id, "error", err)
			}
		}()
	})
}

// Wait blocks until a scheduled Close's removal has finished, or ctx is
// done. Calling Wait before Close blocks until some goroutine calls Close.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
