package dispatchq

import (
	"context"
	"sync"
	"sync/atomic"
)

// Runner tracks fire-and-forget background tasks so the host can drain them
// on shutdown instead of relying on a platform keepalive primitive.
// The Executor submits its post-commit processing triggers through a Runner.
type Runner struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed int32
}

// NewRunner creates a Runner accepting tasks.
func NewRunner() *Runner {
	return &Runner{}
}

// Go runs fn on its own goroutine, tracked for shutdown. It returns false if
// the runner has already been stopped, in which case fn is not run.
func (r *Runner) Go(fn func()) bool {
	// The lock pairs the closed check with wg.Add so Stop cannot observe a
	// drained WaitGroup between the two.
	r.mu.Lock()
	if atomic.LoadInt32(&r.closed) == 1 {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// Stop refuses new tasks and waits for outstanding ones to finish. The
// provided context controls how long to wait; if it expires first, Stop
// returns the context's error while tasks keep running in the background.
//
// Calling Stop multiple times is safe.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	atomic.StoreInt32(&r.closed, 1)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
