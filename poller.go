package dispatchq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Poller periodically invokes ProcessQueue as the durability safety net: it
// guarantees eventual processing even when the opportunistic post-operation
// trigger is lost to a crash or network drop.
type Poller struct {
	processor *Processor

	interval time.Duration
	logger   *slog.Logger

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

// PollerOption is a function that configures a Poller instance.
type PollerOption func(*Poller)

// WithInterval sets the time between processing passes.
// Default is 10 seconds.
func WithInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		p.interval = interval
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) PollerOption {
	return func(p *Poller) {
		if size > 0 {
			p.errCh = make(chan error, size)
		}
	}
}

// WithPollerLogger sets the poller's logger. Default is slog.Default().
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a new Poller driving the given processor.
func NewPoller(processor *Processor, opts ...PollerOption) *Poller {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Poller{
		processor: processor,
		interval:  10 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.errCh == nil {
		p.errCh = make(chan error, 128)
	}
	p.logger = resolveLogger(p.logger)

	return p
}

// Start begins the periodic processing passes.
// If Start is called multiple times, only the first call has an effect.
func (p *Poller) Start() {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}

	p.wg.Add(1)
	go func() {
		ticker := time.NewTicker(p.interval)

		defer p.wg.Done()
		defer close(p.errCh)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.processOnce()
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the poller. It prevents new passes from starting
// and waits for any ongoing pass to complete. The provided context controls
// how long to wait before giving up; if it expires first, Stop returns the
// context's error.
//
// Calling Stop multiple times is safe and only the first call has an effect.
func (p *Poller) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	p.cancel() // signal stop

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessError indicates a failed processing pass.
type ProcessError struct {
	Err error
}

func (e *ProcessError) Error() string { return fmt.Sprintf("processing queue: %v", e.Err) }

func (e *ProcessError) Unwrap() error { return e.Err }

// Errors returns a channel that receives errors from the processing passes.
// The channel is buffered to prevent blocking the poller; if the buffer
// becomes full, subsequent errors are dropped. The channel is closed when the
// poller is stopped.
func (p *Poller) Errors() <-chan error {
	return p.errCh
}

func (p *Poller) processOnce() {
	summary, err := p.processor.ProcessQueue(p.ctx)
	if err != nil {
		p.sendError(&ProcessError{Err: err})
		return
	}
	if summary != "no messages" {
		p.logger.Debug("processing pass completed", "summary", summary)
	}
}

func (p *Poller) sendError(err error) {
	select {
	case p.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}
