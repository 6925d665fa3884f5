package dispatchq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// OperationFunc is the business core of a transactional operation. It runs
// user-defined queries within the same transaction that records the
// operation's outbox event.
type OperationFunc func(ctx context.Context, tx TxQueryer, input json.RawMessage) (json.RawMessage, error)

// OperationRecord is the payload enqueued for a completed operation:
// consumers subscribed to the operation's event name receive its recorded
// input and output.
type OperationRecord struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
}

// Executor is the single integration point between ordinary application code
// and the outbox. It wraps a business operation so that its completion is
// recorded through the Writer in the same transaction, guaranteeing the
// outbox insert never happens without the business mutation and vice versa,
// and then triggers a near-immediate processing pass without blocking the
// caller.
type Executor struct {
	dbCtx        *DBContext
	writer       *Writer
	processor    *Processor
	runner       *Runner
	processDelay time.Duration
	logger       *slog.Logger
}

// ExecutorOption is a function that configures an Executor instance.
type ExecutorOption func(*Executor)

// WithProcessDelay sets how long the opportunistic post-commit trigger sleeps
// before processing, allowing read replicas the handlers may query to catch
// up with the commit. Default is 20 milliseconds.
func WithProcessDelay(delay time.Duration) ExecutorOption {
	return func(e *Executor) {
		if delay >= 0 {
			e.processDelay = delay
		}
	}
}

// WithExecutorLogger sets the executor's logger. Default is slog.Default().
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an Executor. The runner tracks the post-commit
// processing tasks so the host can drain them on shutdown.
func NewExecutor(dbCtx *DBContext, writer *Writer, processor *Processor, runner *Runner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		dbCtx:        dbCtx,
		writer:       writer,
		processor:    processor,
		runner:       runner,
		processDelay: 20 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = resolveLogger(e.logger)
	return e
}

// Execute runs fn inside a managed transaction and, on success, records
// {input, output} through the Writer under the operation's event name before
// committing. The transaction commits if fn returns nil, or rolls back if it
// returns an error or panics.
//
// When at least one consumer matched, a background task is scheduled that
// sleeps briefly and calls ProcessQueue; the caller's response is never
// blocked on processing.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage, fn OperationFunc) (json.RawMessage, error) {
	tx, err := e.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	output, err := fn(ctx, tx, input)
	if err != nil {
		return nil, err
	}

	result, err := e.writer.AddToQueue(ctx, tx, name, OperationRecord{Input: input, Output: output})
	if err != nil {
		return nil, err
	}

	err = tx.Commit()
	txCommitted = err == nil
	if err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	if result.MatchedConsumers > 0 {
		e.scheduleProcessing(ctx, name)
	}

	return output, nil
}

func (e *Executor) scheduleProcessing(ctx context.Context, name string) {
	ctx = context.WithoutCancel(ctx) // processing outlives the caller's request

	submitted := e.runner.Go(func() {
		time.Sleep(e.processDelay)

		summary, err := e.processor.ProcessQueue(ctx)
		if err != nil {
			e.logger.Error("post-operation processing failed",
				"operation", name,
				"error", err,
			)
			return
		}
		e.logger.Debug("post-operation processing completed",
			"operation", name,
			"summary", summary,
		)
	})
	if !submitted {
		// Shutting down; the periodic poller picks the messages up.
		e.logger.Warn("runner stopped, skipping post-operation processing", "operation", name)
	}
}
