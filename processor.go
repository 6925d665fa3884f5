package dispatchq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default lease and batch sizing. The batch is deliberately small: messages
// are handled sequentially within one ProcessQueue call, trading throughput
// for predictable log ordering.
const (
	defaultLeaseDuration = 30 * time.Second
	defaultBatchSize     = 2
)

// Processor drains the queue: it claims a small batch of leased messages,
// dispatches each to its consumer handler, and resolves every message to
// success (archive), retry (extended lease) or failure (dead-letter archive)
// according to the consumer's retry policy.
//
// Any number of processes may call ProcessQueue concurrently; correctness
// relies entirely on the store's atomic claim, not on in-memory locks.
type Processor struct {
	registry *Registry
	store    *Store
	lease    time.Duration
	batch    int
	logger   *slog.Logger
}

// ProcessorOption is a function that configures a Processor instance.
type ProcessorOption func(*Processor)

// WithLeaseDuration sets how long a claimed message stays invisible to other
// readers. A handler that runs longer than the lease risks a duplicate
// concurrent execution. Default is 30 seconds.
func WithLeaseDuration(lease time.Duration) ProcessorOption {
	return func(p *Processor) {
		if lease > 0 {
			p.lease = lease
		}
	}
}

// WithBatchSize sets the maximum number of messages claimed per
// ProcessQueue call. Default is 2. Must be positive.
func WithBatchSize(size int) ProcessorOption {
	return func(p *Processor) {
		if size > 0 {
			p.batch = size
		}
	}
}

// WithProcessorLogger sets the processor's logger. Default is slog.Default().
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates a new queue Processor with the given database context,
// consumer registry and options.
func NewProcessor(dbCtx *DBContext, registry *Registry, opts ...ProcessorOption) *Processor {
	p := &Processor{
		registry: registry,
		store:    NewStore(dbCtx),
		lease:    defaultLeaseDuration,
		batch:    defaultBatchSize,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = resolveLogger(p.logger)
	return p
}

// ProcessQueue claims one batch of due messages and handles them in sequence.
// It returns a short human-readable summary of the messages processed and
// their outcomes, for operational logging; the summary is not a programmatic
// contract.
//
// A failing archive or re-lease write aborts the remainder of the batch and
// is returned to the caller; unclaimed work is picked up by later calls.
func (p *Processor) ProcessQueue(ctx context.Context) (string, error) {
	msgs, err := p.store.Read(ctx, p.lease, p.batch)
	if err != nil {
		return "", fmt.Errorf("reading queue: %w", err)
	}
	if len(msgs) == 0 {
		return "no messages", nil
	}

	outcomes := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		outcome, err := p.processMessage(ctx, msg)
		if err != nil {
			return summarize(len(msgs), outcomes), err
		}
		outcomes = append(outcomes, outcome)
	}
	return summarize(len(msgs), outcomes), nil
}

func summarize(total int, outcomes []string) string {
	return fmt.Sprintf("processed %d/%d: %s", len(outcomes), total, strings.Join(outcomes, "; "))
}

func (p *Processor) processMessage(ctx context.Context, msg *Message) (string, error) {
	env, err := msg.DecodeEnvelope()
	if err != nil {
		// The original body is kept in the trail; the archived body is a
		// fresh envelope since the stored one did not parse.
		return p.archiveInvalid(ctx, msg, &Envelope{
			Context:           jsonEmptyObject,
			ProcessingResults: []string{},
		}, fmt.Sprintf("undecodable body: %v (body: %s)", err, truncateForLog(msg.Body, 256)))
	}

	consumer, ok := p.registry.lookup(env.EventName, env.ConsumerName)
	if !ok {
		return p.archiveInvalid(ctx, msg, env,
			fmt.Sprintf("no consumer %q registered for event %q", env.ConsumerName, env.EventName))
	}

	delivery := Delivery{
		EventName: env.EventName,
		EventID:   env.EventID,
		Payload:   env.Payload,
		Job:       Job{ID: msg.ID, Attempt: msg.ReadCount},
	}

	result, handlerErr := invokeHandler(ctx, consumer.Handler, delivery)
	if handlerErr == nil {
		env.Status = StatusSuccess
		env.ProcessingResults = append(env.ProcessingResults,
			fmt.Sprintf("#%d success: %s", msg.ReadCount, result))
		body, err := env.encode()
		if err != nil {
			return "", err
		}
		if _, err := p.store.Archive(ctx, msg.ID, body); err != nil {
			return "", err
		}
		p.logger.Debug("message processed",
			"msg_id", msg.ID,
			"event", env.EventName,
			"consumer", env.ConsumerName,
			"attempt", msg.ReadCount,
		)
		return fmt.Sprintf("%s success", shortID(msg.ID)), nil
	}

	policy := consumer.Retry
	if policy == nil {
		policy = DefaultRetryPolicy
	}
	decision := policy(msg)

	env.ProcessingResults = append(env.ProcessingResults,
		fmt.Sprintf("#%d error: %v. %s", msg.ReadCount, handlerErr, decision.Reason))

	if decision.Retry {
		env.Status = StatusRetrying
		body, err := env.encode()
		if err != nil {
			return "", err
		}
		if err := p.store.ExtendVisibility(ctx, msg.ID, decision.Delay, body); err != nil {
			return "", err
		}
		p.logger.Warn("message attempt failed, retrying",
			"msg_id", msg.ID,
			"event", env.EventName,
			"consumer", env.ConsumerName,
			"attempt", msg.ReadCount,
			"delay", decision.Delay,
			"error", handlerErr,
		)
		return fmt.Sprintf("%s retrying", shortID(msg.ID)), nil
	}

	env.Status = StatusFailed
	body, err := env.encode()
	if err != nil {
		return "", err
	}
	if _, err := p.store.Archive(ctx, msg.ID, body); err != nil {
		return "", err
	}
	p.logger.Error("message dead-lettered",
		"msg_id", msg.ID,
		"event", env.EventName,
		"consumer", env.ConsumerName,
		"attempts", msg.ReadCount,
		"error", handlerErr,
	)
	return fmt.Sprintf("%s failed", shortID(msg.ID)), nil
}

// archiveInvalid terminally resolves a message the processor cannot hand to a
// consumer. Leaving such messages pending would re-fail them identically on
// every lease expiry with no readCount-driven give-up, so they are archived
// with status invalid and surface through PeekArchive instead.
func (p *Processor) archiveInvalid(ctx context.Context, msg *Message, env *Envelope, reason string) (string, error) {
	env.Status = StatusInvalid
	env.ProcessingResults = append(env.ProcessingResults,
		fmt.Sprintf("#%d invalid: %s", msg.ReadCount, reason))

	body, err := env.encode()
	if err != nil {
		return "", err
	}
	if _, err := p.store.Archive(ctx, msg.ID, body); err != nil {
		return "", err
	}

	p.logger.Warn("message archived as invalid",
		"msg_id", msg.ID,
		"event", env.EventName,
		"consumer", env.ConsumerName,
		"reason", reason,
	)
	return fmt.Sprintf("%s invalid", shortID(msg.ID)), nil
}

// invokeHandler runs a consumer handler, converting a panic into an error so
// one misbehaving consumer cannot take down the processing loop.
func invokeHandler(ctx context.Context, handler HandlerFunc, d Delivery) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, d)
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func truncateForLog(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

var jsonEmptyObject = json.RawMessage("{}")
