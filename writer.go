package dispatchq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Writer records events in the outbox table and fans them out to the queue,
// one message per matching consumer, inside the caller's transaction.
type Writer struct {
	dbCtx       *DBContext
	registry    *Registry
	store       *Store
	environment string
	logger      *slog.Logger
}

// WriterOption is a function that configures a Writer instance.
type WriterOption func(*Writer)

// WithEnvironment tags every enqueued envelope with a deployment stage name
// (e.g. "production"). Metadata only. Default is "development".
func WithEnvironment(environment string) WriterOption {
	return func(w *Writer) {
		w.environment = environment
	}
}

// WithWriterLogger sets the writer's logger. Default is slog.Default().
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// NewWriter creates a new outbox Writer with the given database context,
// consumer registry and options.
func NewWriter(dbCtx *DBContext, registry *Registry, opts ...WriterOption) *Writer {
	w := &Writer{
		dbCtx:       dbCtx,
		registry:    registry,
		store:       NewStore(dbCtx),
		environment: "development",
	}

	for _, opt := range opts {
		opt(w)
	}

	w.logger = resolveLogger(w.logger)
	return w
}

// EnqueueResult reports what AddToQueue did.
type EnqueueResult struct {
	// EventID is the id of the outbox event record that was inserted.
	EventID uuid.UUID

	// MatchedConsumers is the number of queue messages enqueued, one per
	// consumer whose filter matched the payload. May be zero.
	MatchedConsumers int
}

// AddToQueue records that an event happened and enqueues one queue message
// per matching consumer, all within the caller's transaction: the outbox
// insert and the queue sends commit or roll back together with the business
// mutation that produced them.
//
// The event must have been declared on the registry; if a payload check was
// declared, the payload is validated against it. payload may be any
// JSON-serializable value; json.RawMessage is used as-is.
func (w *Writer) AddToQueue(ctx context.Context, tx TxQueryer, name string, payload any) (EnqueueResult, error) {
	check, declared := w.registry.schemaFor(name)
	if !declared {
		return EnqueueResult{}, fmt.Errorf("adding event %q to queue: %w", name, ErrEventNotDeclared)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("serializing payload of event %q: %w", name, err)
	}

	if check != nil {
		if err := check(raw); err != nil {
			return EnqueueResult{}, fmt.Errorf("payload of event %q rejected: %w", name, err)
		}
	}

	event := Event{
		ID:        uuid.New(),
		Name:      name,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.insertEvent(ctx, tx, &event); err != nil {
		return EnqueueResult{}, err
	}

	matched := 0
	for _, consumer := range w.registry.consumersFor(name) {
		if consumer.When != nil && !consumer.When(raw) {
			continue
		}

		var delay time.Duration
		if consumer.Delay != nil {
			delay = consumer.Delay(raw)
		}

		env := &Envelope{
			ConsumerName:      consumer.Name,
			EventName:         name,
			EventID:           event.ID,
			Payload:           raw,
			Context:           json.RawMessage("{}"),
			ProcessingResults: []string{},
			Status:            StatusPending,
			Environment:       w.environment,
		}
		if _, err := w.store.Send(ctx, tx, env, delay); err != nil {
			return EnqueueResult{}, fmt.Errorf("enqueuing event %q for consumer %q: %w", name, consumer.Name, err)
		}
		matched++
	}

	w.logger.Debug("event added to queue",
		"event", name,
		"event_id", event.ID,
		"matched_consumers", matched,
	)

	return EnqueueResult{EventID: event.ID, MatchedConsumers: matched}, nil
}

func (w *Writer) insertEvent(ctx context.Context, tx TxQueryer, event *Event) error {
	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (id, name, payload, created_at) VALUES (%s, %s, %s, %s)",
		eventTableName,
		w.dbCtx.getSQLPlaceholder(1),
		w.dbCtx.getSQLPlaceholder(2),
		w.dbCtx.getSQLPlaceholder(3),
		w.dbCtx.getSQLPlaceholder(4))
	_, err := tx.ExecContext(ctx, query,
		w.dbCtx.formatUUIDForDB(event.ID),
		event.Name,
		string(event.Payload),
		event.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("storing event %q in outbox: %w", event.Name, err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
