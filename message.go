package dispatchq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the processing state carried inside a queue message body.
type Status string

// Message statuses. Success, failed and invalid are terminal: a message with
// one of these statuses lives in the archive relation and is never read again.
const (
	// StatusPending is the state of a freshly enqueued message.
	StatusPending Status = "pending"

	// StatusRetrying marks a message whose handler failed and whose retry
	// policy scheduled another attempt.
	StatusRetrying Status = "retrying"

	// StatusSuccess marks a message whose handler completed.
	StatusSuccess Status = "success"

	// StatusFailed marks a message whose retry policy gave up. Archived
	// failed messages are the dead-letter store.
	StatusFailed Status = "failed"

	// StatusInvalid marks a message the processor could not hand to a
	// consumer: the body did not decode, or no consumer is registered for
	// the (event, consumer) pair.
	StatusInvalid Status = "invalid"
)

// Event is the immutable, append-only outbox record that "X happened".
// Exactly one Event is written per triggering operation; it is never
// mutated or deleted by this package.
type Event struct {
	// ID is a unique identifier for the event
	ID uuid.UUID

	// Name is the event name consumers subscribe to (e.g. "user.created")
	Name string

	// Payload contains the event data, JSON serialized
	Payload json.RawMessage

	// CreatedAt is the timestamp when the event was recorded
	CreatedAt time.Time
}

// Envelope is the body of a queue message. Each envelope binds exactly one
// event to exactly one consumer; the pair is fixed at enqueue time.
type Envelope struct {
	// ConsumerName identifies the consumer this copy of the event is for.
	ConsumerName string `json:"consumerName"`

	// EventName is the name of the event the consumer subscribed to.
	EventName string `json:"eventName"`

	// EventID references the outbox event record.
	EventID uuid.UUID `json:"eventId"`

	// Payload is a copy of the event payload.
	Payload json.RawMessage `json:"payload"`

	// Context carries optional consumer-defined data across attempts.
	Context json.RawMessage `json:"context"`

	// ProcessingResults is an append-only trail of human-readable attempt
	// outcomes ("#1 error: ...", "#2 success: ..."). Used for debugging,
	// never pruned.
	ProcessingResults []string `json:"processingResults"`

	// Status is the current processing state.
	Status Status `json:"status"`

	// Environment tags the deployment stage that produced the message.
	// Metadata only; not used for partitioning or isolation.
	Environment string `json:"environment"`
}

func (e *Envelope) encode() (json.RawMessage, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return body, nil
}

// Message is a row of a pending or archive relation. The envelope lives in
// Body as JSON; use DecodeEnvelope to inspect it.
type Message struct {
	// ID is a unique identifier for the queue message
	ID uuid.UUID

	// EnqueuedAt is the timestamp when the message was sent to the queue
	EnqueuedAt time.Time

	// VisibleAt is the lease boundary: the message is only eligible for
	// reading once the current time passes it. Zero for archived messages.
	VisibleAt time.Time

	// ArchivedAt is when the message was terminally resolved.
	// Zero for pending messages.
	ArchivedAt time.Time

	// ReadCount is the number of times the message has been claimed by a
	// reader. It doubles as the 1-indexed attempt number.
	ReadCount int32

	// Body is the raw envelope as stored
	Body json.RawMessage
}

// DecodeEnvelope parses the message body.
func (m *Message) DecodeEnvelope() (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		return nil, fmt.Errorf("decoding message %s body: %w", m.ID, err)
	}
	return &env, nil
}

// Job describes the queue attempt backing a delivery.
type Job struct {
	// ID is the queue message id
	ID uuid.UUID

	// Attempt is the 1-indexed attempt number
	Attempt int32
}

// Delivery is the unit of work handed to a consumer handler. Handlers may be
// invoked more than once for the same event and must be idempotent.
type Delivery struct {
	EventName string
	EventID   uuid.UUID
	Payload   json.RawMessage
	Job       Job
}
