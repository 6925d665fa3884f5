package dispatchq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrEventNotDeclared is returned when a consumer is registered against, or a
// payload is enqueued for, an event name that was never declared.
var ErrEventNotDeclared = errors.New("event not declared")

// WhenFunc is a consumer filter predicate over the event payload.
type WhenFunc func(payload json.RawMessage) bool

// DelayFunc computes the initial visibility delay for a consumer's message.
type DelayFunc func(payload json.RawMessage) time.Duration

// SchemaFunc validates an event payload at enqueue time.
type SchemaFunc func(payload json.RawMessage) error

// HandlerFunc processes a delivery. The returned string is recorded in the
// message's processing results trail on success. Handlers may be invoked more
// than once for the same event and must be idempotent: a handler that outlives
// its lease can be claimed again by a concurrent reader before the first
// attempt resolves.
type HandlerFunc func(ctx context.Context, d Delivery) (string, error)

// Consumer is a named, independently configured subscriber to one event name.
type Consumer struct {
	// Name identifies the consumer within the event. Registering a second
	// consumer with the same (On, Name) pair overwrites the first.
	Name string

	// On is the event name the consumer subscribes to.
	On string

	// When filters deliveries by payload. Nil matches every payload.
	When WhenFunc

	// Delay computes the initial visibility delay. Nil means immediately
	// visible.
	Delay DelayFunc

	// Retry decides whether a failed attempt is rescheduled.
	// Nil uses DefaultRetryPolicy.
	Retry RetryPolicy

	// Handler processes deliveries. Required.
	Handler HandlerFunc
}

// Registry maps event names to their consumers and declared payload schemas.
//
// A Registry is plain in-memory configuration: build one at process startup,
// declare events, register consumers, and pass it to both the Writer and the
// Processor. Consumers registered after an event was produced never
// retroactively receive it.
type Registry struct {
	mu        sync.RWMutex
	events    map[string]SchemaFunc
	consumers map[string]map[string]Consumer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		events:    make(map[string]SchemaFunc),
		consumers: make(map[string]map[string]Consumer),
	}
}

// DeclareEvent declares an event name that consumers can subscribe to.
// check, if not nil, validates payloads when they are enqueued for this event.
// Redeclaring an event replaces its schema check.
func (r *Registry) DeclareEvent(name string, check SchemaFunc) error {
	if name == "" {
		return fmt.Errorf("event name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[name] = check
	return nil
}

// Register adds a consumer definition, keyed by its (On, Name) pair.
// The event must have been declared first.
func (r *Registry) Register(c Consumer) error {
	if c.Name == "" {
		return fmt.Errorf("consumer name cannot be empty")
	}
	if c.On == "" {
		return fmt.Errorf("consumer %q: event name cannot be empty", c.Name)
	}
	if c.Handler == nil {
		return fmt.Errorf("consumer %q on event %q: handler is required", c.Name, c.On)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[c.On]; !ok {
		return fmt.Errorf("registering consumer %q on event %q: %w", c.Name, c.On, ErrEventNotDeclared)
	}

	byName, ok := r.consumers[c.On]
	if !ok {
		byName = make(map[string]Consumer)
		r.consumers[c.On] = byName
	}
	byName[c.Name] = c
	return nil
}

// schemaFor returns the declared payload check for an event and whether the
// event was declared at all.
func (r *Registry) schemaFor(event string) (SchemaFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	check, ok := r.events[event]
	return check, ok
}

// consumersFor returns the consumers of an event, sorted by name so fan-out
// order is deterministic.
func (r *Registry) consumersFor(event string) []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := r.consumers[event]
	if len(byName) == 0 {
		return nil
	}

	consumers := make([]Consumer, 0, len(byName))
	for _, c := range byName {
		consumers = append(consumers, c)
	}
	sort.Slice(consumers, func(i, j int) bool { return consumers[i].Name < consumers[j].Name })
	return consumers
}

// lookup resolves a single (event, consumer) pair.
func (r *Registry) lookup(event, name string) (Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[event][name]
	return c, ok
}
