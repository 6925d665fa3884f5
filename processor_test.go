package dispatchq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessQueueNoMessages(t *testing.T) {
	dbCtx, _ := newTestDB(t)
	processor := NewProcessor(dbCtx, NewRegistry())

	summary, err := processor.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no messages", summary)
}

func TestProcessQueueSuccess(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	var delivered Delivery
	registry := NewRegistry()
	require.NoError(t, registry.DeclareEvent("user.created", nil))
	require.NoError(t, registry.Register(Consumer{
		Name: "welcome",
		On:   "user.created",
		Handler: func(ctx context.Context, d Delivery) (string, error) {
			delivered = d
			return "email sent", nil
		},
	}))

	writer := NewWriter(dbCtx, registry)
	result := enqueue(t, db, writer, "user.created", json.RawMessage(`{"id":"u1"}`))

	processor := NewProcessor(dbCtx, registry)
	summary, err := processor.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(summary, "processed 1/1"), "summary was %q", summary)

	assert.Equal(t, "user.created", delivered.EventName)
	assert.Equal(t, result.EventID, delivered.EventID)
	assert.JSONEq(t, `{"id":"u1"}`, string(delivered.Payload))
	assert.Equal(t, int32(1), delivered.Job.Attempt)

	store := NewStore(dbCtx)
	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	entries, err := store.PeekArchive(ctx, PeekOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	env, err := entries[0].DecodeEnvelope()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, env.Status)
	require.Len(t, env.ProcessingResults, 1)
	assert.Equal(t, "#1 success: email sent", env.ProcessingResults[0])
}

func TestProcessQueueRetryThenSucceed(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	// Fails attempts 1-5 and succeeds on attempt 6, one short of the default
	// give-up threshold. Zero backoff keeps the test fast.
	var attempts int32
	registry := NewRegistry()
	require.NoError(t, registry.DeclareEvent("user.created", nil))
	require.NoError(t, registry.Register(Consumer{
		Name:  "flaky",
		On:    "user.created",
		Retry: MaxAttempts(5, FixedBackoff(0)),
		Handler: func(ctx context.Context, d Delivery) (string, error) {
			if atomic.AddInt32(&attempts, 1) <= 5 {
				return "", errors.New("downstream unavailable")
			}
			return "done", nil
		},
	}))

	writer := NewWriter(dbCtx, registry)
	enqueue(t, db, writer, "user.created", json.RawMessage(`{}`))

	processor := NewProcessor(dbCtx, registry)
	for i := 0; i < 6; i++ {
		_, err := processor.ProcessQueue(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(6), atomic.LoadInt32(&attempts))

	store := NewStore(dbCtx)
	entries, err := store.PeekArchive(ctx, PeekOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int32(6), entries[0].ReadCount)

	env, err := entries[0].DecodeEnvelope()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, env.Status)
	require.Len(t, env.ProcessingResults, 6, "every attempt leaves a trail entry")
	assert.Contains(t, env.ProcessingResults[0], "#1 error: downstream unavailable")
	assert.Contains(t, env.ProcessingResults[4], "#5 error: downstream unavailable")
	assert.Equal(t, "#6 success: done", env.ProcessingResults[5])
}

func TestProcessQueueGivesUpAndDeadLetters(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	registry := NewRegistry()
	require.NoError(t, registry.DeclareEvent("user.created", nil))
	require.NoError(t, registry.Register(Consumer{
		Name:  "doomed",
		On:    "user.created",
		Retry: MaxAttempts(2, FixedBackoff(0)),
		Handler: func(ctx context.Context, d Delivery) (string, error) {
			return "", errors.New("permanent failure")
		},
	}))

	writer := NewWriter(dbCtx, registry)
	enqueue(t, db, writer, "user.created", json.RawMessage(`{}`))

	processor := NewProcessor(dbCtx, registry)
	for i := 0; i < 3; i++ {
		_, err := processor.ProcessQueue(ctx)
		require.NoError(t, err)
	}

	store := NewStore(dbCtx)
	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	entries, err := store.PeekArchive(ctx, PeekOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int32(3), entries[0].ReadCount)

	env, err := entries[0].DecodeEnvelope()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, env.Status)
	require.Len(t, env.ProcessingResults, 3)
	assert.Contains(t, env.ProcessingResults[2], "giving up")

	// dead letters are discoverable by their read count
	deadLetters, err := store.PeekArchive(ctx, PeekOptions{MinReadCount: 3})
	require.NoError(t, err)
	assert.Len(t, deadLetters, 1)
}

func TestProcessQueueRecoversHandlerPanic(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	registry := NewRegistry()
	require.NoError(t, registry.DeclareEvent("user.created", nil))
	require.NoError(t, registry.Register(Consumer{
		Name:  "panicky",
		On:    "user.created",
		Retry: MaxAttempts(1, FixedBackoff(0)),
		Handler: func(ctx context.Context, d Delivery) (string, error) {
			panic("nil map write")
		},
	}))

	writer := NewWriter(dbCtx, registry)
	enqueue(t, db, writer, "user.created", json.RawMessage(`{}`))

	processor := NewProcessor(dbCtx, registry)
	for i := 0; i < 2; i++ {
		_, err := processor.ProcessQueue(ctx)
		require.NoError(t, err, "a panicking handler must not crash the processing loop")
	}

	entries, err := NewStore(dbCtx).PeekArchive(ctx, PeekOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	env, err := entries[0].DecodeEnvelope()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, env.Status)
	assert.Contains(t, env.ProcessingResults[0], "handler panicked: nil map write")
}

func TestProcessQueueArchivesMalformedBody(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	// A corrupted row written outside this package.
	now := time.Now().UTC().UnixMilli()
	_, err := db.ExecContext(ctx,
		"INSERT INTO events_pending (msg_id, enqueued_at, visible_at, read_count, body) VALUES (?, ?, ?, 0, ?)",
		uuid.New().String(), now, now, "this is not json")
	require.NoError(t, err)

	processor := NewProcessor(dbCtx, NewRegistry())
	summary, err := processor.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Contains(t, summary, "invalid")

	store := NewStore(dbCtx)
	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "undecodable messages must not stay pending")

	entries, err := store.PeekArchive(ctx, PeekOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	env, err := entries[0].DecodeEnvelope()
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, env.Status)
	require.Len(t, env.ProcessingResults, 1)
	assert.Contains(t, env.ProcessingResults[0], "undecodable body")
	assert.Contains(t, env.ProcessingResults[0], "this is not json", "original body preserved in the trail")
}

func TestProcessQueueArchivesMissingConsumer(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	store := NewStore(dbCtx)
	_, err := store.Send(ctx, db, testEnvelope("ghost", "user.created"), 0)
	require.NoError(t, err)

	processor := NewProcessor(dbCtx, NewRegistry())
	_, err = processor.ProcessQueue(ctx)
	require.NoError(t, err)

	entries, err := store.PeekArchive(ctx, PeekOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	env, err := entries[0].DecodeEnvelope()
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, env.Status)
	assert.Equal(t, "ghost", env.ConsumerName, "original envelope preserved")
	require.Len(t, env.ProcessingResults, 1)
	assert.Contains(t, env.ProcessingResults[0], `no consumer "ghost" registered for event "user.created"`)
}

func TestProcessQueueBatchSize(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	registry := NewRegistry()
	require.NoError(t, registry.DeclareEvent("user.created", nil))
	require.NoError(t, registry.Register(Consumer{Name: "welcome", On: "user.created", Handler: noopHandler}))

	writer := NewWriter(dbCtx, registry)
	for i := 0; i < 3; i++ {
		enqueue(t, db, writer, "user.created", json.RawMessage(`{}`))
		time.Sleep(3 * time.Millisecond)
	}

	processor := NewProcessor(dbCtx, registry) // default batch size 2

	summary, err := processor.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(summary, "processed 2/2"), "summary was %q", summary)

	summary, err = processor.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(summary, "processed 1/1"), "summary was %q", summary)

	summary, err = processor.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "no messages", summary)
}

func TestProcessQueueConcurrentProcessorsHandleEachMessageOnce(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	const total = 6

	var mu sync.Mutex
	handled := make(map[uuid.UUID]int)

	registry := NewRegistry()
	require.NoError(t, registry.DeclareEvent("user.created", nil))
	require.NoError(t, registry.Register(Consumer{
		Name: "welcome",
		On:   "user.created",
		Handler: func(ctx context.Context, d Delivery) (string, error) {
			mu.Lock()
			handled[d.EventID]++
			mu.Unlock()
			return "ok", nil
		},
	}))

	writer := NewWriter(dbCtx, registry)
	for i := 0; i < total; i++ {
		enqueue(t, db, writer, "user.created", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}

	processor := NewProcessor(dbCtx, registry, WithLeaseDuration(time.Minute))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				summary, err := processor.ProcessQueue(ctx)
				if err != nil || summary == "no messages" {
					return
				}
			}
		}()
	}
	wg.Wait()

	store := NewStore(dbCtx)
	archived, err := store.CountArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), archived)

	assert.Len(t, handled, total)
	for id, n := range handled {
		assert.Equalf(t, 1, n, "event %s handled %d times", id, n)
	}
}
