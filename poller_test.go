package dispatchq

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerProcessesEventually(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	registry := NewRegistry()
	require.NoError(t, registry.DeclareEvent("user.created", nil))
	require.NoError(t, registry.Register(Consumer{Name: "welcome", On: "user.created", Handler: noopHandler}))

	store := NewStore(dbCtx)
	_, err := store.Send(ctx, db, testEnvelope("welcome", "user.created"), 0)
	require.NoError(t, err)

	processor := NewProcessor(dbCtx, registry)
	poller := NewPoller(processor, WithInterval(10*time.Millisecond))
	poller.Start()
	defer func() {
		_ = poller.Stop(context.Background())
	}()

	require.Eventually(t, func() bool {
		n, err := store.CountArchive(ctx)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollerReportsErrors(t *testing.T) {
	// No schema applied: every processing pass fails.
	dsn := "file:" + filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	dbCtx := NewDBContext(db, DialectSQLite)
	processor := NewProcessor(dbCtx, NewRegistry())
	poller := NewPoller(processor, WithInterval(10*time.Millisecond), WithErrorChannelSize(4))
	poller.Start()

	select {
	case err := <-poller.Errors():
		var processErr *ProcessError
		require.ErrorAs(t, err, &processErr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a processing error")
	}

	require.NoError(t, poller.Stop(context.Background()))

	// Errors channel is closed on stop; drain until it reports closed.
	require.Eventually(t, func() bool {
		_, open := <-poller.Errors()
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestPollerStartIsIdempotent(t *testing.T) {
	dbCtx, _ := newTestDB(t)
	processor := NewProcessor(dbCtx, NewRegistry())
	poller := NewPoller(processor, WithInterval(10*time.Millisecond))

	poller.Start()
	poller.Start()

	require.NoError(t, poller.Stop(context.Background()))
}

func TestPollerStopIsIdempotent(t *testing.T) {
	dbCtx, _ := newTestDB(t)
	processor := NewProcessor(dbCtx, NewRegistry())
	poller := NewPoller(processor, WithInterval(10*time.Millisecond))
	poller.Start()

	require.NoError(t, poller.Stop(context.Background()))
	require.NoError(t, poller.Stop(context.Background()))
}

func TestPollerStopHonorsContext(t *testing.T) {
	dbCtx, db := newTestDB(t)
	ctx := context.Background()

	block := make(chan struct{})
	registry := NewRegistry()
	require.NoError(t, registry.DeclareEvent("user.created", nil))
	require.NoError(t, registry.Register(Consumer{
		Name: "slow",
		On:   "user.created",
		Handler: func(ctx context.Context, d Delivery) (string, error) {
			<-block
			return "ok", nil
		},
	}))

	store := NewStore(dbCtx)
	_, err := store.Send(ctx, db, testEnvelope("slow", "user.created"), 0)
	require.NoError(t, err)

	processor := NewProcessor(dbCtx, registry)
	poller := NewPoller(processor, WithInterval(10*time.Millisecond))
	poller.Start()

	// Wait until the pass has claimed the message and is stuck in the handler.
	require.Eventually(t, func() bool {
		msgs, err := store.PeekPending(ctx, PeekOptions{MinReadCount: 1})
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = poller.Stop(stopCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "Stop should give up when the pass outlives the context")

	close(block)

	// The errors channel closes when the poller goroutine exits; drain it so
	// the test does not tear the database down under an in-flight pass.
	require.Eventually(t, func() bool {
		_, open := <-poller.Errors()
		return !open
	}, 2*time.Second, 5*time.Millisecond)
}
