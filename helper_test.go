package dispatchq

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// newTestDB opens a temporary file-backed SQLite database with the queue
// schema applied. File-backed (not :memory:) so concurrent connections from
// the pool see the same database.
func newTestDB(t *testing.T) (*DBContext, *sql.DB) {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "queue.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	dbCtx := NewDBContext(db, DialectSQLite)
	for _, stmt := range dbCtx.Schema() {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err)
	}
	return dbCtx, db
}

func testEnvelope(consumer, event string) *Envelope {
	return &Envelope{
		ConsumerName:      consumer,
		EventName:         event,
		EventID:           uuid.New(),
		Payload:           json.RawMessage(`{"id":"42"}`),
		Context:           json.RawMessage("{}"),
		ProcessingResults: []string{},
		Status:            StatusPending,
		Environment:       "test",
	}
}
