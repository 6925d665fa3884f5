package dispatchq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMessageNotPending is returned when an archive or re-lease targets a
// message that is not present in the pending relation.
var ErrMessageNotPending = errors.New("message not in pending relation")

// Store is the leased queue store: a durable message store with a pending
// relation (messages awaiting or undergoing processing) and an archive
// relation (terminally resolved messages).
//
// A pending message is leased to at most one reader at any instant. The lease
// is a visibility timestamp: a message is eligible for reading only when
// now >= visible_at, and claiming it atomically pushes visible_at forward.
type Store struct {
	dbCtx *DBContext
}

// NewStore creates a Store over the given database context.
func NewStore(dbCtx *DBContext) *Store {
	return &Store{dbCtx: dbCtx}
}

// Send inserts a new pending message that becomes visible after delay.
// It runs against the provided query executor so callers can enqueue within
// their own transaction.
func (s *Store) Send(ctx context.Context, q Queryer, env *Envelope, delay time.Duration) (uuid.UUID, error) {
	body, err := env.encode()
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	now := time.Now().UTC()

	// nolint:gosec
	query := fmt.Sprintf("INSERT INTO %s (msg_id, enqueued_at, visible_at, read_count, body) VALUES (%s, %s, %s, %s, %s)",
		s.dbCtx.pendingTable(),
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getSQLPlaceholder(3),
		s.dbCtx.getSQLPlaceholder(4),
		s.dbCtx.getSQLPlaceholder(5))
	_, err = q.ExecContext(ctx, query,
		s.dbCtx.formatUUIDForDB(id),
		now.UnixMilli(),
		now.Add(delay).UnixMilli(),
		0,
		string(body))
	if err != nil {
		return uuid.Nil, fmt.Errorf("sending message to queue %q: %w", s.dbCtx.queue, err)
	}
	return id, nil
}

// Read atomically claims up to maxCount messages whose visibility timestamp
// has passed, pushing each message's visible_at forward by lease and
// incrementing its read count. Concurrent readers never observe the same
// message while a lease is held.
func (s *Store) Read(ctx context.Context, lease time.Duration, maxCount int) ([]*Message, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	visibleAt := now.Add(lease)

	switch s.dbCtx.dialect {
	case DialectMySQL, DialectMariaDB:
		return s.readTwoStep(ctx, now, visibleAt, maxCount)
	default:
		return s.readSingleStatement(ctx, now, visibleAt, maxCount)
	}
}

// readSingleStatement claims messages with one UPDATE ... RETURNING.
// Postgres locks the candidate rows with FOR UPDATE SKIP LOCKED so concurrent
// readers skip each other's claims; SQLite serializes writers.
func (s *Store) readSingleStatement(ctx context.Context, now, visibleAt time.Time, maxCount int) ([]*Message, error) {
	locking := ""
	if s.dbCtx.dialect == DialectPostgres {
		locking = " FOR UPDATE SKIP LOCKED"
	}

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET visible_at = %s, read_count = read_count + 1
		WHERE msg_id IN (
			SELECT msg_id FROM %s
			WHERE visible_at <= %s
			ORDER BY enqueued_at, msg_id
			LIMIT %s%s
		)
		RETURNING msg_id, enqueued_at, visible_at, read_count, body`,
		s.dbCtx.pendingTable(),
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.pendingTable(),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getSQLPlaceholder(3),
		locking)

	rows, err := s.dbCtx.db.QueryContext(ctx, query, visibleAt.UnixMilli(), now.UnixMilli(), maxCount)
	if err != nil {
		return nil, fmt.Errorf("claiming messages from queue %q: %w", s.dbCtx.queue, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	msgs, err := scanPendingMessages(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified; restore claim order.
	sortByEnqueuedAt(msgs)
	return msgs, nil
}

// readTwoStep claims messages with SELECT ... FOR UPDATE SKIP LOCKED followed
// by an UPDATE inside one short transaction, for dialects without multi-row
// UPDATE ... RETURNING.
func (s *Store) readTwoStep(ctx context.Context, now, visibleAt time.Time, maxCount int) ([]*Message, error) {
	tx, err := s.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// nolint:gosec
	selectQuery := fmt.Sprintf(`SELECT msg_id, enqueued_at, visible_at, read_count, body FROM %s
		WHERE visible_at <= ?
		ORDER BY enqueued_at, msg_id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`, s.dbCtx.pendingTable())

	rows, err := tx.QueryContext(ctx, selectQuery, now.UnixMilli(), maxCount)
	if err != nil {
		return nil, fmt.Errorf("selecting claimable messages from queue %q: %w", s.dbCtx.queue, err)
	}
	msgs, err := scanPendingMessages(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	if len(msgs) == 0 {
		committed = tx.Commit() == nil
		return nil, nil
	}

	placeholders := make([]string, 0, len(msgs))
	args := make([]any, 0, len(msgs)+1)
	args = append(args, visibleAt.UnixMilli())
	for _, msg := range msgs {
		placeholders = append(placeholders, "?")
		args = append(args, s.dbCtx.formatUUIDForDB(msg.ID))
	}

	// nolint:gosec
	updateQuery := fmt.Sprintf("UPDATE %s SET visible_at = ?, read_count = read_count + 1 WHERE msg_id IN (%s)",
		s.dbCtx.pendingTable(), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, updateQuery, args...); err != nil {
		return nil, fmt.Errorf("leasing claimed messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim transaction: %w", err)
	}
	committed = true

	for _, msg := range msgs {
		msg.VisibleAt = visibleAt
		msg.ReadCount++
	}
	return msgs, nil
}

// ExtendVisibility re-leases a pending message for another attempt and
// persists the updated body (status and processing results trail). The read
// count is not touched; it was already incremented by Read.
func (s *Store) ExtendVisibility(ctx context.Context, msgID uuid.UUID, delay time.Duration, body []byte) error {
	visibleAt := time.Now().UTC().Add(delay)

	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET visible_at = %s, body = %s WHERE msg_id = %s",
		s.dbCtx.pendingTable(),
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getSQLPlaceholder(3))
	res, err := s.dbCtx.db.ExecContext(ctx, query, visibleAt.UnixMilli(), string(body), s.dbCtx.formatUUIDForDB(msgID))
	if err != nil {
		return fmt.Errorf("extending visibility of message %s: %w", msgID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extending visibility of message %s: %w", msgID, err)
	}
	if affected == 0 {
		return fmt.Errorf("extending visibility of message %s: %w", msgID, ErrMessageNotPending)
	}
	return nil
}

// Archive atomically moves a message from the pending relation to the archive
// relation, storing the provided body. Archiving is terminal and append-once:
// an archived message is never re-read by the processor.
//
// Returns ErrMessageNotPending if the message is not present in pending.
func (s *Store) Archive(ctx context.Context, msgID uuid.UUID, body []byte) (*Message, error) {
	tx, err := s.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning archive transaction: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	locking := " FOR UPDATE"
	if s.dbCtx.dialect == DialectSQLite {
		locking = ""
	}

	// nolint:gosec
	selectQuery := fmt.Sprintf("SELECT enqueued_at, read_count FROM %s WHERE msg_id = %s%s",
		s.dbCtx.pendingTable(), s.dbCtx.getSQLPlaceholder(1), locking)

	var enqueuedAtMs int64
	var readCount int32
	err = tx.QueryRowContext(ctx, selectQuery, s.dbCtx.formatUUIDForDB(msgID)).Scan(&enqueuedAtMs, &readCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archiving message %s: %w", msgID, ErrMessageNotPending)
	}
	if err != nil {
		return nil, fmt.Errorf("archiving message %s: %w", msgID, err)
	}

	// nolint:gosec
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE msg_id = %s",
		s.dbCtx.pendingTable(), s.dbCtx.getSQLPlaceholder(1))
	if _, err := tx.ExecContext(ctx, deleteQuery, s.dbCtx.formatUUIDForDB(msgID)); err != nil {
		return nil, fmt.Errorf("archiving message %s: %w", msgID, err)
	}

	archivedAt := time.Now().UTC()

	// nolint:gosec
	insertQuery := fmt.Sprintf("INSERT INTO %s (msg_id, enqueued_at, archived_at, read_count, body) VALUES (%s, %s, %s, %s, %s)",
		s.dbCtx.archiveTable(),
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getSQLPlaceholder(3),
		s.dbCtx.getSQLPlaceholder(4),
		s.dbCtx.getSQLPlaceholder(5))
	_, err = tx.ExecContext(ctx, insertQuery,
		s.dbCtx.formatUUIDForDB(msgID),
		enqueuedAtMs,
		archivedAt.UnixMilli(),
		readCount,
		string(body))
	if err != nil {
		return nil, fmt.Errorf("archiving message %s: %w", msgID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing archive of message %s: %w", msgID, err)
	}
	committed = true

	return &Message{
		ID:         msgID,
		EnqueuedAt: time.UnixMilli(enqueuedAtMs).UTC(),
		ArchivedAt: archivedAt,
		ReadCount:  readCount,
		Body:       body,
	}, nil
}

// PeekOptions parameterizes the read-only inspection queries.
type PeekOptions struct {
	// Limit caps the number of returned messages. Default is 50.
	Limit int

	// Offset skips that many messages for pagination.
	Offset int

	// MinReadCount filters to messages claimed at least that many times,
	// for finding messages that have already failed repeatedly.
	MinReadCount int32
}

func (o PeekOptions) limit() int {
	if o.Limit <= 0 {
		return 50
	}
	return o.Limit
}

// PeekPending returns pending messages ordered newest-first by enqueue time.
// Read-only; leases are not touched.
func (s *Store) PeekPending(ctx context.Context, opts PeekOptions) ([]*Message, error) {
	// nolint:gosec
	query := fmt.Sprintf(`SELECT msg_id, enqueued_at, visible_at, read_count, body FROM %s
		WHERE read_count >= %s
		ORDER BY enqueued_at DESC, msg_id DESC
		LIMIT %s OFFSET %s`,
		s.dbCtx.pendingTable(),
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getSQLPlaceholder(3))

	rows, err := s.dbCtx.db.QueryContext(ctx, query, opts.MinReadCount, opts.limit(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("peeking pending messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	return scanPendingMessages(rows)
}

// PeekArchive returns archived messages ordered newest-first by archive time.
func (s *Store) PeekArchive(ctx context.Context, opts PeekOptions) ([]*Message, error) {
	// nolint:gosec
	query := fmt.Sprintf(`SELECT msg_id, enqueued_at, archived_at, read_count, body FROM %s
		WHERE read_count >= %s
		ORDER BY archived_at DESC, msg_id DESC
		LIMIT %s OFFSET %s`,
		s.dbCtx.archiveTable(),
		s.dbCtx.getSQLPlaceholder(1),
		s.dbCtx.getSQLPlaceholder(2),
		s.dbCtx.getSQLPlaceholder(3))

	rows, err := s.dbCtx.db.QueryContext(ctx, query, opts.MinReadCount, opts.limit(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("peeking archived messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var msgs []*Message
	for rows.Next() {
		msg := &Message{}
		var enqueuedAtMs, archivedAtMs int64
		var body []byte
		if err := rows.Scan(&msg.ID, &enqueuedAtMs, &archivedAtMs, &msg.ReadCount, &body); err != nil {
			return nil, fmt.Errorf("scanning archived message: %w", err)
		}
		msg.EnqueuedAt = time.UnixMilli(enqueuedAtMs).UTC()
		msg.ArchivedAt = time.UnixMilli(archivedAtMs).UTC()
		msg.Body = body
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating archived messages: %w", err)
	}
	return msgs, nil
}

// CountPending returns the number of messages in the pending relation.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	return s.countTable(ctx, s.dbCtx.pendingTable())
}

// CountArchive returns the number of messages in the archive relation.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	return s.countTable(ctx, s.dbCtx.archiveTable())
}

func (s *Store) countTable(ctx context.Context, table string) (int64, error) {
	// nolint:gosec
	rows, err := s.dbCtx.db.QueryContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table))
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("counting %s: %w", table, err)
		}
	}
	return count, rows.Err()
}

func scanPendingMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		msg := &Message{}
		var enqueuedAtMs, visibleAtMs int64
		var body []byte
		if err := rows.Scan(&msg.ID, &enqueuedAtMs, &visibleAtMs, &msg.ReadCount, &body); err != nil {
			return nil, fmt.Errorf("scanning pending message: %w", err)
		}
		msg.EnqueuedAt = time.UnixMilli(enqueuedAtMs).UTC()
		msg.VisibleAt = time.UnixMilli(visibleAtMs).UTC()
		msg.Body = body
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending messages: %w", err)
	}
	return msgs, nil
}

func sortByEnqueuedAt(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].EnqueuedAt.Equal(msgs[j].EnqueuedAt) {
			return msgs[i].ID.String() < msgs[j].ID.String()
		}
		return msgs[i].EnqueuedAt.Before(msgs[j].EnqueuedAt)
	})
}
