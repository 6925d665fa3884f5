package dispatchq

import "fmt"

// Schema returns the DDL statements for the outbox event table and the
// pending and archive relations of the context's queue, in execution order.
//
// Timestamps are stored as epoch milliseconds so that visibility comparisons
// use the application clock uniformly across dialects.
func (c *DBContext) Schema() []string {
	var uuidType, jsonType string
	switch c.dialect {
	case DialectPostgres:
		uuidType, jsonType = "UUID", "JSONB"
	case DialectMySQL, DialectMariaDB:
		uuidType, jsonType = "BINARY(16)", "JSON"
	default:
		uuidType, jsonType = "TEXT", "TEXT"
	}

	nameType := "TEXT"
	mysqlLike := c.dialect == DialectMySQL || c.dialect == DialectMariaDB
	if mysqlLike {
		nameType = "VARCHAR(255)"
	}

	pending := c.pendingTable()
	archive := c.archiveTable()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         %s NOT NULL PRIMARY KEY,
	name       %s NOT NULL,
	payload    %s NOT NULL,
	created_at BIGINT NOT NULL
)`, eventTableName, uuidType, nameType, jsonType),
	}

	if mysqlLike {
		// MySQL has no CREATE INDEX IF NOT EXISTS; declare indexes inline.
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	msg_id      %s NOT NULL PRIMARY KEY,
	enqueued_at BIGINT NOT NULL,
	visible_at  BIGINT NOT NULL,
	read_count  INTEGER NOT NULL,
	body        %s NOT NULL,
	INDEX idx_%s_visible (visible_at, enqueued_at)
)`, pending, uuidType, jsonType, pending),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	msg_id      %s NOT NULL PRIMARY KEY,
	enqueued_at BIGINT NOT NULL,
	archived_at BIGINT NOT NULL,
	read_count  INTEGER NOT NULL,
	body        %s NOT NULL,
	INDEX idx_%s_archived (archived_at)
)`, archive, uuidType, jsonType, archive),
		)
		return stmts
	}

	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	msg_id      %s NOT NULL PRIMARY KEY,
	enqueued_at BIGINT NOT NULL,
	visible_at  BIGINT NOT NULL,
	read_count  INTEGER NOT NULL,
	body        %s NOT NULL
)`, pending, uuidType, jsonType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_visible
	ON %s (visible_at, enqueued_at)`, pending, pending),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	msg_id      %s NOT NULL PRIMARY KEY,
	enqueued_at BIGINT NOT NULL,
	archived_at BIGINT NOT NULL,
	read_count  INTEGER NOT NULL,
	body        %s NOT NULL
)`, archive, uuidType, jsonType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_archived
	ON %s (archived_at)`, archive, archive),
	)
	return stmts
}
