// Command dispatchq is the operator tool for a dispatchq queue: it inspects
// pending and archived messages and initializes the backing schema.
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchq/dispatchq"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	flagDSN     string
	flagDialect string
	flagQueue   string

	flagLimit    int
	flagOffset   int
	flagMinReads int32
	flagJSON     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatchq",
		Short:         "Inspect and manage a dispatchq queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagDSN, "dsn", os.Getenv("DISPATCHQ_DSN"), "database connection string (env: DISPATCHQ_DSN)")
	root.PersistentFlags().StringVar(&flagDialect, "dialect", envOr("DISPATCHQ_DIALECT", "postgres"), "database dialect: postgres, mysql, mariadb or sqlite")
	root.PersistentFlags().StringVar(&flagQueue, "queue", envOr("DISPATCHQ_QUEUE", "events"), "queue name")

	root.AddCommand(newPeekCmd("peek-pending", "List pending messages, newest first", true))
	root.AddCommand(newPeekCmd("peek-archive", "List archived messages, newest first", false))
	root.AddCommand(newStatsCmd())
	root.AddCommand(newInitSchemaCmd())
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newPeekCmd(use, short string, pending bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			opts := dispatchq.PeekOptions{
				Limit:        flagLimit,
				Offset:       flagOffset,
				MinReadCount: flagMinReads,
			}

			var msgs []*dispatchq.Message
			if pending {
				msgs, err = store.PeekPending(cmd.Context(), opts)
			} else {
				msgs, err = store.PeekArchive(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}
			return printMessages(cmd, msgs)
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum number of messages to list")
	cmd.Flags().IntVar(&flagOffset, "offset", 0, "number of messages to skip")
	cmd.Flags().Int32Var(&flagMinReads, "min-reads", 0, "only messages claimed at least this many times")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "output raw message JSON")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pending and archive counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			pending, err := store.CountPending(cmd.Context())
			if err != nil {
				return err
			}
			archived, err := store.CountArchive(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Printf("queue:    %s\npending:  %d\narchived: %d\n", flagQueue, pending, archived)
			return nil
		},
	}
}

func newInitSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-schema",
		Short: "Create the outbox and queue tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbCtx, db, err := openDBContext()
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			for _, stmt := range dbCtx.Schema() {
				if _, err := db.ExecContext(cmd.Context(), stmt); err != nil {
					return fmt.Errorf("executing schema statement: %w", err)
				}
			}
			cmd.Printf("schema ready for queue %q\n", flagQueue)
			return nil
		},
	}
}

func openDBContext() (*dispatchq.DBContext, *sql.DB, error) {
	if flagDSN == "" {
		return nil, nil, fmt.Errorf("no DSN given: set --dsn or DISPATCHQ_DSN")
	}

	var driver string
	switch dispatchq.Dialect(flagDialect) {
	case dispatchq.DialectPostgres:
		driver = "postgres"
	case dispatchq.DialectMySQL, dispatchq.DialectMariaDB:
		driver = "mysql"
	case dispatchq.DialectSQLite:
		driver = "sqlite"
	default:
		return nil, nil, fmt.Errorf("unknown dialect %q", flagDialect)
	}

	db, err := sql.Open(driver, flagDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	dbCtx := dispatchq.NewDBContext(db, dispatchq.Dialect(flagDialect), dispatchq.WithQueueName(flagQueue))
	return dbCtx, db, nil
}

func openStore() (*dispatchq.Store, *sql.DB, error) {
	dbCtx, db, err := openDBContext()
	if err != nil {
		return nil, nil, err
	}
	return dispatchq.NewStore(dbCtx), db, nil
}

func printMessages(cmd *cobra.Command, msgs []*dispatchq.Message) error {
	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}

	if len(msgs) == 0 {
		cmd.Println("no messages")
		return nil
	}

	for _, msg := range msgs {
		line := fmt.Sprintf("%s  reads=%d  enqueued=%s", msg.ID, msg.ReadCount, msg.EnqueuedAt.Format(time.RFC3339))
		if !msg.ArchivedAt.IsZero() {
			line += fmt.Sprintf("  archived=%s", msg.ArchivedAt.Format(time.RFC3339))
		}

		env, err := msg.DecodeEnvelope()
		if err != nil {
			cmd.Printf("%s  <undecodable body: %v>\n", line, err)
			continue
		}

		line += fmt.Sprintf("  status=%s  event=%s  consumer=%s", env.Status, env.EventName, env.ConsumerName)
		if n := len(env.ProcessingResults); n > 0 {
			line += fmt.Sprintf("  last=%q", env.ProcessingResults[n-1])
		}
		cmd.Println(line)
	}
	return nil
}
