package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// ErrInvalidTable is returned for a table name that is not a plain identifier
var ErrInvalidTable = errors.New("invalid table name")

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DB stores weights in a table of (run_id, phrase, weight) rows
type DB struct {
	db     *sql.DB
	driver string
	table  string
}

// OpenDB opens a postgres or sqlite database and creates the table if needed
func OpenDB(ctx context.Context, driver, dsn, table string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s: %w", driver, err)
	}

	d, err := NewDB(db, driver, table)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := d.EnsureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// NewDB wraps an open database
func NewDB(db *sql.DB, driver, table string) (*DB, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return &DB{db: db, driver: driver, table: table}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// EnsureTable creates the weights table if it does not exist
func (d *DB) EnsureTable(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS ` + d.table + ` (
		run_id TEXT NOT NULL,
		phrase TEXT NOT NULL,
		weight BIGINT NOT NULL,
		PRIMARY KEY (run_id, phrase)
	)`
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating table %s: %w", d.table, err)
	}
	return nil
}

// InTx runs fn in a transaction, committing if it returns nil
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// bind rewrites ? placeholders for drivers that number them
func (d *DB) bind(query string) string {
	if d.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Runs lists the run IDs present in the table
func (d *DB) Runs(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM `+d.table+` ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning run id: %w", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// Weights returns a writer that replaces every row of runID on Commit
func (d *DB) Weights(runID string) *SQLWeights {
	return &SQLWeights{db: d, runID: runID}
}

// SQLWeights buffers a run's totals and writes them in one transaction
type SQLWeights struct {
	db      *DB
	runID   string
	pending []phraseweight.AggregatedPhrase
	done    bool
}

func (w *SQLWeights) WriteWeight(_ context.Context, ap phraseweight.AggregatedPhrase) error {
	if w.done {
		return fmt.Errorf("table %s: already committed or aborted", w.db.table)
	}
	w.pending = append(w.pending, ap)
	return nil
}

// Commit deletes any earlier rows of the run and inserts the buffered ones
func (w *SQLWeights) Commit(ctx context.Context) error {
	if w.done {
		return fmt.Errorf("table %s: already committed or aborted", w.db.table)
	}

	err := w.db.InTx(ctx, func(tx *sql.Tx) error {
		del := w.db.bind(`DELETE FROM ` + w.db.table + ` WHERE run_id = ?`)
		if _, err := tx.ExecContext(ctx, del, w.runID); err != nil {
			return fmt.Errorf("clearing run %s: %w", w.runID, err)
		}

		stmt, err := tx.PrepareContext(ctx, w.db.bind(`INSERT INTO `+w.db.table+` (run_id, phrase, weight) VALUES (?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, ap := range w.pending {
			if _, err := stmt.ExecContext(ctx, w.runID, ap.Phrase, ap.Weight); err != nil {
				return fmt.Errorf("inserting %q: %w", ap.Phrase, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit weights to %s: %w", w.db.table, err)
	}

	w.done = true
	w.pending = nil
	return nil
}

// Abort drops the buffered rows. It is a no-op after Commit.
func (w *SQLWeights) Abort(context.Context) error {
	w.done = true
	w.pending = nil
	return nil
}

// Snapshot returns a run's stored weights as a merge input
func (d *DB) Snapshot(runID string) *SQLSnapshot {
	return &SQLSnapshot{db: d, runID: runID}
}

// SQLSnapshot reads one run's rows back as aggregated phrases
type SQLSnapshot struct {
	db    *DB
	runID string
}

func (s *SQLSnapshot) Name() string {
	return s.db.driver + ":" + s.db.table + "/" + s.runID
}

func (s *SQLSnapshot) Read(ctx context.Context, emit func(phraseweight.AggregatedPhrase) error) error {
	query := s.db.bind(`SELECT phrase, weight FROM ` + s.db.table + ` WHERE run_id = ? ORDER BY phrase`)
	rows, err := s.db.db.QueryContext(ctx, query, s.runID)
	if err != nil {
		return fmt.Errorf("querying run %s: %w", s.runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ap phraseweight.AggregatedPhrase
		if err := rows.Scan(&ap.Phrase, &ap.Weight); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		if err := emit(ap); err != nil {
			return err
		}
	}
	return rows.Err()
}
