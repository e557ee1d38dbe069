package record

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"chatsync/internal/models"
)

var ErrNotFound = errors.New("record not found")

// DB is the local table store. All multi-record writes go through Batch,
// which holds the single mutation lock: readers only ever observe committed
// batches. Every committed batch bumps the version of each touched table and
// notifies subscribers, which re-run their queries.
type DB struct {
	sql *sql.DB
	log *slog.Logger

	mu sync.Mutex // serializes all mutations

	obsMu     sync.Mutex
	versions  map[string]uint64
	observers []chan string
}

// Open opens (and if needed creates) the store at path. Use ":memory:" for
// tests.
func Open(path string, log *slog.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: sqlite allows a single writer anyway, and a ":memory:"
	// store would otherwise be a different database per pooled connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		sql:      sqlDB,
		log:      log.With("component", "record"),
		versions: make(map[string]uint64),
	}

	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) createTables() error {
	var b strings.Builder
	for _, schema := range models.Registry {
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY", schema.Table)
		for _, col := range schema.Columns {
			fmt.Fprintf(&b, ", %s %s", col.Name, sqlType(col.Type))
		}
		b.WriteString(", _status TEXT NOT NULL DEFAULT 'synced'")
		b.WriteString(", _changed TEXT NOT NULL DEFAULT '');\n")
	}
	_, err := db.sql.Exec(b.String())
	return err
}

func sqlType(t models.ColumnType) string {
	switch t {
	case models.ColNumber:
		return "REAL"
	case models.ColBool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// Get returns the record by id, excluding deleted tombstones.
func (db *DB) Get(table, id string) (models.Record, error) {
	recs, err := db.Find(table, Eq("id", id))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// First returns the first record matching the clauses, or ErrNotFound.
func (db *DB) First(table string, clauses ...Clause) (models.Record, error) {
	recs, err := db.Find(table, clauses...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Find returns all records matching the clauses. Deleted tombstones are
// never returned; they exist only to be pushed.
func (db *DB) Find(table string, clauses ...Clause) ([]models.Record, error) {
	schema, ok := models.SchemaOf(table)
	if !ok {
		return nil, fmt.Errorf("unknown table: %s", table)
	}

	where, args := buildWhere(clauses)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE _status != 'deleted'%s",
		columnList(schema), table, where)

	rows, err := db.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s failed: %w", table, err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(schema, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// lookup fetches a record by id, tombstones included. The pull merge needs
// to see tombstones so an inbound update cannot resurrect a queued deletion.
func (db *DB) lookup(table, id string) (models.Record, error) {
	schema, ok := models.SchemaOf(table)
	if !ok {
		return nil, fmt.Errorf("unknown table: %s", table)
	}

	rows, err := db.sql.Query(fmt.Sprintf("SELECT %s FROM %s WHERE id = ?",
		columnList(schema), table), id)
	if err != nil {
		return nil, fmt.Errorf("query %s failed: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRecord(schema, rows)
}

// DeletedIDs returns the ids of tombstoned records queued for push.
func (db *DB) DeletedIDs(table string) ([]string, error) {
	rows, err := db.sql.Query(fmt.Sprintf("SELECT id FROM %s WHERE _status = 'deleted'", table))
	if err != nil {
		return nil, fmt.Errorf("query %s tombstones failed: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func columnList(schema models.Schema) string {
	cols := make([]string, 0, len(schema.Columns)+3)
	cols = append(cols, "id")
	for _, c := range schema.Columns {
		cols = append(cols, c.Name)
	}
	cols = append(cols, "_status", "_changed")
	return strings.Join(cols, ", ")
}

func scanRecord(schema models.Schema, rows *sql.Rows) (models.Record, error) {
	dest := make([]any, 0, len(schema.Columns)+3)

	var id, status, changed string
	dest = append(dest, &id)

	strVals := make([]sql.NullString, len(schema.Columns))
	numVals := make([]sql.NullFloat64, len(schema.Columns))
	boolVals := make([]sql.NullInt64, len(schema.Columns))
	for i, col := range schema.Columns {
		switch col.Type {
		case models.ColNumber:
			dest = append(dest, &numVals[i])
		case models.ColBool:
			dest = append(dest, &boolVals[i])
		default:
			dest = append(dest, &strVals[i])
		}
	}
	dest = append(dest, &status, &changed)

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan %s failed: %w", schema.Table, err)
	}

	rec := models.Record{"id": id, models.ColStatus: status, models.ColChanged: changed}
	for i, col := range schema.Columns {
		switch col.Type {
		case models.ColNumber:
			if numVals[i].Valid {
				rec[col.Name] = numVals[i].Float64
			}
		case models.ColBool:
			if boolVals[i].Valid {
				rec[col.Name] = boolVals[i].Int64 != 0
			}
		default:
			if strVals[i].Valid {
				rec[col.Name] = strVals[i].String
			}
		}
	}
	return rec, nil
}

// Version returns the current version counter of a table. It advances once
// per committed batch that touched the table.
func (db *DB) Version(table string) uint64 {
	db.obsMu.Lock()
	defer db.obsMu.Unlock()
	return db.versions[table]
}

// Subscribe returns a channel receiving the name of each table whose version
// advanced. Slow subscribers miss notifications rather than blocking commits.
func (db *DB) Subscribe() <-chan string {
	ch := make(chan string, 64)
	db.obsMu.Lock()
	db.observers = append(db.observers, ch)
	db.obsMu.Unlock()
	return ch
}

func (db *DB) bumpVersions(tables map[string]struct{}) {
	db.obsMu.Lock()
	defer db.obsMu.Unlock()
	for table := range tables {
		db.versions[table]++
		for _, ch := range db.observers {
			select {
			case ch <- table:
			default:
			}
		}
	}
}
