package record

import (
	"fmt"
	"sort"
	"strings"

	"chatsync/internal/models"
)

type WriteOp int

const (
	OpNoop WriteOp = iota
	OpCreate
	OpUpdate
	OpDestroy
)

// Write is one pending mutation. Prepared writes carry everything needed to
// commit, so a Batch is a pure apply: all-or-nothing, no reads inside the
// transaction.
type Write struct {
	Table  string
	Op     WriteOp
	ID     string
	Values models.Record
}

// Upsert finds the record by id and applies the patch, or creates it fresh
// with status created. The whole operation holds the mutation lock.
func (db *DB) Upsert(table, id string, patch models.Record) (models.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	w, err := db.prepareUpsertByID(table, id, patch)
	if err != nil {
		return nil, err
	}
	if err := db.commit(w); err != nil {
		return nil, err
	}
	return db.Get(table, w.ID)
}

// UpsertWhere is Upsert keyed by the first record matching the clauses
// instead of an id.
func (db *DB) UpsertWhere(table string, clauses []Clause, patch models.Record) (models.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	w, err := db.prepareUpsertWhere(table, clauses, patch)
	if err != nil {
		return nil, err
	}
	if err := db.commit(w); err != nil {
		return nil, err
	}
	return db.Get(table, w.ID)
}

// PrepareUpsert computes the pending write without committing it, for
// batching several mutations into one atomic action. The caller must ensure
// the record is not concurrently mutated between prepare and Batch.
func (db *DB) PrepareUpsert(table, id string, patch models.Record) (*Write, error) {
	return db.prepareUpsertByID(table, id, patch)
}

// PrepareUpsertWhere is PrepareUpsert keyed by a query instead of an id.
func (db *DB) PrepareUpsertWhere(table string, clauses []Clause, patch models.Record) (*Write, error) {
	return db.prepareUpsertWhere(table, clauses, patch)
}

// PrepareDelete tombstones a record: terminal state, queued for push.
func (db *DB) PrepareDelete(table, id string) *Write {
	return &Write{
		Table: table,
		Op:    OpUpdate,
		ID:    id,
		Values: models.Record{
			models.ColStatus:  string(models.StatusDeleted),
			models.ColChanged: "",
		},
	}
}

// PrepareDestroy removes a record permanently, bypassing the tombstone.
func (db *DB) PrepareDestroy(table, id string) *Write {
	return &Write{Table: table, Op: OpDestroy, ID: id}
}

// Delete tombstones immediately.
func (db *DB) Delete(table, id string) error {
	return db.Batch(db.PrepareDelete(table, id))
}

// Batch commits the writes in one transaction. Nil and noop writes are
// allowed and skipped, so callers can append conditional writes freely.
func (db *DB) Batch(writes ...*Write) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commit(writes...)
}

func (db *DB) prepareUpsertByID(table, id string, patch models.Record) (*Write, error) {
	var existing models.Record
	if id != "" {
		found, err := db.Get(table, id)
		if err == nil {
			existing = found
		} else if err != ErrNotFound {
			return nil, err
		}
	}
	return db.prepareWrite(table, existing, patch)
}

func (db *DB) prepareUpsertWhere(table string, clauses []Clause, patch models.Record) (*Write, error) {
	found, err := db.First(table, clauses...)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	return db.prepareWrite(table, found, patch)
}

func (db *DB) prepareWrite(table string, existing, patch models.Record) (*Write, error) {
	schema, ok := models.SchemaOf(table)
	if !ok {
		return nil, fmt.Errorf("unknown table: %s", table)
	}
	for col := range patch {
		if col == "id" || col == models.ColStatus || col == models.ColChanged {
			continue
		}
		if _, ok := schema.Column(col); !ok {
			return nil, fmt.Errorf("unknown column %s.%s", table, col)
		}
	}

	if existing == nil {
		id := patch.ID()
		if id == "" {
			return nil, fmt.Errorf("create on %s requires an id", table)
		}
		values := patch.Clone()
		if _, ok := values[models.ColStatus]; !ok {
			values[models.ColStatus] = string(models.StatusCreated)
		}
		if _, ok := values[models.ColChanged]; !ok {
			values[models.ColChanged] = ""
		}
		return &Write{Table: table, Op: OpCreate, ID: id, Values: values}, nil
	}

	values := models.Record{}
	changedCols := models.NewColumnSet()
	for col, val := range patch {
		if col == "id" || col == models.ColStatus || col == models.ColChanged {
			continue
		}
		if existing[col] != val {
			values[col] = val
			changedCols.Add(col)
		}
	}

	status := models.Status(existing.String(models.ColStatus))
	changed := models.ParseColumnSet(existing.String(models.ColChanged))

	if s, ok := patch[models.ColStatus]; ok {
		// Explicit override, used by the sync engine to mark records
		// synced; skips dirty tracking entirely.
		values[models.ColStatus] = s
		if c, ok := patch[models.ColChanged]; ok {
			values[models.ColChanged] = c
		}
	} else if len(changedCols) > 0 {
		switch status {
		case models.StatusSynced:
			values[models.ColStatus] = string(models.StatusUpdated)
			values[models.ColChanged] = changedCols.Join()
		case models.StatusUpdated:
			for c := range changedCols {
				changed.Add(c)
			}
			values[models.ColChanged] = changed.Join()
		}
		// created records keep an empty changed set: they push whole.
	}

	if len(values) == 0 {
		return &Write{Table: table, Op: OpNoop, ID: existing.ID()}, nil
	}
	return &Write{Table: table, Op: OpUpdate, ID: existing.ID(), Values: values}, nil
}

func (db *DB) commit(writes ...*Write) error {
	tx, err := db.sql.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}

	touched := make(map[string]struct{})
	for _, w := range writes {
		if w == nil || w.Op == OpNoop {
			continue
		}
		touched[w.Table] = struct{}{}

		switch w.Op {
		case OpCreate:
			query, args := insertSQL(w)
			_, err = tx.Exec(query, args...)
		case OpUpdate:
			query, args := updateSQL(w)
			_, err = tx.Exec(query, args...)
		case OpDestroy:
			_, err = tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", w.Table), w.ID)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("batch write on %s failed: %w", w.Table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	db.bumpVersions(touched)
	return nil
}

func insertSQL(w *Write) (string, []any) {
	cols := []string{"id"}
	args := []any{w.ID}
	for _, col := range sortedColumns(w.Values) {
		if col == "id" {
			continue
		}
		cols = append(cols, col)
		args = append(args, bindValue(w.Values[col]))
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (?%s)",
		w.Table, strings.Join(cols, ", "), strings.Repeat(", ?", len(cols)-1))
	return query, args
}

func updateSQL(w *Write) (string, []any) {
	var sets []string
	var args []any
	for _, col := range sortedColumns(w.Values) {
		sets = append(sets, col+" = ?")
		args = append(args, bindValue(w.Values[col]))
	}
	args = append(args, w.ID)
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", w.Table, strings.Join(sets, ", ")), args
}

func sortedColumns(values models.Record) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
