package record

import (
	"fmt"

	"chatsync/internal/models"
)

// TableChanges is one table's slice of a changeset: per-entity partial
// records plus deleted ids.
type TableChanges struct {
	Created []models.Record `json:"created"`
	Updated []models.Record `json:"updated"`
	Deleted []string        `json:"deleted"`
}

func (tc TableChanges) Empty() bool {
	return len(tc.Created) == 0 && len(tc.Updated) == 0 && len(tc.Deleted) == 0
}

// Changes is a full changeset keyed by table name, the unit both directions
// of the sync protocol speak.
type Changes map[string]TableChanges

func (c Changes) Empty() bool {
	for _, tc := range c {
		if !tc.Empty() {
			return false
		}
	}
	return true
}

// ApplyChanges merges a pulled changeset into the store in one atomic batch,
// table by table in registry order. Incoming rows win except for columns the
// local record has dirty: a record in updated state keeps its locally
// changed columns, so an unpushed edit survives a concurrent pull, and a
// tombstoned record ignores the update entirely.
func (db *DB) ApplyChanges(changes Changes) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var writes []*Write
	for _, schema := range models.Registry {
		tc, ok := changes[schema.Table]
		if !ok {
			continue
		}
		for _, rec := range append(append([]models.Record{}, tc.Created...), tc.Updated...) {
			w, err := db.prepareMerge(schema.Table, rec)
			if err != nil {
				return fmt.Errorf("merge %s failed: %w", schema.Table, err)
			}
			if w != nil {
				writes = append(writes, w)
			}
		}
		for _, id := range tc.Deleted {
			writes = append(writes, db.PrepareDestroy(schema.Table, id))
		}
	}
	return db.commit(writes...)
}

func (db *DB) prepareMerge(table string, incoming models.Record) (*Write, error) {
	id := incoming.ID()
	if id == "" {
		return nil, fmt.Errorf("incoming %s record without id", table)
	}

	patch := incoming.Clone()
	delete(patch, models.ColStatus)
	delete(patch, models.ColChanged)

	existing, err := db.lookup(table, id)
	if err == ErrNotFound {
		patch[models.ColStatus] = string(models.StatusSynced)
		patch[models.ColChanged] = ""
		return db.prepareWrite(table, nil, patch)
	}
	if err != nil {
		return nil, err
	}

	switch models.Status(existing.String(models.ColStatus)) {
	case models.StatusDeleted:
		// The local deletion wins. The tombstone stays queued for push.
		return nil, nil
	case models.StatusUpdated:
		changed := models.ParseColumnSet(existing.String(models.ColChanged))
		for col := range patch {
			if changed.Has(col) {
				delete(patch, col)
			}
		}
		// Status stays updated and the changed set is untouched: the
		// local edit still needs pushing, the merged remote columns
		// do not.
		patch[models.ColStatus] = existing[models.ColStatus]
		patch[models.ColChanged] = existing[models.ColChanged]
		return db.prepareWrite(table, existing, patch)
	}

	patch[models.ColStatus] = string(models.StatusSynced)
	patch[models.ColChanged] = ""
	return db.prepareWrite(table, existing, patch)
}

// LocalChanges collects every dirty record into a pushable changeset:
// created and updated rows as full records (bookkeeping columns included,
// the push transform strips them), tombstones as deleted ids.
func (db *DB) LocalChanges() (Changes, error) {
	changes := make(Changes, len(models.Registry))
	for _, schema := range models.Registry {
		var tc TableChanges

		created, err := db.Find(schema.Table, Eq(models.ColStatus, string(models.StatusCreated)))
		if err != nil {
			return nil, err
		}
		tc.Created = created

		updated, err := db.Find(schema.Table, Eq(models.ColStatus, string(models.StatusUpdated)))
		if err != nil {
			return nil, err
		}
		tc.Updated = updated

		deleted, err := db.DeletedIDs(schema.Table)
		if err != nil {
			return nil, err
		}
		tc.Deleted = deleted

		changes[schema.Table] = tc
	}
	return changes, nil
}

// PurgeDeleted permanently removes tombstones after a successful push.
func (db *DB) PurgeDeleted(ids map[string][]string) error {
	var writes []*Write
	for table, tableIDs := range ids {
		for _, id := range tableIDs {
			writes = append(writes, db.PrepareDestroy(table, id))
		}
	}
	return db.Batch(writes...)
}
