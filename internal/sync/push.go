package sync

import (
	"chatsync/internal/models"
	"chatsync/internal/record"
)

// Columns the server owns or must never see. An updated row whose entire
// changed set falls inside its table's list has nothing to say and is
// dropped from the push.
var pushOmit = map[string][]string{
	models.TableUsers:    {"secret_key"},
	models.TableRooms:    {"shared_key", "is_archived", "last_read_at", "last_change_at", "last_message_id"},
	models.TableMessages: {"content"},
}

// transformPush filters and scrubs local changes into the outgoing payload.
// It returns the JSON-ready payload, the writes that mark pushed records
// synced once the server accepts them, and the tombstone ids to purge.
// Plaintext content and secret keys never leave the device.
func (e *Engine) transformPush(local record.Changes) (map[string]any, []*record.Write, map[string][]string, error) {
	payload := make(map[string]any)
	var marks []*record.Write
	deleted := make(map[string][]string)

	for _, schema := range models.Registry {
		table := schema.Table
		tc := local[table]

		var created, updated []map[string]any
		for _, row := range tc.Created {
			out, mark, err := e.preparePushRow(table, row, false)
			if err != nil {
				return nil, nil, nil, err
			}
			if out != nil {
				created = append(created, out)
				marks = append(marks, mark)
			}
		}
		for _, row := range tc.Updated {
			out, mark, err := e.preparePushRow(table, row, true)
			if err != nil {
				return nil, nil, nil, err
			}
			if out != nil {
				updated = append(updated, out)
				marks = append(marks, mark)
			}
		}

		entry := make(map[string]any)
		if len(created) > 0 {
			entry["created"] = created
		}
		if len(updated) > 0 {
			entry["updated"] = updated
		}
		if len(tc.Deleted) > 0 {
			entry["deleted"] = tc.Deleted
			deleted[table] = tc.Deleted
		}
		if len(entry) > 0 {
			payload[table] = entry
		}
	}
	return payload, marks, deleted, nil
}

// preparePushRow decides whether a dirty row is pushed at all and, if so,
// returns its scrubbed wire form plus the write that marks it synced.
// A nil row means the record stays local this cycle.
func (e *Engine) preparePushRow(table string, row models.Record, isUpdate bool) (map[string]any, *record.Write, error) {
	omit := pushOmit[table]

	switch table {
	case models.TableUsers:
		// Only the signed-in user's own profile is writable.
		if row.ID() != e.userID {
			return nil, nil, nil
		}
	case models.TableRooms, models.TableRoomMembers:
		if row.Bool("is_local_only") {
			return nil, nil, nil
		}
	case models.TableMessages:
		if row.String("user_id") != e.userID || row.String("cipher") == "" {
			return nil, nil, nil
		}
	}

	if isUpdate {
		// An updated row with an empty changed set has nothing to say, and
		// neither does one whose edits are all server-owned columns.
		changed := models.ParseColumnSet(row.String(models.ColChanged))
		if changed.SubsetOf(omit) {
			return nil, nil, nil
		}
	}

	mark := models.Record{
		models.ColStatus:  string(models.StatusSynced),
		models.ColChanged: "",
	}

	out := make(map[string]any, len(row))
	for col, val := range row {
		if col == models.ColStatus || col == models.ColChanged || val == nil {
			continue
		}
		// Empty leaves stay off the wire.
		if s, ok := val.(string); ok && s == "" {
			continue
		}
		out[col] = val
	}
	for _, col := range omit {
		delete(out, col)
	}

	if table == models.TableMessages && row.Float("sent_at") == 0 {
		now := e.now()
		out["sent_at"] = now
		mark["sent_at"] = now
	}

	write, err := e.store.PrepareUpsert(table, row.ID(), mark)
	if err != nil {
		return nil, nil, err
	}
	return out, write, nil
}
