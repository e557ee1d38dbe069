package sync

import (
	"errors"
	"fmt"

	"chatsync/internal/crypto"
	"chatsync/internal/models"
	"chatsync/internal/record"
)

// transformPull rewrites a pulled changeset in place before it is merged.
// Tables are handled in dependency order: users, room members, messages,
// read receipts. Messages decrypt against keys from the same changeset or
// from the local store, so a room and its first message can arrive together.
func (e *Engine) transformPull(changes record.Changes) error {
	e.stripOwnPublicKey(changes)
	if err := e.replaceRoomMemberships(changes); err != nil {
		return err
	}
	e.decryptMessages(changes)
	e.stampReceipts(changes)
	return nil
}

// stripOwnPublicKey drops the public key from the signed-in user's own row.
// The locally derived key stays authoritative; a server copy poisoned after
// a password change must not overwrite it.
func (e *Engine) stripOwnPublicKey(changes record.Changes) {
	tc := changes[models.TableUsers]
	for _, rows := range [][]models.Record{tc.Created, tc.Updated} {
		for _, row := range rows {
			if row.ID() == e.userID {
				delete(row, "public_key")
			}
		}
	}
}

// replaceRoomMemberships destroys every local join row of each room that
// appears in the pulled member rows. The incoming rows then merge into a
// clean slate, so members removed on the server disappear locally.
func (e *Engine) replaceRoomMemberships(changes record.Changes) error {
	tc := changes[models.TableRoomMembers]
	roomIDs := make(map[string]struct{})
	for _, rows := range [][]models.Record{tc.Created, tc.Updated} {
		for _, row := range rows {
			if id := row.String("room_id"); id != "" {
				roomIDs[id] = struct{}{}
			}
		}
	}
	if len(roomIDs) == 0 {
		return nil
	}

	var writes []*record.Write
	for roomID := range roomIDs {
		members, err := e.store.Find(models.TableRoomMembers, record.Eq("room_id", roomID))
		if err != nil {
			return fmt.Errorf("failed to load members of room %s: %w", roomID, err)
		}
		for _, m := range members {
			writes = append(writes, e.store.PrepareDestroy(models.TableRoomMembers, m.ID()))
		}
	}
	if len(writes) == 0 {
		return nil
	}
	return e.store.Batch(writes...)
}

// decryptMessages fills in the plaintext content of pulled messages and
// synthesizes a read receipt for every incoming message that has none yet.
// A message that fails to decrypt is kept with empty content; dropping it
// would break receipt accounting.
func (e *Engine) decryptMessages(changes record.Changes) {
	tc := changes[models.TableMessages]
	var synthesized []models.Record
	for _, rows := range [][]models.Record{tc.Created, tc.Updated} {
		for _, row := range rows {
			if row.String("user_id") == e.userID {
				continue
			}
			if cipher := row.String("cipher"); cipher != "" {
				content, err := e.decryptMessage(row, changes)
				if err != nil {
					e.log.Warn("failed to decrypt message", "message_id", row.ID(), "error", err)
				} else {
					row["content"] = content
				}
			}
			if receipt := e.synthesizeReceipt(row, changes); receipt != nil {
				synthesized = append(synthesized, receipt)
			}
		}
	}
	if len(synthesized) > 0 {
		rc := changes[models.TableReadReceipts]
		rc.Updated = append(rc.Updated, synthesized...)
		changes[models.TableReadReceipts] = rc
	}
}

func (e *Engine) decryptMessage(msg models.Record, changes record.Changes) (string, error) {
	room := e.resolveRecord(changes, models.TableRooms, msg.String("room_id"))

	// A named room is a group chat and carries a shared key; everything
	// else is pairwise with the sender.
	if room != nil && room.String("name") != "" {
		sharedKey := room.String("shared_key")
		if sharedKey == "" {
			return "", fmt.Errorf("no shared key for room %s", room.ID())
		}
		return crypto.DecryptShared(msg.String("cipher"), sharedKey)
	}

	sender := e.resolveRecord(changes, models.TableUsers, msg.String("user_id"))
	if sender == nil {
		return "", fmt.Errorf("unknown sender %s", msg.String("user_id"))
	}
	publicKey := sender.String("public_key")
	if publicKey == "" {
		return "", fmt.Errorf("no public key for sender %s", sender.ID())
	}

	self, err := e.store.Get(models.TableUsers, e.userID)
	if err != nil {
		return "", fmt.Errorf("failed to load own user: %w", err)
	}
	secretKey := self.String("secret_key")
	if secretKey == "" {
		return "", errors.New("own secret key not available")
	}
	return crypto.DecryptPair(msg.String("cipher"), publicKey, secretKey)
}

// synthesizeReceipt returns a fresh receipt for msg when neither the local
// store nor the changeset has one for the signed-in user.
func (e *Engine) synthesizeReceipt(msg models.Record, changes record.Changes) models.Record {
	rc := changes[models.TableReadReceipts]
	for _, rows := range [][]models.Record{rc.Created, rc.Updated} {
		for _, row := range rows {
			if row.String("user_id") == e.userID && row.String("message_id") == msg.ID() {
				return nil
			}
		}
	}

	_, err := e.store.First(models.TableReadReceipts,
		record.Eq("user_id", e.userID),
		record.Eq("message_id", msg.ID()))
	if err == nil {
		return nil
	}
	if !errors.Is(err, record.ErrNotFound) {
		e.log.Warn("failed to look up read receipt", "message_id", msg.ID(), "error", err)
		return nil
	}

	return models.Record{
		"id":         e.newID(),
		"user_id":    e.userID,
		"message_id": msg.ID(),
		"room_id":    msg.String("room_id"),
	}
}

// stampReceipts sets receivedAt on the signed-in user's receipts that lack
// one, including those synthesized a step earlier.
func (e *Engine) stampReceipts(changes record.Changes) {
	tc := changes[models.TableReadReceipts]
	for _, rows := range [][]models.Record{tc.Created, tc.Updated} {
		for _, row := range rows {
			if row.String("user_id") != e.userID {
				continue
			}
			if row.Float("received_at") == 0 {
				row["received_at"] = e.now()
			}
		}
	}
}

// resolveRecord looks a row up in the changeset first, then in the local
// store. Changeset rows win so newly pulled keys are usable immediately.
func (e *Engine) resolveRecord(changes record.Changes, table, id string) models.Record {
	if id == "" {
		return nil
	}
	tc := changes[table]
	for _, rows := range [][]models.Record{tc.Created, tc.Updated} {
		for _, row := range rows {
			if row.ID() == id {
				return row
			}
		}
	}
	local, err := e.store.Get(table, id)
	if err != nil {
		return nil
	}
	return local
}
