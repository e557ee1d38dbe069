package chat

import (
	"fmt"

	"chatsync/internal/crypto"
	"chatsync/internal/models"
	"chatsync/internal/record"
)

// CreateRoomAndMembers upserts a room together with its members, messages
// and read receipts in one batch. The call is idempotent: a room that
// already exists, found by id or by 1:1 membership, is updated in place.
// When the incoming room carries an id different from the discovered local
// room, the stale join rows of the local room are destroyed so the merged
// membership starts clean.
func (s *Service) CreateRoomAndMembers(room models.Record, members, messages, receipts []models.Record) (models.Record, error) {
	room = room.Clone()

	memberIDs := make(map[string]struct{}, len(members))
	for i, member := range members {
		member = member.Clone()
		if member.ID() == "" {
			member["id"] = s.nextID()
		}
		memberIDs[member.ID()] = struct{}{}
		members[i] = member
	}

	var former []*record.Write

	found, err := s.FindRoom(room, members)
	if err != nil {
		return nil, err
	}
	if found != nil {
		if id := room.ID(); id != "" && id != found.ID() {
			joins, err := s.roomMembers(found.ID())
			if err != nil {
				return nil, err
			}
			for _, j := range joins {
				if _, keep := memberIDs[j.String("user_id")]; keep {
					continue
				}
				former = append(former, s.store.PrepareDestroy(models.TableRoomMembers, j.ID()))
			}
		}
		merged := found.Clone()
		delete(merged, models.ColStatus)
		delete(merged, models.ColChanged)
		for col, val := range room {
			merged[col] = val
		}
		merged["id"] = found.ID()
		room = merged
	} else {
		if room.ID() == "" {
			room["id"] = s.nextID()
		}
		room["last_change_at"] = s.now()
	}
	roomID := room.ID()

	var writes []*record.Write
	for _, member := range members {
		join, err := s.store.PrepareUpsert(models.TableRoomMembers,
			models.RoomMemberID(roomID, member.ID()),
			models.Record{
				"id":            models.RoomMemberID(roomID, member.ID()),
				"room_id":       roomID,
				"user_id":       member.ID(),
				"is_local_only": room.Bool("is_local_only"),
			})
		if err != nil {
			return nil, err
		}
		user, err := s.store.PrepareUpsert(models.TableUsers, member.ID(), member)
		if err != nil {
			return nil, err
		}
		writes = append(writes, join, user)
	}

	if len(messages) > 0 {
		if _, ok := room["last_change_at"]; !ok {
			room["last_change_at"] = float64(-1)
		}
		prepared, err := s.prepareIncomingMessages(room, members, messages)
		if err != nil {
			return nil, err
		}
		writes = append(writes, prepared...)
	}

	for _, receipt := range receipts {
		receipt = receipt.Clone()
		if receipt.ID() == "" {
			receipt["id"] = s.nextID()
		}
		w, err := s.store.PrepareUpsert(models.TableReadReceipts, receipt.ID(), receipt)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}

	roomWrite, err := s.store.PrepareUpsert(models.TableRooms, roomID, room)
	if err != nil {
		return nil, err
	}
	writes = append(writes, roomWrite)
	writes = append(writes, former...)

	if err := s.store.Batch(writes...); err != nil {
		return nil, err
	}
	return s.store.Get(models.TableRooms, roomID)
}

// prepareIncomingMessages assigns ids, decrypts ciphered messages against
// the room or sender keys and advances the room's last-change marker past
// every regular message. Shared-key control messages never move it.
func (s *Service) prepareIncomingMessages(room models.Record, members, messages []models.Record) ([]*record.Write, error) {
	var writes []*record.Write
	for _, msg := range messages {
		msg = msg.Clone()
		if msg.ID() == "" {
			msg["id"] = s.nextID()
		}
		if cipher := msg.String("cipher"); cipher != "" {
			content, err := s.decryptIncoming(room, members, msg)
			if err != nil {
				s.log.Warn("failed to decrypt message", "message_id", msg.ID(), "error", err)
			} else {
				msg["content"] = content
			}
		}
		if msg.Float("created_at") > room.Float("last_change_at") && msg.String("type") != models.MessageSharedKey {
			room["last_change_at"] = msg.Float("created_at")
			room["last_message_id"] = msg.ID()
		}
		msg["room_id"] = room.ID()

		w, err := s.store.PrepareUpsert(models.TableMessages, msg.ID(), msg)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

func (s *Service) decryptIncoming(room models.Record, members []models.Record, msg models.Record) (string, error) {
	if room.String("name") != "" && room.String("shared_key") != "" {
		return crypto.DecryptShared(msg.String("cipher"), room.String("shared_key"))
	}

	var sender models.Record
	for _, m := range members {
		if m.ID() == msg.String("user_id") {
			sender = m
			break
		}
	}
	if sender == nil || sender.String("public_key") == "" {
		return "", fmt.Errorf("no public key for sender %s", msg.String("user_id"))
	}

	self, err := s.store.Get(models.TableUsers, s.userID)
	if err != nil {
		return "", fmt.Errorf("failed to load own user: %w", err)
	}
	return crypto.DecryptPair(msg.String("cipher"), sender.String("public_key"), self.String("secret_key"))
}

// RemoveRoomsCascade destroys rooms with their messages and join rows.
// Friend users are destroyed too when the removed room was their last
// shared non-local room; the signed-in user always survives.
func (s *Service) RemoveRoomsCascade(roomIDs []string) error {
	rooms, err := s.store.Find(models.TableRooms, record.OneOf("id", roomIDs))
	if err != nil {
		return err
	}

	removed := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		removed[room.ID()] = true
	}

	var writes []*record.Write
	pendingUsers := make(map[string]bool)
	for _, room := range rooms {
		writes = append(writes, s.store.PrepareDestroy(models.TableRooms, room.ID()))

		messages, err := s.store.Find(models.TableMessages, record.Eq("room_id", room.ID()))
		if err != nil {
			return err
		}
		for _, msg := range messages {
			writes = append(writes, s.store.PrepareDestroy(models.TableMessages, msg.ID()))
		}

		joins, err := s.roomMembers(room.ID())
		if err != nil {
			return err
		}
		for _, join := range joins {
			writes = append(writes, s.store.PrepareDestroy(models.TableRoomMembers, join.ID()))

			userID := join.String("user_id")
			if userID == s.userID || pendingUsers[userID] {
				continue
			}
			w, err := s.removeUserIfNoRooms(userID, removed)
			if err != nil {
				return err
			}
			if w != nil {
				pendingUsers[userID] = true
				writes = append(writes, w)
			}
		}
	}
	return s.store.Batch(writes...)
}

// removeUserIfNoRooms prepares a user's destruction once no non-local room
// outside the removed set references them. Counting against the whole
// removed set covers a friend shared across several rooms going in one call.
func (s *Service) removeUserIfNoRooms(userID string, removed map[string]bool) (*record.Write, error) {
	joins, err := s.store.Find(models.TableRoomMembers,
		record.Eq("user_id", userID),
		record.Eq("is_local_only", false))
	if err != nil {
		return nil, err
	}
	for _, join := range joins {
		if !removed[join.String("room_id")] {
			return nil, nil
		}
	}
	return s.store.PrepareDestroy(models.TableUsers, userID), nil
}

// UpdateRooms applies the same patch to every listed room.
func (s *Service) UpdateRooms(roomIDs []string, patch models.Record) error {
	rooms, err := s.store.Find(models.TableRooms, record.OneOf("id", roomIDs))
	if err != nil {
		return err
	}
	var writes []*record.Write
	for _, room := range rooms {
		w, err := s.store.PrepareUpsert(models.TableRooms, room.ID(), patch)
		if err != nil {
			return err
		}
		writes = append(writes, w)
	}
	return s.store.Batch(writes...)
}
