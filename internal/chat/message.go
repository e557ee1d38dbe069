package chat

import (
	"fmt"

	"chatsync/internal/crypto"
	"chatsync/internal/models"
	"chatsync/internal/record"
)

// OutgoingMessage is a message the signed-in user is sending. ID is
// assigned when empty; Type defaults to a regular chat message.
type OutgoingMessage struct {
	ID          string
	Content     string
	Type        string
	Attachments []models.Record
}

// AddMessage stores and encrypts a new message in one batch. Plaintext
// stays in the content column, the cipher is what gets pushed. Sending
// also pins the room: it stops being local-only or archived and its
// last-change marker moves to this message.
func (s *Service) AddMessage(roomID string, out OutgoingMessage) (string, error) {
	room, err := s.store.Get(models.TableRooms, roomID)
	if err != nil {
		return "", fmt.Errorf("failed to add message: %w", err)
	}
	sender, err := s.store.Get(models.TableUsers, s.userID)
	if err != nil {
		return "", fmt.Errorf("failed to add message: %w", err)
	}
	joins, err := s.roomMembers(roomID)
	if err != nil {
		return "", err
	}

	id := out.ID
	if id == "" {
		id = s.nextID()
	}
	createdAt := s.now()
	msgType := out.Type
	if msgType == "" {
		msgType = models.MessageDefault
	}

	cipher, err := s.encryptOutgoing(room, joins, sender, out.Content)
	if err != nil {
		return "", fmt.Errorf("failed to add message: %w", err)
	}

	var writes []*record.Write
	msgWrite, err := s.store.PrepareUpsert(models.TableMessages, id, models.Record{
		"id":         id,
		"content":    out.Content,
		"cipher":     cipher,
		"type":       msgType,
		"created_at": createdAt,
		"user_id":    s.userID,
		"room_id":    roomID,
	})
	if err != nil {
		return "", err
	}
	writes = append(writes, msgWrite)

	for _, att := range out.Attachments {
		att = att.Clone()
		if att.ID() == "" {
			att["id"] = s.nextID()
		}
		att["user_id"] = s.userID
		att["room_id"] = roomID
		att["message_id"] = id
		w, err := s.store.PrepareUpsert(models.TableAttachments, att.ID(), att)
		if err != nil {
			return "", err
		}
		writes = append(writes, w)
	}

	for _, join := range joins {
		w, err := s.store.PrepareUpsert(models.TableRoomMembers, join.ID(), models.Record{
			"is_local_only": false,
		})
		if err != nil {
			return "", err
		}
		writes = append(writes, w)
	}

	roomWrite, err := s.store.PrepareUpsert(models.TableRooms, roomID, models.Record{
		"is_local_only":   false,
		"is_archived":     false,
		"last_change_at":  createdAt,
		"last_message_id": id,
	})
	if err != nil {
		return "", err
	}
	writes = append(writes, roomWrite)

	if err := s.store.Batch(writes...); err != nil {
		return "", err
	}
	return id, nil
}

// encryptOutgoing picks the key for the room: the shared key for named
// group rooms, the friend's public key for 1:1 chats.
func (s *Service) encryptOutgoing(room models.Record, joins []models.Record, sender models.Record, content string) (string, error) {
	if room.String("name") != "" {
		sharedKey := room.String("shared_key")
		if sharedKey == "" {
			return "", ErrNoSharedKey
		}
		return crypto.EncryptShared(content, sharedKey)
	}

	var friendID string
	for _, join := range joins {
		if id := join.String("user_id"); id != s.userID {
			friendID = id
			break
		}
	}
	if friendID == "" {
		return "", ErrFriendNotFound
	}
	friend, err := s.store.Get(models.TableUsers, friendID)
	if err != nil {
		return "", ErrFriendNotFound
	}
	if friend.String("public_key") == "" {
		return "", ErrNoPublicKey
	}
	return crypto.EncryptPair(content, friend.String("public_key"), sender.String("secret_key"))
}

// GenerateSharedKey creates a symmetric key for a group room, stores it on
// the room and queues one control message per member carrying the key
// sealed with that member's public key. It returns an empty key without
// error when any member's public key, or the sender's secret key, is still
// missing; the caller retries after the next sync.
func (s *Service) GenerateSharedKey(roomID string) (string, error) {
	joins, err := s.roomMembers(roomID)
	if err != nil {
		return "", err
	}
	memberIDs := make([]string, 0, len(joins))
	for _, join := range joins {
		memberIDs = append(memberIDs, join.String("user_id"))
	}
	members, err := s.store.Find(models.TableUsers, record.OneOf("id", memberIDs))
	if err != nil {
		return "", err
	}
	if len(members) < len(joins) {
		// A join row exists for a user that has not been pulled yet. That
		// member counts as keyless: a key fanned out without them would lock
		// them out of the room for good.
		s.log.Info("not all members are known yet", "room_id", roomID)
		return "", nil
	}

	var sender models.Record
	for _, member := range members {
		if member.String("public_key") == "" {
			s.log.Info("not all members have a public key yet", "room_id", roomID)
			return "", nil
		}
		if member.ID() == s.userID {
			sender = member
		}
	}
	if sender == nil || sender.String("secret_key") == "" {
		s.log.Info("sender does not have a secret key", "room_id", roomID)
		return "", nil
	}

	sharedKey, err := crypto.NewSharedKey()
	if err != nil {
		return "", err
	}

	var writes []*record.Write
	for _, member := range members {
		cipher, err := crypto.EncryptPair(sharedKey, member.String("public_key"), sender.String("secret_key"))
		if err != nil {
			return "", fmt.Errorf("failed to seal shared key for %s: %w", member.ID(), err)
		}
		id := s.nextID()
		w, err := s.store.PrepareUpsert(models.TableMessages, id, models.Record{
			"id":         id,
			"content":    member.ID() + " " + cipher,
			"type":       models.MessageSharedKey,
			"created_at": s.now(),
			"user_id":    s.userID,
			"room_id":    roomID,
		})
		if err != nil {
			return "", err
		}
		writes = append(writes, w)
	}

	roomWrite, err := s.store.PrepareUpsert(models.TableRooms, roomID, models.Record{
		"shared_key": sharedKey,
	})
	if err != nil {
		return "", err
	}
	writes = append(writes, roomWrite)

	if err := s.store.Batch(writes...); err != nil {
		return "", err
	}
	return sharedKey, nil
}
