package chat

import (
	"chatsync/internal/models"
	"chatsync/internal/record"
)

// MarkMessageSeen upserts the signed-in user's receipt for a message,
// stamping seenAt now and receivedAt too when it was never set. Duplicate
// receipts for the same message, which a double-applied pull can leave
// behind, are destroyed along the way.
func (s *Service) MarkMessageSeen(roomID, messageID string) error {
	now := s.now()

	receipts, err := s.store.Find(models.TableReadReceipts,
		record.Eq("user_id", s.userID),
		record.Eq("message_id", messageID))
	if err != nil {
		return err
	}

	if len(receipts) == 0 {
		id := s.nextID()
		_, err := s.store.Upsert(models.TableReadReceipts, id, models.Record{
			"id":          id,
			"user_id":     s.userID,
			"message_id":  messageID,
			"room_id":     roomID,
			"received_at": now,
			"seen_at":     now,
		})
		return err
	}

	found := receipts[0]
	patch := models.Record{"seen_at": now}
	if found.Float("received_at") == 0 {
		patch["received_at"] = now
	}

	writes := make([]*record.Write, 0, len(receipts))
	w, err := s.store.PrepareUpsert(models.TableReadReceipts, found.ID(), patch)
	if err != nil {
		return err
	}
	writes = append(writes, w)
	for _, dup := range receipts[1:] {
		writes = append(writes, s.store.PrepareDestroy(models.TableReadReceipts, dup.ID()))
	}
	return s.store.Batch(writes...)
}

// SetReceiptsReceived stamps receivedAt on every receipt of the signed-in
// user that still lacks one, typically right after sign-in.
func (s *Service) SetReceiptsReceived() error {
	receipts, err := s.store.Find(models.TableReadReceipts, record.Eq("user_id", s.userID))
	if err != nil {
		return err
	}

	now := s.now()
	var writes []*record.Write
	for _, receipt := range receipts {
		if receipt.Float("received_at") != 0 {
			continue
		}
		w, err := s.store.PrepareUpsert(models.TableReadReceipts, receipt.ID(), models.Record{
			"received_at": now,
		})
		if err != nil {
			return err
		}
		writes = append(writes, w)
	}
	return s.store.Batch(writes...)
}
