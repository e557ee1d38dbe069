package chat

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chatsync/internal/models"
	"chatsync/internal/record"
)

var (
	ErrFriendNotFound = errors.New("friend not found")
	ErrNoPublicKey    = errors.New("public key not found")
	ErrNoSharedKey    = errors.New("shared key not found")
)

// Service owns the chat domain logic on top of the record store: room
// discovery and creation, message sending with encryption, shared-key
// fan-out and read receipts. All writes go through atomic batches.
type Service struct {
	store  *record.DB
	log    *slog.Logger
	userID string

	idMu  sync.Mutex
	newID func() string
	now   func() float64
}

func NewService(store *record.DB, userID string, log *slog.Logger) *Service {
	return &Service{
		store:  store,
		log:    log,
		userID: userID,
		newID:  uuid.NewString,
		now:    models.NowMillis,
	}
}

// nextID hands out record ids one at a time.
func (s *Service) nextID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.newID()
}

// FindRoom resolves a room by id or, for a nameless 1:1 chat, by its two
// members. It returns nil without error when no matching room exists.
func (s *Service) FindRoom(room models.Record, members []models.Record) (models.Record, error) {
	if id := room.ID(); id != "" {
		found, err := s.store.Get(models.TableRooms, id)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, record.ErrNotFound) {
			return nil, err
		}
	}

	// Different groups can have the same members, so only nameless 1:1
	// rooms are discoverable through their membership.
	if room.String("name") != "" {
		return nil, nil
	}
	if len(members) != 2 {
		return nil, nil
	}

	mix, err := s.store.Find(models.TableRoomMembers, record.Any(
		record.Eq("user_id", members[0].ID()),
		record.Eq("user_id", members[1].ID()),
	))
	if err != nil {
		return nil, err
	}
	roomID := roomIDInCommon(mix)
	if roomID == "" {
		return nil, nil
	}

	found, err := s.store.Get(models.TableRooms, roomID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	// Members share a group, but we want a private chat.
	if found.String("name") != "" {
		return nil, nil
	}
	return found, nil
}

// roomIDInCommon returns the room that appears in exactly two of the join
// rows, one for each member of a 1:1 chat.
func roomIDInCommon(members []models.Record) string {
	counts := make(map[string]int, len(members))
	for _, m := range members {
		roomID := m.String("room_id")
		counts[roomID]++
		if counts[roomID] == 2 {
			return roomID
		}
	}
	return ""
}

func (s *Service) roomMembers(roomID string) ([]models.Record, error) {
	return s.store.Find(models.TableRoomMembers, record.Eq("room_id", roomID))
}
