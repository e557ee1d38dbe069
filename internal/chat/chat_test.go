package chat

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"chatsync/internal/crypto"
	"chatsync/internal/models"
	"chatsync/internal/record"
)

func newTestService(t *testing.T) (*Service, *record.DB) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := record.Open(":memory:", log)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, "me", log)
	var ids int
	svc.newID = func() string {
		ids++
		return fmt.Sprintf("gen-%d", ids)
	}
	svc.now = func() float64 { return 1000 }
	return svc, store
}

func seedUser(t *testing.T, store *record.DB, rec models.Record) {
	t.Helper()
	if err := store.ApplyChanges(record.Changes{models.TableUsers: {Created: []models.Record{rec}}}); err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
}

func seedKeyedUsers(t *testing.T, store *record.DB) (mySecret, myPublic, friendSecret, friendPublic string) {
	t.Helper()
	mySecret, myPublic, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	friendSecret, friendPublic, _ = crypto.GenerateKeyPair()

	seedUser(t, store, models.Record{"id": "me", "secret_key": mySecret, "public_key": myPublic})
	seedUser(t, store, models.Record{"id": "friend", "public_key": friendPublic})
	return
}

func TestCreateRoomAndMembersIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)

	members := []models.Record{{"id": "me"}, {"id": "friend"}}

	room1, err := svc.CreateRoomAndMembers(models.Record{"is_local_only": true}, members, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	if room1.ID() == "" {
		t.Fatal("Expected the room to get an id")
	}

	// Same two members again, no id: must resolve to the same 1:1 room.
	room2, err := svc.CreateRoomAndMembers(models.Record{}, members, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	if room2.ID() != room1.ID() {
		t.Errorf("Expected the existing room %q, got %q", room1.ID(), room2.ID())
	}

	rooms, err := store.Find(models.TableRooms)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(rooms) != 1 {
		t.Errorf("Expected a single room, got %d", len(rooms))
	}

	joins, err := store.Find(models.TableRoomMembers, record.Eq("room_id", room1.ID()))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(joins) != 2 {
		t.Errorf("Expected two join rows, got %d", len(joins))
	}
}

func TestCreateRoomReplacesStaleJoinRowsOnNewID(t *testing.T) {
	svc, store := newTestService(t)

	members := []models.Record{{"id": "me"}, {"id": "friend"}}
	local, err := svc.CreateRoomAndMembers(models.Record{"is_local_only": true}, members, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	// The server knows the same 1:1 chat under its own id.
	merged, err := svc.CreateRoomAndMembers(models.Record{"id": "server-id", "is_local_only": false}, members, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	if merged.ID() != local.ID() {
		t.Errorf("Expected the local room to keep its identity, got %q", merged.ID())
	}
	if merged.Bool("is_local_only") {
		t.Error("Expected the merged room to take the incoming values")
	}

	joins, err := store.Find(models.TableRoomMembers, record.Eq("room_id", local.ID()))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(joins) != 2 {
		t.Errorf("Expected the join rows rebuilt, got %d", len(joins))
	}
}

func TestGroupRoomsWithSameMembersStayDistinct(t *testing.T) {
	svc, store := newTestService(t)

	members := []models.Record{{"id": "me"}, {"id": "friend"}}
	if _, err := svc.CreateRoomAndMembers(models.Record{"name": "Group A"}, members, nil, nil); err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	if _, err := svc.CreateRoomAndMembers(models.Record{"name": "Group B"}, members, nil, nil); err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	rooms, err := store.Find(models.TableRooms)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("Two named groups must never collapse into one, got %d", len(rooms))
	}
}

func TestCreateRoomAdvancesLastChange(t *testing.T) {
	svc, store := newTestService(t)

	_, myPublic, friendSecret, friendPublic := seedKeyedUsers(t, store)

	cipher, err := crypto.EncryptPair("hello", myPublic, friendSecret)
	if err != nil {
		t.Fatalf("EncryptPair failed: %v", err)
	}

	members := []models.Record{{"id": "me"}, {"id": "friend", "public_key": friendPublic}}
	messages := []models.Record{
		{"id": "m1", "user_id": "friend", "cipher": cipher, "type": models.MessageDefault, "created_at": float64(1500)},
		{"id": "m2", "user_id": "friend", "type": models.MessageSharedKey, "created_at": float64(1900)},
	}

	room, err := svc.CreateRoomAndMembers(models.Record{}, members, messages, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	if got := room.String("last_message_id"); got != "m1" {
		t.Errorf("Shared-key messages must not become the last message, got %q", got)
	}
	if got := room.Float("last_change_at"); got != 1500 {
		t.Errorf("Expected lastChangeAt 1500, got %v", got)
	}

	msg, err := store.Get(models.TableMessages, "m1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := msg.String("content"); got != "hello" {
		t.Errorf("Expected incoming message decrypted, got %q", got)
	}
}

func TestAddMessagePairwise(t *testing.T) {
	svc, store := newTestService(t)
	_, _, friendSecret, _ := seedKeyedUsers(t, store)

	room, err := svc.CreateRoomAndMembers(models.Record{"is_local_only": true},
		[]models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	id, err := svc.AddMessage(room.ID(), OutgoingMessage{Content: "hi friend"})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	msg, err := store.Get(models.TableMessages, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := msg.String("content"); got != "hi friend" {
		t.Errorf("Expected plaintext kept locally, got %q", got)
	}

	me, _ := store.Get(models.TableUsers, "me")
	content, err := crypto.DecryptPair(msg.String("cipher"), me.String("public_key"), friendSecret)
	if err != nil {
		t.Fatalf("Friend failed to decrypt: %v", err)
	}
	if content != "hi friend" {
		t.Errorf("Expected cipher to decrypt for the friend, got %q", content)
	}

	after, _ := store.Get(models.TableRooms, room.ID())
	if after.Bool("is_local_only") {
		t.Error("Sending a message must pin the room")
	}
	if after.Bool("is_archived") {
		t.Error("Sending a message must unarchive the room")
	}
	if got := after.String("last_message_id"); got != id {
		t.Errorf("Expected lastMessage %q, got %q", id, got)
	}
	if got := after.Float("last_change_at"); got != 1000 {
		t.Errorf("Expected lastChangeAt advanced, got %v", got)
	}

	joins, _ := store.Find(models.TableRoomMembers, record.Eq("room_id", room.ID()))
	for _, join := range joins {
		if join.Bool("is_local_only") {
			t.Errorf("Join row %s must be pinned too", join.ID())
		}
	}
}

func TestAddMessageSharedRoom(t *testing.T) {
	svc, store := newTestService(t)
	seedKeyedUsers(t, store)

	sharedKey, _ := crypto.NewSharedKey()
	room, err := svc.CreateRoomAndMembers(models.Record{"name": "Group", "shared_key": sharedKey},
		[]models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	id, err := svc.AddMessage(room.ID(), OutgoingMessage{Content: "hi group"})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	msg, _ := store.Get(models.TableMessages, id)
	content, err := crypto.DecryptShared(msg.String("cipher"), sharedKey)
	if err != nil {
		t.Fatalf("DecryptShared failed: %v", err)
	}
	if content != "hi group" {
		t.Errorf("Expected shared cipher, got %q", content)
	}
}

func TestAddMessageAttachments(t *testing.T) {
	svc, store := newTestService(t)
	seedKeyedUsers(t, store)

	room, err := svc.CreateRoomAndMembers(models.Record{},
		[]models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	id, err := svc.AddMessage(room.ID(), OutgoingMessage{
		Content: "look at this",
		Attachments: []models.Record{
			{"uri": "file:///tmp/pic.jpg", "type": models.AttachmentImage, "width": float64(640), "height": float64(480)},
		},
	})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	atts, err := store.Find(models.TableAttachments, record.Eq("message_id", id))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(atts) != 1 {
		t.Fatalf("Expected one attachment, got %d", len(atts))
	}
	if got := atts[0].String("room_id"); got != room.ID() {
		t.Errorf("Expected attachment bound to the room, got %q", got)
	}
	if got := atts[0].String("user_id"); got != "me" {
		t.Errorf("Expected attachment bound to the sender, got %q", got)
	}
}

func TestAddMessageErrors(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, models.Record{"id": "me", "secret_key": "s", "public_key": "p"})

	// 1:1 room with nobody else in it.
	lonely, err := svc.CreateRoomAndMembers(models.Record{}, []models.Record{{"id": "me"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	if _, err := svc.AddMessage(lonely.ID(), OutgoingMessage{Content: "echo"}); !errors.Is(err, ErrFriendNotFound) {
		t.Errorf("Expected ErrFriendNotFound, got %v", err)
	}

	// Friend without a public key.
	seedUser(t, store, models.Record{"id": "keyless"})
	pair, err := svc.CreateRoomAndMembers(models.Record{},
		[]models.Record{{"id": "me"}, {"id": "keyless"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	if _, err := svc.AddMessage(pair.ID(), OutgoingMessage{Content: "hello"}); !errors.Is(err, ErrNoPublicKey) {
		t.Errorf("Expected ErrNoPublicKey, got %v", err)
	}

	// Group without a shared key yet.
	group, err := svc.CreateRoomAndMembers(models.Record{"name": "Group"},
		[]models.Record{{"id": "me"}, {"id": "keyless"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	if _, err := svc.AddMessage(group.ID(), OutgoingMessage{Content: "hello"}); !errors.Is(err, ErrNoSharedKey) {
		t.Errorf("Expected ErrNoSharedKey, got %v", err)
	}
}

func TestGenerateSharedKey(t *testing.T) {
	svc, store := newTestService(t)
	_, myPublic, friendSecret, _ := seedKeyedUsers(t, store)

	room, err := svc.CreateRoomAndMembers(models.Record{"name": "Group"},
		[]models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	sharedKey, err := svc.GenerateSharedKey(room.ID())
	if err != nil {
		t.Fatalf("GenerateSharedKey failed: %v", err)
	}
	if sharedKey == "" {
		t.Fatal("Expected a shared key")
	}

	after, _ := store.Get(models.TableRooms, room.ID())
	if got := after.String("shared_key"); got != sharedKey {
		t.Errorf("Expected the shared key stored on the room, got %q", got)
	}

	controls, err := store.Find(models.TableMessages,
		record.Eq("room_id", room.ID()), record.Eq("type", models.MessageSharedKey))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(controls) != 2 {
		t.Fatalf("Expected one control message per member, got %d", len(controls))
	}

	var friendMsg models.Record
	for _, msg := range controls {
		if strings.HasPrefix(msg.String("content"), "friend ") {
			friendMsg = msg
		}
	}
	if friendMsg == nil {
		t.Fatal("Expected a control message addressed to the friend")
	}

	cipher := strings.TrimPrefix(friendMsg.String("content"), "friend ")
	recovered, err := crypto.DecryptPair(cipher, myPublic, friendSecret)
	if err != nil {
		t.Fatalf("Friend failed to unseal the key: %v", err)
	}
	if recovered != sharedKey {
		t.Error("Unsealed key does not match the generated one")
	}
}

func TestGenerateSharedKeyWaitsForKeys(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, models.Record{"id": "me", "secret_key": "s", "public_key": "p"})
	seedUser(t, store, models.Record{"id": "keyless"})

	room, err := svc.CreateRoomAndMembers(models.Record{"name": "Group"},
		[]models.Record{{"id": "me"}, {"id": "keyless"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	sharedKey, err := svc.GenerateSharedKey(room.ID())
	if err != nil {
		t.Fatalf("GenerateSharedKey must not fail while keys are missing: %v", err)
	}
	if sharedKey != "" {
		t.Error("Expected no key while a member's public key is missing")
	}

	after, _ := store.Get(models.TableRooms, room.ID())
	if got := after.String("shared_key"); got != "" {
		t.Errorf("Expected no key stored, got %q", got)
	}
}

func TestGenerateSharedKeyWaitsForUnknownMember(t *testing.T) {
	svc, store := newTestService(t)
	seedKeyedUsers(t, store)

	room, err := svc.CreateRoomAndMembers(models.Record{"name": "Group"},
		[]models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	// A membership pulled before its user record.
	joinID := models.RoomMemberID(room.ID(), "ghost")
	if _, err := store.Upsert(models.TableRoomMembers, joinID, models.Record{
		"id": joinID, "room_id": room.ID(), "user_id": "ghost",
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	sharedKey, err := svc.GenerateSharedKey(room.ID())
	if err != nil {
		t.Fatalf("GenerateSharedKey must not fail while a member is unknown: %v", err)
	}
	if sharedKey != "" {
		t.Error("Expected no key while a member's user record is missing")
	}

	controls, err := store.Find(models.TableMessages,
		record.Eq("room_id", room.ID()), record.Eq("type", models.MessageSharedKey))
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(controls) != 0 {
		t.Errorf("Expected no control messages, got %d", len(controls))
	}
}

func TestRemoveRoomsCascade(t *testing.T) {
	svc, store := newTestService(t)
	seedKeyedUsers(t, store)
	seedUser(t, store, models.Record{"id": "other"})

	shared, err := svc.CreateRoomAndMembers(models.Record{"is_local_only": false},
		[]models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	second, err := svc.CreateRoomAndMembers(models.Record{"name": "Group", "is_local_only": false},
		[]models.Record{{"id": "me"}, {"id": "friend"}, {"id": "other"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	if _, err := svc.AddMessage(shared.ID(), OutgoingMessage{Content: "bye"}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	// The friend still shares the group, so only the room contents go.
	if err := svc.RemoveRoomsCascade([]string{shared.ID()}); err != nil {
		t.Fatalf("RemoveRoomsCascade failed: %v", err)
	}

	if _, err := store.Get(models.TableRooms, shared.ID()); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Expected room gone, got %v", err)
	}
	msgs, _ := store.Find(models.TableMessages, record.Eq("room_id", shared.ID()))
	if len(msgs) != 0 {
		t.Errorf("Expected room messages gone, got %d", len(msgs))
	}
	joins, _ := store.Find(models.TableRoomMembers, record.Eq("room_id", shared.ID()))
	if len(joins) != 0 {
		t.Errorf("Expected join rows gone, got %d", len(joins))
	}
	if _, err := store.Get(models.TableUsers, "friend"); err != nil {
		t.Errorf("Friend with another shared room must survive: %v", err)
	}

	// Removing the last shared room takes the orphaned friends along.
	if err := svc.RemoveRoomsCascade([]string{second.ID()}); err != nil {
		t.Fatalf("RemoveRoomsCascade failed: %v", err)
	}
	if _, err := store.Get(models.TableUsers, "friend"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Expected orphaned friend removed, got %v", err)
	}
	if _, err := store.Get(models.TableUsers, "other"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Expected orphaned member removed, got %v", err)
	}
	if _, err := store.Get(models.TableUsers, "me"); err != nil {
		t.Errorf("The signed-in user must always survive: %v", err)
	}
}

func TestRemoveRoomsCascadeSharedMember(t *testing.T) {
	svc, store := newTestService(t)
	seedKeyedUsers(t, store)

	r1, err := svc.CreateRoomAndMembers(models.Record{"name": "A", "is_local_only": false},
		[]models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}
	r2, err := svc.CreateRoomAndMembers(models.Record{"name": "B", "is_local_only": false},
		[]models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	if err != nil {
		t.Fatalf("CreateRoomAndMembers failed: %v", err)
	}

	// Both of the friend's rooms go in one call; neither may count the
	// other as a reason to keep the friend around.
	if err := svc.RemoveRoomsCascade([]string{r1.ID(), r2.ID()}); err != nil {
		t.Fatalf("RemoveRoomsCascade failed: %v", err)
	}

	if _, err := store.Get(models.TableUsers, "friend"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Friend only in the removed rooms must go, got %v", err)
	}
	if _, err := store.Get(models.TableUsers, "me"); err != nil {
		t.Errorf("The signed-in user must always survive: %v", err)
	}
}

func TestUpdateRooms(t *testing.T) {
	svc, store := newTestService(t)
	seedKeyedUsers(t, store)

	r1, _ := svc.CreateRoomAndMembers(models.Record{"name": "A"}, []models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)
	r2, _ := svc.CreateRoomAndMembers(models.Record{"name": "B"}, []models.Record{{"id": "me"}, {"id": "friend"}}, nil, nil)

	if err := svc.UpdateRooms([]string{r1.ID(), r2.ID()}, models.Record{"is_archived": true}); err != nil {
		t.Fatalf("UpdateRooms failed: %v", err)
	}

	for _, id := range []string{r1.ID(), r2.ID()} {
		room, err := store.Get(models.TableRooms, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !room.Bool("is_archived") {
			t.Errorf("Expected room %s archived", id)
		}
	}
}

func TestMarkMessageSeen(t *testing.T) {
	svc, store := newTestService(t)

	if err := svc.MarkMessageSeen("r1", "m1"); err != nil {
		t.Fatalf("MarkMessageSeen failed: %v", err)
	}

	receipt, err := store.First(models.TableReadReceipts,
		record.Eq("user_id", "me"), record.Eq("message_id", "m1"))
	if err != nil {
		t.Fatalf("Expected a receipt: %v", err)
	}
	if got := receipt.Float("seen_at"); got != 1000 {
		t.Errorf("Expected seenAt stamped, got %v", got)
	}
	if got := receipt.Float("received_at"); got != 1000 {
		t.Errorf("Expected receivedAt stamped on creation, got %v", got)
	}

	// A second call updates in place.
	svc.now = func() float64 { return 2000 }
	if err := svc.MarkMessageSeen("r1", "m1"); err != nil {
		t.Fatalf("MarkMessageSeen failed: %v", err)
	}
	all, _ := store.Find(models.TableReadReceipts, record.Eq("message_id", "m1"))
	if len(all) != 1 {
		t.Fatalf("Expected a single receipt, got %d", len(all))
	}
	if got := all[0].Float("seen_at"); got != 2000 {
		t.Errorf("Expected seenAt updated, got %v", got)
	}
	if got := all[0].Float("received_at"); got != 1000 {
		t.Errorf("receivedAt must keep its first value, got %v", got)
	}
}

func TestSetReceiptsReceived(t *testing.T) {
	svc, store := newTestService(t)

	err := store.ApplyChanges(record.Changes{models.TableReadReceipts: {Created: []models.Record{
		{"id": "r1", "user_id": "me", "message_id": "m1", "room_id": "rm1"},
		{"id": "r2", "user_id": "me", "message_id": "m2", "room_id": "rm1", "received_at": float64(5)},
		{"id": "r3", "user_id": "friend", "message_id": "m1", "room_id": "rm1"},
	}}})
	if err != nil {
		t.Fatalf("Failed to seed receipts: %v", err)
	}

	if err := svc.SetReceiptsReceived(); err != nil {
		t.Fatalf("SetReceiptsReceived failed: %v", err)
	}

	r1, _ := store.Get(models.TableReadReceipts, "r1")
	if got := r1.Float("received_at"); got != 1000 {
		t.Errorf("Expected receivedAt stamped, got %v", got)
	}
	r2, _ := store.Get(models.TableReadReceipts, "r2")
	if got := r2.Float("received_at"); got != 5 {
		t.Errorf("Already stamped receipt must keep its value, got %v", got)
	}
	r3, _ := store.Get(models.TableReadReceipts, "r3")
	if got := r3.Float("received_at"); got != 0 {
		t.Errorf("Other users' receipts must not be stamped, got %v", got)
	}
}
