package models

import (
	"time"
)

// Table names of the local store.
const (
	TableUsers        = "users"
	TableRooms        = "rooms"
	TableRoomMembers  = "room_members"
	TableMessages     = "messages"
	TableReadReceipts = "read_receipts"
	TableAttachments  = "attachments"
	TablePosts        = "posts"
	TableComments     = "comments"
)

// Status tracks how far a record is from the server's view of it.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusDeleted Status = "deleted"
)

// Message types. SharedKey messages are control messages carrying an
// encrypted room key, they are filtered out of chat views.
const (
	MessageDefault      = "default"
	MessageAnnouncement = "announcement"
	MessageSharedKey    = "sharedKey"
)

// Attachment types.
const (
	AttachmentImage    = "image"
	AttachmentVideo    = "video"
	AttachmentDocument = "document"
)

// Record is a partial row keyed by column name. Values are string, float64,
// bool or nil according to the table schema. The reserved keys ColStatus and
// ColChanged address the sync bookkeeping columns directly, bypassing dirty
// tracking.
type Record map[string]any

const (
	ColStatus  = "_status"
	ColChanged = "_changed"
)

func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

func (r Record) String(col string) string {
	s, _ := r[col].(string)
	return s
}

func (r Record) Float(col string) float64 {
	f, _ := r[col].(float64)
	return f
}

func (r Record) Bool(col string) bool {
	b, _ := r[col].(bool)
	return b
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// RoomMemberID is the deterministic id of a join row. No random UUID: the
// pair itself is the identity, which makes membership rows naturally unique.
func RoomMemberID(roomID, userID string) string {
	return roomID + "," + userID
}

// NowMillis is the timestamp format used across the store and the sync
// protocol: milliseconds since epoch as a float.
func NowMillis() float64 {
	return float64(time.Now().UnixMilli())
}
