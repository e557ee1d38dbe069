package models

// ColumnType is the semantic type of a column. Strings and numbers map to
// TEXT and REAL, bools to INTEGER 0/1.
type ColumnType int

const (
	ColString ColumnType = iota
	ColNumber
	ColBool
)

type Column struct {
	Name     string
	Type     ColumnType
	Optional bool
}

// Schema describes one table. Every table additionally carries an `id` TEXT
// primary key and the `_status`/`_changed` bookkeeping columns; they are not
// listed here.
type Schema struct {
	Table   string
	Columns []Column
}

func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Registry holds the schema of every table, in sync application order:
// users before room members before messages before read receipts, because
// message decryption depends on user and room data from the same changeset.
var Registry = []Schema{
	{Table: TableUsers, Columns: []Column{
		{Name: "name", Type: ColString},
		{Name: "email", Type: ColString},
		{Name: "picture_uri", Type: ColString, Optional: true},
		{Name: "role", Type: ColString, Optional: true},
		{Name: "secret_key", Type: ColString, Optional: true},
		{Name: "public_key", Type: ColString, Optional: true},
		{Name: "derived_salt", Type: ColString, Optional: true},
		{Name: "is_following_me", Type: ColBool, Optional: true},
		{Name: "is_followed_by_me", Type: ColBool, Optional: true},
	}},
	{Table: TableRooms, Columns: []Column{
		{Name: "name", Type: ColString, Optional: true},
		{Name: "picture_uri", Type: ColString, Optional: true},
		{Name: "is_local_only", Type: ColBool},
		{Name: "is_archived", Type: ColBool},
		{Name: "shared_key", Type: ColString, Optional: true},
		{Name: "last_read_at", Type: ColNumber, Optional: true},
		{Name: "last_change_at", Type: ColNumber},
		{Name: "last_message_id", Type: ColString, Optional: true},
		{Name: "created_at", Type: ColNumber},
	}},
	{Table: TableRoomMembers, Columns: []Column{
		{Name: "room_id", Type: ColString},
		{Name: "user_id", Type: ColString},
		{Name: "is_local_only", Type: ColBool},
	}},
	{Table: TableMessages, Columns: []Column{
		{Name: "content", Type: ColString},
		{Name: "cipher", Type: ColString, Optional: true},
		{Name: "type", Type: ColString},
		{Name: "sent_at", Type: ColNumber, Optional: true},
		{Name: "created_at", Type: ColNumber},
		{Name: "user_id", Type: ColString},
		{Name: "room_id", Type: ColString},
	}},
	{Table: TableReadReceipts, Columns: []Column{
		{Name: "user_id", Type: ColString},
		{Name: "message_id", Type: ColString},
		{Name: "room_id", Type: ColString},
		{Name: "received_at", Type: ColNumber, Optional: true},
		{Name: "seen_at", Type: ColNumber, Optional: true},
	}},
	{Table: TableAttachments, Columns: []Column{
		{Name: "uri", Type: ColString},
		{Name: "remote_uri", Type: ColString, Optional: true},
		{Name: "cipher_uri", Type: ColString, Optional: true},
		{Name: "type", Type: ColString},
		{Name: "width", Type: ColNumber, Optional: true},
		{Name: "height", Type: ColNumber, Optional: true},
		{Name: "user_id", Type: ColString},
		{Name: "room_id", Type: ColString, Optional: true},
		{Name: "message_id", Type: ColString, Optional: true},
		{Name: "post_id", Type: ColString, Optional: true},
	}},
	{Table: TablePosts, Columns: []Column{
		{Name: "content", Type: ColString},
		{Name: "user_id", Type: ColString},
		{Name: "created_at", Type: ColNumber},
	}},
	{Table: TableComments, Columns: []Column{
		{Name: "content", Type: ColString},
		{Name: "user_id", Type: ColString},
		{Name: "post_id", Type: ColString},
		{Name: "created_at", Type: ColNumber},
	}},
}

// SchemaOf returns the schema for a table name.
func SchemaOf(table string) (Schema, bool) {
	for _, s := range Registry {
		if s.Table == table {
			return s, true
		}
	}
	return Schema{}, false
}
