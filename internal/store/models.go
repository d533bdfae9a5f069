package store

import (
	"database/sql"
	"time"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Conversation is a chat between a fixed member set. last_activity_at
// moves forward on every new message and never backwards.
type Conversation struct {
	ID             string
	Kind           string
	Title          string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Member is a user's membership in a conversation, including their read
// position.
type Member struct {
	ConversationID string
	UserID         string
	Role           string
	JoinedAt       time.Time
	LastReadAt     time.Time
}

// Message is a persisted message. Deletion is always soft: DeletedAt is
// set and the body cleared, but the row remains so replies and reactions
// keep a valid target.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	ReplyToID      sql.NullString
	AttachmentKey  sql.NullString
	CreatedAt      time.Time
	EditedAt       sql.NullTime
	DeletedAt      sql.NullTime
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt.Valid
}

// Poll is attached to exactly one message.
type Poll struct {
	ID          string
	MessageID   string
	Question    string
	MultiChoice bool
	CreatedAt   time.Time
}

// PollOption is one choice in a poll, with its denormalized tally.
type PollOption struct {
	ID       string
	PollID   string
	Label    string
	Position int
	Votes    int
}

// messageColumns is the select list shared by every message query.
const messageColumns = `id, conversation_id, sender_id, body, reply_to_id,
	attachment_key, created_at, edited_at, deleted_at`

// scanMessage reads one message row from a row scanner.
func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Body,
		&m.ReplyToID,
		&m.AttachmentKey,
		&m.CreatedAt,
		&m.EditedAt,
		&m.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
