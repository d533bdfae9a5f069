package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/huddle/chat-backend/internal/fault"
)

// InsertMessage persists a new message and advances the conversation's
// last_activity_at in the same transaction. Callers must hold the
// conversation's serialization token; the transaction itself is the only
// work done inside the lock-held region.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	if err := insertMessageTx(ctx, tx, msg); err != nil {
		return err
	}

	return mapErr("insert message commit", tx.Commit())
}

// insertMessageTx does the message insert plus activity touch inside an
// existing transaction, so poll creation can reuse it.
func insertMessageTx(ctx context.Context, tx *sql.Tx, msg *Message) error {
	const insert = `
		INSERT INTO messages (id, conversation_id, sender_id, body, reply_to_id, attachment_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.ExecContext(ctx, insert,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Body,
		msg.ReplyToID,
		msg.AttachmentKey,
		msg.CreatedAt,
	)
	if err != nil {
		return mapErr("insert message", err)
	}

	// last_activity_at is monotonic: GREATEST guards against clock skew
	// between app servers.
	const touch = `
		UPDATE conversations
		SET last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1`

	res, err := tx.ExecContext(ctx, touch, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return mapErr("touch conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "conversation not found")
	}
	return nil
}

// GetMessage fetches a message by id, including soft-deleted ones so
// ownership checks and reply references keep working.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapErr("get message", err)
	}
	return msg, nil
}

// EditMessage replaces the body of a message. Only the original sender may
// edit, and soft-deleted messages cannot be edited.
func (s *Store) EditMessage(ctx context.Context, messageID, senderID, body string, at time.Time) (*Message, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted() {
		return nil, fault.New(fault.KindNotFound, "message deleted")
	}
	if msg.SenderID != senderID {
		return nil, fault.New(fault.KindForbidden, "only the sender may edit a message")
	}

	query := `
		UPDATE messages
		SET body = $3, edited_at = $4
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
		RETURNING ` + messageColumns

	updated, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, senderID, body, at))
	if err != nil {
		return nil, mapErr("edit message", err)
	}
	return updated, nil
}

// SoftDeleteMessage marks a message deleted and clears its body. The row
// is never physically removed so replies and reactions keep a valid
// target. Deleting an already-deleted message is idempotent.
func (s *Store) SoftDeleteMessage(ctx context.Context, messageID, senderID string, at time.Time) (*Message, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != senderID {
		return nil, fault.New(fault.KindForbidden, "only the sender may delete a message")
	}
	if msg.Deleted() {
		return msg, nil
	}

	query := `
		UPDATE messages
		SET body = '', deleted_at = $3
		WHERE id = $1 AND sender_id = $2
		RETURNING ` + messageColumns

	deleted, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, senderID, at))
	if err != nil {
		return nil, mapErr("delete message", err)
	}
	return deleted, nil
}

// MessagesBefore returns up to limit messages strictly older than the
// (created_at, id) position, newest first. A zero position means "from
// the latest". The composite tie-break on id keeps the ordering total
// even when messages share a timestamp.
func (s *Store) MessagesBefore(ctx context.Context, conversationID string, before time.Time, beforeID string, limit int) ([]*Message, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if beforeID == "" {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`
		rows, err = s.db.QueryContext(ctx, query, conversationID, limit)
	} else {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = $1
			  AND (created_at, id) < ($2, $3::uuid)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`
		rows, err = s.db.QueryContext(ctx, query, conversationID, before, beforeID, limit)
	}
	if err != nil {
		return nil, mapErr("messages before", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("messages scan", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessagesAfter returns up to limit messages strictly newer than the
// (created_at, id) position, oldest first. Used for forward-fill after a
// reconnect.
func (s *Store) MessagesAfter(ctx context.Context, conversationID string, after time.Time, afterID string, limit int) ([]*Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND (created_at, id) > ($2, $3::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, conversationID, after, afterID, limit)
	if err != nil {
		return nil, mapErr("messages after", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("messages scan", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
