package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huddle/chat-backend/internal/fault"
)

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, kind, title, created_at, last_activity_at
		FROM conversations
		WHERE id = $1`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Kind, &c.Title, &c.CreatedAt, &c.LastActivityAt,
	)
	if err != nil {
		return nil, mapErr("get conversation", err)
	}
	return &c, nil
}

// CreateConversation inserts a conversation with its initial member set.
// Membership changes after creation go through AddMember/RemoveMember
// only.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation, memberIDs []string) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, title, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $4)`,
		conv.ID, conv.Kind, conv.Title, conv.CreatedAt,
	)
	if err != nil {
		return mapErr("insert conversation", err)
	}

	for _, uid := range memberIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id)
			VALUES ($1, $2)`,
			conv.ID, uid,
		)
		if err != nil {
			return mapErr("insert member", err)
		}
	}

	return mapErr("create conversation", tx.Commit())
}

// IsMember reports whether userID belongs to the conversation.
func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, mapErr("is member", err)
	}
	return ok, nil
}

// MemberIDs returns the user ids of every conversation member.
func (s *Store) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	const query = `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY joined_at`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, mapErr("member ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("member ids scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMember appends a user to the conversation. Adding an existing member
// is idempotent.
func (s *Store) AddMember(ctx context.Context, conversationID, userID string) error {
	const query = `
		INSERT INTO conversation_members (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, conversationID, userID)
	return mapErr("add member", err)
}

// RemoveMember removes a user from the conversation.
func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return mapErr("remove member", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "membership not found")
	}
	return nil
}

// BlockExists reports whether a block exists in either direction between
// the two users.
func (s *Store) BlockExists(ctx context.Context, userA, userB string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, userA, userB).Scan(&ok); err != nil {
		return false, mapErr("block exists", err)
	}
	return ok, nil
}

// Block records that blocker no longer accepts messages from blocked.
// Re-blocking is idempotent.
func (s *Store) Block(ctx context.Context, blockerID, blockedID string) error {
	const query = `
		INSERT INTO blocks (blocker_id, blocked_id)
		VALUES ($1, $2)
		ON CONFLICT (blocker_id, blocked_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, blockerID, blockedID)
	return mapErr("block", err)
}

// Unblock removes a block.
func (s *Store) Unblock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2`,
		blockerID, blockedID,
	)
	return mapErr("unblock", err)
}

// MarkRead advances the member's read position to now. The position only
// moves forward; a stale client cannot rewind it.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	const query = `
		UPDATE conversation_members
		SET last_read_at = GREATEST(last_read_at, $3)
		WHERE conversation_id = $1 AND user_id = $2`

	res, err := s.db.ExecContext(ctx, query, conversationID, userID, at)
	if err != nil {
		return mapErr("mark read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "membership not found")
	}
	return nil
}

// UnreadCount counts messages newer than the member's read position,
// excluding their own and soft-deleted ones. This is the authoritative
// recompute source for the unread counter cache.
func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversation_members cm
		  ON cm.conversation_id = m.conversation_id AND cm.user_id = $2
		WHERE m.conversation_id = $1
		  AND m.created_at > cm.last_read_at
		  AND m.sender_id <> $2
		  AND m.deleted_at IS NULL`

	var count int
	err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fault.New(fault.KindNotFound, "membership not found")
		}
		return 0, fmt.Errorf("store: unread count: %w", err)
	}
	return count, nil
}
