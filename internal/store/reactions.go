package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/huddle/chat-backend/internal/fault"
)

// AddReaction inserts a reaction detail row and bumps the denormalized
// tally in one transaction. The insert is optimistic: a duplicate
// (message, user, emoji) hits the unique constraint and returns
// fault.Conflict, which callers absorb as idempotent success. No lock is
// taken; the constraint is the serialization point.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reactions (id, message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		uuid.New().String(), messageID, userID, emoji, time.Now().UTC(),
	)
	if err != nil {
		return mapErr("insert reaction", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		// Already reacted. Nothing to tally; report the clean rejection.
		return fault.New(fault.KindConflict, "reaction already exists")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_reaction_counts (message_id, emoji, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (message_id, emoji) DO UPDATE
		SET count = message_reaction_counts.count + 1`,
		messageID, emoji,
	)
	if err != nil {
		return mapErr("bump reaction count", err)
	}

	return mapErr("add reaction commit", tx.Commit())
}

// RemoveReaction deletes the caller's reaction and decrements the tally
// in one transaction. Removing a reaction that does not exist is
// idempotent.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return mapErr("delete reaction", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fault.New(fault.KindConflict, "reaction does not exist")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE message_reaction_counts
		SET count = GREATEST(count - 1, 0)
		WHERE message_id = $1 AND emoji = $2`,
		messageID, emoji,
	)
	if err != nil {
		return mapErr("drop reaction count", err)
	}

	// Drop zeroed tallies so summaries stay compact.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM message_reaction_counts
		WHERE message_id = $1 AND emoji = $2 AND count = 0`,
		messageID, emoji,
	)
	if err != nil {
		return mapErr("prune reaction count", err)
	}

	return mapErr("remove reaction commit", tx.Commit())
}

// ReactionSummary returns the per-emoji tallies for one message from the
// denormalized counts table.
func (s *Store) ReactionSummary(ctx context.Context, messageID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT emoji, count FROM message_reaction_counts
		WHERE message_id = $1`,
		messageID,
	)
	if err != nil {
		return nil, mapErr("reaction summary", err)
	}
	defer rows.Close()

	summary := make(map[string]int)
	for rows.Next() {
		var (
			emoji string
			count int
		)
		if err := rows.Scan(&emoji, &count); err != nil {
			return nil, mapErr("reaction summary scan", err)
		}
		summary[emoji] = count
	}
	return summary, rows.Err()
}

// ReactionSummaries returns tallies for a batch of messages, keyed by
// message id. Messages without reactions are absent from the result.
func (s *Store) ReactionSummaries(ctx context.Context, messageIDs []string) (map[string]map[string]int, error) {
	if len(messageIDs) == 0 {
		return map[string]map[string]int{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, emoji, count FROM message_reaction_counts
		WHERE message_id = ANY($1)`,
		pq.Array(messageIDs),
	)
	if err != nil {
		return nil, mapErr("reaction summaries", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var (
			msgID string
			emoji string
			count int
		)
		if err := rows.Scan(&msgID, &emoji, &count); err != nil {
			return nil, mapErr("reaction summaries scan", err)
		}
		if out[msgID] == nil {
			out[msgID] = make(map[string]int)
		}
		out[msgID][emoji] = count
	}
	return out, rows.Err()
}

// RecomputeReactionSummary rebuilds the tallies for one message from the
// authoritative detail rows. Safe to call at any time; the detail rows
// are the source of truth.
func (s *Store) RecomputeReactionSummary(ctx context.Context, messageID string) (map[string]int, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM message_reaction_counts WHERE message_id = $1`,
		messageID,
	)
	if err != nil {
		return nil, mapErr("recompute clear", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_reaction_counts (message_id, emoji, count)
		SELECT message_id, emoji, COUNT(*)
		FROM reactions
		WHERE message_id = $1
		GROUP BY message_id, emoji`,
		messageID,
	)
	if err != nil {
		return nil, mapErr("recompute insert", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr("recompute commit", err)
	}

	return s.ReactionSummary(ctx, messageID)
}

// ListReactors returns a page of user ids who reacted to a message with
// the given emoji, ordered by reaction time. The full reactor list is
// only available through this explicitly paginated call, never inlined
// into message payloads.
func (s *Store) ListReactors(ctx context.Context, messageID, emoji string, offset, limit int) ([]string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM reactions
		WHERE message_id = $1 AND emoji = $2
		ORDER BY created_at, id
		OFFSET $3 LIMIT $4`,
		messageID, emoji, offset, limit+1,
	)
	if err != nil {
		return nil, false, mapErr("list reactors", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, mapErr("list reactors scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	return ids, hasMore, nil
}
