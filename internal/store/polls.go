package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/huddle/chat-backend/internal/fault"
)

// CreatePoll persists the carrier message, the poll, and its options in
// one transaction. The caller holds the conversation's serialization
// token, the same as for a plain message send.
func (s *Store) CreatePoll(ctx context.Context, msg *Message, question string, options []string, multiChoice bool) (*Poll, []PollOption, error) {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer cancel()
	defer tx.Rollback()

	if err := insertMessageTx(ctx, tx, msg); err != nil {
		return nil, nil, err
	}

	poll := &Poll{
		ID:          uuid.New().String(),
		MessageID:   msg.ID,
		Question:    question,
		MultiChoice: multiChoice,
		CreatedAt:   msg.CreatedAt,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO polls (id, message_id, question, multi_choice, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		poll.ID, poll.MessageID, poll.Question, poll.MultiChoice, poll.CreatedAt,
	)
	if err != nil {
		return nil, nil, mapErr("insert poll", err)
	}

	opts := make([]PollOption, 0, len(options))
	for i, label := range options {
		opt := PollOption{
			ID:       uuid.New().String(),
			PollID:   poll.ID,
			Label:    label,
			Position: i,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO poll_options (id, poll_id, label, position)
			VALUES ($1, $2, $3, $4)`,
			opt.ID, opt.PollID, opt.Label, opt.Position,
		)
		if err != nil {
			return nil, nil, mapErr("insert poll option", err)
		}
		opts = append(opts, opt)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapErr("create poll commit", err)
	}
	return poll, opts, nil
}

// GetPoll fetches a poll by id.
func (s *Store) GetPoll(ctx context.Context, pollID string) (*Poll, error) {
	const query = `
		SELECT id, message_id, question, multi_choice, created_at
		FROM polls
		WHERE id = $1`

	var p Poll
	err := s.db.QueryRowContext(ctx, query, pollID).Scan(
		&p.ID, &p.MessageID, &p.Question, &p.MultiChoice, &p.CreatedAt,
	)
	if err != nil {
		return nil, mapErr("get poll", err)
	}
	return &p, nil
}

// GetPollByMessage fetches the poll attached to a message, or NotFound if
// the message carries none.
func (s *Store) GetPollByMessage(ctx context.Context, messageID string) (*Poll, error) {
	const query = `
		SELECT id, message_id, question, multi_choice, created_at
		FROM polls
		WHERE message_id = $1`

	var p Poll
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&p.ID, &p.MessageID, &p.Question, &p.MultiChoice, &p.CreatedAt,
	)
	if err != nil {
		return nil, mapErr("get poll by message", err)
	}
	return &p, nil
}

// PollOptions returns a poll's options with their denormalized tallies,
// in display order.
func (s *Store) PollOptions(ctx context.Context, pollID string) ([]PollOption, error) {
	const query = `
		SELECT o.id, o.poll_id, o.label, o.position, COALESCE(c.count, 0)
		FROM poll_options o
		LEFT JOIN poll_option_counts c
		  ON c.poll_id = o.poll_id AND c.option_id = o.id
		WHERE o.poll_id = $1
		ORDER BY o.position`

	rows, err := s.db.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, mapErr("poll options", err)
	}
	defer rows.Close()

	var opts []PollOption
	for rows.Next() {
		var o PollOption
		if err := rows.Scan(&o.ID, &o.PollID, &o.Label, &o.Position, &o.Votes); err != nil {
			return nil, mapErr("poll options scan", err)
		}
		opts = append(opts, o)
	}
	return opts, rows.Err()
}

// PollsByMessages returns the polls attached to a batch of messages,
// keyed by message id.
func (s *Store) PollsByMessages(ctx context.Context, messageIDs []string) (map[string]*Poll, error) {
	if len(messageIDs) == 0 {
		return map[string]*Poll{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, question, multi_choice, created_at
		FROM polls
		WHERE message_id = ANY($1)`,
		pq.Array(messageIDs),
	)
	if err != nil {
		return nil, mapErr("polls by messages", err)
	}
	defer rows.Close()

	out := make(map[string]*Poll)
	for rows.Next() {
		var p Poll
		if err := rows.Scan(&p.ID, &p.MessageID, &p.Question, &p.MultiChoice, &p.CreatedAt); err != nil {
			return nil, mapErr("polls by messages scan", err)
		}
		out[p.MessageID] = &p
	}
	return out, rows.Err()
}

// dedupeKey parameterizes the vote uniqueness policy: one vote per voter
// per poll when single-choice, one per voter per option when multi-choice.
func dedupeKey(poll *Poll, voterID, optionID string) string {
	if poll.MultiChoice {
		return voterID + ":" + optionID
	}
	return voterID
}

// CastVote records a vote using the optimistic insert path: attempt the
// insert, and let the UNIQUE(poll_id, dedupe_key) constraint decide the
// winner under contention. A duplicate returns fault.Conflict, which the
// caller absorbs as idempotent success. Exactly one winning row persists
// per (poll, dedupe key) pair regardless of how many voters race.
func (s *Store) CastVote(ctx context.Context, poll *Poll, optionID, voterID string) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO poll_votes (id, poll_id, option_id, voter_id, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (poll_id, dedupe_key) DO NOTHING`,
		uuid.New().String(), poll.ID, optionID, voterID, dedupeKey(poll, voterID, optionID), time.Now().UTC(),
	)
	if err != nil {
		return mapErr("insert vote", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fault.New(fault.KindConflict, "vote already cast")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO poll_option_counts (poll_id, option_id, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (poll_id, option_id) DO UPDATE
		SET count = poll_option_counts.count + 1`,
		poll.ID, optionID,
	)
	if err != nil {
		return mapErr("bump vote count", err)
	}

	return mapErr("cast vote commit", tx.Commit())
}

// HasVote reports whether the voter already holds this exact vote. Used
// to tell an idempotent re-cast apart from a single-choice voter trying
// to switch options.
func (s *Store) HasVote(ctx context.Context, pollID, optionID, voterID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM poll_votes
			WHERE poll_id = $1 AND option_id = $2 AND voter_id = $3
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, pollID, optionID, voterID).Scan(&ok); err != nil {
		return false, mapErr("has vote", err)
	}
	return ok, nil
}

// RetractVote removes the voter's vote for an option and decrements the
// tally. Retracting a vote that does not exist is a Conflict the caller
// absorbs.
func (s *Store) RetractVote(ctx context.Context, poll *Poll, optionID, voterID string) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM poll_votes
		WHERE poll_id = $1 AND option_id = $2 AND voter_id = $3`,
		poll.ID, optionID, voterID,
	)
	if err != nil {
		return mapErr("delete vote", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fault.New(fault.KindConflict, "vote does not exist")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE poll_option_counts
		SET count = GREATEST(count - 1, 0)
		WHERE poll_id = $1 AND option_id = $2`,
		poll.ID, optionID,
	)
	if err != nil {
		return mapErr("drop vote count", err)
	}

	return mapErr("retract vote commit", tx.Commit())
}

// RecomputePollCounts rebuilds a poll's option tallies from the
// authoritative vote rows.
func (s *Store) RecomputePollCounts(ctx context.Context, pollID string) error {
	tx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM poll_option_counts WHERE poll_id = $1`,
		pollID,
	)
	if err != nil {
		return mapErr("recompute poll clear", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO poll_option_counts (poll_id, option_id, count)
		SELECT poll_id, option_id, COUNT(*)
		FROM poll_votes
		WHERE poll_id = $1
		GROUP BY poll_id, option_id`,
		pollID,
	)
	if err != nil {
		return mapErr("recompute poll insert", err)
	}

	return mapErr("recompute poll commit", tx.Commit())
}

// ListVoters returns a page of voter ids for one poll option.
func (s *Store) ListVoters(ctx context.Context, pollID, optionID string, offset, limit int) ([]string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT voter_id FROM poll_votes
		WHERE poll_id = $1 AND option_id = $2
		ORDER BY created_at, id
		OFFSET $3 LIMIT $4`,
		pollID, optionID, offset, limit+1,
	)
	if err != nil {
		return nil, false, mapErr("list voters", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, mapErr("list voters scan", err)
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
