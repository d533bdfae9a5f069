package history

import (
	"context"

	"github.com/huddle/chat-backend/internal/protocol"
	"github.com/huddle/chat-backend/internal/store"
)

const (
	// DefaultPageSize is used when the client omits a limit.
	DefaultPageSize = 25

	// MaxPageSize is the hard ceiling on page size. Clients cannot raise
	// it, which keeps per-request payloads bounded regardless of
	// conversation size.
	MaxPageSize = 50
)

// Page is one page of message history, newest first.
type Page struct {
	Items      []protocol.MessageView
	NextCursor string
	HasMore    bool
}

// Engine retrieves ordered message history with stable cursors. Items
// carry reaction and poll summaries only — detail rows stay behind their
// own paginated endpoints, so page size is independent of how much social
// activity a message accumulated.
type Engine struct {
	store *store.Store
}

// NewEngine creates an Engine over the given store.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// clampLimit applies the default and the ceiling.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Page returns up to limit messages strictly older than the cursor,
// ordered (created_at DESC, id DESC). Repeated calls with the same cursor
// return the same page unless the underlying data changed.
func (e *Engine) Page(ctx context.Context, conversationID, cursorStr string, limit int) (*Page, error) {
	cursor, err := DecodeCursor(cursorStr)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	// Fetch one extra row to learn whether another page exists without a
	// second query.
	msgs, err := e.store.MessagesBefore(ctx, conversationID, cursor.CreatedAt, cursor.ID, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	items, err := e.assembleViews(ctx, msgs)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: items, HasMore: hasMore}
	if hasMore && len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

// ForwardFill returns up to limit messages strictly newer than the
// cursor, oldest first. A reconnecting client replays from its last-seen
// position until HasMore is false and is then caught up with clients that
// stayed connected.
func (e *Engine) ForwardFill(ctx context.Context, conversationID, cursorStr string, limit int) (*Page, error) {
	cursor, err := DecodeCursor(cursorStr)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	msgs, err := e.store.MessagesAfter(ctx, conversationID, cursor.CreatedAt, cursor.ID, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	items, err := e.assembleViews(ctx, msgs)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: items, HasMore: hasMore}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

// assembleViews batches the summary lookups for a page: one query for all
// reaction tallies, one for the attached polls, then options per poll.
func (e *Engine) assembleViews(ctx context.Context, msgs []*store.Message) ([]protocol.MessageView, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}

	reactions, err := e.store.ReactionSummaries(ctx, ids)
	if err != nil {
		return nil, err
	}
	polls, err := e.store.PollsByMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]protocol.MessageView, 0, len(msgs))
	for _, m := range msgs {
		var pollView *protocol.PollView
		if p, ok := polls[m.ID]; ok {
			opts, err := e.store.PollOptions(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			pv := PollViewOf(p, opts)
			pollView = &pv
		}
		items = append(items, MessageViewOf(m, reactions[m.ID], pollView))
	}
	return items, nil
}

// MessageViewOf projects a persisted message into its wire form.
// Soft-deleted messages keep their position but expose no content.
func MessageViewOf(m *store.Message, reactions map[string]int, poll *protocol.PollView) protocol.MessageView {
	view := protocol.MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		CreatedAt:      m.CreatedAt.UnixNano(),
		Reactions:      reactions,
		Poll:           poll,
	}
	if m.Deleted() {
		view.Deleted = true
		return view
	}

	view.Body = m.Body
	if m.ReplyToID.Valid {
		view.ReplyToID = m.ReplyToID.String
	}
	if m.AttachmentKey.Valid {
		view.AttachmentKey = m.AttachmentKey.String
	}
	if m.EditedAt.Valid {
		view.EditedAt = m.EditedAt.Time.UnixNano()
	}
	return view
}

// PollViewOf projects a poll and its options into wire form.
func PollViewOf(p *store.Poll, opts []store.PollOption) protocol.PollView {
	view := protocol.PollView{
		ID:          p.ID,
		Question:    p.Question,
		MultiChoice: p.MultiChoice,
		Options:     make([]protocol.PollOptionView, 0, len(opts)),
	}
	for _, o := range opts {
		view.Options = append(view.Options, protocol.PollOptionView{
			ID:       o.ID,
			Label:    o.Label,
			Position: o.Position,
			Votes:    o.Votes,
		})
	}
	return view
}
