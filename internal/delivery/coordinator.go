// Package delivery coordinates every write operation: it validates the
// request, enforces membership and blocks, serializes conversation inserts
// behind the lock token, commits through the store, refreshes the
// aggregation cache, and publishes the resulting event to the
// conversation's bus subject. Handlers never talk to the store directly.
package delivery

import (
	"context"
	"database/sql"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/huddle/chat-backend/internal/contention"
	"github.com/huddle/chat-backend/internal/fault"
	"github.com/huddle/chat-backend/internal/history"
	"github.com/huddle/chat-backend/internal/metrics"
	"github.com/huddle/chat-backend/internal/protocol"
	"github.com/huddle/chat-backend/internal/store"
)

// Validation limits.
const (
	MaxBodyLen     = 4000
	MaxQuestionLen = 500
	MaxOptionLen   = 200
	MaxPollOptions = 10
	MaxEmojiLen    = 32

	// lockAttempts bounds how many times an insert retries a contended
	// conversation token before surfacing Contended to the client.
	lockAttempts = 2
)

// Store is the persistence surface the coordinator needs. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
	BlockExists(ctx context.Context, userA, userB string) (bool, error)

	InsertMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	EditMessage(ctx context.Context, messageID, senderID, body string, at time.Time) (*store.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID, senderID string, at time.Time) (*store.Message, error)

	AddReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	ReactionSummary(ctx context.Context, messageID string) (map[string]int, error)
	ListReactors(ctx context.Context, messageID, emoji string, offset, limit int) ([]string, bool, error)

	CreatePoll(ctx context.Context, msg *store.Message, question string, options []string, multiChoice bool) (*store.Poll, []store.PollOption, error)
	GetPoll(ctx context.Context, pollID string) (*store.Poll, error)
	PollOptions(ctx context.Context, pollID string) ([]store.PollOption, error)
	CastVote(ctx context.Context, poll *store.Poll, optionID, voterID string) error
	RetractVote(ctx context.Context, poll *store.Poll, optionID, voterID string) error
	HasVote(ctx context.Context, pollID, optionID, voterID string) (bool, error)
	ListVoters(ctx context.Context, pollID, optionID string, offset, limit int) ([]string, bool, error)

	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
}

// Aggregates is the cache surface for derived tallies and unread counters.
type Aggregates interface {
	SetReactionSummary(ctx context.Context, messageID string, summary map[string]int) error
	ReactionSummary(ctx context.Context, messageID string) (map[string]int, error)
	BumpUnread(ctx context.Context, conversationID, senderID string, memberIDs []string)
	ResetUnread(ctx context.Context, conversationID, userID string) error
}

// Members answers membership questions, normally through the short-lived
// Redis cache in front of the store.
type Members interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// Publisher fans a committed event out to every instance with local room
// members.
type Publisher interface {
	PublishConvEvent(conversationID string, data []byte) error
}

// Service is the delivery coordinator.
type Service struct {
	store   Store
	members Members
	agg     Aggregates
	locker  contention.Locker
	bus     Publisher
	pages   *history.Engine
}

// NewService wires a coordinator. The history engine may be nil when only
// write paths are exercised (tests).
func NewService(st Store, members Members, agg Aggregates, locker contention.Locker, bus Publisher, pages *history.Engine) *Service {
	return &Service{
		store:   st,
		members: members,
		agg:     agg,
		locker:  locker,
		bus:     bus,
		pages:   pages,
	}
}

// requireMember returns Forbidden unless the user belongs to the
// conversation. Absent conversations also read as Forbidden here so the
// response does not leak whether a conversation id exists.
func (s *Service) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := s.members.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fault.New(fault.KindForbidden, "not a conversation member")
	}
	return nil
}

// acquire takes the conversation's serialization token, retrying a
// bounded number of times on contention with a short jittered pause.
func (s *Service) acquire(ctx context.Context, conversationID string) (contention.ReleaseFunc, error) {
	start := time.Now()
	defer func() { metrics.LockWait.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
		}
		release, err := s.locker.Acquire(ctx, conversationID)
		if err == nil {
			return release, nil
		}
		lastErr = err
		if !fault.Retryable(err) {
			break
		}
		metrics.ContendedTotal.Inc()
	}
	return nil, lastErr
}

// publish serializes a server event and sends it to the conversation's
// bus subject. Publish failures are logged, not surfaced: the write
// already committed, and absent clients catch up through history.
func (s *Service) publish(conversationID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("delivery: build %s event conv=%s: %v", msgType, conversationID, err)
		return
	}
	if err := s.bus.PublishConvEvent(conversationID, data); err != nil {
		log.Printf("delivery: publish %s event conv=%s: %v", msgType, conversationID, err)
		return
	}
	metrics.BroadcastsTotal.Inc()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendMessage validates, serializes, persists, and broadcasts a new
// message. The conversation token is held only around the insert, and the
// message timestamp is assigned inside the held region so the
// (created_at, id) order matches the serialization order.
func (s *Service) SendMessage(ctx context.Context, senderID string, req protocol.SendMessageMsg) (*protocol.MessageView, error) {
	started := time.Now()
	defer func() { metrics.SendLatency.Observe(time.Since(started).Seconds()) }()

	if req.ConversationID == "" {
		return nil, fault.New(fault.KindInvalid, "conversation_id is required")
	}
	if req.Body == "" && req.AttachmentKey == "" {
		return nil, fault.New(fault.KindInvalid, "message body is empty")
	}
	if len(req.Body) > MaxBodyLen {
		return nil, fault.New(fault.KindInvalid, "message body too long")
	}

	if err := s.requireMember(ctx, req.ConversationID, senderID); err != nil {
		return nil, s.counted("send", err)
	}

	if req.ReplyToID != "" {
		parent, err := s.store.GetMessage(ctx, req.ReplyToID)
		if err != nil {
			return nil, s.counted("send", err)
		}
		if parent.ConversationID != req.ConversationID {
			return nil, s.counted("send", fault.New(fault.KindInvalid, "reply target is in another conversation"))
		}
	}

	if err := s.checkBlocks(ctx, req.ConversationID, senderID); err != nil {
		return nil, s.counted("send", err)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Body:           req.Body,
	}
	if req.ReplyToID != "" {
		msg.ReplyToID = nullString(req.ReplyToID)
	}
	if req.AttachmentKey != "" {
		msg.AttachmentKey = nullString(req.AttachmentKey)
	}

	release, err := s.acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, s.counted("send", err)
	}

	// Timestamp under the token: serialization order and timeline order
	// agree.
	msg.CreatedAt = time.Now().UTC()
	err = s.store.InsertMessage(ctx, msg)
	release()
	if err != nil {
		return nil, s.counted("send", err)
	}

	s.afterInsert(ctx, req.ConversationID, senderID)

	view := history.MessageViewOf(msg, nil, nil)
	s.publish(req.ConversationID, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: view})

	metrics.OperationsTotal.WithLabelValues("send", "ok").Inc()
	return &view, nil
}

// checkBlocks rejects a send into a direct conversation where either side
// blocked the other. Group conversations do not enforce blocks at send
// time.
func (s *Service) checkBlocks(ctx context.Context, conversationID, senderID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind != store.KindDirect {
		return nil
	}

	memberIDs, err := s.store.MemberIDs(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, uid := range memberIDs {
		if uid == senderID {
			continue
		}
		blocked, err := s.store.BlockExists(ctx, senderID, uid)
		if err != nil {
			return err
		}
		if blocked {
			return fault.New(fault.KindForbidden, "messaging is blocked between these users")
		}
	}
	return nil
}

// afterInsert bumps the cached unread counter of every recipient. The
// counters are advisory; failures degrade to a recompute on next read.
func (s *Service) afterInsert(ctx context.Context, conversationID, senderID string) {
	memberIDs, err := s.store.MemberIDs(ctx, conversationID)
	if err != nil {
		log.Printf("delivery: member ids conv=%s: %v", conversationID, err)
		return
	}
	s.agg.BumpUnread(ctx, conversationID, senderID, memberIDs)
}

// EditMessage replaces the body of the caller's own message and
// broadcasts the updated view. Edits do not touch the conversation token:
// they rewrite one existing row and cannot reorder the timeline.
func (s *Service) EditMessage(ctx context.Context, senderID string, req protocol.EditMessageMsg) (*protocol.MessageView, error) {
	if req.MessageID == "" {
		return nil, fault.New(fault.KindInvalid, "message_id is required")
	}
	if req.Body == "" {
		return nil, fault.New(fault.KindInvalid, "message body is empty")
	}
	if len(req.Body) > MaxBodyLen {
		return nil, fault.New(fault.KindInvalid, "message body too long")
	}

	updated, err := s.store.EditMessage(ctx, req.MessageID, senderID, req.Body, time.Now().UTC())
	if err != nil {
		return nil, s.counted("edit", err)
	}

	summary, err := s.agg.ReactionSummary(ctx, updated.ID)
	if err != nil {
		log.Printf("delivery: reaction summary msg=%s: %v", updated.ID, err)
		summary = nil
	}

	view := history.MessageViewOf(updated, summary, nil)
	s.publish(updated.ConversationID, protocol.TypeMessageEdited, protocol.MessageEditedMsg{Message: view})

	metrics.OperationsTotal.WithLabelValues("edit", "ok").Inc()
	return &view, nil
}

// DeleteMessage soft-deletes the caller's own message and broadcasts the
// tombstone. Deleting twice is idempotent.
func (s *Service) DeleteMessage(ctx context.Context, senderID string, req protocol.DeleteMessageMsg) error {
	if req.MessageID == "" {
		return fault.New(fault.KindInvalid, "message_id is required")
	}

	deleted, err := s.store.SoftDeleteMessage(ctx, req.MessageID, senderID, time.Now().UTC())
	if err != nil {
		return s.counted("delete", err)
	}

	s.publish(deleted.ConversationID, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		ConversationID: deleted.ConversationID,
		MessageID:      deleted.ID,
	})

	metrics.OperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// ---------------------------------------------------------------------------
// Reactions
// ---------------------------------------------------------------------------

// AddReaction applies the optimistic reaction insert. A duplicate is a
// store-level Conflict absorbed here as idempotent success: the caller
// gets the current tallies either way, and nothing is broadcast when
// nothing changed.
func (s *Service) AddReaction(ctx context.Context, userID string, req protocol.AddReactionMsg) (map[string]int, error) {
	if req.MessageID == "" || req.Emoji == "" {
		return nil, fault.New(fault.KindInvalid, "message_id and emoji are required")
	}
	if len(req.Emoji) > MaxEmojiLen {
		return nil, fault.New(fault.KindInvalid, "emoji too long")
	}

	msg, err := s.reactableMessage(ctx, req.MessageID, userID)
	if err != nil {
		return nil, s.counted("react", err)
	}

	err = s.store.AddReaction(ctx, msg.ID, userID, req.Emoji)
	switch {
	case err == nil:
	case fault.Is(err, fault.KindConflict):
		// Already reacted; idempotent success without a broadcast.
		metrics.ConflictsAbsorbed.Inc()
		metrics.OperationsTotal.WithLabelValues("react", "ok").Inc()
		return s.agg.ReactionSummary(ctx, msg.ID)
	default:
		return nil, s.counted("react", err)
	}

	return s.reactionChanged(ctx, msg)
}

// RemoveReaction removes the caller's reaction. Removing one that does
// not exist is absorbed the same way a duplicate add is.
func (s *Service) RemoveReaction(ctx context.Context, userID string, req protocol.RemoveReactionMsg) (map[string]int, error) {
	if req.MessageID == "" || req.Emoji == "" {
		return nil, fault.New(fault.KindInvalid, "message_id and emoji are required")
	}

	msg, err := s.reactableMessage(ctx, req.MessageID, userID)
	if err != nil {
		return nil, s.counted("react", err)
	}

	err = s.store.RemoveReaction(ctx, msg.ID, userID, req.Emoji)
	switch {
	case err == nil:
	case fault.Is(err, fault.KindConflict):
		metrics.ConflictsAbsorbed.Inc()
		metrics.OperationsTotal.WithLabelValues("react", "ok").Inc()
		return s.agg.ReactionSummary(ctx, msg.ID)
	default:
		return nil, s.counted("react", err)
	}

	return s.reactionChanged(ctx, msg)
}

// reactableMessage loads the target message and verifies the caller may
// react to it: they must be a member, and tombstones take no reactions.
func (s *Service) reactableMessage(ctx context.Context, messageID, userID string) (*store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted() {
		return nil, fault.New(fault.KindNotFound, "message deleted")
	}
	if err := s.requireMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

// reactionChanged refreshes the cached tallies from the just-committed
// counts and broadcasts them.
func (s *Service) reactionChanged(ctx context.Context, msg *store.Message) (map[string]int, error) {
	summary, err := s.store.ReactionSummary(ctx, msg.ID)
	if err != nil {
		return nil, s.counted("react", err)
	}
	if err := s.agg.SetReactionSummary(ctx, msg.ID, summary); err != nil {
		log.Printf("delivery: cache reaction summary msg=%s: %v", msg.ID, err)
	}

	s.publish(msg.ConversationID, protocol.TypeReactionSummary, protocol.ReactionSummaryMsg{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Reactions:      summary,
	})

	metrics.OperationsTotal.WithLabelValues("react", "ok").Inc()
	return summary, nil
}

// ListReactors returns one page of the users who reacted with an emoji.
// The cursor is an opaque offset; detail rows are only reachable through
// this call, never inlined into message payloads.
func (s *Service) ListReactors(ctx context.Context, userID string, req protocol.ListReactorsMsg) (*protocol.ReactorPageMsg, error) {
	if req.MessageID == "" || req.Emoji == "" {
		return nil, fault.New(fault.KindInvalid, "message_id and emoji are required")
	}

	msg, err := s.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}

	offset, err := history.DecodeOffset(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := clampReactorLimit(req.Limit)

	ids, hasMore, err := s.store.ListReactors(ctx, req.MessageID, req.Emoji, offset, limit)
	if err != nil {
		return nil, err
	}

	page := &protocol.ReactorPageMsg{
		MessageID: req.MessageID,
		Emoji:     req.Emoji,
		UserIDs:   ids,
		HasMore:   hasMore,
	}
	if hasMore {
		page.NextCursor = history.EncodeOffset(offset + len(ids))
	}
	return page, nil
}

func clampReactorLimit(limit int) int {
	if limit <= 0 {
		return history.DefaultPageSize
	}
	if limit > history.MaxPageSize {
		return history.MaxPageSize
	}
	return limit
}

// ---------------------------------------------------------------------------
// Polls
// ---------------------------------------------------------------------------

// CreatePoll attaches a poll to a new carrier message. The carrier takes
// the same serialization path as a plain send.
func (s *Service) CreatePoll(ctx context.Context, senderID string, req protocol.CreatePollMsg) (*protocol.MessageView, error) {
	if req.ConversationID == "" {
		return nil, fault.New(fault.KindInvalid, "conversation_id is required")
	}
	if req.Question == "" || len(req.Question) > MaxQuestionLen {
		return nil, fault.New(fault.KindInvalid, "poll question is empty or too long")
	}
	if len(req.Options) < 2 || len(req.Options) > MaxPollOptions {
		return nil, fault.New(fault.KindInvalid, "polls need between 2 and 10 options")
	}
	for _, opt := range req.Options {
		if opt == "" || len(opt) > MaxOptionLen {
			return nil, fault.New(fault.KindInvalid, "poll option is empty or too long")
		}
	}

	if err := s.requireMember(ctx, req.ConversationID, senderID); err != nil {
		return nil, s.counted("poll", err)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Body:           req.Question,
	}

	release, err := s.acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, s.counted("poll", err)
	}

	msg.CreatedAt = time.Now().UTC()
	poll, opts, err := s.store.CreatePoll(ctx, msg, req.Question, req.Options, req.MultiChoice)
	release()
	if err != nil {
		return nil, s.counted("poll", err)
	}

	s.afterInsert(ctx, req.ConversationID, senderID)

	pollView := history.PollViewOf(poll, opts)
	view := history.MessageViewOf(msg, nil, &pollView)
	s.publish(req.ConversationID, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: view})

	metrics.OperationsTotal.WithLabelValues("poll", "ok").Inc()
	return &view, nil
}

// CastVote records a vote through the optimistic insert path. A duplicate
// of the caller's own vote is absorbed as idempotent success; on a
// single-choice poll a vote for a different option surfaces Conflict so
// the client knows the vote was not moved.
func (s *Service) CastVote(ctx context.Context, voterID string, req protocol.CastVoteMsg) (*protocol.PollView, error) {
	if req.PollID == "" || req.OptionID == "" {
		return nil, fault.New(fault.KindInvalid, "poll_id and option_id are required")
	}

	poll, msg, err := s.votablePoll(ctx, req.PollID, voterID)
	if err != nil {
		return nil, s.counted("vote", err)
	}

	err = s.store.CastVote(ctx, poll, req.OptionID, voterID)
	switch {
	case err == nil:
	case fault.Is(err, fault.KindConflict):
		same, checkErr := s.store.HasVote(ctx, poll.ID, req.OptionID, voterID)
		if checkErr != nil {
			return nil, s.counted("vote", checkErr)
		}
		if !same {
			// Single-choice poll, different option: reject, never move.
			return nil, s.counted("vote", fault.New(fault.KindConflict, "already voted for another option"))
		}
		metrics.ConflictsAbsorbed.Inc()
		metrics.OperationsTotal.WithLabelValues("vote", "ok").Inc()
		return s.pollView(ctx, poll)
	default:
		return nil, s.counted("vote", err)
	}

	return s.voteChanged(ctx, poll, msg)
}

// RetractVote removes the caller's vote. Retracting a vote that does not
// exist is absorbed as idempotent success.
func (s *Service) RetractVote(ctx context.Context, voterID string, req protocol.RetractVoteMsg) (*protocol.PollView, error) {
	if req.PollID == "" || req.OptionID == "" {
		return nil, fault.New(fault.KindInvalid, "poll_id and option_id are required")
	}

	poll, msg, err := s.votablePoll(ctx, req.PollID, voterID)
	if err != nil {
		return nil, s.counted("vote", err)
	}

	err = s.store.RetractVote(ctx, poll, req.OptionID, voterID)
	switch {
	case err == nil:
	case fault.Is(err, fault.KindConflict):
		metrics.ConflictsAbsorbed.Inc()
		metrics.OperationsTotal.WithLabelValues("vote", "ok").Inc()
		return s.pollView(ctx, poll)
	default:
		return nil, s.counted("vote", err)
	}

	return s.voteChanged(ctx, poll, msg)
}

// votablePoll loads the poll and its carrier message and verifies the
// caller may vote.
func (s *Service) votablePoll(ctx context.Context, pollID, voterID string) (*store.Poll, *store.Message, error) {
	poll, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.store.GetMessage(ctx, poll.MessageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.Deleted() {
		return nil, nil, fault.New(fault.KindNotFound, "poll message deleted")
	}
	if err := s.requireMember(ctx, msg.ConversationID, voterID); err != nil {
		return nil, nil, err
	}
	return poll, msg, nil
}

// voteChanged reloads the tallies and broadcasts the updated poll view.
func (s *Service) voteChanged(ctx context.Context, poll *store.Poll, msg *store.Message) (*protocol.PollView, error) {
	view, err := s.pollView(ctx, poll)
	if err != nil {
		return nil, s.counted("vote", err)
	}

	s.publish(msg.ConversationID, protocol.TypePollSummary, protocol.PollSummaryMsg{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Poll:           *view,
	})

	metrics.OperationsTotal.WithLabelValues("vote", "ok").Inc()
	return view, nil
}

func (s *Service) pollView(ctx context.Context, poll *store.Poll) (*protocol.PollView, error) {
	opts, err := s.store.PollOptions(ctx, poll.ID)
	if err != nil {
		return nil, err
	}
	view := history.PollViewOf(poll, opts)
	return &view, nil
}

// ListVoters returns one page of the users who voted for a poll option,
// mirroring ListReactors for the vote detail rows.
func (s *Service) ListVoters(ctx context.Context, userID string, req protocol.ListVotersMsg) (*protocol.VoterPageMsg, error) {
	if req.PollID == "" || req.OptionID == "" {
		return nil, fault.New(fault.KindInvalid, "poll_id and option_id are required")
	}

	poll, err := s.store.GetPoll(ctx, req.PollID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, poll.MessageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}

	offset, err := history.DecodeOffset(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := clampReactorLimit(req.Limit)

	ids, hasMore, err := s.store.ListVoters(ctx, req.PollID, req.OptionID, offset, limit)
	if err != nil {
		return nil, err
	}

	page := &protocol.VoterPageMsg{
		PollID:   req.PollID,
		OptionID: req.OptionID,
		UserIDs:  ids,
		HasMore:  hasMore,
	}
	if hasMore {
		page.NextCursor = history.EncodeOffset(offset + len(ids))
	}
	return page, nil
}

// ---------------------------------------------------------------------------
// Read positions and history
// ---------------------------------------------------------------------------

// MarkRead advances the caller's read position and zeroes their cached
// unread counter. The position is monotonic; a stale client cannot rewind
// it.
func (s *Service) MarkRead(ctx context.Context, userID string, req protocol.MarkReadMsg) error {
	if req.ConversationID == "" {
		return fault.New(fault.KindInvalid, "conversation_id is required")
	}
	if err := s.requireMember(ctx, req.ConversationID, userID); err != nil {
		return s.counted("mark_read", err)
	}

	if err := s.store.MarkRead(ctx, req.ConversationID, userID, time.Now().UTC()); err != nil {
		return s.counted("mark_read", err)
	}
	if err := s.agg.ResetUnread(ctx, req.ConversationID, userID); err != nil {
		log.Printf("delivery: reset unread conv=%s user=%s: %v", req.ConversationID, userID, err)
	}

	metrics.OperationsTotal.WithLabelValues("mark_read", "ok").Inc()
	return nil
}

// FetchHistory returns one page of the conversation's history, newest
// first, after a membership check.
func (s *Service) FetchHistory(ctx context.Context, userID string, req protocol.FetchHistoryMsg) (*protocol.HistoryPageMsg, error) {
	if req.ConversationID == "" {
		return nil, fault.New(fault.KindInvalid, "conversation_id is required")
	}
	if err := s.requireMember(ctx, req.ConversationID, userID); err != nil {
		return nil, s.counted("history", err)
	}

	page, err := s.pages.Page(ctx, req.ConversationID, req.Cursor, req.Limit)
	if err != nil {
		return nil, s.counted("history", err)
	}

	metrics.OperationsTotal.WithLabelValues("history", "ok").Inc()
	return &protocol.HistoryPageMsg{
		ConversationID: req.ConversationID,
		Items:          page.Items,
		NextCursor:     page.NextCursor,
		HasMore:        page.HasMore,
	}, nil
}

// counted tags the operation's error outcome and passes the error
// through.
func (s *Service) counted(op string, err error) error {
	metrics.OperationsTotal.WithLabelValues(op, "error").Inc()
	return err
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}
