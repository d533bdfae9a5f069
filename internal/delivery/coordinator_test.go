package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/huddle/chat-backend/internal/contention"
	"github.com/huddle/chat-backend/internal/fault"
	"github.com/huddle/chat-backend/internal/protocol"
	"github.com/huddle/chat-backend/internal/store"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

// fakeStore mirrors the store's visible semantics (uniqueness conflicts,
// ownership checks, soft deletes) without a database.
type fakeStore struct {
	mu        sync.Mutex
	convs     map[string]*store.Conversation
	members   map[string][]string
	blocks    map[string]bool
	messages  []*store.Message
	byID      map[string]*store.Message
	reactions map[string]map[string]map[string]bool // msg -> emoji -> user set
	polls     map[string]*store.Poll
	options   map[string][]store.PollOption // poll -> options
	votes     map[string]map[string]string  // poll -> dedupe key -> option
	lastRead  map[string]time.Time          // conv|user
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:     make(map[string]*store.Conversation),
		members:   make(map[string][]string),
		blocks:    make(map[string]bool),
		byID:      make(map[string]*store.Message),
		reactions: make(map[string]map[string]map[string]bool),
		polls:     make(map[string]*store.Poll),
		options:   make(map[string][]store.PollOption),
		votes:     make(map[string]map[string]string),
		lastRead:  make(map[string]time.Time),
	}
}

func (f *fakeStore) addConversation(id, kind string, memberIDs ...string) {
	f.convs[id] = &store.Conversation{ID: id, Kind: kind, CreatedAt: time.Now().UTC()}
	f.members[id] = memberIDs
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "conversation not found")
	}
	return c, nil
}

func (f *fakeStore) MemberIDs(_ context.Context, conversationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[conversationID]...), nil
}

func (f *fakeStore) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range f.members[conversationID] {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) BlockExists(_ context.Context, userA, userB string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[userA+"|"+userB] || f.blocks[userB+"|"+userA], nil
}

func (f *fakeStore) InsertMessage(_ context.Context, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.convs[msg.ConversationID]; !ok {
		return fault.New(fault.KindNotFound, "conversation not found")
	}
	cp := *msg
	f.messages = append(f.messages, &cp)
	f.byID[cp.ID] = &cp
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "message not found")
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) EditMessage(_ context.Context, messageID, senderID, body string, at time.Time) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[messageID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "message not found")
	}
	if m.Deleted() {
		return nil, fault.New(fault.KindNotFound, "message deleted")
	}
	if m.SenderID != senderID {
		return nil, fault.New(fault.KindForbidden, "only the sender may edit a message")
	}
	m.Body = body
	m.EditedAt = sql.NullTime{Time: at, Valid: true}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) SoftDeleteMessage(_ context.Context, messageID, senderID string, at time.Time) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[messageID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "message not found")
	}
	if m.SenderID != senderID {
		return nil, fault.New(fault.KindForbidden, "only the sender may delete a message")
	}
	if !m.Deleted() {
		m.Body = ""
		m.DeletedAt = sql.NullTime{Time: at, Valid: true}
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) AddReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactions[messageID] == nil {
		f.reactions[messageID] = make(map[string]map[string]bool)
	}
	if f.reactions[messageID][emoji] == nil {
		f.reactions[messageID][emoji] = make(map[string]bool)
	}
	if f.reactions[messageID][emoji][userID] {
		return fault.New(fault.KindConflict, "reaction already exists")
	}
	f.reactions[messageID][emoji][userID] = true
	return nil
}

func (f *fakeStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reactions[messageID][emoji][userID] {
		return fault.New(fault.KindConflict, "reaction does not exist")
	}
	delete(f.reactions[messageID][emoji], userID)
	return nil
}

func (f *fakeStore) ReactionSummary(_ context.Context, messageID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := make(map[string]int)
	for emoji, users := range f.reactions[messageID] {
		if len(users) > 0 {
			summary[emoji] = len(users)
		}
	}
	return summary, nil
}

func (f *fakeStore) ListReactors(_ context.Context, messageID, emoji string, offset, limit int) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for uid := range f.reactions[messageID][emoji] {
		ids = append(ids, uid)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, false, nil
	}
	ids = ids[offset:]
	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	return ids, hasMore, nil
}

func (f *fakeStore) CreatePoll(ctx context.Context, msg *store.Message, question string, options []string, multiChoice bool) (*store.Poll, []store.PollOption, error) {
	if err := f.InsertMessage(ctx, msg); err != nil {
		return nil, nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	poll := &store.Poll{
		ID:          uuid.New().String(),
		MessageID:   msg.ID,
		Question:    question,
		MultiChoice: multiChoice,
		CreatedAt:   msg.CreatedAt,
	}
	f.polls[poll.ID] = poll

	opts := make([]store.PollOption, 0, len(options))
	for i, label := range options {
		opts = append(opts, store.PollOption{
			ID:       uuid.New().String(),
			PollID:   poll.ID,
			Label:    label,
			Position: i,
		})
	}
	f.options[poll.ID] = opts
	f.votes[poll.ID] = make(map[string]string)
	return poll, opts, nil
}

func (f *fakeStore) GetPoll(_ context.Context, pollID string) (*store.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[pollID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "poll not found")
	}
	return p, nil
}

func (f *fakeStore) PollOptions(_ context.Context, pollID string) ([]store.PollOption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, optionID := range f.votes[pollID] {
		counts[optionID]++
	}
	opts := make([]store.PollOption, 0, len(f.options[pollID]))
	for _, o := range f.options[pollID] {
		o.Votes = counts[o.ID]
		opts = append(opts, o)
	}
	return opts, nil
}

func fakeDedupeKey(poll *store.Poll, voterID, optionID string) string {
	if poll.MultiChoice {
		return voterID + ":" + optionID
	}
	return voterID
}

func (f *fakeStore) CastVote(_ context.Context, poll *store.Poll, optionID, voterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeDedupeKey(poll, voterID, optionID)
	if _, taken := f.votes[poll.ID][key]; taken {
		return fault.New(fault.KindConflict, "vote already cast")
	}
	f.votes[poll.ID][key] = optionID
	return nil
}

func (f *fakeStore) RetractVote(_ context.Context, poll *store.Poll, optionID, voterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeDedupeKey(poll, voterID, optionID)
	if opt, ok := f.votes[poll.ID][key]; ok && opt == optionID {
		delete(f.votes[poll.ID], key)
		return nil
	}
	return fault.New(fault.KindConflict, "vote does not exist")
}

func (f *fakeStore) HasVote(_ context.Context, pollID, optionID, voterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, opt := range f.votes[pollID] {
		if opt != optionID {
			continue
		}
		if key == voterID || key == voterID+":"+optionID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListVoters(_ context.Context, pollID, optionID string, offset, limit int) ([]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for key, opt := range f.votes[pollID] {
		if opt != optionID {
			continue
		}
		voter := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			voter = key[:i]
		}
		ids = append(ids, voter)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, false, nil
	}
	ids = ids[offset:]
	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	return ids, hasMore, nil
}

func (f *fakeStore) MarkRead(_ context.Context, conversationID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for _, uid := range f.members[conversationID] {
		if uid == userID {
			found = true
		}
	}
	if !found {
		return fault.New(fault.KindNotFound, "membership not found")
	}
	key := conversationID + "|" + userID
	if at.After(f.lastRead[key]) {
		f.lastRead[key] = at
	}
	return nil
}

// fakeAgg records cache interactions.
type fakeAgg struct {
	mu        sync.Mutex
	summaries map[string]map[string]int
	bumps     map[string][]string // conv -> recipients of each bump call
	resets    []string            // conv|user
}

func newFakeAgg() *fakeAgg {
	return &fakeAgg{
		summaries: make(map[string]map[string]int),
		bumps:     make(map[string][]string),
	}
}

func (a *fakeAgg) SetReactionSummary(_ context.Context, messageID string, summary map[string]int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries[messageID] = summary
	return nil
}

func (a *fakeAgg) ReactionSummary(_ context.Context, messageID string) (map[string]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaries[messageID], nil
}

func (a *fakeAgg) BumpUnread(_ context.Context, conversationID, senderID string, memberIDs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, uid := range memberIDs {
		if uid != senderID {
			a.bumps[conversationID] = append(a.bumps[conversationID], uid)
		}
	}
}

func (a *fakeAgg) ResetUnread(_ context.Context, conversationID, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets = append(a.resets, conversationID+"|"+userID)
	return nil
}

// fakeBus records published events.
type fakeBus struct {
	mu     sync.Mutex
	events []busEvent
}

type busEvent struct {
	conversationID string
	data           []byte
}

func (b *fakeBus) PublishConvEvent(conversationID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{conversationID, data})
	return nil
}

// countType returns how many published events carry the given type.
func (b *fakeBus) countType(msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		var partial struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(ev.data, &partial) == nil && partial.Type == msgType {
			n++
		}
	}
	return n
}

// contendedLocker always reports contention and counts attempts.
type contendedLocker struct {
	mu       sync.Mutex
	attempts int
}

func (l *contendedLocker) Acquire(context.Context, string) (contention.ReleaseFunc, error) {
	l.mu.Lock()
	l.attempts++
	l.mu.Unlock()
	return nil, fault.New(fault.KindContended, "conversation lock timeout")
}

func newTestService(fs *fakeStore) (*Service, *fakeAgg, *fakeBus) {
	agg := newFakeAgg()
	bus := &fakeBus{}
	svc := NewService(fs, fs, agg, contention.NewKeyedMutex(time.Second), bus, nil)
	return svc, agg, bus
}

// ---------------------------------------------------------------------------
// Send message
// ---------------------------------------------------------------------------

func TestSendMessage_PersistsAndBroadcasts(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob", "carol")
	svc, agg, bus := newTestService(fs)

	view, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1",
		Body:           "hello everyone",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.ID == "" || view.CreatedAt == 0 {
		t.Fatal("view must carry an assigned id and timestamp")
	}
	if view.SenderID != "alice" || view.Body != "hello everyone" {
		t.Errorf("unexpected view: %+v", view)
	}

	if len(fs.messages) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(fs.messages))
	}
	if n := bus.countType(protocol.TypeNewMessage); n != 1 {
		t.Fatalf("expected 1 new_message broadcast, got %d", n)
	}

	recipients := agg.bumps["conv-1"]
	sort.Strings(recipients)
	if len(recipients) != 2 || recipients[0] != "bob" || recipients[1] != "carol" {
		t.Errorf("unread bumps must hit everyone but the sender, got %v", recipients)
	}
}

func TestSendMessage_NotMemberForbidden(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice")
	svc, _, bus := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), "mallory", protocol.SendMessageMsg{
		ConversationID: "conv-1",
		Body:           "let me in",
	})
	if !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if len(fs.messages) != 0 {
		t.Error("rejected send must persist nothing")
	}
	if len(bus.events) != 0 {
		t.Error("rejected send must broadcast nothing")
	}
}

func TestSendMessage_EmptyBodyInvalid(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice")
	svc, _, _ := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1",
	})
	if !fault.Is(err, fault.KindInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestSendMessage_BlockedDirectForbidden(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("dm-1", store.KindDirect, "alice", "bob")
	fs.blocks["bob|alice"] = true
	svc, _, _ := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "dm-1",
		Body:           "hi",
	})
	if !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden for blocked direct message, got %v", err)
	}
}

func TestSendMessage_ReplyCrossConversationInvalid(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	fs.addConversation("conv-2", store.KindGroup, "alice", "bob")
	svc, _, _ := newTestService(fs)

	parent, err := svc.SendMessage(context.Background(), "bob", protocol.SendMessageMsg{
		ConversationID: "conv-2",
		Body:           "original",
	})
	if err != nil {
		t.Fatalf("setup send: %v", err)
	}

	_, err = svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1",
		Body:           "reply",
		ReplyToID:      parent.ID,
	})
	if !fault.Is(err, fault.KindInvalid) {
		t.Fatalf("expected invalid for cross-conversation reply, got %v", err)
	}
}

func TestSendMessage_SerializedTimestamps(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, _ := newTestService(fs)

	const senders = 8
	const perSender = 10

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
					ConversationID: "conv-1",
					Body:           "m",
				})
				if err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.messages) != senders*perSender {
		t.Fatalf("expected %d messages, got %d", senders*perSender, len(fs.messages))
	}
	// Insertion order and timestamp order must agree: the timestamp is
	// assigned while holding the conversation token.
	for i := 1; i < len(fs.messages); i++ {
		if fs.messages[i].CreatedAt.Before(fs.messages[i-1].CreatedAt) {
			t.Fatalf("message %d timestamped before its predecessor", i)
		}
	}
}

func TestSendMessage_ContendedSurfaces(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice")
	agg := newFakeAgg()
	bus := &fakeBus{}
	locker := &contendedLocker{}
	svc := NewService(fs, fs, agg, locker, bus, nil)

	_, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1",
		Body:           "hi",
	})
	if !fault.Is(err, fault.KindContended) {
		t.Fatalf("expected contended, got %v", err)
	}
	if locker.attempts != lockAttempts {
		t.Errorf("expected %d acquire attempts, got %d", lockAttempts, locker.attempts)
	}
	if len(fs.messages) != 0 {
		t.Error("contended send must persist nothing")
	}
}

// ---------------------------------------------------------------------------
// Edit and delete
// ---------------------------------------------------------------------------

func TestEditMessage_OnlySender(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, bus := newTestService(fs)

	msg, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1", Body: "first",
	})
	if err != nil {
		t.Fatalf("setup send: %v", err)
	}

	_, err = svc.EditMessage(context.Background(), "bob", protocol.EditMessageMsg{
		MessageID: msg.ID, Body: "hijacked",
	})
	if !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden for non-sender edit, got %v", err)
	}

	edited, err := svc.EditMessage(context.Background(), "alice", protocol.EditMessageMsg{
		MessageID: msg.ID, Body: "second",
	})
	if err != nil {
		t.Fatalf("sender edit: %v", err)
	}
	if edited.Body != "second" || edited.EditedAt == 0 {
		t.Errorf("edit must update body and edited_at, got %+v", edited)
	}
	if n := bus.countType(protocol.TypeMessageEdited); n != 1 {
		t.Errorf("expected 1 message_edited broadcast, got %d", n)
	}
}

func TestDeleteMessage_IdempotentTombstone(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, bus := newTestService(fs)

	msg, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1", Body: "secret",
	})
	if err != nil {
		t.Fatalf("setup send: %v", err)
	}

	if err := svc.DeleteMessage(context.Background(), "bob", protocol.DeleteMessageMsg{MessageID: msg.ID}); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden for non-sender delete, got %v", err)
	}

	if err := svc.DeleteMessage(context.Background(), "alice", protocol.DeleteMessageMsg{MessageID: msg.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Second delete is idempotent.
	if err := svc.DeleteMessage(context.Background(), "alice", protocol.DeleteMessageMsg{MessageID: msg.ID}); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	stored, _ := fs.GetMessage(context.Background(), msg.ID)
	if !stored.Deleted() || stored.Body != "" {
		t.Error("delete must clear the body and set the tombstone")
	}

	// Deleted messages cannot be edited.
	if _, err := svc.EditMessage(context.Background(), "alice", protocol.EditMessageMsg{
		MessageID: msg.ID, Body: "resurrect",
	}); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not_found editing a tombstone, got %v", err)
	}

	if n := bus.countType(protocol.TypeMessageDeleted); n != 2 {
		t.Errorf("expected 2 message_deleted broadcasts, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Reactions
// ---------------------------------------------------------------------------

func TestAddReaction_DuplicateAbsorbed(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, bus := newTestService(fs)

	msg, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1", Body: "react to me",
	})
	if err != nil {
		t.Fatalf("setup send: %v", err)
	}

	first, err := svc.AddReaction(context.Background(), "bob", protocol.AddReactionMsg{
		MessageID: msg.ID, Emoji: "👍",
	})
	if err != nil {
		t.Fatalf("first reaction: %v", err)
	}
	if first["👍"] != 1 {
		t.Fatalf("expected tally 1, got %v", first)
	}

	// The duplicate is a store-level conflict absorbed as success.
	second, err := svc.AddReaction(context.Background(), "bob", protocol.AddReactionMsg{
		MessageID: msg.ID, Emoji: "👍",
	})
	if err != nil {
		t.Fatalf("duplicate reaction must succeed, got %v", err)
	}
	if second["👍"] != 1 {
		t.Fatalf("duplicate must not change the tally, got %v", second)
	}

	if n := bus.countType(protocol.TypeReactionSummary); n != 1 {
		t.Errorf("expected 1 summary broadcast (no-op duplicate is silent), got %d", n)
	}
}

func TestRemoveReaction_AbsentAbsorbed(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, bus := newTestService(fs)

	msg, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1", Body: "nothing here",
	})
	if err != nil {
		t.Fatalf("setup send: %v", err)
	}

	if _, err := svc.RemoveReaction(context.Background(), "bob", protocol.RemoveReactionMsg{
		MessageID: msg.ID, Emoji: "👍",
	}); err != nil {
		t.Fatalf("removing an absent reaction must be idempotent, got %v", err)
	}
	if n := bus.countType(protocol.TypeReactionSummary); n != 0 {
		t.Errorf("no-op removal must not broadcast, got %d events", n)
	}
}

func TestReactions_ConcurrentDistinctUsers(t *testing.T) {
	fs := newFakeStore()
	members := []string{"alice"}
	for i := 0; i < 10; i++ {
		members = append(members, "user-"+string(rune('a'+i)))
	}
	fs.addConversation("conv-1", store.KindGroup, members...)
	svc, _, _ := newTestService(fs)

	msg, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1", Body: "popular",
	})
	if err != nil {
		t.Fatalf("setup send: %v", err)
	}

	var wg sync.WaitGroup
	for _, uid := range members[1:] {
		uid := uid
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AddReaction(context.Background(), uid, protocol.AddReactionMsg{
				MessageID: msg.ID, Emoji: "🎉",
			}); err != nil {
				t.Errorf("reaction from %s: %v", uid, err)
			}
		}()
	}
	wg.Wait()

	summary, err := fs.ReactionSummary(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary["🎉"] != 10 {
		t.Fatalf("expected tally 10, got %v", summary)
	}
}

func TestListReactors_Paginated(t *testing.T) {
	fs := newFakeStore()
	members := []string{"alice", "u1", "u2", "u3"}
	fs.addConversation("conv-1", store.KindGroup, members...)
	svc, _, _ := newTestService(fs)

	msg, err := svc.SendMessage(context.Background(), "alice", protocol.SendMessageMsg{
		ConversationID: "conv-1", Body: "m",
	})
	if err != nil {
		t.Fatalf("setup send: %v", err)
	}
	for _, uid := range []string{"u1", "u2", "u3"} {
		if _, err := svc.AddReaction(context.Background(), uid, protocol.AddReactionMsg{
			MessageID: msg.ID, Emoji: "👍",
		}); err != nil {
			t.Fatalf("reaction from %s: %v", uid, err)
		}
	}

	page, err := svc.ListReactors(context.Background(), "alice", protocol.ListReactorsMsg{
		MessageID: msg.ID, Emoji: "👍", Limit: 2,
	})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.UserIDs) != 2 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	rest, err := svc.ListReactors(context.Background(), "alice", protocol.ListReactorsMsg{
		MessageID: msg.ID, Emoji: "👍", Limit: 2, Cursor: page.NextCursor,
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(rest.UserIDs) != 1 || rest.HasMore {
		t.Fatalf("unexpected second page: %+v", rest)
	}

	seen := append(append([]string(nil), page.UserIDs...), rest.UserIDs...)
	sort.Strings(seen)
	if seen[0] != "u1" || seen[1] != "u2" || seen[2] != "u3" {
		t.Errorf("pages must cover all reactors exactly once, got %v", seen)
	}
}

// ---------------------------------------------------------------------------
// Polls
// ---------------------------------------------------------------------------

func TestCreatePoll_ValidationAndBroadcast(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, bus := newTestService(fs)

	_, err := svc.CreatePoll(context.Background(), "alice", protocol.CreatePollMsg{
		ConversationID: "conv-1", Question: "lunch?", Options: []string{"pizza"},
	})
	if !fault.Is(err, fault.KindInvalid) {
		t.Fatalf("expected invalid for single-option poll, got %v", err)
	}

	view, err := svc.CreatePoll(context.Background(), "alice", protocol.CreatePollMsg{
		ConversationID: "conv-1",
		Question:       "lunch?",
		Options:        []string{"pizza", "sushi", "salad"},
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if view.Poll == nil || len(view.Poll.Options) != 3 {
		t.Fatalf("poll view must carry all options, got %+v", view.Poll)
	}
	if n := bus.countType(protocol.TypeNewMessage); n != 1 {
		t.Errorf("poll creation must broadcast its carrier message, got %d", n)
	}
}

func TestCastVote_SingleChoice(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, bus := newTestService(fs)

	view, err := svc.CreatePoll(context.Background(), "alice", protocol.CreatePollMsg{
		ConversationID: "conv-1", Question: "q?", Options: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	pollID := view.Poll.ID
	optA := view.Poll.Options[0].ID
	optB := view.Poll.Options[1].ID

	pv, err := svc.CastVote(context.Background(), "bob", protocol.CastVoteMsg{PollID: pollID, OptionID: optA})
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if pv.Options[0].Votes != 1 {
		t.Fatalf("expected 1 vote on option a, got %+v", pv.Options)
	}

	// Re-casting the same vote is idempotent.
	pv, err = svc.CastVote(context.Background(), "bob", protocol.CastVoteMsg{PollID: pollID, OptionID: optA})
	if err != nil {
		t.Fatalf("re-cast must succeed: %v", err)
	}
	if pv.Options[0].Votes != 1 {
		t.Fatalf("re-cast must not change the tally, got %+v", pv.Options)
	}

	// Voting a different option on a single-choice poll is rejected, not
	// silently moved.
	_, err = svc.CastVote(context.Background(), "bob", protocol.CastVoteMsg{PollID: pollID, OptionID: optB})
	if !fault.Is(err, fault.KindConflict) {
		t.Fatalf("expected conflict for option switch, got %v", err)
	}
	opts, _ := fs.PollOptions(context.Background(), pollID)
	if opts[0].Votes != 1 || opts[1].Votes != 0 {
		t.Fatalf("rejected switch must leave tallies untouched, got %+v", opts)
	}

	if n := bus.countType(protocol.TypePollSummary); n != 1 {
		t.Errorf("only the effective vote broadcasts, got %d", n)
	}
}

func TestCastVote_MultiChoice(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, _ := newTestService(fs)

	view, err := svc.CreatePoll(context.Background(), "alice", protocol.CreatePollMsg{
		ConversationID: "conv-1", Question: "toppings?", Options: []string{"a", "b"}, MultiChoice: true,
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	pollID := view.Poll.ID

	for _, opt := range view.Poll.Options {
		if _, err := svc.CastVote(context.Background(), "bob", protocol.CastVoteMsg{
			PollID: pollID, OptionID: opt.ID,
		}); err != nil {
			t.Fatalf("multi-choice vote on %s: %v", opt.Label, err)
		}
	}

	opts, _ := fs.PollOptions(context.Background(), pollID)
	if opts[0].Votes != 1 || opts[1].Votes != 1 {
		t.Fatalf("multi-choice voter must hold one vote per option, got %+v", opts)
	}
}

func TestRetractVote_AbsentAbsorbed(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, _, bus := newTestService(fs)

	view, err := svc.CreatePoll(context.Background(), "alice", protocol.CreatePollMsg{
		ConversationID: "conv-1", Question: "q?", Options: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}

	if _, err := svc.RetractVote(context.Background(), "bob", protocol.RetractVoteMsg{
		PollID: view.Poll.ID, OptionID: view.Poll.Options[0].ID,
	}); err != nil {
		t.Fatalf("retracting an absent vote must be idempotent, got %v", err)
	}
	if n := bus.countType(protocol.TypePollSummary); n != 0 {
		t.Errorf("no-op retraction must not broadcast, got %d", n)
	}
}

func TestListVoters_Paginated(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "u1", "u2", "u3")
	svc, _, _ := newTestService(fs)

	view, err := svc.CreatePoll(context.Background(), "alice", protocol.CreatePollMsg{
		ConversationID: "conv-1", Question: "q?", Options: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	pollID := view.Poll.ID
	optA := view.Poll.Options[0].ID

	for _, uid := range []string{"u1", "u2", "u3"} {
		if _, err := svc.CastVote(context.Background(), uid, protocol.CastVoteMsg{
			PollID: pollID, OptionID: optA,
		}); err != nil {
			t.Fatalf("vote from %s: %v", uid, err)
		}
	}

	page, err := svc.ListVoters(context.Background(), "alice", protocol.ListVotersMsg{
		PollID: pollID, OptionID: optA, Limit: 2,
	})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.UserIDs) != 2 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	rest, err := svc.ListVoters(context.Background(), "alice", protocol.ListVotersMsg{
		PollID: pollID, OptionID: optA, Limit: 2, Cursor: page.NextCursor,
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(rest.UserIDs) != 1 || rest.HasMore {
		t.Fatalf("unexpected second page: %+v", rest)
	}

	if _, err := svc.ListVoters(context.Background(), "mallory", protocol.ListVotersMsg{
		PollID: pollID, OptionID: optA,
	}); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden for non-member, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Read positions
// ---------------------------------------------------------------------------

func TestMarkRead_ResetsUnread(t *testing.T) {
	fs := newFakeStore()
	fs.addConversation("conv-1", store.KindGroup, "alice", "bob")
	svc, agg, _ := newTestService(fs)

	if err := svc.MarkRead(context.Background(), "bob", protocol.MarkReadMsg{ConversationID: "conv-1"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(agg.resets) != 1 || agg.resets[0] != "conv-1|bob" {
		t.Fatalf("mark read must reset the member's cached counter, got %v", agg.resets)
	}

	if err := svc.MarkRead(context.Background(), "mallory", protocol.MarkReadMsg{ConversationID: "conv-1"}); !fault.Is(err, fault.KindForbidden) {
		t.Fatalf("expected forbidden for non-member mark read, got %v", err)
	}
}
