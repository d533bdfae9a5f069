// Package protocol defines the WebSocket message types and structures used
// for communication between clients and the server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator. Client requests may carry a "ref" correlation id that the
// server echoes on the corresponding response or error.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeSendMessage    = "send_message"
	TypeEditMessage    = "edit_message"
	TypeDeleteMessage  = "delete_message"
	TypeAddReaction    = "add_reaction"
	TypeRemoveReaction = "remove_reaction"
	TypeCreatePoll     = "create_poll"
	TypeCastVote       = "cast_vote"
	TypeRetractVote    = "retract_vote"
	TypeMarkRead       = "mark_read"
	TypeFetchHistory   = "fetch_history"
	TypeListReactors   = "list_reactors"
	TypeListVoters     = "list_voters"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeHello           = "hello"
	TypeRoomJoined      = "room_joined"
	TypeRoomLeft        = "room_left"
	TypeAck             = "ack"
	TypeNewMessage      = "new_message"
	TypeMessageEdited   = "message_edited"
	TypeMessageDeleted  = "message_deleted"
	TypeReactionSummary = "reaction_summary"
	TypePollSummary     = "poll_summary"
	TypePresenceChanged = "presence_changed"
	TypeHistoryPage     = "history_page"
	TypeReactorPage     = "reactor_page"
	TypeVoterPage       = "voter_page"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared wire views
// ---------------------------------------------------------------------------

// MessageView is the client-facing projection of a persisted message. It
// carries denormalized reaction and poll summaries, never the underlying
// detail rows, so its size stays bounded regardless of social activity.
type MessageView struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Body           string         `json:"body,omitempty"`
	ReplyToID      string         `json:"reply_to_id,omitempty"`
	AttachmentKey  string         `json:"attachment_key,omitempty"`
	CreatedAt      int64          `json:"created_at"` // unix nanoseconds
	EditedAt       int64          `json:"edited_at,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	Reactions      map[string]int `json:"reactions,omitempty"`
	Poll           *PollView      `json:"poll,omitempty"`
}

// PollView is the summary projection of a poll: option labels and current
// vote counts, without the voter detail rows.
type PollView struct {
	ID          string           `json:"id"`
	Question    string           `json:"question"`
	MultiChoice bool             `json:"multi_choice"`
	Options     []PollOptionView `json:"options"`
}

// PollOptionView is a single poll option with its current tally.
type PollOptionView struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Position int    `json:"position"`
	Votes    int    `json:"votes"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg subscribes the connection to live events for a conversation.
// Membership is verified server-side before the room is joined.
type JoinRoomMsg struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// LeaveRoomMsg unsubscribes the connection from a conversation's events.
type LeaveRoomMsg struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg persists and broadcasts a new message.
type SendMessageMsg struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
	AttachmentKey  string `json:"attachment_key,omitempty"`
}

// EditMessageMsg replaces the body of a message the sender authored.
type EditMessageMsg struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

// DeleteMessageMsg soft-deletes a message the sender authored.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	MessageID string `json:"message_id"`
}

// AddReactionMsg applies an emoji reaction to a message. Re-applying the
// same emoji is idempotent.
type AddReactionMsg struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// RemoveReactionMsg removes the caller's reaction from a message.
type RemoveReactionMsg struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// CreatePollMsg attaches a poll to a new message in the conversation.
type CreatePollMsg struct {
	Type           string   `json:"type"`
	Ref            string   `json:"ref,omitempty"`
	ConversationID string   `json:"conversation_id"`
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	MultiChoice    bool     `json:"multi_choice"`
}

// CastVoteMsg records the caller's vote for a poll option. Re-casting the
// same vote is idempotent; on a single-choice poll a second vote for a
// different option is rejected, not silently moved.
type CastVoteMsg struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	PollID   string `json:"poll_id"`
	OptionID string `json:"option_id"`
}

// RetractVoteMsg removes the caller's vote from a poll option.
type RetractVoteMsg struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	PollID   string `json:"poll_id"`
	OptionID string `json:"option_id"`
}

// MarkReadMsg advances the caller's read position in a conversation.
type MarkReadMsg struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// FetchHistoryMsg requests a page of message history older than the cursor.
type FetchHistoryMsg struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
	Cursor         string `json:"cursor,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ListReactorsMsg requests a page of the users who reacted to a message
// with a given emoji. This is the only way to fetch reaction detail rows.
type ListReactorsMsg struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Cursor    string `json:"cursor,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ListVotersMsg requests a page of the users who voted for a poll option.
// Like list_reactors, this is the only way to fetch vote detail rows.
type ListVotersMsg struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	PollID   string `json:"poll_id"`
	OptionID string `json:"option_id"`
	Cursor   string `json:"cursor,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// HelloMsg is sent once after a successful handshake.
type HelloMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// RoomJoinedMsg confirms a join_room request.
type RoomJoinedMsg struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// RoomLeftMsg confirms a leave_room request.
type RoomLeftMsg struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
}

// AckMsg is a generic success response for requests that return no entity
// (mark_read, retract_vote).
type AckMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// NewMessageMsg carries a freshly persisted message. It doubles as the ack
// for send_message (the sender receives it with its ref set) and as the
// broadcast event for everyone else in the room.
type NewMessageMsg struct {
	Type    string      `json:"type"`
	Ref     string      `json:"ref,omitempty"`
	Message MessageView `json:"message"`
}

// MessageEditedMsg broadcasts an edited message.
type MessageEditedMsg struct {
	Type    string      `json:"type"`
	Ref     string      `json:"ref,omitempty"`
	Message MessageView `json:"message"`
}

// MessageDeletedMsg broadcasts a soft-deletion.
type MessageDeletedMsg struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ReactionSummaryMsg broadcasts the updated per-emoji tallies for a
// message after a reaction was added or removed.
type ReactionSummaryMsg struct {
	Type           string         `json:"type"`
	Ref            string         `json:"ref,omitempty"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Reactions      map[string]int `json:"reactions"`
}

// PollSummaryMsg broadcasts the updated option tallies for a poll.
type PollSummaryMsg struct {
	Type           string   `json:"type"`
	Ref            string   `json:"ref,omitempty"`
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Poll           PollView `json:"poll"`
}

// PresenceChangedMsg notifies a room that a member came online or went
// offline in it.
type PresenceChangedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
}

// HistoryPageMsg is the response to fetch_history.
type HistoryPageMsg struct {
	Type           string        `json:"type"`
	Ref            string        `json:"ref,omitempty"`
	ConversationID string        `json:"conversation_id"`
	Items          []MessageView `json:"items"`
	NextCursor     string        `json:"next_cursor,omitempty"`
	HasMore        bool          `json:"has_more"`
}

// ReactorPageMsg is the response to list_reactors.
type ReactorPageMsg struct {
	Type       string   `json:"type"`
	Ref        string   `json:"ref,omitempty"`
	MessageID  string   `json:"message_id"`
	Emoji      string   `json:"emoji"`
	UserIDs    []string `json:"user_ids"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// VoterPageMsg is the response to list_voters.
type VoterPageMsg struct {
	Type       string   `json:"type"`
	Ref        string   `json:"ref,omitempty"`
	PollID     string   `json:"poll_id"`
	OptionID   string   `json:"option_id"`
	UserIDs    []string `json:"user_ids"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// RateLimitedMsg is sent when the client has exceeded an operation quota.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Ref        string `json:"ref,omitempty"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition with a stable code.
type ErrorMsg struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAddReaction:
		var m AddReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRemoveReaction:
		var m RemoveReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreatePoll:
		var m CreatePollMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCastVote:
		var m CastVoteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRetractVote:
		var m RetractVoteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFetchHistory:
		var m FetchHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListReactors:
		var m ListReactorsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListVoters:
		var m ListVotersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
