package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","ref":"r1","conversation_id":"conv-1","body":"hello there"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ConversationID != "conv-1" {
		t.Errorf("expected conversation_id %q, got %q", "conv-1", sm.ConversationID)
	}
	if sm.Body != "hello there" {
		t.Errorf("expected body %q, got %q", "hello there", sm.Body)
	}
	if sm.Ref != "r1" {
		t.Errorf("expected ref %q, got %q", "r1", sm.Ref)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a cast_vote message
// ---------------------------------------------------------------------------

func TestParseClientMessage_CastVote(t *testing.T) {
	input := []byte(`{"type":"cast_vote","poll_id":"p1","option_id":"o2"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCastVote {
		t.Fatalf("expected type %q, got %q", TypeCastVote, msgType)
	}

	cv, ok := msg.(CastVoteMsg)
	if !ok {
		t.Fatalf("expected CastVoteMsg, got %T", msg)
	}
	if cv.PollID != "p1" {
		t.Errorf("expected poll_id %q, got %q", "p1", cv.PollID)
	}
	if cv.OptionID != "o2" {
		t.Errorf("expected option_id %q, got %q", "o2", cv.OptionID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a new_message server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	payload := NewMessageMsg{
		Ref: "r7",
		Message: MessageView{
			ID:             "msg-1",
			ConversationID: "conv-1",
			SenderID:       "user-1",
			Body:           "hi",
			CreatedAt:      1700000000000000000,
			Reactions:      map[string]int{"👍": 2},
		},
	}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}
	if result["ref"] != "r7" {
		t.Errorf("expected ref %q, got %v", "r7", result["ref"])
	}

	message, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message to be an object, got %T", result["message"])
	}
	if message["id"] != "msg-1" {
		t.Errorf("expected message id %q, got %v", "msg-1", message["id"])
	}
	if message["sender_id"] != "user-1" {
		t.Errorf("expected sender_id %q, got %v", "user-1", message["sender_id"])
	}

	reactions, ok := message["reactions"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected reactions to be an object, got %T", message["reactions"])
	}
	if n, ok := reactions["👍"].(float64); !ok || int(n) != 2 {
		t.Errorf("expected 👍 count 2, got %v", reactions["👍"])
	}
}

// ---------------------------------------------------------------------------
// Test: A soft-deleted message view exposes no content
// ---------------------------------------------------------------------------

func TestMessageView_DeletedOmitsContent(t *testing.T) {
	view := MessageView{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "user-1",
		CreatedAt:      1700000000000000000,
		Deleted:        true,
	}

	data, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if _, present := result["body"]; present {
		t.Error("deleted view must not carry a body field")
	}
	if result["deleted"] != true {
		t.Errorf("expected deleted=true, got %v", result["deleted"])
	}
	if result["id"] != "msg-1" {
		t.Errorf("tombstone must keep its id, got %v", result["id"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only types are rejected from clients
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"new_message","message":{}}`)

	_, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for server-only message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join_room", `{"type":"join_room","conversation_id":"c1"}`, TypeJoinRoom},
		{"leave_room", `{"type":"leave_room","conversation_id":"c1"}`, TypeLeaveRoom},
		{"send_message", `{"type":"send_message","conversation_id":"c1","body":"hi"}`, TypeSendMessage},
		{"edit_message", `{"type":"edit_message","message_id":"m1","body":"hi!"}`, TypeEditMessage},
		{"delete_message", `{"type":"delete_message","message_id":"m1"}`, TypeDeleteMessage},
		{"add_reaction", `{"type":"add_reaction","message_id":"m1","emoji":"👍"}`, TypeAddReaction},
		{"remove_reaction", `{"type":"remove_reaction","message_id":"m1","emoji":"👍"}`, TypeRemoveReaction},
		{"create_poll", `{"type":"create_poll","conversation_id":"c1","question":"q?","options":["a","b"]}`, TypeCreatePoll},
		{"cast_vote", `{"type":"cast_vote","poll_id":"p1","option_id":"o1"}`, TypeCastVote},
		{"retract_vote", `{"type":"retract_vote","poll_id":"p1","option_id":"o1"}`, TypeRetractVote},
		{"mark_read", `{"type":"mark_read","conversation_id":"c1"}`, TypeMarkRead},
		{"fetch_history", `{"type":"fetch_history","conversation_id":"c1","limit":10}`, TypeFetchHistory},
		{"list_reactors", `{"type":"list_reactors","message_id":"m1","emoji":"👍"}`, TypeListReactors},
		{"list_voters", `{"type":"list_voters","poll_id":"p1","option_id":"o1"}`, TypeListVoters},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
