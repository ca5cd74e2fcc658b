package chat

import "time"

// Request/response payload types for the learning-platform chat API.

// JoinSessionRequest is the payload for POST /chat/session/join.
type JoinSessionRequest struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// JoinSessionResponse is returned from POST /chat/session/join.
type JoinSessionResponse struct {
	SessionID string `json:"session_id"`
	PushHost  string `json:"push_host"`
}

// SendMessageRequest is the payload for POST /chat/messages.
type SendMessageRequest struct {
	GroupID  string `json:"group_id"`
	Kind     string `json:"kind"`
	Content  string `json:"content,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

// MessageResponse is the confirmed message shape returned from send, edit
// and history endpoints.
type MessageResponse struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	DisplayName string    `json:"display_name"`
	Kind        string    `json:"kind"`
	Content     string    `json:"content,omitempty"`
	MediaRef    string    `json:"media_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Pinned      bool      `json:"pinned"`

	// Poll fields, present when Kind is "poll".
	Question      string              `json:"question,omitempty"`
	Options       []string            `json:"options,omitempty"`
	OptionIDs     []string            `json:"option_ids,omitempty"`
	AllowMultiple bool                `json:"allow_multiple,omitempty"`
	VotesByOption map[string][]string `json:"votes_by_option,omitempty"`
}

// EditMessageRequest is the payload for POST /chat/messages/edit.
type EditMessageRequest struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteMessageRequest is the payload for POST /chat/messages/delete.
type DeleteMessageRequest struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
}

// CreatePollRequest is the payload for POST /chat/polls.
type CreatePollRequest struct {
	GroupID       string   `json:"group_id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	AllowMultiple bool     `json:"allow_multiple"`
}

// CreatePollResponse is returned from POST /chat/polls.
type CreatePollResponse struct {
	ID        string    `json:"id"`
	OptionIDs []string  `json:"option_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// CastVoteRequest is the payload for POST /chat/polls/vote.
type CastVoteRequest struct {
	GroupID  string `json:"group_id"`
	PollID   string `json:"poll_id"`
	OptionID string `json:"option_id"`
}

// CastVoteResponse is returned from POST /chat/polls/vote. VotesByOption is
// the authoritative per-option voter list after the vote was persisted.
type CastVoteResponse struct {
	OptionIDs     []string            `json:"option_ids"`
	VotesByOption map[string][]string `json:"votes_by_option"`
}

// PollMetadataRequest is the payload for POST /chat/polls/metadata.
type PollMetadataRequest struct {
	GroupID string `json:"group_id"`
	PollID  string `json:"poll_id"`
}

// PollMetadataResponse is returned from POST /chat/polls/metadata.
type PollMetadataResponse struct {
	OptionIDs     []string            `json:"option_ids"`
	VotesByOption map[string][]string `json:"votes_by_option"`
	AllowMultiple bool                `json:"allow_multiple"`
	ClosesAt      time.Time           `json:"closes_at,omitempty"`
	ClosedAt      time.Time           `json:"closed_at,omitempty"`
}

// SetPinnedRequest is the payload for POST /chat/pins.
type SetPinnedRequest struct {
	GroupID string `json:"group_id"`
	EntryID string `json:"entry_id"`
	Pinned  bool   `json:"pinned"`
}

// PinnedPollsRequest is the payload for POST /chat/pins/polls.
type PinnedPollsRequest struct {
	GroupID string `json:"group_id"`
}

// RecentMessagesRequest is the payload for POST /chat/messages/recent.
type RecentMessagesRequest struct {
	GroupID  string `json:"group_id"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// MembersRequest is the payload for POST /chat/members.
type MembersRequest struct {
	GroupID string `json:"group_id"`
}

// apiError represents an error response body from the chat API.
type apiError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
