package chat

import "time"

// EntryKind identifies what a timeline entry renders as.
type EntryKind string

const (
	KindText   EntryKind = "text"
	KindImage  EntryKind = "image"
	KindFile   EntryKind = "file"
	KindVoice  EntryKind = "voice"
	KindPoll   EntryKind = "poll"
	KindSystem EntryKind = "system"
)

// Role is a member's role within a group.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleLearner    Role = "learner"
	RoleOther      Role = "other"
)

// Entry is one timeline item: a message, an inline poll, or a system
// notification. An entry starts life optimistic (LocalID set, ID empty,
// Pending true) and is promoted to confirmed when the server assigns a
// permanent ID via the API response or a push event.
type Entry struct {
	// ID is the server-assigned permanent id. Empty while pending.
	ID string
	// LocalID is the client-generated id assigned at optimistic creation.
	// Retained after confirmation so late duplicates of the confirmation
	// can still be recognised.
	LocalID string

	SenderID    string
	DisplayName string
	Kind        EntryKind
	Content     string
	MediaRef    string
	CreatedAt   time.Time
	Pinned      bool
	Pending     bool

	// Poll is set only for KindPoll entries.
	Poll *Poll
}

// EntryID returns the permanent id when known, otherwise the local id.
// This is the id the UI and the pin synchronizer key on.
func (e *Entry) EntryID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.LocalID
}

// Poll holds the poll state attached to a KindPoll entry.
//
// Votes maps option index to the set of voter user ids. OptionIDs is the
// parallel list of server-assigned option identifiers; it stays empty until
// the creation response or a metadata fetch supplies it, and voting is
// refused until then.
type Poll struct {
	Question      string
	Options       []string
	OptionIDs     []string
	AllowMultiple bool
	Votes         map[int]map[string]struct{}
	ClosesAt      time.Time
	ClosedAt      time.Time
}

// Ready reports whether the poll has server option ids and can accept votes.
func (p *Poll) Ready() bool {
	return len(p.OptionIDs) == len(p.Options) && len(p.OptionIDs) > 0
}

// voteCount returns the total number of recorded votes across all options.
func (p *Poll) voteCount() int {
	n := 0
	for _, voters := range p.Votes {
		n += len(voters)
	}
	return n
}

// Member is one entry in the group roster.
type Member struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Status describes the session's connection health.
type Status string

const (
	// StatusConnected means the push channel is joined and live.
	StatusConnected Status = "connected"
	// StatusDegraded means the push channel is down but the
	// request/response API still works (send-only mode).
	StatusDegraded Status = "degraded"
	// StatusDisconnected means the session has not joined or has left.
	StatusDisconnected Status = "disconnected"
)

// Push-channel wire types.

// Event type strings sent by the server on the push channel.
const (
	EventNewMessage      = "newMessage"
	EventPollCreated     = "pollCreated"
	EventPollUpdated     = "pollUpdated"
	EventMessagePinned   = "messagePinned"
	EventPollPinned      = "pollPinned"
	EventMemberJoined    = "memberJoined"
	EventMemberLeft      = "memberLeft"
	EventConnEstablished = "connectionEstablished"
	EventConnLost        = "connectionLost"
	EventAuthFailed      = "authenticationFailed"
)

// PushEvent is the envelope for every push-channel frame. Fields beyond the
// envelope are populated per event type; absent fields decode to zero values.
type PushEvent struct {
	Type      string    `json:"type"`
	GroupID   string    `json:"group_id"`
	EntryID   string    `json:"entry_id,omitempty"`
	SenderID  string    `json:"sender_id,omitempty"`
	Timestamp time.Time `json:"ts"`

	// newMessage / pollCreated payload.
	DisplayName string `json:"display_name,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Content     string `json:"content,omitempty"`
	MediaRef    string `json:"media_ref,omitempty"`

	// pollCreated / pollUpdated payload.
	Question      string              `json:"question,omitempty"`
	Options       []string            `json:"options,omitempty"`
	OptionIDs     []string            `json:"option_ids,omitempty"`
	AllowMultiple bool                `json:"allow_multiple,omitempty"`
	VotesByOption map[string][]string `json:"votes_by_option,omitempty"`

	// messagePinned / pollPinned payload.
	Pinned bool `json:"pinned,omitempty"`

	// memberJoined / memberLeft payload.
	Member *Member `json:"member,omitempty"`
}

// joinMessage is sent as the first frame after the websocket connects.
type joinMessage struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
	Token   string `json:"token"`
}

// joinResponse is the server's reply to a join frame.
type joinResponse struct {
	Type   string `json:"type"`
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}
