package chat

import (
	"time"
)

// Timeline holds the ordered, deduplicated entry list for one group. It is
// the single mutation path for message state: every confirmation, push
// event, optimistic create and rollback goes through it.
//
// Not safe for concurrent use; the Session serializes access.
type Timeline struct {
	entries []*Entry
	// byID indexes entries by permanent id once confirmed.
	byID map[string]*Entry
	// byLocal indexes entries by client-generated local id.
	byLocal map[string]*Entry

	matchWindow time.Duration
}

// NewTimeline creates an empty timeline. window bounds optimistic matching;
// zero means the default.
func NewTimeline(window time.Duration) *Timeline {
	if window <= 0 {
		window = defaultMatchWindow
	}
	return &Timeline{
		byID:        make(map[string]*Entry),
		byLocal:     make(map[string]*Entry),
		matchWindow: window,
	}
}

// Entries returns a snapshot copy of the ordered entry list. Entries are
// shallow-copied so the caller cannot mutate timeline state through the
// snapshot (the Poll pointer is deep-copied for the same reason).
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
		if e.Poll != nil {
			out[i].Poll = clonePoll(e.Poll)
		}
	}
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int { return len(t.entries) }

// Get returns the entry with the given permanent or local id, or nil.
func (t *Timeline) Get(id string) *Entry {
	if e, ok := t.byID[id]; ok {
		return e
	}
	if e, ok := t.byLocal[id]; ok {
		return e
	}
	return nil
}

// AppendOptimistic adds a locally created, not yet confirmed entry at the
// end of the timeline.
func (t *Timeline) AppendOptimistic(e *Entry) {
	e.Pending = true
	t.entries = append(t.entries, e)
	if e.LocalID != "" {
		t.byLocal[e.LocalID] = e
	}
}

// ApplyIncoming merges a confirmed entry (from the API response or a push
// event) into the timeline. Safe to call multiple times for the same
// logical message: duplicates are dropped, an optimistic counterpart is
// promoted in place without changing its position, and anything else is
// appended. Returns the materialized entry and whether the call changed
// the timeline.
//
// localID, when known (confirmation path), pins the match to the entry the
// caller created; pass "" on the push path.
func (t *Timeline) ApplyIncoming(confirmed Entry, localID string, now time.Time) (*Entry, bool) {
	// System notifications are synthetic and exempt from identity
	// resolution: always appended, never matched or replaced.
	if confirmed.Kind == KindSystem {
		return t.appendConfirmed(confirmed), true
	}

	res := resolve(incoming{
		id:       confirmed.ID,
		senderID: confirmed.SenderID,
		kind:     confirmed.Kind,
		content:  confirmed.Content,
		mediaRef: confirmed.MediaRef,
		localID:  localID,
	}, t.entries, now, t.matchWindow)

	switch res.action {
	case actionIgnore:
		// Duplicate delivery. The entry may still be pending if the push
		// raced the confirmation and carried the same id; promote it.
		e := t.Get(confirmed.ID)
		if e != nil && e.Pending {
			t.promote(e, confirmed)
			return e, true
		}
		return e, false

	case actionReplace:
		e := t.byLocal[res.localID]
		if e == nil {
			// Index out of step with the entry list; treat as new.
			return t.appendConfirmed(confirmed), true
		}
		t.promote(e, confirmed)
		return e, true

	default:
		return t.appendConfirmed(confirmed), true
	}
}

// promote replaces an optimistic entry's state with its confirmed
// counterpart in place. Position in the ordered list is untouched; the
// local id stays indexed so late duplicates keyed on it are recognised.
// Pin state is kept local: pins travel through the pin synchronizer, not
// through message confirmation.
func (t *Timeline) promote(entry *Entry, confirmed Entry) {
	entry.ID = confirmed.ID
	entry.SenderID = confirmed.SenderID
	if confirmed.DisplayName != "" {
		entry.DisplayName = confirmed.DisplayName
	}
	entry.Content = confirmed.Content
	if confirmed.MediaRef != "" {
		entry.MediaRef = confirmed.MediaRef
	}
	if !confirmed.CreatedAt.IsZero() {
		entry.CreatedAt = confirmed.CreatedAt
	}
	entry.Pending = false

	if confirmed.Poll != nil {
		if entry.Poll == nil {
			entry.Poll = clonePoll(confirmed.Poll)
		} else {
			adoptPollMetadata(entry.Poll, confirmed.Poll)
		}
	}

	if confirmed.ID != "" {
		t.byID[confirmed.ID] = entry
	}
}

// appendConfirmed appends a wholly new confirmed entry.
func (t *Timeline) appendConfirmed(confirmed Entry) *Entry {
	e := confirmed
	e.Pending = false
	if e.Poll != nil {
		e.Poll = clonePoll(e.Poll)
	}
	t.entries = append(t.entries, &e)
	if e.ID != "" {
		t.byID[e.ID] = &e
	}
	if e.LocalID != "" {
		t.byLocal[e.LocalID] = &e
	}
	return &e
}

// RemoveLocal rolls back an optimistic entry after its API call failed.
// Confirmed entries are left alone; losing server state over a local
// failure would be worse than a stray entry.
func (t *Timeline) RemoveLocal(localID string) bool {
	e, ok := t.byLocal[localID]
	if !ok || !e.Pending {
		return false
	}

	delete(t.byLocal, localID)
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	return true
}

// Remove deletes a confirmed entry by permanent id. Used for explicit
// user deletes after server confirmation.
func (t *Timeline) Remove(id string) bool {
	e, ok := t.byID[id]
	if !ok {
		return false
	}

	delete(t.byID, id)
	if e.LocalID != "" {
		delete(t.byLocal, e.LocalID)
	}
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	return true
}

// indexOf returns the position of an entry in the ordered list, or -1.
func (t *Timeline) indexOf(e *Entry) int {
	for i, cur := range t.entries {
		if cur == e {
			return i
		}
	}
	return -1
}

// insertAt restores an entry at a position, clamped to the current bounds.
// Used to undo an optimistic delete whose API call failed.
func (t *Timeline) insertAt(e *Entry, pos int) {
	if pos < 0 || pos > len(t.entries) {
		pos = len(t.entries)
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = e
	if e.ID != "" {
		t.byID[e.ID] = e
	}
	if e.LocalID != "" {
		t.byLocal[e.LocalID] = e
	}
}

// AppendSystem appends a synthetic system notification (member joined or
// left). System entries carry no permanent id and cannot be pinned.
func (t *Timeline) AppendSystem(content string, at time.Time) *Entry {
	e := &Entry{
		Kind:      KindSystem,
		Content:   content,
		CreatedAt: at,
	}
	t.entries = append(t.entries, e)
	return e
}

func clonePoll(p *Poll) *Poll {
	cp := &Poll{
		Question:      p.Question,
		Options:       append([]string(nil), p.Options...),
		OptionIDs:     append([]string(nil), p.OptionIDs...),
		AllowMultiple: p.AllowMultiple,
		ClosesAt:      p.ClosesAt,
		ClosedAt:      p.ClosedAt,
		Votes:         make(map[int]map[string]struct{}, len(p.Votes)),
	}
	for idx, voters := range p.Votes {
		set := make(map[string]struct{}, len(voters))
		for v := range voters {
			set[v] = struct{}{}
		}
		cp.Votes[idx] = set
	}
	return cp
}
