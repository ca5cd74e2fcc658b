package chat

import (
	"log/slog"

	"github.com/learnloop/chat-sync/internal/state"
)

// pinSync tracks pinned status across the server's pin listing and the
// locally persisted sticky set. The sticky set exists because the server's
// pinned-entry listing is eventually consistent: a refresh racing a recent
// pin can come back without it, and without local memory the pin would
// visibly flap. Sticky entries change only on explicit pin/unpin actions
// and explicit server pin events, never on a generic refresh.
type pinSync struct {
	store   *state.State
	groupID string
	logger  *slog.Logger
}

func newPinSync(store *state.State, groupID string, logger *slog.Logger) *pinSync {
	return &pinSync{store: store, groupID: groupID, logger: logger}
}

// sticky returns the persisted sticky pin set. A read failure degrades to
// an empty set; the server listing still applies.
func (p *pinSync) sticky() map[string]struct{} {
	pins, err := p.store.StickyPins(p.groupID)
	if err != nil {
		p.logger.Warn("reading sticky pins",
			slog.String("group_id", p.groupID),
			slog.String("error", err.Error()),
		)
		return map[string]struct{}{}
	}
	return pins
}

// record persists an explicit pin or unpin for an entry id.
func (p *pinSync) record(entryID string, pinned bool) {
	var err error
	if pinned {
		err = p.store.AddStickyPin(p.groupID, entryID)
	} else {
		err = p.store.RemoveStickyPin(p.groupID, entryID)
	}
	if err != nil {
		p.logger.Warn("persisting sticky pin",
			slog.String("entry_id", entryID),
			slog.Bool("pinned", pinned),
			slog.String("error", err.Error()),
		)
	}
}

// promote rewrites a sticky entry pinned under its optimistic local id to
// the server-assigned permanent id.
func (p *pinSync) promote(localID, permanentID string) {
	if localID == "" || permanentID == "" || localID == permanentID {
		return
	}
	if err := p.store.ReplaceStickyPin(p.groupID, localID, permanentID); err != nil {
		p.logger.Warn("promoting sticky pin",
			slog.String("local_id", localID),
			slog.String("entry_id", permanentID),
			slog.String("error", err.Error()),
		)
	}
}

// applyServerList merges a server pinned-entry listing into the timeline:
// the pinned view is {server-reported ids} ∪ {sticky set}. Entries the
// server reports pinned but which are absent from the timeline (old polls
// outside the loaded history window) are synthesized so they still render.
// The sticky set is deliberately not trimmed here: absence from one listing
// is not evidence of an unpin.
func (p *pinSync) applyServerList(t *Timeline, serverPinned []MessageResponse) {
	for i := range serverPinned {
		m := &serverPinned[i]
		if e := t.Get(m.ID); e != nil {
			e.Pinned = true
			continue
		}

		synth := entryFromMessage(m)
		synth.Pinned = true
		t.ApplyIncoming(synth, "", synth.CreatedAt)
	}

	for id := range p.sticky() {
		if e := t.Get(id); e != nil {
			e.Pinned = true
		}
	}
}
