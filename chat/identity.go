package chat

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// defaultMatchWindow bounds how old a pending entry may be and still match
// an incoming confirmation. Without the bound, a push event for another
// user's identical message could be absorbed by a stale optimistic entry
// left over from a long-idle session.
const defaultMatchWindow = 5 * time.Second

// resolveAction says what to do with an incoming confirmed entry.
type resolveAction int

const (
	// actionIgnore: the permanent id is already materialized, duplicate
	// delivery from the other channel.
	actionIgnore resolveAction = iota
	// actionReplace: a pending optimistic entry matches, promote it in place.
	actionReplace
	// actionAppend: wholly new entry, append at the end.
	actionAppend
)

// resolution is the outcome of matching one incoming entry against the
// timeline. LocalID is set only for actionReplace.
type resolution struct {
	action  resolveAction
	localID string
}

// incoming is the identity-relevant projection of a confirmed entry arriving
// from either the request/response API or the push channel.
type incoming struct {
	id       string
	senderID string
	kind     EntryKind
	content  string
	mediaRef string
	// localID, when non-empty, pins the match to one specific optimistic
	// entry. Set on the confirmation path, where the caller knows exactly
	// which entry it created; the push path leaves it empty.
	localID string
}

// fingerprint normalizes text content for comparison. The server may
// re-serialize message bodies, so byte equality is too strict; NFC
// normalization plus whitespace trimming matches what survives the round
// trip.
func fingerprint(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// resolve matches an incoming confirmed entry against the current timeline.
//
// Rules, in order:
//  1. permanent id already present -> ignore (duplicate delivery);
//  2. a pending entry from the same sender, same kind, matching content or
//     media fingerprint, created within the recency window -> replace;
//  3. otherwise -> append.
//
// Polls skip the content check: the server may normalize the question text,
// so sender + kind + recency is the whole match. System entries never reach
// resolve; the timeline appends them unconditionally.
func resolve(in incoming, entries []*Entry, now time.Time, window time.Duration) resolution {
	if window <= 0 {
		window = defaultMatchWindow
	}

	for _, e := range entries {
		if in.id != "" && (e.ID == in.id || (e.LocalID != "" && e.LocalID == in.id)) {
			return resolution{action: actionIgnore}
		}
	}

	inContent := ""
	if in.kind == KindText {
		inContent = fingerprint(in.content)
	}

	for _, e := range entries {
		if !e.Pending {
			continue
		}
		if in.localID != "" {
			if e.LocalID == in.localID {
				return resolution{action: actionReplace, localID: e.LocalID}
			}
			continue
		}
		if e.SenderID != in.senderID || e.Kind != in.kind {
			continue
		}
		if now.Sub(e.CreatedAt) > window {
			continue
		}

		switch in.kind {
		case KindText:
			if fingerprint(e.Content) == inContent {
				return resolution{action: actionReplace, localID: e.LocalID}
			}
		case KindImage, KindFile, KindVoice:
			if e.MediaRef != "" && e.MediaRef == in.mediaRef {
				return resolution{action: actionReplace, localID: e.LocalID}
			}
		case KindPoll:
			// Sender + kind + recency is sufficient for polls.
			return resolution{action: actionReplace, localID: e.LocalID}
		}
	}

	return resolution{action: actionAppend}
}
