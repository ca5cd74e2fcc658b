package chat

import (
	"errors"
)

// ErrPollNotReady is returned when a vote is attempted before the poll's
// server option ids are known. Retryable: the ids arrive with the creation
// response, a push event, or the background metadata fetch.
var ErrPollNotReady = errors.New("poll not ready: option ids unknown")

// ErrUnknownEntry is returned when an operation references an entry id not
// present in the timeline.
var ErrUnknownEntry = errors.New("unknown entry")

// applyLocalVote updates a poll's vote sets for the local user's optimistic
// toggle. Single-choice clears the user's vote from every other option
// before recording the new one; multi-choice toggles membership in exactly
// the chosen option's set.
func applyLocalVote(p *Poll, userID string, optionIndex int) error {
	if p == nil || !p.Ready() {
		return ErrPollNotReady
	}
	if optionIndex < 0 || optionIndex >= len(p.Options) {
		return ErrPollNotReady
	}

	if p.Votes == nil {
		p.Votes = make(map[int]map[string]struct{})
	}

	if p.AllowMultiple {
		set := p.Votes[optionIndex]
		if set == nil {
			set = make(map[string]struct{})
			p.Votes[optionIndex] = set
		}
		if _, voted := set[userID]; voted {
			delete(set, userID)
		} else {
			set[userID] = struct{}{}
		}
		return nil
	}

	for idx, voters := range p.Votes {
		if idx != optionIndex {
			delete(voters, userID)
		}
	}
	set := p.Votes[optionIndex]
	if set == nil {
		set = make(map[string]struct{})
		p.Votes[optionIndex] = set
	}
	set[userID] = struct{}{}
	return nil
}

// restoreVoterState resets one voter's per-option memberships in p to what
// they were in prior, leaving every other voter alone. This is the rollback
// for a failed optimistic vote: votes from other users that were merged in
// while the request was in flight are kept.
func restoreVoterState(p, prior *Poll, userID string) {
	if p == nil || prior == nil {
		return
	}
	for idx := range p.Options {
		hadVote := false
		if voters, ok := prior.Votes[idx]; ok {
			_, hadVote = voters[userID]
		}
		set := p.Votes[idx]
		if hadVote {
			if set == nil {
				if p.Votes == nil {
					p.Votes = make(map[int]map[string]struct{})
				}
				set = make(map[string]struct{})
				p.Votes[idx] = set
			}
			set[userID] = struct{}{}
		} else if set != nil {
			delete(set, userID)
		}
	}
}

// mergeVoteSnapshot merges an authoritative per-option voter snapshot into
// a poll. Snapshots arrive from four places (vote response, poll-updated
// push, metadata fetch, creation response) in no particular order, so the
// merge is monotonic:
//
//   - a wholly empty snapshot is ignored: it is either stale or raced the
//     write it should reflect, and blindly applying it would erase votes
//     the client already knows about;
//   - an option with a non-empty voter list takes the union of the known
//     and reported voters;
//   - an option the snapshot reports as empty keeps its local voters.
//
// optionIDs, when non-empty, is adopted if the poll is missing its ids
// (receiver never saw the creation event).
func mergeVoteSnapshot(p *Poll, optionIDs []string, votesByOption map[string][]string) {
	if p == nil {
		return
	}

	if len(p.OptionIDs) == 0 && len(optionIDs) > 0 {
		p.OptionIDs = append([]string(nil), optionIDs...)
	}

	total := 0
	for _, voters := range votesByOption {
		total += len(voters)
	}
	if total == 0 {
		return
	}

	if p.Votes == nil {
		p.Votes = make(map[int]map[string]struct{})
	}

	for optionID, voters := range votesByOption {
		if len(voters) == 0 {
			continue
		}
		idx := p.optionIndex(optionID)
		if idx < 0 {
			continue
		}
		set := p.Votes[idx]
		if set == nil {
			set = make(map[string]struct{}, len(voters))
			p.Votes[idx] = set
		}
		for _, v := range voters {
			set[v] = struct{}{}
		}
	}
}

// optionIndex maps a server option id to its position, or -1.
func (p *Poll) optionIndex(optionID string) int {
	for i, id := range p.OptionIDs {
		if id == optionID {
			return i
		}
	}
	return -1
}

// adoptPollMetadata fills missing poll metadata from a confirmed
// counterpart and merges its vote snapshot. Local vote state is never
// discarded: the confirmed side wins only where it actually knows more.
func adoptPollMetadata(dst, src *Poll) {
	if src == nil {
		return
	}
	if dst.Question == "" {
		dst.Question = src.Question
	}
	if len(dst.Options) == 0 {
		dst.Options = append([]string(nil), src.Options...)
	}
	if len(dst.OptionIDs) == 0 {
		dst.OptionIDs = append([]string(nil), src.OptionIDs...)
	}
	if src.AllowMultiple {
		dst.AllowMultiple = true
	}
	if dst.ClosesAt.IsZero() {
		dst.ClosesAt = src.ClosesAt
	}
	if dst.ClosedAt.IsZero() {
		dst.ClosedAt = src.ClosedAt
	}

	if len(src.Votes) > 0 {
		if dst.Votes == nil {
			dst.Votes = make(map[int]map[string]struct{}, len(src.Votes))
		}
		for idx, voters := range src.Votes {
			set := dst.Votes[idx]
			if set == nil {
				set = make(map[string]struct{}, len(voters))
				dst.Votes[idx] = set
			}
			for v := range voters {
				set[v] = struct{}{}
			}
		}
	}
}

// votesFromWire converts a wire per-option-id voter list into index-keyed
// vote sets, given the poll's option ids.
func votesFromWire(optionIDs []string, votesByOption map[string][]string) map[int]map[string]struct{} {
	votes := make(map[int]map[string]struct{})
	for optionID, voters := range votesByOption {
		idx := -1
		for i, id := range optionIDs {
			if id == optionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		set := make(map[string]struct{}, len(voters))
		for _, v := range voters {
			set[v] = struct{}{}
		}
		votes[idx] = set
	}
	return votes
}
