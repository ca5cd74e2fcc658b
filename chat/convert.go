package chat

// entryFromMessage converts an API message payload into a confirmed entry.
func entryFromMessage(m *MessageResponse) Entry {
	e := Entry{
		ID:          m.ID,
		SenderID:    m.SenderID,
		DisplayName: m.DisplayName,
		Kind:        EntryKind(m.Kind),
		Content:     m.Content,
		MediaRef:    m.MediaRef,
		CreatedAt:   m.CreatedAt,
		Pinned:      m.Pinned,
	}

	if e.Kind == KindPoll {
		e.Poll = &Poll{
			Question:      m.Question,
			Options:       append([]string(nil), m.Options...),
			OptionIDs:     append([]string(nil), m.OptionIDs...),
			AllowMultiple: m.AllowMultiple,
			Votes:         votesFromWire(m.OptionIDs, m.VotesByOption),
		}
	}

	return e
}

// entryFromPush converts a newMessage or pollCreated push event into a
// confirmed entry.
func entryFromPush(ev PushEvent) Entry {
	kind := EntryKind(ev.Kind)
	if ev.Type == EventPollCreated {
		kind = KindPoll
	}

	e := Entry{
		ID:          ev.EntryID,
		SenderID:    ev.SenderID,
		DisplayName: ev.DisplayName,
		Kind:        kind,
		Content:     ev.Content,
		MediaRef:    ev.MediaRef,
		CreatedAt:   ev.Timestamp,
	}

	if kind == KindPoll {
		e.Poll = &Poll{
			Question:      ev.Question,
			Options:       append([]string(nil), ev.Options...),
			OptionIDs:     append([]string(nil), ev.OptionIDs...),
			AllowMultiple: ev.AllowMultiple,
			Votes:         votesFromWire(ev.OptionIDs, ev.VotesByOption),
		}
	}

	return e
}
