package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/learnloop/chat-sync/internal/metrics"
	"github.com/learnloop/chat-sync/internal/state"
)

// ErrStaleSession is returned when a request callback resolves after the
// session it was issued under has been torn down or rejoined. The result
// is discarded rather than written into the successor session's state.
var ErrStaleSession = errors.New("session is no longer active")

// SessionConfig holds the dependencies and identity for one group session.
type SessionConfig struct {
	API     *Client
	Store   *state.State
	GroupID string
	UserID  string

	// DisplayName is used for optimistic entries before the server echoes
	// the sender's profile back.
	DisplayName string

	// Token authenticates the push channel. Usually the same bearer token
	// the API client carries.
	Token string

	// MatchWindow bounds optimistic/confirmed matching. Zero means the
	// 5-second default. The window is a heuristic: under extreme latency
	// two same-content messages from one sender could still cross-match,
	// which is a known limitation rather than a solvable bug.
	MatchWindow time.Duration

	// PageSize for history fetches. Zero means defaultPageSize.
	PageSize int

	// OnNotice receives the rare user-facing notices: the one-time
	// "real-time degraded" warning. Nil means log only.
	OnNotice func(msg string)
}

const defaultPageSize = 50

// Session is the synchronization core for one (group, user) pair. It owns
// the ordered timeline, the roster, the pin state, and the push-channel
// connection, and it is the only mutation path for all of them.
type Session struct {
	logger *slog.Logger
	api    *Client
	store  *state.State
	pins   *pinSync

	groupID     string
	userID      string
	displayName string
	token       string
	pageSize    int

	mu       sync.Mutex
	timeline *Timeline
	roster   []Member
	status   Status
	conn     *Conn

	// epoch increments on every Start and Disconnect. In-flight request
	// callbacks capture the epoch they were issued under and discard
	// their results when it no longer matches.
	epoch uint64

	localSeq uint64

	onNotice func(string)

	// now is replaceable in tests that exercise the recency window.
	now func() time.Time
}

// NewSession creates a session. Call Start to join and load state.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return &Session{
		logger:      logger,
		api:         cfg.API,
		store:       cfg.Store,
		pins:        newPinSync(cfg.Store, cfg.GroupID, logger),
		groupID:     cfg.GroupID,
		userID:      cfg.UserID,
		displayName: cfg.DisplayName,
		token:       cfg.Token,
		pageSize:    pageSize,
		timeline:    NewTimeline(cfg.MatchWindow),
		status:      StatusDisconnected,
		onNotice:    cfg.OnNotice,
		now:         time.Now,
	}
}

// Start joins the session, loads history, pins and roster, and connects
// the push channel. A push-channel failure is not fatal: the session
// continues in degraded (API-only) mode.
func (s *Session) Start(ctx context.Context) error {
	if err := s.store.InitGroupBuckets(s.groupID); err != nil {
		return fmt.Errorf("initializing group state: %w", err)
	}

	join, err := s.api.JoinSession(ctx, s.groupID, s.userID)
	if err != nil {
		return fmt.Errorf("joining session: %w", err)
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	if err := s.loadHistory(ctx, epoch); err != nil {
		return err
	}
	s.loadPinned(ctx, epoch)
	s.loadRoster(ctx, epoch)

	conn := NewConn(ConnConfig{
		Host:    join.PushHost,
		Token:   s.token,
		GroupID: s.groupID,
		UserID:  s.userID,
		Handler: s,
	}, s.logger)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		// Chat keeps functioning through the request/response API.
		s.mu.Lock()
		s.status = StatusDegraded
		s.mu.Unlock()
		if isAuthError(err) {
			conn.notifyAuthFailure(err)
			return nil
		}
		s.logger.Warn("push channel unavailable, running degraded",
			slog.String("error", err.Error()),
		)
		return nil
	}

	go func() {
		if err := conn.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("push channel closed", slog.String("error", err.Error()))
		}
		s.mu.Lock()
		if s.epoch == epoch && s.status != StatusDisconnected {
			s.status = StatusDegraded
		}
		s.mu.Unlock()
		metrics.PushConnected.Set(0)
	}()

	return nil
}

// Disconnect leaves the room and deactivates the session. In-flight
// request callbacks issued before the disconnect are discarded when they
// resolve.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	s.status = StatusDisconnected
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	metrics.PushConnected.Set(0)
	if conn != nil {
		return conn.Disconnect(ctx)
	}
	return nil
}

// Status returns the session's connection health.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Entries returns the ordered, deduplicated timeline snapshot.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Entries()
}

// PinnedEntries returns the pinned entries, in timeline order.
func (s *Session) PinnedEntries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pinned []Entry
	for _, e := range s.timeline.Entries() {
		if e.Pinned {
			pinned = append(pinned, e)
		}
	}
	return pinned
}

// Roster returns the current member list.
func (s *Session) Roster() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Member(nil), s.roster...)
}

// SendMessage creates an optimistic entry, calls the API, and promotes or
// rolls back the entry when the call resolves. Returns the local id the
// UI can use to track the pending entry.
func (s *Session) SendMessage(ctx context.Context, kind EntryKind, content, mediaRef string) (string, error) {
	s.mu.Lock()
	epoch := s.epoch
	localID := s.nextLocalID()
	entry := &Entry{
		LocalID:     localID,
		SenderID:    s.userID,
		DisplayName: s.displayName,
		Kind:        kind,
		Content:     content,
		MediaRef:    mediaRef,
		CreatedAt:   s.now(),
	}
	s.timeline.AppendOptimistic(entry)
	s.mu.Unlock()

	resp, err := s.api.SendMessage(ctx, SendMessageRequest{
		GroupID:  s.groupID,
		Kind:     string(kind),
		Content:  content,
		MediaRef: mediaRef,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return localID, ErrStaleSession
	}

	if err != nil {
		// Rollback: the optimistic entry is removed immediately rather
		// than left pending forever.
		s.timeline.RemoveLocal(localID)
		metrics.Rollbacks.WithLabelValues("send").Inc()
		return "", fmt.Errorf("send failed: %w", err)
	}

	confirmed := entryFromMessage(resp)
	s.timeline.ApplyIncoming(confirmed, localID, s.now())
	return localID, nil
}

// EditMessage optimistically replaces a message body and confirms via the
// API, restoring the previous body on failure.
func (s *Session) EditMessage(ctx context.Context, entryID, content string) error {
	s.mu.Lock()
	epoch := s.epoch
	e := s.timeline.Get(entryID)
	if e == nil || e.ID == "" {
		s.mu.Unlock()
		return ErrUnknownEntry
	}
	prev := e.Content
	messageID := e.ID
	e.Content = content
	s.mu.Unlock()

	_, err := s.api.EditMessage(ctx, EditMessageRequest{
		GroupID:   s.groupID,
		MessageID: messageID,
		Content:   content,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrStaleSession
	}
	if err != nil {
		if cur := s.timeline.Get(entryID); cur != nil {
			cur.Content = prev
		}
		metrics.Rollbacks.WithLabelValues("edit").Inc()
		return fmt.Errorf("edit failed: %w", err)
	}
	return nil
}

// DeleteMessage removes a message optimistically and confirms via the API,
// re-inserting the entry on failure.
func (s *Session) DeleteMessage(ctx context.Context, entryID string) error {
	s.mu.Lock()
	epoch := s.epoch
	e := s.timeline.Get(entryID)
	if e == nil || e.ID == "" {
		s.mu.Unlock()
		return ErrUnknownEntry
	}
	messageID := e.ID
	removed := *e
	pos := s.timeline.indexOf(e)
	s.timeline.Remove(messageID)
	s.mu.Unlock()

	err := s.api.DeleteMessage(ctx, DeleteMessageRequest{
		GroupID:   s.groupID,
		MessageID: messageID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrStaleSession
	}
	if err != nil {
		s.timeline.insertAt(&removed, pos)
		metrics.Rollbacks.WithLabelValues("delete").Inc()
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// CreatePoll creates an optimistic poll entry with empty vote sets and
// confirms via the API. The confirmation is matched by sender, kind and
// recency: the server may normalize the question text, so content is not
// part of the poll match.
func (s *Session) CreatePoll(ctx context.Context, question string, options []string, allowMultiple bool) (string, error) {
	s.mu.Lock()
	epoch := s.epoch
	localID := s.nextLocalID()
	entry := &Entry{
		LocalID:     localID,
		SenderID:    s.userID,
		DisplayName: s.displayName,
		Kind:        KindPoll,
		CreatedAt:   s.now(),
		Poll: &Poll{
			Question:      question,
			Options:       append([]string(nil), options...),
			AllowMultiple: allowMultiple,
			Votes:         make(map[int]map[string]struct{}),
		},
	}
	s.timeline.AppendOptimistic(entry)
	s.mu.Unlock()

	resp, err := s.api.CreatePoll(ctx, CreatePollRequest{
		GroupID:       s.groupID,
		Question:      question,
		Options:       options,
		AllowMultiple: allowMultiple,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return localID, ErrStaleSession
	}

	if err != nil {
		s.timeline.RemoveLocal(localID)
		metrics.Rollbacks.WithLabelValues("poll_create").Inc()
		return "", fmt.Errorf("poll create failed: %w", err)
	}

	confirmed := Entry{
		ID:        resp.ID,
		SenderID:  s.userID,
		Kind:      KindPoll,
		CreatedAt: resp.CreatedAt,
		Poll: &Poll{
			Question:      question,
			Options:       append([]string(nil), options...),
			OptionIDs:     append([]string(nil), resp.OptionIDs...),
			AllowMultiple: allowMultiple,
		},
	}
	s.timeline.ApplyIncoming(confirmed, localID, s.now())
	s.pins.promote(localID, resp.ID)
	return localID, nil
}

// CastVote records the local user's vote on a poll entry. The vote is
// applied optimistically (single-choice clears other options, multi-choice
// toggles) and reconciled against the authoritative voter lists in the
// API response. Returns ErrPollNotReady when option ids are not yet known.
func (s *Session) CastVote(ctx context.Context, entryID string, optionIndex int) error {
	s.mu.Lock()
	epoch := s.epoch
	e := s.timeline.Get(entryID)
	if e == nil || e.Kind != KindPoll || e.Poll == nil {
		s.mu.Unlock()
		return ErrUnknownEntry
	}
	if e.ID == "" || !e.Poll.Ready() {
		s.mu.Unlock()
		return ErrPollNotReady
	}
	if optionIndex < 0 || optionIndex >= len(e.Poll.OptionIDs) {
		s.mu.Unlock()
		return ErrPollNotReady
	}

	pollID := e.ID
	optionID := e.Poll.OptionIDs[optionIndex]
	before := clonePoll(e.Poll)
	if err := applyLocalVote(e.Poll, s.userID, optionIndex); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	resp, err := s.api.CastVote(ctx, CastVoteRequest{
		GroupID:  s.groupID,
		PollID:   pollID,
		OptionID: optionID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrStaleSession
	}

	cur := s.timeline.Get(entryID)
	if cur == nil || cur.Poll == nil {
		return ErrUnknownEntry
	}
	if err != nil {
		// Undo only our own toggle. Votes merged from pushes that landed
		// while the request was in flight must survive the rollback.
		restoreVoterState(cur.Poll, before, s.userID)
		metrics.Rollbacks.WithLabelValues("vote").Inc()
		return fmt.Errorf("vote failed: %w", err)
	}

	mergeVoteSnapshot(cur.Poll, resp.OptionIDs, resp.VotesByOption)
	return nil
}

// SetPinned optimistically toggles an entry's pin flag, records it in the
// sticky set, and confirms via the API, rolling both back on failure.
func (s *Session) SetPinned(ctx context.Context, entryID string, pinned bool) error {
	s.mu.Lock()
	epoch := s.epoch
	e := s.timeline.Get(entryID)
	if e == nil || e.Kind == KindSystem {
		s.mu.Unlock()
		return ErrUnknownEntry
	}
	prev := e.Pinned
	e.Pinned = pinned
	id := e.EntryID()
	s.pins.record(id, pinned)
	s.mu.Unlock()

	err := s.api.SetPinned(ctx, SetPinnedRequest{
		GroupID: s.groupID,
		EntryID: id,
		Pinned:  pinned,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrStaleSession
	}
	if err != nil {
		if cur := s.timeline.Get(entryID); cur != nil {
			cur.Pinned = prev
		}
		s.pins.record(id, prev)
		metrics.Rollbacks.WithLabelValues("pin").Inc()
		return fmt.Errorf("pin failed: %w", err)
	}
	return nil
}

// HandleEvent routes one push event into the reconciliation paths. Runs on
// the connection's event loop goroutine.
func (s *Session) HandleEvent(ev PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case EventNewMessage, EventPollCreated:
		confirmed := entryFromPush(ev)
		entry, changed := s.timeline.ApplyIncoming(confirmed, "", s.now())
		if changed {
			metrics.EventsApplied.WithLabelValues(ev.Type).Inc()
		} else {
			metrics.DuplicatesDropped.Inc()
		}
		// Receivers that never saw the creation event get a poll without
		// option ids; complete it in the background.
		if entry != nil && entry.Kind == KindPoll && entry.Poll != nil && !entry.Poll.Ready() && entry.ID != "" {
			go s.completePoll(entry.ID, s.epoch)
		}

	case EventPollUpdated:
		e := s.timeline.Get(ev.EntryID)
		if e == nil || e.Poll == nil {
			// Update for a poll outside the loaded window; fetch it whole.
			go s.completePoll(ev.EntryID, s.epoch)
			return
		}
		mergeVoteSnapshot(e.Poll, ev.OptionIDs, ev.VotesByOption)
		metrics.EventsApplied.WithLabelValues(ev.Type).Inc()

	case EventMessagePinned, EventPollPinned:
		// Explicit pin-state event: the one server signal allowed to
		// mutate the sticky set. An explicit unpin is trusted even for
		// ids we never pinned locally.
		if e := s.timeline.Get(ev.EntryID); e != nil {
			e.Pinned = ev.Pinned
		}
		s.pins.record(ev.EntryID, ev.Pinned)
		metrics.EventsApplied.WithLabelValues(ev.Type).Inc()

	case EventMemberJoined:
		if ev.Member != nil {
			s.upsertMember(*ev.Member)
			s.timeline.AppendSystem(ev.Member.DisplayName+" joined", ev.Timestamp)
			s.persistRoster()
		}
		metrics.EventsApplied.WithLabelValues(ev.Type).Inc()

	case EventMemberLeft:
		if ev.Member != nil {
			s.removeMember(ev.Member.UserID)
			s.timeline.AppendSystem(ev.Member.DisplayName+" left", ev.Timestamp)
			s.persistRoster()
		}
		metrics.EventsApplied.WithLabelValues(ev.Type).Inc()

	case EventConnEstablished, EventConnLost:
		// Connection health frames are handled by the Conn state machine;
		// nothing to reconcile here.

	default:
		s.logger.Debug("unhandled push event", slog.String("type", ev.Type))
	}
}

// ConnectionUp implements EventHandler.
func (s *Session) ConnectionUp() {
	s.mu.Lock()
	s.status = StatusConnected
	s.mu.Unlock()
	metrics.PushConnected.Set(1)
}

// ConnectionDown implements EventHandler. Transport loss degrades the
// session; the request/response path keeps working.
func (s *Session) ConnectionDown(reason error) {
	s.mu.Lock()
	if s.status != StatusDisconnected {
		s.status = StatusDegraded
	}
	s.mu.Unlock()
	metrics.PushConnected.Set(0)
}

// AuthFailed implements EventHandler. Called at most once per session.
func (s *Session) AuthFailed(err error) {
	s.mu.Lock()
	if s.status != StatusDisconnected {
		s.status = StatusDegraded
	}
	s.mu.Unlock()
	metrics.PushConnected.Set(0)
	s.notice("real-time updates unavailable, messages will still send")
}

func (s *Session) notice(msg string) {
	if s.onNotice != nil {
		s.onNotice(msg)
		return
	}
	s.logger.Warn(msg)
}

// completePoll fetches metadata for a poll that is missing option ids and
// merges it without discarding locally known votes.
func (s *Session) completePoll(pollID string, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), httpClientTimeout)
	defer cancel()

	meta, err := s.api.FetchPollMetadata(ctx, s.groupID, pollID)
	if err != nil {
		s.logger.Warn("completing poll metadata",
			slog.String("poll_id", pollID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}

	e := s.timeline.Get(pollID)
	if e == nil || e.Poll == nil {
		return
	}
	if meta.AllowMultiple {
		e.Poll.AllowMultiple = true
	}
	if e.Poll.ClosesAt.IsZero() {
		e.Poll.ClosesAt = meta.ClosesAt
	}
	if e.Poll.ClosedAt.IsZero() {
		e.Poll.ClosedAt = meta.ClosedAt
	}
	mergeVoteSnapshot(e.Poll, meta.OptionIDs, meta.VotesByOption)
}

// loadHistory pulls recent pages through the same reconciliation path the
// push channel uses, so restarts and live traffic converge identically.
func (s *Session) loadHistory(ctx context.Context, epoch uint64) error {
	page := 0
	for {
		msgs, err := s.api.FetchRecentMessages(ctx, s.groupID, page, s.pageSize)
		if err != nil {
			return fmt.Errorf("loading history: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return ErrStaleSession
		}
		for i := range msgs {
			confirmed := entryFromMessage(&msgs[i])
			entry, _ := s.timeline.ApplyIncoming(confirmed, "", s.now())
			if entry != nil && entry.Kind == KindPoll && entry.Poll != nil && !entry.Poll.Ready() && entry.ID != "" {
				go s.completePoll(entry.ID, epoch)
			}
		}
		s.mu.Unlock()

		if len(msgs) < s.pageSize {
			return nil
		}
		page++
	}
}

// loadPinned merges the server's pinned listing with the sticky set. A
// fetch failure is tolerable: the sticky set alone still marks the
// explicitly pinned entries.
func (s *Session) loadPinned(ctx context.Context, epoch uint64) {
	pinned, err := s.api.FetchPinnedPolls(ctx, s.groupID)
	if err != nil {
		s.logger.Warn("fetching pinned entries", slog.String("error", err.Error()))
		pinned = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	s.pins.applyServerList(s.timeline, pinned)
}

// loadRoster fetches the member list, falling back to the bbolt cache so
// the roster renders immediately on restart.
func (s *Session) loadRoster(ctx context.Context, epoch uint64) {
	members, err := s.api.FetchMembers(ctx, s.groupID)
	if err != nil {
		s.logger.Warn("fetching members", slog.String("error", err.Error()))
		cached, cacheErr := s.store.Roster(s.groupID)
		if cacheErr != nil {
			return
		}
		members = make([]Member, 0, len(cached))
		for _, m := range cached {
			members = append(members, Member{
				UserID:      m.UserID,
				DisplayName: m.DisplayName,
				Role:        Role(m.Role),
				JoinedAt:    m.JoinedAt,
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	s.roster = members
	if err == nil {
		s.persistRoster()
	}
}

// persistRoster caches the in-memory roster. Caller holds s.mu.
func (s *Session) persistRoster() {
	cached := make([]state.RosterEntry, 0, len(s.roster))
	for _, m := range s.roster {
		cached = append(cached, state.RosterEntry{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Role:        string(m.Role),
			JoinedAt:    m.JoinedAt,
		})
	}
	if err := s.store.SetRoster(s.groupID, cached); err != nil {
		s.logger.Warn("caching roster", slog.String("error", err.Error()))
	}
}

// upsertMember adds or refreshes a roster entry. Caller holds s.mu.
func (s *Session) upsertMember(m Member) {
	for i := range s.roster {
		if s.roster[i].UserID == m.UserID {
			s.roster[i] = m
			return
		}
	}
	s.roster = append(s.roster, m)
}

// removeMember drops a roster entry. Caller holds s.mu.
func (s *Session) removeMember(userID string) {
	for i := range s.roster {
		if s.roster[i].UserID == userID {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			return
		}
	}
}

// nextLocalID returns a fresh client-side id. Caller holds s.mu.
func (s *Session) nextLocalID() string {
	s.localSeq++
	return fmt.Sprintf("local-%d-%d", s.now().UnixNano(), s.localSeq)
}
