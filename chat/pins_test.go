package chat

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnloop/chat-sync/internal/state"
)

const pinTestGroup = "group-pins"

func testPinSync(t *testing.T) *pinSync {
	t.Helper()
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.InitGroupBuckets(pinTestGroup))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return newPinSync(st, pinTestGroup, logger)
}

func TestPinSync_RecordRoundTrip(t *testing.T) {
	ps := testPinSync(t)

	ps.record("m1", true)
	assert.Contains(t, ps.sticky(), "m1")

	ps.record("m1", false)
	assert.NotContains(t, ps.sticky(), "m1")
}

func TestPinSync_PromoteRewritesLocalID(t *testing.T) {
	ps := testPinSync(t)
	ps.record("local-1", true)

	ps.promote("local-1", "p1")

	sticky := ps.sticky()
	assert.NotContains(t, sticky, "local-1")
	assert.Contains(t, sticky, "p1")
}

func TestPinSync_PromoteIgnoresEmptyIDs(t *testing.T) {
	ps := testPinSync(t)
	ps.record("local-1", true)

	ps.promote("", "p1")
	ps.promote("local-1", "")

	assert.Contains(t, ps.sticky(), "local-1")
}

func TestPinSync_ApplyServerListFlagsKnownEntries(t *testing.T) {
	ps := testPinSync(t)
	tl := NewTimeline(0)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl.ApplyIncoming(confirmedText("m1", "u1", "a", at), "", at)
	tl.ApplyIncoming(confirmedText("m2", "u1", "b", at), "", at)

	ps.applyServerList(tl, []MessageResponse{{ID: "m2", Kind: string(KindText)}})

	assert.False(t, tl.Get("m1").Pinned)
	assert.True(t, tl.Get("m2").Pinned)
}

func TestPinSync_ApplyServerListSynthesizesMissingPolls(t *testing.T) {
	// An old pinned poll outside the loaded history window must still render.
	ps := testPinSync(t)
	tl := NewTimeline(0)

	ps.applyServerList(tl, []MessageResponse{{
		ID:        "p1",
		SenderID:  "u9",
		Kind:      string(KindPoll),
		Question:  "Old poll?",
		Options:   []string{"Yes", "No"},
		OptionIDs: []string{"o1", "o2"},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}})

	e := tl.Get("p1")
	require.NotNil(t, e)
	assert.True(t, e.Pinned)
	require.NotNil(t, e.Poll)
	assert.True(t, e.Poll.Ready())
}

func TestPinSync_StickySurvivesEmptyServerList(t *testing.T) {
	// The listing is eventually consistent: a refresh racing a recent pin
	// can come back without it. The sticky set keeps the pin visible.
	ps := testPinSync(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tl := NewTimeline(0)
	tl.ApplyIncoming(confirmedText("m1", "u1", "pin me", at), "", at)
	tl.Get("m1").Pinned = true
	ps.record("m1", true)

	// Simulated reload: fresh timeline, server listing omits the pin.
	reloaded := NewTimeline(0)
	reloaded.ApplyIncoming(confirmedText("m1", "u1", "pin me", at), "", at)
	ps.applyServerList(reloaded, nil)

	assert.True(t, reloaded.Get("m1").Pinned)
}

func TestPinSync_ServerListNeverTrimsSticky(t *testing.T) {
	ps := testPinSync(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tl := NewTimeline(0)
	tl.ApplyIncoming(confirmedText("m1", "u1", "a", at), "", at)
	ps.record("m1", true)

	ps.applyServerList(tl, []MessageResponse{{ID: "m2", Kind: string(KindText), CreatedAt: at}})

	assert.Contains(t, ps.sticky(), "m1")
	assert.True(t, tl.Get("m1").Pinned)
}
