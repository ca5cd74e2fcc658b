package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/learnloop/chat-sync/chat"
	"github.com/learnloop/chat-sync/internal/state"
)

const (
	testGroup = "e2e-group"
	testUser  = "e2e-user"
	testToken = "e2e-token"
)

// harness holds the full e2e stack: a fake chat backend serving both the
// REST API and the push-channel websocket, plus a Session wired to it.
type harness struct {
	t     *testing.T
	srv   *httptest.Server
	store *state.State

	mu       sync.Mutex
	messages []chat.MessageResponse
	nextID   int
	pushConn *websocket.Conn
	joined   chan struct{}
	leaves   chan map[string]string

	// rejectJoin, when set, makes the push channel refuse the join
	// handshake with an auth reason.
	rejectJoin bool
}

// newHarness starts the fake backend. The websocket endpoint accepts one
// connection at a time, answers the join handshake, and replies to pings.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		joined: make(chan struct{}, 4),
		leaves: make(chan map[string]string, 4),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/session/join", h.handleJoinSession)
	mux.HandleFunc("/chat/messages", h.handleSendMessage)
	mux.HandleFunc("/chat/messages/recent", h.handleRecent)
	mux.HandleFunc("/chat/pins/polls", emptyList)
	mux.HandleFunc("/chat/members", emptyList)
	mux.HandleFunc("/chat/pins", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/chat/push", h.handlePush)

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	h.store = st

	return h
}

// newSession creates a Session pointed at the harness backend.
func (h *harness) newSession(onNotice func(string)) *chat.Session {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return chat.NewSession(chat.SessionConfig{
		API:         chat.NewClient(h.srv.URL, testToken, nil),
		Store:       h.store,
		GroupID:     testGroup,
		UserID:      testUser,
		DisplayName: "E2E",
		Token:       testToken,
		OnNotice:    onNotice,
	}, logger)
}

func emptyList(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("[]"))
}

func (h *harness) handleJoinSession(w http.ResponseWriter, _ *http.Request) {
	// The push host carries an explicit ws:// scheme so the client dials
	// the plaintext test listener.
	json.NewEncoder(w).Encode(chat.JoinSessionResponse{
		SessionID: "sess-1",
		PushHost:  "ws://" + h.srv.Listener.Addr().String(),
	})
}

func (h *harness) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.nextID++
	msg := chat.MessageResponse{
		ID:        h.msgID(h.nextID),
		SenderID:  testUser,
		Kind:      req.Kind,
		Content:   req.Content,
		MediaRef:  req.MediaRef,
		CreatedAt: time.Now(),
	}
	h.messages = append(h.messages, msg)
	h.mu.Unlock()

	// Confirm over the API and echo over the push channel, the way the
	// real backend fans out to every connected member.
	h.pushNewMessage(msg)
	json.NewEncoder(w).Encode(msg)
}

func (h *harness) msgID(n int) string {
	return fmt.Sprintf("srv-%d", n)
}

func (h *harness) handleRecent(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	msgs := append([]chat.MessageResponse(nil), h.messages...)
	h.mu.Unlock()
	json.NewEncoder(w).Encode(msgs)
}

func (h *harness) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx := r.Context()

	// Join handshake.
	var join map[string]string
	if err := wsjson.Read(ctx, conn, &join); err != nil {
		return
	}
	if h.rejectJoin {
		wsjson.Write(ctx, conn, map[string]string{
			"type": "joinAck", "result": "error", "reason": "authentication rejected",
		})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	wsjson.Write(ctx, conn, map[string]string{"type": "joinAck", "result": "ok"})

	h.mu.Lock()
	h.pushConn = conn
	h.mu.Unlock()
	h.joined <- struct{}{}

	// Answer pings, record leaves, until the client goes away.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch gjson.GetBytes(data, "type").Str {
		case "ping":
			wsjson.Write(ctx, conn, map[string]string{"type": "pong"})
		case "leave":
			var leave map[string]string
			json.Unmarshal(data, &leave)
			h.leaves <- leave
		}
	}
}

// pushNewMessage broadcasts a newMessage event if a push client is joined.
func (h *harness) pushNewMessage(msg chat.MessageResponse) {
	h.mu.Lock()
	conn := h.pushConn
	h.mu.Unlock()
	if conn == nil {
		return
	}

	ev := chat.PushEvent{
		Type:        chat.EventNewMessage,
		GroupID:     testGroup,
		EntryID:     msg.ID,
		SenderID:    msg.SenderID,
		DisplayName: msg.DisplayName,
		Kind:        msg.Kind,
		Content:     msg.Content,
		MediaRef:    msg.MediaRef,
		Timestamp:   msg.CreatedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsjson.Write(ctx, conn, ev)
}

// pushForeign broadcasts a message authored by another group member.
func (h *harness) pushForeign(id, sender, content string) {
	h.mu.Lock()
	h.messages = append(h.messages, chat.MessageResponse{
		ID: id, SenderID: sender, Kind: string(chat.KindText), Content: content, CreatedAt: time.Now(),
	})
	conn := h.pushConn
	h.mu.Unlock()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsjson.Write(ctx, conn, chat.PushEvent{
		Type:      chat.EventNewMessage,
		GroupID:   testGroup,
		EntryID:   id,
		SenderID:  sender,
		Kind:      string(chat.KindText),
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (h *harness) waitJoined(t *testing.T) {
	t.Helper()
	select {
	case <-h.joined:
	case <-time.After(5 * time.Second):
		t.Fatal("push client never joined")
	}
}
