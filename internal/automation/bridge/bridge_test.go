package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/groupwatch/internal/automation"
)

type fakeSidecar struct {
	t        *testing.T
	mu       sync.Mutex
	paths    []string
	methods  []string
	hangup   chan struct{}
	upgrader websocket.Upgrader
}

func newFakeSidecar(t *testing.T) (*fakeSidecar, *httptest.Server) {
	s := &fakeSidecar{t: t, hangup: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *fakeSidecar) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()

	frames := make(chan frame)
	go func() {
		defer close(frames)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	}()

	for {
		select {
		case <-s.hangup:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.mu.Lock()
			s.methods = append(s.methods, f.Method)
			s.mu.Unlock()
			s.reply(conn, f)
		}
	}
}

func (s *fakeSidecar) reply(conn *websocket.Conn, f frame) {
	result := func(v any) {
		raw, _ := json.Marshal(v)
		_ = conn.WriteJSON(frame{ID: f.ID, Result: raw})
	}
	switch f.Method {
	case methodInitialize:
		_ = conn.WriteJSON(frame{Event: "qr", Data: json.RawMessage(`{"qr":"qr-1"}`)})
		_ = conn.WriteJSON(frame{Event: "message", Data: json.RawMessage(`{"id":"m1","conversation_id":"c1","author_id":"a","type":"chat","body":"hi","timestamp":5}`)})
		result(nil)
	case methodSnapshot:
		result(automation.ChatSnapshot{TotalGroups: 4, LoadedGroups: 4})
	case methodFetch:
		result([]automation.Message{{ID: "m2", ConversationID: "c1"}})
	case methodExportState:
		result(exportResult{State: []byte("blob")})
	case methodDestroy:
		result(nil)
	default:
		_ = conn.WriteJSON(frame{ID: f.ID, Error: "unsupported method"})
	}
}

func (s *fakeSidecar) seen() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...), append([]string(nil), s.methods...)
}

type eventLog struct {
	mu     sync.Mutex
	events []automation.Event
}

func (l *eventLog) add(ev automation.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []automation.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]automation.Event(nil), l.events...)
}

func newTestSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	f, err := NewFactory(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		CallTimeout: time.Second,
	})
	require.NoError(t, err)
	sess, err := f.New(context.Background(), automation.Options{TenantID: "tenant-1", AuthDir: "/auth"})
	require.NoError(t, err)
	return sess.(*Session)
}

func TestBridgeCallsAndEvents(t *testing.T) {
	t.Parallel()

	sidecar, srv := newFakeSidecar(t)
	sess := newTestSession(t, srv)
	log := &eventLog{}
	sess.OnEvent(log.add)
	ctx := context.Background()

	require.NoError(t, sess.Initialize(ctx))
	events := log.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, automation.EventQR, events[0].Type)
	assert.Equal(t, "qr-1", events[0].QR)
	assert.Equal(t, automation.EventMessage, events[1].Type)
	assert.Equal(t, "m1", events[1].Message.ID)

	snap, err := sess.EvaluateChatSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.LoadedGroups)

	msgs, err := sess.FetchMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)

	state, err := sess.ExportState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "blob", string(state))

	_, err = sess.Conversations(ctx)
	assert.ErrorContains(t, err, "unsupported method")

	require.NoError(t, sess.Destroy(ctx))
	require.NoError(t, sess.Destroy(ctx))
	_, err = sess.EvaluateChatSnapshot(ctx)
	assert.ErrorIs(t, err, automation.ErrClosed)

	paths, methods := sidecar.seen()
	assert.Equal(t, []string{"/sessions/tenant-1"}, paths)
	assert.Contains(t, methods, methodDestroy)
	for _, ev := range log.snapshot() {
		assert.NotEqual(t, automation.EventDisconnected, ev.Type, "destroy must not report a disconnect")
	}
}

func TestBridgeHangupEmitsDisconnected(t *testing.T) {
	t.Parallel()

	sidecar, srv := newFakeSidecar(t)
	sess := newTestSession(t, srv)
	log := &eventLog{}
	sess.OnEvent(log.add)

	close(sidecar.hangup)
	require.Eventually(t, func() bool {
		events := log.snapshot()
		return len(events) == 1 && events[0].Type == automation.EventDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	_, err := sess.EvaluateChatSnapshot(context.Background())
	assert.ErrorIs(t, err, automation.ErrClosed)
}

func TestNewFactoryRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewFactory(nil, Config{})
	assert.Error(t, err)
}
