package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/event"
	"github.com/memohai/groupwatch/internal/healthcheck"
	"github.com/memohai/groupwatch/internal/message"
	"github.com/memohai/groupwatch/internal/session"
)

type fakeService struct {
	mu          sync.Mutex
	statuses    map[string]session.Status
	err         error
	selected    string
	filter      *string
	limit       int
	broadcaster *event.Broadcaster
}

func newFakeService() *fakeService {
	return &fakeService{
		statuses:    map[string]session.Status{},
		broadcaster: event.NewBroadcaster(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func (f *fakeService) GetOrCreate(_ context.Context, id string) (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return session.Status{}, f.err
	}
	st, ok := f.statuses[id]
	if !ok {
		st = session.Status{TenantID: id, State: session.StateQueued}
		f.statuses[id] = st
	}
	return st, nil
}

func (f *fakeService) Status(id string) (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return session.Status{}, session.ErrSessionNotFound
	}
	return st, nil
}

func (f *fakeService) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	delete(f.statuses, id)
	f.mu.Unlock()
	f.broadcaster.CloseTenant(id)
	return nil
}

func (f *fakeService) SelectConversation(_ context.Context, _ string, conv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.selected = conv
	return nil
}

func (f *fakeService) SetParticipantFilter(_ context.Context, _ string, author *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = author
	return f.err
}

func (f *fakeService) FetchHistory(_ context.Context, _ string, limit int) ([]message.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []message.Group{{ID: "g1", AuthorID: "a", MessageIDs: []string{"m1"}}}, nil
}

func (f *fakeService) ListConversations(context.Context, string) ([]automation.Conversation, error) {
	return []automation.Conversation{{ID: "c1", Name: "Group"}}, f.err
}

func (f *fakeService) History(string) ([]message.Message, error) {
	return nil, f.err
}

func (f *fakeService) Groups(string) ([]message.Group, error) {
	return nil, f.err
}

func (f *fakeService) Subscribe(id string) (*event.Subscription, error) {
	if _, err := f.Status(id); err != nil {
		return nil, err
	}
	return f.broadcaster.Subscribe(id, 16), nil
}

func (f *fakeService) Unsubscribe(id, subID string) {
	f.broadcaster.Unsubscribe(id, subID)
}

type staticChecker []healthcheck.CheckResult

func (s staticChecker) ListChecks(context.Context, string) []healthcheck.CheckResult { return s }

func newTestEcho(svc SessionService) *echo.Echo {
	e := echo.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewSessionHandler(log, svc, staticChecker{{ID: "session.state.t1", Status: healthcheck.StatusWarn}}).Register(e)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSessionLifecycleRoutes(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	e := newTestEcho(svc)

	rec := do(e, http.MethodGet, "/tenants/t1/session", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/tenants/t1/session", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var status session.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "t1", status.TenantID)
	assert.Equal(t, session.StateQueued, status.State)

	rec = do(e, http.MethodGet, "/tenants/t1/session", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodDelete, "/tenants/t1/session", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(e, http.MethodGet, "/tenants/t1/session", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err        error
		want       int
		retryAfter bool
	}{
		{fmt.Errorf("%w: state queued", session.ErrNotReady), http.StatusConflict, true},
		{session.ErrRemovalRace, http.StatusConflict, false},
		{session.ErrInitializationFailed, http.StatusUnprocessableEntity, false},
		{session.ErrAuthenticationFailed, http.StatusUnprocessableEntity, false},
		{session.ErrNoSelection, http.StatusBadRequest, false},
		{session.ErrSessionNotFound, http.StatusNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			t.Parallel()
			svc := newFakeService()
			svc.err = tc.err
			rec := do(newTestEcho(svc), http.MethodPost, "/tenants/t1/history", "")
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, tc.retryAfter, rec.Header().Get("Retry-After") != "")
		})
	}
}

func TestSelectionFilterAndHistory(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	e := newTestEcho(svc)

	rec := do(e, http.MethodPut, "/tenants/t1/selection", `{"conversation_id":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(e, http.MethodPut, "/tenants/t1/selection", `{"conversation_id":"c1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", svc.selected)

	rec = do(e, http.MethodPut, "/tenants/t1/filter", `{"author_id":"alice"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.filter)
	assert.Equal(t, "alice", *svc.filter)
	rec = do(e, http.MethodPut, "/tenants/t1/filter", `{"author_id":null}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.filter)

	rec = do(e, http.MethodPost, "/tenants/t1/history?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(e, http.MethodPost, "/tenants/t1/history?limit=25", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, svc.limit)
	assert.Contains(t, rec.Body.String(), `"g1"`)

	rec = do(e, http.MethodGet, "/tenants/t1/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/tenants/t1/checks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"warn"`)
}

func TestStreamWebsocketDeliversTenantEvents(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	e := newTestEcho(svc)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	_, err := svc.GetOrCreate(context.Background(), "t1")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tenants/t1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return svc.broadcaster.Count("t1") == 1 }, time.Second, 5*time.Millisecond)
	svc.broadcaster.Publish("other", event.TypeError, event.ErrorPayload{Message: "not for t1"})
	svc.broadcaster.Publish("t1", event.TypeQRChallenge, event.QRPayload{QR: "qr-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "t1", got["tenant_id"])
	assert.Equal(t, string(event.TypeQRChallenge), got["type"])

	require.NoError(t, svc.Remove(context.Background(), "t1"))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestStreamEventsUnknownTenant(t *testing.T) {
	t.Parallel()

	rec := do(newTestEcho(newFakeService()), http.MethodGet, "/tenants/nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
