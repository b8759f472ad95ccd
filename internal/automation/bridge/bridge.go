// Package bridge drives automation sessions hosted by an out-of-process
// automation sidecar over a websocket per tenant.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/memohai/groupwatch/internal/automation"
)

const (
	DefaultCallTimeout  = 30 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxFrameBytes       = 64 << 20
)

// Config points the factory at the sidecar.
type Config struct {
	URL         string
	CallTimeout time.Duration
	DialTimeout time.Duration
}

// Factory opens one websocket session per tenant at <URL>/sessions/<tenant>.
type Factory struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer
}

func NewFactory(log *slog.Logger, cfg Config) (*Factory, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("bridge url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Factory{
		cfg:    cfg,
		logger: log.With(slog.String("component", "automation_bridge")),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}, nil
}

// New dials the sidecar. ctx bounds the dial only; the connection lives
// until Destroy or until the sidecar hangs up.
func (f *Factory) New(ctx context.Context, opts automation.Options) (automation.Session, error) {
	endpoint := strings.TrimRight(f.cfg.URL, "/") + "/sessions/" + url.PathEscape(opts.TenantID)
	conn, _, err := f.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial automation bridge: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = f.cfg.CallTimeout
	}
	s := &Session{
		opts:        opts,
		conn:        conn,
		callTimeout: timeout,
		logger:      f.logger.With(slog.String("tenant_id", opts.TenantID)),
		pending:     map[string]chan response{},
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Session is an automation.Session backed by a bridge connection.
type Session struct {
	opts        automation.Options
	conn        *websocket.Conn
	callTimeout time.Duration
	logger      *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan response
	handler   func(automation.Event)
	destroyed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) OnEvent(handler func(automation.Event)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *Session) Initialize(ctx context.Context) error {
	return s.call(ctx, methodInitialize, initializeParams{
		TenantID:     s.opts.TenantID,
		AuthDir:      s.opts.AuthDir,
		RestoreState: s.opts.RestoreState,
	}, nil)
}

func (s *Session) EvaluateChatSnapshot(ctx context.Context) (automation.ChatSnapshot, error) {
	var snap automation.ChatSnapshot
	err := s.call(ctx, methodSnapshot, nil, &snap)
	return snap, err
}

func (s *Session) FetchMessages(ctx context.Context, conversationID string, limit int) ([]automation.Message, error) {
	var msgs []automation.Message
	err := s.call(ctx, methodFetch, fetchParams{ConversationID: conversationID, Limit: limit}, &msgs)
	return msgs, err
}

func (s *Session) DownloadAttachment(ctx context.Context, ref string) (automation.Attachment, error) {
	var att automation.Attachment
	err := s.call(ctx, methodDownload, downloadParams{Ref: ref}, &att)
	return att, err
}

func (s *Session) Conversations(ctx context.Context) ([]automation.Conversation, error) {
	var items []automation.Conversation
	err := s.call(ctx, methodConversation, nil, &items)
	return items, err
}

func (s *Session) ExportState(ctx context.Context) ([]byte, error) {
	var res exportResult
	if err := s.call(ctx, methodExportState, nil, &res); err != nil {
		return nil, err
	}
	return res.State, nil
}

// Destroy asks the sidecar to tear the session down and closes the
// connection. It is safe to call more than once.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	err := s.call(ctx, methodDestroy, nil, nil)
	if errors.Is(err, automation.ErrClosed) {
		err = nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "destroy"),
		time.Now().Add(defaultWriteTimeout))
	s.writeMu.Unlock()
	s.close()
	return err
}

func (s *Session) call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-s.done:
		return automation.ErrClosed
	default:
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	id := ulid.Make().String()
	ch := make(chan response, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(frame{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-s.done:
		return fmt.Errorf("%s: %w", method, automation.ErrClosed)
	case resp := <-ch:
		if resp.err != "" {
			return fmt.Errorf("%s: %s", method, resp.err)
		}
		if out == nil || len(resp.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

func (s *Session) write(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

func (s *Session) readLoop() {
	var readErr error
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			readErr = err
			break
		}
		switch {
		case f.Event != "":
			s.dispatch(f)
		case f.ID != "":
			s.mu.Lock()
			ch := s.pending[f.ID]
			s.mu.Unlock()
			if ch != nil {
				ch <- response{result: f.Result, err: f.Error}
			}
		}
	}
	s.close()

	s.mu.Lock()
	destroyed := s.destroyed
	handler := s.handler
	s.mu.Unlock()
	if destroyed || handler == nil {
		return
	}
	reason := "connection closed"
	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure) {
		reason = readErr.Error()
	}
	s.logger.Warn("automation bridge disconnected", slog.String("reason", reason))
	handler(automation.Event{Type: automation.EventDisconnected, Reason: reason})
}

func (s *Session) dispatch(f frame) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return
	}
	ev := automation.Event{Type: automation.EventType(f.Event)}
	switch ev.Type {
	case automation.EventMessage:
		if err := json.Unmarshal(f.Data, &ev.Message); err != nil {
			s.logger.Warn("bad message event", slog.Any("error", err))
			return
		}
	case automation.EventQR, automation.EventAuthenticated, automation.EventAuthFailure, automation.EventDisconnected:
		var data eventData
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &data); err != nil {
				s.logger.Warn("bad event payload", slog.String("event", f.Event), slog.Any("error", err))
				return
			}
		}
		ev.QR = data.QR
		ev.Reason = data.Reason
	default:
		s.logger.Debug("unknown bridge event", slog.String("event", f.Event))
		return
	}
	handler(ev)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
