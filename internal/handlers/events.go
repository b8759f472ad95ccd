package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/groupwatch/internal/event"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamEvents streams the tenant's events as server-sent events.
func (h *SessionHandler) StreamEvents(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	sub, err := h.service.Subscribe(id)
	if err != nil {
		return sessionError(c, err)
	}
	defer h.service.Unsubscribe(id, sub.ID)

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	writer := bufio.NewWriter(c.Response().Writer)
	flusher.Flush()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-sub.Done():
			return nil
		case ev := <-sub.C:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := writer.WriteString(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, string(data))); err != nil {
				return nil // client disconnected
			}
			writer.Flush()
			flusher.Flush()
		}
	}
}

// StreamWebsocket streams the tenant's events over a websocket. Frames
// sent by the client are ignored.
func (h *SessionHandler) StreamWebsocket(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	sub, err := h.service.Subscribe(id)
	if err != nil {
		return sessionError(c, err)
	}
	defer h.service.Unsubscribe(id, sub.ID)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("tenant_id", id), slog.Any("error", err))
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return nil
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session removed"),
				time.Now().Add(wsWriteTimeout))
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return nil
			}
		case ev := <-sub.C:
			if err := writeEvent(conn, ev); err != nil {
				h.logger.Debug("websocket write failed", slog.String("tenant_id", id), slog.Any("error", err))
				return nil
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev event.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}
