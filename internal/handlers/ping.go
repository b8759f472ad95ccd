package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// SessionCounter reports how many sessions are currently held.
type SessionCounter interface {
	Count() int
}

type PingHandler struct {
	logger   *slog.Logger
	sessions SessionCounter
}

func NewPingHandler(log *slog.Logger, sessions SessionCounter) *PingHandler {
	return &PingHandler{logger: log.With(slog.String("handler", "ping")), sessions: sessions}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
}

func (h *PingHandler) Ping(c echo.Context) error {
	resp := map[string]any{"status": "ok"}
	if h.sessions != nil {
		resp["sessions"] = h.sessions.Count()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
