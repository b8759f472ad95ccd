package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/groupwatch/internal/automation"
	"github.com/memohai/groupwatch/internal/event"
	"github.com/memohai/groupwatch/internal/healthcheck"
	"github.com/memohai/groupwatch/internal/message"
	"github.com/memohai/groupwatch/internal/session"
)

// SessionService is the subset of the session pool used by the HTTP layer.
type SessionService interface {
	GetOrCreate(ctx context.Context, tenantID string) (session.Status, error)
	Status(tenantID string) (session.Status, error)
	Remove(ctx context.Context, tenantID string) error
	SelectConversation(ctx context.Context, tenantID, conversationID string) error
	SetParticipantFilter(ctx context.Context, tenantID string, authorID *string) error
	FetchHistory(ctx context.Context, tenantID string, limit int) ([]message.Group, error)
	ListConversations(ctx context.Context, tenantID string) ([]automation.Conversation, error)
	History(tenantID string) ([]message.Message, error)
	Groups(tenantID string) ([]message.Group, error)
	Subscribe(tenantID string) (*event.Subscription, error)
	Unsubscribe(tenantID, subscriptionID string)
}

// SessionHandler serves the per-tenant session routes.
type SessionHandler struct {
	logger  *slog.Logger
	service SessionService
	checker healthcheck.Checker
}

func NewSessionHandler(log *slog.Logger, service SessionService, checker healthcheck.Checker) *SessionHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionHandler{
		logger:  log.With(slog.String("handler", "session")),
		service: service,
		checker: checker,
	}
}

func (h *SessionHandler) Register(e *echo.Echo) {
	group := e.Group("/tenants/:tenant_id")
	group.POST("/session", h.Create)
	group.GET("/session", h.Get)
	group.DELETE("/session", h.Delete)
	group.PUT("/selection", h.Select)
	group.PUT("/filter", h.Filter)
	group.POST("/history", h.FetchHistory)
	group.GET("/conversations", h.Conversations)
	group.GET("/messages", h.Messages)
	group.GET("/groups", h.Groups)
	group.GET("/events", h.StreamEvents)
	group.GET("/ws", h.StreamWebsocket)
	group.GET("/checks", h.Checks)
}

type selectionRequest struct {
	ConversationID string `json:"conversation_id"`
}

type filterRequest struct {
	AuthorID *string `json:"author_id"`
}

func tenantID(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Param("tenant_id"))
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	return id, nil
}

// Create starts (or returns) the tenant's session.
func (h *SessionHandler) Create(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	status, err := h.service.GetOrCreate(c.Request().Context(), id)
	if err != nil {
		return sessionError(c, err)
	}
	return c.JSON(http.StatusAccepted, status)
}

func (h *SessionHandler) Get(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	status, err := h.service.Status(id)
	if err != nil {
		return sessionError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *SessionHandler) Delete(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	if err := h.service.Remove(c.Request().Context(), id); err != nil {
		return sessionError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionHandler) Select(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	var req selectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
	}
	if err := h.service.SelectConversation(c.Request().Context(), id, strings.TrimSpace(req.ConversationID)); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Filter sets the participant filter; a null author_id clears it.
func (h *SessionHandler) Filter(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	var req filterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.service.SetParticipantFilter(c.Request().Context(), id, req.AuthorID); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SessionHandler) FetchHistory(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	limit := 0
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	groups, err := h.service.FetchHistory(c.Request().Context(), id, limit)
	if err != nil {
		return sessionError(c, err)
	}
	if groups == nil {
		groups = []message.Group{}
	}
	return c.JSON(http.StatusOK, map[string]any{"groups": groups})
}

func (h *SessionHandler) Conversations(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	items, err := h.service.ListConversations(c.Request().Context(), id)
	if err != nil {
		return sessionError(c, err)
	}
	if items == nil {
		items = []automation.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *SessionHandler) Messages(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	items, err := h.service.History(id)
	if err != nil {
		return sessionError(c, err)
	}
	if items == nil {
		items = []message.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *SessionHandler) Groups(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	items, err := h.service.Groups(id)
	if err != nil {
		return sessionError(c, err)
	}
	if items == nil {
		items = []message.Group{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *SessionHandler) Checks(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	items := []healthcheck.CheckResult{}
	if h.checker != nil {
		items = h.checker.ListChecks(c.Request().Context(), id)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": healthcheck.Overall(items),
		"items":  items,
	})
}
