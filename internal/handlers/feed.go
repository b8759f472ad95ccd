package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/labstack/echo/v4"

	"github.com/memohai/groupwatch/internal/message"
)

// FeedReader returns the latest recorded groups of a tenant.
type FeedReader interface {
	Latest(tenantID string, limit int) []message.Group
}

// MediaOpener opens a stored attachment by storage key.
type MediaOpener interface {
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

// FeedHandler serves the feed snapshot and stored attachments.
type FeedHandler struct {
	logger *slog.Logger
	feed   FeedReader
	media  MediaOpener
}

func NewFeedHandler(log *slog.Logger, feed FeedReader, media MediaOpener) *FeedHandler {
	if log == nil {
		log = slog.Default()
	}
	return &FeedHandler{logger: log.With(slog.String("handler", "feed")), feed: feed, media: media}
}

func (h *FeedHandler) Register(e *echo.Echo) {
	group := e.Group("/tenants/:tenant_id")
	group.GET("/feed", h.Latest)
	group.GET("/media/*", h.Media)
}

func (h *FeedHandler) Latest(c echo.Context) error {
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
	items := []message.Group{}
	if h.feed != nil {
		items = append(items, h.feed.Latest(id, limit)...)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// Media streams an attachment. The path after /media/ is the storage key
// without its tenant prefix.
func (h *FeedHandler) Media(c echo.Context) error {
	id, err := tenantID(c)
	if err != nil {
		return err
	}
	rest := strings.TrimPrefix(c.Param("*"), "/")
	if rest == "" || h.media == nil {
		return echo.NewHTTPError(http.StatusNotFound, "media not found")
	}
	if !validMediaPath(rest) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid media path")
	}
	reader, err := h.media.Open(c.Request().Context(), id+"/"+rest)
	if err != nil {
		h.logger.Debug("media open failed", slog.String("tenant_id", id), slog.String("key", rest), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusNotFound, "media not found")
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, mimetype.Detect(data).String(), data)
}

// validMediaPath rejects sub-paths that could leave the tenant prefix.
func validMediaPath(rest string) bool {
	if strings.ContainsAny(rest, "\\\x00") {
		return false
	}
	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." || seg == "." {
			return false
		}
	}
	return true
}
