package http

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/adapters/ingest"
	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/domain"
)

const (
	defaultCleanupAge = 24 * time.Hour
	maxEventBody      = 1 << 20
)

type handlers struct {
	lobby    LobbyAPI
	registry *app.Registry
	ingest   Ingestor
}

// browseQuery is the query-string form of domain.CriteriaParams. List
// fields accept repeated keys or comma-separated values.
type browseQuery struct {
	SearchTerm       string   `form:"searchTerm"`
	Genres           []string `form:"genres"`
	IncludePrivate   bool     `form:"includePrivate"`
	IncludeFullRooms bool     `form:"includeFullRooms"`
	MinMembers       *int     `form:"minMembers"`
	MaxMembers       *int     `form:"maxMembers"`
	CapacityStatus   []string `form:"capacityStatus"`
	ActivityStatus   []string `form:"activityStatus"`
	SortBy           string   `form:"sortBy"`
	SortOrder        string   `form:"sortOrder"`
	Limit            int      `form:"limit"`
	Offset           int      `form:"offset"`
	UserID           string   `form:"userId"`
}

func (q browseQuery) params() domain.CriteriaParams {
	p := domain.CriteriaParams{
		SearchTerm:       q.SearchTerm,
		Genres:           splitList(q.Genres),
		IncludePrivate:   q.IncludePrivate,
		IncludeFullRooms: q.IncludeFullRooms,
		MinMembers:       q.MinMembers,
		MaxMembers:       q.MaxMembers,
		SortBy:           domain.SortField(q.SortBy),
		SortOrder:        domain.SortOrder(q.SortOrder),
		Limit:            q.Limit,
		Offset:           q.Offset,
	}
	for _, s := range splitList(q.CapacityStatus) {
		p.CapacityStatus = append(p.CapacityStatus, domain.CapacityStatus(s))
	}
	for _, s := range splitList(q.ActivityStatus) {
		p.ActivityStatus = append(p.ActivityStatus, domain.ActivityStatus(s))
	}
	return p
}

func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

type shapeQuery struct {
	Limit  int      `form:"limit" binding:"gte=0,lte=100"`
	UserID string   `form:"userId"`
	Genres []string `form:"genres"`
}

func userID(c *gin.Context, explicit string) domain.UserID {
	if explicit != "" {
		return domain.UserID(explicit)
	}
	return domain.UserID(c.GetString(clientTokenKey))
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": err.Error()})
}

func roomsJSON(rooms []domain.RoomListing) gin.H {
	return gin.H{"success": true, "rooms": domain.Views(rooms, time.Now()), "count": len(rooms)}
}

func pageJSON(res domain.SearchResult) gin.H {
	out := gin.H{
		"success":    true,
		"rooms":      domain.Views(res.Items, time.Now()),
		"totalCount": res.TotalCount,
		"hasMore":    res.HasMore,
	}
	if res.NextOffset != nil {
		out["nextOffset"] = *res.NextOffset
	}
	return out
}

func (h *handlers) browse(c *gin.Context) {
	var q browseQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	criteria, err := domain.CriteriaFromQuery(q.params())
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, pageJSON(h.lobby.BrowseRooms(c.Request.Context(), criteria, userID(c, q.UserID))))
}

func (h *handlers) search(c *gin.Context) {
	var q struct {
		Term string `form:"q"`
		shapeQuery
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := h.lobby.SearchRooms(c.Request.Context(), q.Term, userID(c, q.UserID), q.Limit)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, pageJSON(res))
}

func (h *handlers) popular(c *gin.Context) {
	var q shapeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, roomsJSON(h.lobby.PopularRooms(c.Request.Context(), q.Limit)))
}

func (h *handlers) recommended(c *gin.Context) {
	var q shapeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	rooms := h.lobby.RecommendedRooms(c.Request.Context(), userID(c, q.UserID), splitList(q.Genres), q.Limit)
	c.JSON(http.StatusOK, roomsJSON(rooms))
}

func (h *handlers) byGenre(c *gin.Context) {
	var q shapeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	genre := c.Param("genre")
	out := roomsJSON(h.lobby.RoomsByGenre(c.Request.Context(), genre, userID(c, q.UserID), q.Limit))
	out["genre"] = genre
	c.JSON(http.StatusOK, out)
}

func (h *handlers) available(c *gin.Context) {
	var q shapeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, roomsJSON(h.lobby.AvailableRooms(c.Request.Context(), userID(c, q.UserID), q.Limit)))
}

func (h *handlers) statistics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "statistics": h.lobby.Statistics(c.Request.Context())})
}

func (h *handlers) groups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "groups": h.registry.Groups(), "connections": h.registry.Count()})
}

func (h *handlers) refresh(c *gin.Context) {
	n, err := h.lobby.Refresh(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("refresh")
		fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "rooms": n})
}

func (h *handlers) cleanup(c *gin.Context) {
	maxAge := defaultCleanupAge
	if raw := c.Query("maxAge"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			fail(c, http.StatusBadRequest, errors.New("maxAge must be a positive duration"))
			return
		}
		maxAge = d
	}
	n, err := h.lobby.CleanupInactive(c.Request.Context(), maxAge)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("cleanup")
		fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": n})
}

func (h *handlers) ingestEvent(c *gin.Context) {
	if h.ingest == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("ingest disabled"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ev, err := h.ingest.PublishRaw(c.Request.Context(), body)
	switch {
	case errors.Is(err, ingest.ErrMalformed), errors.Is(err, ingest.ErrUnknownType):
		fail(c, http.StatusBadRequest, err)
		return
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Msg("ingest event")
		fail(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "type": ev.EventType(), "eventId": ev.EventID()})
}
