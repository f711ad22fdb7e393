package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/agent/adapter"
	"github.com/BoozeLee/conduit/internal/agent/events"
	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/orchestrator"
	"github.com/BoozeLee/conduit/internal/session"
	"github.com/BoozeLee/conduit/internal/storage"
)

// SessionsResponse lists sessions.
type SessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Total    int            `json:"total"`
}

// StoredSessionsResponse lists persisted session records.
type StoredSessionsResponse struct {
	Sessions []*storage.SessionRecord `json:"sessions"`
	Total    int                      `json:"total"`
}

// InputRequest is the body of POST /sessions/:id/input.
type InputRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// ControlRequest is the body of POST /sessions/:id/control.
type ControlRequest struct {
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
}

// EventsResponse carries a page of a session's retained history. Total is
// the number of retained events and Offset the index of the first one
// returned.
type EventsResponse struct {
	SessionID string         `json:"session_id"`
	Events    []events.Event `json:"events"`
	Total     int            `json:"total"`
	Offset    int            `json:"offset"`
}

// writeError renders err as an AppError with its HTTP status.
func (g *Gateway) writeError(c *gin.Context, err error, msg string) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError(msg, err)
	}
	status := apperrors.GetHTTPStatus(appErr)
	if status >= http.StatusInternalServerError {
		g.logger.WithContext(c.Request.Context()).Error(msg, zap.String("session_id", c.Param("id")), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": appErr})
}

// GET /api/v1/sessions
// GET /api/v1/sessions?source=storage
func (g *Gateway) listSessions(c *gin.Context) {
	if c.Query("source") == "storage" {
		records, err := g.orch.Stored(c.Request.Context())
		if err != nil {
			g.writeError(c, err, "failed to list stored sessions")
			return
		}
		c.JSON(http.StatusOK, StoredSessionsResponse{Sessions: records, Total: len(records)})
		return
	}
	infos := g.orch.List()
	c.JSON(http.StatusOK, SessionsResponse{Sessions: infos, Total: len(infos)})
}

// POST /api/v1/sessions
func (g *Gateway) startSession(c *gin.Context) {
	var req orchestrator.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()), "")
		return
	}
	info, err := g.orch.StartSession(c.Request.Context(), req)
	if err != nil {
		g.writeError(c, err, "failed to start session")
		return
	}
	c.JSON(http.StatusCreated, info)
}

// GET /api/v1/sessions/:id
func (g *Gateway) getSession(c *gin.Context) {
	info, err := g.orch.Get(c.Param("id"))
	if err != nil {
		g.writeError(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, info)
}

// POST /api/v1/sessions/:id/input
func (g *Gateway) sendInput(c *gin.Context) {
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()), "")
		return
	}
	if req.Text == "" && len(req.Images) == 0 {
		g.writeError(c, apperrors.BadRequest("text or images is required"), "")
		return
	}
	id := c.Param("id")
	if err := g.orch.SendInput(c.Request.Context(), id, adapter.Input{Text: req.Text, Images: req.Images}); err != nil {
		g.writeError(c, err, "failed to send input")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "accepted": true})
}

// POST /api/v1/sessions/:id/stop
func (g *Gateway) stopSession(c *gin.Context) {
	id := c.Param("id")
	if err := g.orch.StopSession(c.Request.Context(), id); err != nil {
		g.writeError(c, err, "failed to stop session")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "stopping": true})
}

// POST /api/v1/sessions/:id/control
func (g *Gateway) respondToControl(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()), "")
		return
	}
	if req.RequestID == "" {
		g.writeError(c, apperrors.BadRequest("request_id is required"), "")
		return
	}
	id := c.Param("id")
	if err := g.orch.RespondToControl(c.Request.Context(), id, req.RequestID, req.Allow); err != nil {
		g.writeError(c, err, "failed to answer control request")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "request_id": req.RequestID, "allow": req.Allow})
}

// GET /api/v1/sessions/:id/events
// GET /api/v1/sessions/:id/events?offset=20&limit=10
// GET /api/v1/sessions/:id/events?tail=50
func (g *Gateway) sessionEvents(c *gin.Context) {
	offset, err := queryCount(c, "offset")
	if err != nil {
		g.writeError(c, err, "")
		return
	}
	limit, err := queryCount(c, "limit")
	if err != nil {
		g.writeError(c, err, "")
		return
	}
	tail, err := queryCount(c, "tail")
	if err != nil {
		g.writeError(c, err, "")
		return
	}
	if c.Query("tail") != "" && c.Query("offset") != "" {
		g.writeError(c, apperrors.BadRequest("tail and offset are mutually exclusive"), "")
		return
	}

	id := c.Param("id")
	history, err := g.orch.History(c.Request.Context(), id)
	if err != nil {
		g.writeError(c, err, "failed to read session history")
		return
	}
	total := len(history)
	if c.Query("tail") != "" {
		offset = max(total-tail, 0)
	}
	offset = min(offset, total)
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
	}
	page := history[offset:end]
	if page == nil {
		page = []events.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{SessionID: id, Events: page, Total: total, Offset: offset})
}

// PATCH /api/v1/sessions/:id
func (g *Gateway) updateSession(c *gin.Context) {
	var req orchestrator.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()), "")
		return
	}
	if req.Backend == "" && req.Model == nil && req.PlanMode == nil {
		g.writeError(c, apperrors.BadRequest("backend, model or plan_mode is required"), "")
		return
	}
	info, err := g.orch.UpdateSession(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		g.writeError(c, err, "failed to update session")
		return
	}
	c.JSON(http.StatusOK, info)
}

// queryCount parses a non-negative integer query parameter. A missing
// parameter is zero.
func queryCount(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperrors.BadRequest(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}
