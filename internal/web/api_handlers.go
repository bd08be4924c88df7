package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/scheduler"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 200
)

// APICalendar represents a calendar in JSON format for the API.
type APICalendar struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	Name              string     `json:"name"`
	Color             string     `json:"color,omitempty"`
	IsVisible         bool       `json:"is_visible"`
	IsPrimary         bool       `json:"is_primary"`
	IsWritable        bool       `json:"is_writable"`
	FullResyncPending bool       `json:"full_resync_pending"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
}

func calendarToAPI(cal *db.Calendar) *APICalendar {
	return &APICalendar{
		ID:                cal.ID,
		AccountID:         cal.AccountID,
		Name:              cal.Name,
		Color:             cal.Color,
		IsVisible:         cal.IsVisible,
		IsPrimary:         cal.IsPrimary,
		IsWritable:        cal.IsWritable,
		FullResyncPending: cal.SyncCursor == nil,
		LastSyncAt:        cal.LastSyncAt,
	}
}

func calendarsToAPI(cals []*db.Calendar) []*APICalendar {
	out := make([]*APICalendar, len(cals))
	for i, cal := range cals {
		out[i] = calendarToAPI(cal)
	}
	return out
}

// APISyncLog represents a sync log in JSON format for the API.
type APISyncLog struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Message         string    `json:"message"`
	CalendarsSynced int       `json:"calendars_synced"`
	EventsUpserted  int       `json:"events_upserted"`
	EventsDeleted   int       `json:"events_deleted"`
	EventsPushed    int       `json:"events_pushed"`
	FullResyncs     int       `json:"full_resyncs"`
	DurationMs      int64     `json:"duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

func syncLogToAPI(l *db.SyncLog) *APISyncLog {
	return &APISyncLog{
		ID:              l.ID,
		Status:          l.Status,
		Message:         l.Message,
		CalendarsSynced: l.CalendarsSynced,
		EventsUpserted:  l.EventsUpserted,
		EventsDeleted:   l.EventsDeleted,
		EventsPushed:    l.EventsPushed,
		FullResyncs:     l.FullResyncs,
		DurationMs:      l.DurationMs,
		CreatedAt:       l.CreatedAt,
	}
}

// APISyncStatus returns the stored sync state of the user's accounts.
func (h *Handlers) APISyncStatus(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	accounts, err := h.engine.Status(c.Request.Context(), session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sync status")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type triggerSyncRequest struct {
	AccountID string `json:"account_id"`
}

// APITriggerSync runs one of the user's accounts, or all of them, and
// returns the results.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req triggerSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	results, err := h.engine.SyncUser(c.Request.Context(), session.UserID, req.AccountID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to run sync")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// APIActivity returns live and recent sync progress.
func (h *Handlers) APIActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Tracker().GetAll())
}

// ownedAccount loads the :id account if it belongs to the current user,
// answering 404 otherwise.
func (h *Handlers) ownedAccount(c *gin.Context) (*db.Account, bool) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return nil, false
	}

	acct, err := h.db.GetAccountForUser(c.Request.Context(), c.Param("id"), session.UserID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load account")})
		return nil, false
	}
	return acct, true
}

// APIGetAccountLogs returns the most recent sync logs of an account.
func (h *Handlers) APIGetAccountLogs(c *gin.Context) {
	acct, ok := h.ownedAccount(c)
	if !ok {
		return
	}

	limit := defaultLogLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxLogLimit)
		}
	}

	logs, err := h.db.GetSyncLogs(c.Request.Context(), acct.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load logs")})
		return
	}

	apiLogs := make([]*APISyncLog, len(logs))
	for i, l := range logs {
		apiLogs[i] = syncLogToAPI(l)
	}
	c.JSON(http.StatusOK, gin.H{"logs": apiLogs})
}

// APIListCalendars returns the stored calendars of an account.
func (h *Handlers) APIListCalendars(c *gin.Context) {
	acct, ok := h.ownedAccount(c)
	if !ok {
		return
	}

	cals, err := h.db.ListCalendars(c.Request.Context(), acct.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load calendars")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calendars": calendarsToAPI(cals)})
}

// APIRefreshCalendars reloads an account's calendar list from the provider.
func (h *Handlers) APIRefreshCalendars(c *gin.Context) {
	acct, ok := h.ownedAccount(c)
	if !ok {
		return
	}

	cals, err := h.engine.RefreshCalendars(c.Request.Context(), acct.ID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": sanitizeError(err, "Failed to refresh calendars")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calendars": calendarsToAPI(cals)})
}

// APIDisconnectAccount revokes and deletes an account with its calendars
// and cached events.
func (h *Handlers) APIDisconnectAccount(c *gin.Context) {
	acct, ok := h.ownedAccount(c)
	if !ok {
		return
	}

	err := h.engine.Disconnect(c.Request.Context(), acct.ID)
	if errors.Is(err, engine.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is in progress, try again shortly"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to disconnect account")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account disconnected"})
}

type updateCalendarRequest struct {
	IsVisible *bool `json:"is_visible" binding:"required"`
}

// APIUpdateCalendar toggles whether a calendar takes part in sync. The
// change is local only.
func (h *Handlers) APIUpdateCalendar(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req updateCalendarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "is_visible is required"})
		return
	}

	ctx := c.Request.Context()
	cal, err := h.db.GetCalendar(ctx, c.Param("id"))
	if err == nil {
		_, err = h.db.GetAccountForUser(ctx, cal.AccountID, session.UserID)
	}
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load calendar")})
		return
	}

	if err := h.db.SetCalendarVisible(ctx, cal.ID, *req.IsVisible); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update calendar")})
		return
	}
	cal.IsVisible = *req.IsVisible
	c.JSON(http.StatusOK, calendarToAPI(cal))
}

// CronSync runs the batch for every account. It is called by an external
// scheduler holding the cron secret.
func (h *Handlers) CronSync(c *gin.Context) {
	result, err := h.batch.RunBatch(c.Request.Context())
	if errors.Is(err, scheduler.ErrBatchRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": "A sync batch is already running"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Sync batch failed")})
		return
	}
	c.JSON(http.StatusOK, result)
}
