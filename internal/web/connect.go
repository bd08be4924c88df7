package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/caldav"
	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"github.com/macjediwizard/crmcalsync/internal/db"
)

const settingsPath = "/settings/calendar"

// APIConnectGoogle starts the Google consent flow and returns the URL the
// browser should visit.
func (h *Handlers) APIConnectGoogle(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Google Calendar is not configured"})
		return
	}

	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	returnTo := c.Query("return_to")
	if returnTo != "" && !IsSafeRedirectURL(returnTo) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid return_to"})
		return
	}

	state, err := h.signer.IssueState(session.UserID, string(db.ProviderGoogle), returnTo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to start connect flow")})
		return
	}
	if err := h.session.SetOAuthState(c.Writer, c.Request, state); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to start connect flow")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": h.google.AuthCodeURL(state)})
}

// GoogleCallback completes the consent flow, stores the credential and
// loads the account's calendars.
func (h *Handlers) GoogleCallback(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Google Calendar is not configured"})
		return
	}

	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		log.Printf("[Connect] Consent denied for user %s: %s", session.UserID, errParam)
		c.Redirect(http.StatusFound, h.settingsURL("", "error", "access_denied"))
		return
	}

	state := c.Query("state")
	stored, err := h.session.GetOAuthState(c.Writer, c.Request)
	if err != nil || state == "" || stored != state {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid OAuth state"})
		return
	}
	claims, err := h.signer.VerifyState(state, session.UserID)
	if err != nil || claims.Provider != string(db.ProviderGoogle) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid OAuth state"})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing authorization code"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
	defer cancel()

	grant, err := h.google.Exchange(ctx, code)
	if err != nil {
		log.Printf("[Connect] Token exchange failed for user %s: %v", session.UserID, err)
		c.Redirect(http.StatusFound, h.settingsURL(claims.ReturnTo, "error", "connect_failed"))
		return
	}

	acct, err := h.saveAccount(ctx, session.UserID, db.ProviderGoogle, grant.Email, grant.Token)
	if err != nil {
		log.Printf("[Connect] Failed to save account for user %s: %v", session.UserID, err)
		c.Redirect(http.StatusFound, h.settingsURL(claims.ReturnTo, "error", "connect_failed"))
		return
	}

	if _, err := h.engine.RefreshCalendars(ctx, acct.ID); err != nil {
		log.Printf("[Connect] Failed to load calendars for account %s: %v", acct.ID, err)
	}

	log.Printf("[Connect] User %s connected Google account %s", session.UserID, acct.ID)
	c.Redirect(http.StatusFound, h.settingsURL(claims.ReturnTo, "connected", string(db.ProviderGoogle)))
}

type connectCalDAVRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// APIConnectCalDAV verifies and stores a CalDAV credential.
func (h *Handlers) APIConnectCalDAV(c *gin.Context) {
	if h.caldav == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "CalDAV is not configured"})
		return
	}

	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req connectCalDAVRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return
	}
	username := strings.TrimSpace(req.Username)

	ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
	defer cancel()

	credential := caldav.Credential(username, req.Password)
	if err := h.caldav.TestConnection(ctx, credential); err != nil {
		log.Printf("[Connect] CalDAV connection test failed for user %s: %v", session.UserID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": categorizeConnectionError(err)})
		return
	}

	acct, err := h.saveAccount(ctx, session.UserID, db.ProviderCalDAV, username, &calendar.Token{AccessToken: credential})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save account")})
		return
	}

	cals, err := h.engine.RefreshCalendars(ctx, acct.ID)
	if err != nil {
		log.Printf("[Connect] Failed to load calendars for account %s: %v", acct.ID, err)
	}

	log.Printf("[Connect] User %s connected CalDAV account %s", session.UserID, acct.ID)
	c.JSON(http.StatusCreated, gin.H{
		"account_id": acct.ID,
		"calendars":  calendarsToAPI(cals),
	})
}

// saveAccount stores a fresh credential. Reconnecting the same external
// account replaces its tokens instead of creating a second account.
func (h *Handlers) saveAccount(ctx context.Context, userID string, provider db.Provider, email string, tok *calendar.Token) (*db.Account, error) {
	access, refresh, expiry, err := h.tokens.Seal(tok)
	if err != nil {
		return nil, err
	}
	scopes := strings.Join(tok.Scopes, " ")

	existing, err := h.db.FindAccount(ctx, userID, provider, email)
	switch {
	case err == nil:
		if err := h.db.UpdateAccountTokens(ctx, existing.ID, access, refresh, expiry); err != nil {
			return nil, err
		}
		if err := h.db.UpdateAccountScopes(ctx, existing.ID, scopes); err != nil {
			return nil, err
		}
		return existing, nil
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	acct := &db.Account{
		UserID:         userID,
		Provider:       provider,
		ExternalEmail:  email,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: expiry,
		Scopes:         scopes,
	}
	if err := h.db.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// settingsURL builds the post-connect redirect, appending one query
// parameter to returnTo or the settings page.
func (h *Handlers) settingsURL(returnTo, key, value string) string {
	path := settingsPath
	if returnTo != "" && IsSafeRedirectURL(returnTo) {
		path = returnTo
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return h.baseURL + path + sep + key + "=" + url.QueryEscape(value)
}
