// Package web serves the calendar sync HTTP surface: status, manual
// triggers, account management, the connect flows and the cron trigger.
package web

import (
	"context"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/google"
	"github.com/macjediwizard/crmcalsync/internal/token"
)

const (
	connectTimeout = 30 * time.Second
	pingTimeout    = 2 * time.Second
)

// Connector runs the Google consent flow.
type Connector interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*google.Grant, error)
}

// CredentialChecker verifies a CalDAV credential before it is stored.
type CredentialChecker interface {
	TestConnection(ctx context.Context, accessToken string) error
}

// BatchRunner runs one sync batch, refusing to overlap a running one.
type BatchRunner interface {
	RunBatch(ctx context.Context) (*engine.BatchResult, error)
}

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the handlers. Google and CalDAV are nil when the
// provider is not configured.
type Dependencies struct {
	BaseURL string
	DB      *db.DB
	Engine  *engine.Engine
	Tokens  *token.Store
	Session *auth.SessionManager
	Signer  *auth.Signer
	Google  Connector
	CalDAV  CredentialChecker
	Batch   BatchRunner
	Checks  map[string]Pinger
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	baseURL string
	db      *db.DB
	engine  *engine.Engine
	tokens  *token.Store
	session *auth.SessionManager
	signer  *auth.Signer
	google  Connector
	caldav  CredentialChecker
	batch   BatchRunner
	checks  map[string]Pinger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		baseURL: strings.TrimSuffix(deps.BaseURL, "/"),
		db:      deps.DB,
		engine:  deps.Engine,
		tokens:  deps.Tokens,
		session: deps.Session,
		signer:  deps.Signer,
		google:  deps.Google,
		caldav:  deps.CalDAV,
		batch:   deps.Batch,
		checks:  deps.Checks,
	}
}

// Liveness reports that the process is serving.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness pings every dependency.
func (h *Handlers) Readiness(c *gin.Context) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(gin.H, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
		err := h.checks[name].Ping(ctx)
		cancel()
		if err != nil {
			log.Printf("[Web] Readiness check %s failed: %v", name, err)
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unavailable"
	}
	c.JSON(status, gin.H{"status": overall, "checks": results})
}

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("[Web] %s: %v", userMessage, err)
	}
	return userMessage
}

// categorizeConnectionError returns a user-friendly message based on common error patterns.
func categorizeConnectionError(err error) string {
	if err == nil {
		return "Connection failed"
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the URL."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Connection timed out. Please try again."
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized"):
		return "Authentication failed. Please check your credentials."
	case strings.Contains(errStr, "403") || strings.Contains(errStr, "forbidden"):
		return "Access denied. Please check your permissions."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Connection failed. Please check your settings."
	}
}
