package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
)

// Cookie names are shared with the CRM, which issues the session.
const (
	sessionName    = "crm_session"
	oauthStateName = "crm_calendar_oauth_state"
	oauthStatePath = "/api/calendar/connect"

	sessionMaxAge   = 7 * 24 * 60 * 60 // 7 days in seconds
	stateMaxAge     = 10 * 60
	csrfTokenLength = 32
)

// Session value keys.
const (
	keyUserID = "user_id"
	keyEmail  = "email"
	keyCSRF   = "csrf_token"
	keyState  = "state"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session data")
)

// SessionData is the signed-in CRM user.
type SessionData struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	CSRFToken string `json:"csrf_token"`
}

// SessionOption adjusts the cookie attributes.
type SessionOption func(*sessions.Options)

// WithCookieDomain scopes the cookies to domain, so a session issued by
// the CRM on a sibling host is visible here.
func WithCookieDomain(domain string) SessionOption {
	return func(o *sessions.Options) {
		o.Domain = domain
	}
}

// SessionManager reads the session cookie and keeps the short-lived OAuth
// state cookie used by the connect flow.
type SessionManager struct {
	sessions *sessions.CookieStore
	states   *sessions.CookieStore
}

// NewSessionManager creates a SessionManager whose cookies are signed and
// encrypted with secret.
func NewSessionManager(secret string, secure bool, opts ...SessionOption) *SessionManager {
	base := sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(&base)
	}

	sessionOpts := base
	stateOpts := base
	stateOpts.Path = oauthStatePath
	stateOpts.MaxAge = stateMaxAge

	return &SessionManager{
		sessions: newStore(secret, sessionOpts),
		states:   newStore(secret, stateOpts),
	}
}

func newStore(secret string, opts sessions.Options) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &opts
	return store
}

// Get returns the signed-in user of r.
func (sm *SessionManager) Get(r *http.Request) (*SessionData, error) {
	session, err := sm.sessions.Get(r, sessionName)
	if err != nil || session.IsNew {
		return nil, ErrSessionNotFound
	}

	userID := stringValue(session, keyUserID)
	if userID == "" {
		return nil, ErrSessionNotFound
	}
	return &SessionData{
		UserID:    userID,
		Email:     stringValue(session, keyEmail),
		CSRFToken: stringValue(session, keyCSRF),
	}, nil
}

// Set writes a session for data, generating its CSRF token when missing.
// The CRM normally owns this cookie; Set serves tooling and tests.
func (sm *SessionManager) Set(w http.ResponseWriter, r *http.Request, data *SessionData) error {
	session, err := sm.sessions.New(r, sessionName)
	if session == nil {
		return err
	}

	if data.CSRFToken == "" {
		if data.CSRFToken, err = randomString(csrfTokenLength); err != nil {
			return err
		}
	}

	session.Values[keyUserID] = data.UserID
	session.Values[keyEmail] = data.Email
	session.Values[keyCSRF] = data.CSRFToken
	return session.Save(r, w)
}

// SetOAuthState binds an OAuth state value to the browser for ten minutes.
func (sm *SessionManager) SetOAuthState(w http.ResponseWriter, r *http.Request, state string) error {
	session, err := sm.states.New(r, oauthStateName)
	if session == nil {
		return err
	}
	session.Values[keyState] = state
	return session.Save(r, w)
}

// GetOAuthState returns the bound OAuth state and expires it, so a state is
// accepted once.
func (sm *SessionManager) GetOAuthState(w http.ResponseWriter, r *http.Request) (string, error) {
	session, err := sm.states.Get(r, oauthStateName)
	if err != nil {
		return "", err
	}

	state := stringValue(session, keyState)
	if state == "" {
		return "", ErrInvalidSession
	}
	if err := expire(w, r, sm.states, oauthStateName); err != nil {
		return "", err
	}
	return state, nil
}

func expire(w http.ResponseWriter, r *http.Request, store *sessions.CookieStore, name string) error {
	session, err := store.Get(r, name)
	if err != nil && session == nil {
		return nil
	}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func stringValue(s *sessions.Session, key string) string {
	v, _ := s.Values[key].(string)
	return v
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
