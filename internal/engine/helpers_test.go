package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"github.com/macjediwizard/crmcalsync/internal/calendar/calendartest"
	"github.com/macjediwizard/crmcalsync/internal/crypto"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/lock"
	"github.com/macjediwizard/crmcalsync/internal/token"
)

// router sends calendar calls to the client registered for the access
// token, so every test account has its own remote side. Credential calls go
// to auth.
type router struct {
	mu      sync.Mutex
	byToken map[string]calendar.Client
	auth    *calendartest.Fake
}

func (r *router) add(accessToken string, c calendar.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken[accessToken] = c
}

func (r *router) get(accessToken string) calendar.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byToken[accessToken]; ok {
		return c
	}
	return r.auth
}

func (r *router) ListCalendars(ctx context.Context, tok string) ([]calendar.RemoteCalendar, error) {
	return r.get(tok).ListCalendars(ctx, tok)
}

func (r *router) ListEvents(ctx context.Context, tok, calendarID, cursor string) (*calendar.ListResult, error) {
	return r.get(tok).ListEvents(ctx, tok, calendarID, cursor)
}

func (r *router) CreateEvent(ctx context.Context, tok, calendarID string, ev *calendar.EventPayload) (string, error) {
	return r.get(tok).CreateEvent(ctx, tok, calendarID, ev)
}

func (r *router) UpdateEvent(ctx context.Context, tok, calendarID, eventID string, ev *calendar.EventPayload) error {
	return r.get(tok).UpdateEvent(ctx, tok, calendarID, eventID, ev)
}

func (r *router) DeleteEvent(ctx context.Context, tok, calendarID, eventID string) error {
	return r.get(tok).DeleteEvent(ctx, tok, calendarID, eventID)
}

func (r *router) RefreshCredential(ctx context.Context, refreshToken string) (*calendar.Token, error) {
	return r.auth.RefreshCredential(ctx, refreshToken)
}

func (r *router) RevokeToken(ctx context.Context, tok string) error {
	return r.auth.RevokeToken(ctx, tok)
}

type testEnv struct {
	db     *db.DB
	enc    *crypto.Encryptor
	router *router
	locker *lock.Memory
	engine *Engine
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()

	dir, err := os.MkdirTemp("", "crmcalsync-engine-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	database, err := db.New(filepath.Join(dir, "test.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.RemoveAll(dir)
	})

	enc, err := crypto.NewEncryptor(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	r := &router{byToken: make(map[string]calendar.Client), auth: calendartest.New()}
	reg := calendar.NewRegistry()
	reg.Register(string(db.ProviderGoogle), r)

	locker := lock.NewMemory()
	tokens := token.NewStore(database, enc, reg, time.Minute)
	eng := New(database, tokens, reg, Config{
		Concurrency:    3,
		CallTimeout:    5 * time.Second,
		AccountTimeout: 30 * time.Second,
	}, WithLocker(locker))

	return &testEnv{db: database, enc: enc, router: r, locker: locker, engine: eng}
}

// connect creates an account whose remote side is client and loads its
// calendar list.
func (env *testEnv) connect(t *testing.T, userID, email string, client calendar.Client) *db.Account {
	t.Helper()
	ctx := context.Background()

	accessToken := "access-" + email
	env.router.add(accessToken, client)

	access, _ := env.enc.Encrypt(accessToken)
	refresh, _ := env.enc.Encrypt("refresh-" + email)
	exp := time.Now().Add(time.Hour)
	acct := &db.Account{
		UserID:         userID,
		Provider:       db.ProviderGoogle,
		ExternalEmail:  email,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: &exp,
	}
	if err := env.db.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if _, err := env.engine.RefreshCalendars(ctx, acct.ID); err != nil {
		t.Fatalf("RefreshCalendars failed: %v", err)
	}
	return acct
}

func (env *testEnv) calendar(t *testing.T, accountID, externalID string) *db.Calendar {
	t.Helper()
	cals, err := env.db.ListCalendars(context.Background(), accountID)
	if err != nil {
		t.Fatalf("ListCalendars failed: %v", err)
	}
	for _, c := range cals {
		if c.ExternalID == externalID {
			return c
		}
	}
	t.Fatalf("calendar %s not found", externalID)
	return nil
}

func (env *testEnv) account(t *testing.T, id string) *db.Account {
	t.Helper()
	acct, err := env.db.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	return acct
}

func (env *testEnv) activity(t *testing.T, id string) *db.Activity {
	t.Helper()
	a, err := env.db.GetActivity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetActivity failed: %v", err)
	}
	return a
}

func (env *testEnv) events(t *testing.T, calendarID string) []*db.CalendarEvent {
	t.Helper()
	evs, err := env.db.ListEvents(context.Background(), calendarID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	return evs
}

func (env *testEnv) setCursor(t *testing.T, calendarID, cursor string) {
	t.Helper()
	err := env.db.WithTx(context.Background(), func(tx *db.Tx) error {
		return tx.CommitCursor(calendarID, cursor, time.Now())
	})
	if err != nil {
		t.Fatalf("CommitCursor failed: %v", err)
	}
}

func primaryCalendar(id string) calendar.RemoteCalendar {
	return calendar.RemoteCalendar{ID: id, Name: "Main " + id, Primary: true, Writable: true}
}

func timedEvent(id, title string, start time.Time) calendar.RemoteEvent {
	start = start.UTC()
	end := start.Add(time.Hour)
	return calendar.RemoteEvent{
		ID:    id,
		Title: title,
		Start: calendar.EventTime{DateTime: &start},
		End:   calendar.EventTime{DateTime: &end},
	}
}

func cursorOf(c *db.Calendar) string {
	if c.SyncCursor == nil {
		return ""
	}
	return *c.SyncCursor
}
