package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "crmcalsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
	return db, cleanup
}

func createTestAccount(t *testing.T, db *DB, userID, email string) *Account {
	t.Helper()

	acct := &Account{
		UserID:        userID,
		Provider:      ProviderGoogle,
		ExternalEmail: email,
		AccessToken:   "enc-access",
		RefreshToken:  "enc-refresh",
	}
	if err := db.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	return acct
}

func createTestCalendar(t *testing.T, db *DB, accountID, externalID string, primary bool) *Calendar {
	t.Helper()

	cal := &Calendar{ExternalID: externalID, Name: externalID, IsPrimary: primary, IsWritable: true}
	existing, err := db.ListCalendars(context.Background(), accountID)
	if err != nil {
		t.Fatalf("failed to list calendars: %v", err)
	}
	all := []*Calendar{cal}
	for _, c := range existing {
		all = append(all, &Calendar{ExternalID: c.ExternalID, Name: c.Name, IsPrimary: c.IsPrimary, IsWritable: c.IsWritable})
	}
	if err := db.WithTx(context.Background(), func(tx *Tx) error {
		_, _, err := tx.ReplaceCalendars(accountID, all)
		return err
	}); err != nil {
		t.Fatalf("failed to create test calendar: %v", err)
	}
	return cal
}

func TestAccountLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "user-1", "a@example.com")

	t.Run("created idle", func(t *testing.T) {
		got, err := db.GetAccount(ctx, acct.ID)
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if got.SyncStatus != SyncStatusIdle {
			t.Errorf("expected idle, got %s", got.SyncStatus)
		}
		if got.LastSyncAt != nil {
			t.Error("new account should have no last_sync_at")
		}
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		dup := &Account{UserID: "user-1", Provider: ProviderGoogle, ExternalEmail: "a@example.com"}
		if err := db.CreateAccount(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("ownership", func(t *testing.T) {
		if _, err := db.GetAccountForUser(ctx, acct.ID, "someone-else"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := db.GetAccountForUser(ctx, acct.ID, "user-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("status transitions", func(t *testing.T) {
		start := time.Now().UTC()
		if err := db.MarkAccountSyncing(ctx, acct.ID, start); err != nil {
			t.Fatalf("MarkAccountSyncing failed: %v", err)
		}
		got, _ := db.GetAccount(ctx, acct.ID)
		if got.SyncStatus != SyncStatusSyncing || got.SyncStartedAt == nil {
			t.Fatalf("expected syncing with start time, got %s %v", got.SyncStatus, got.SyncStartedAt)
		}

		if err := db.MarkAccountError(ctx, acct.ID, "boom"); err != nil {
			t.Fatalf("MarkAccountError failed: %v", err)
		}
		got, _ = db.GetAccount(ctx, acct.ID)
		if got.SyncStatus != SyncStatusError || got.LastError != "boom" {
			t.Fatalf("expected error/boom, got %s/%s", got.SyncStatus, got.LastError)
		}

		if err := db.MarkAccountSynced(ctx, acct.ID, time.Now()); err != nil {
			t.Fatalf("MarkAccountSynced failed: %v", err)
		}
		got, _ = db.GetAccount(ctx, acct.ID)
		if got.SyncStatus != SyncStatusIdle || got.LastError != "" || got.LastSyncAt == nil {
			t.Fatalf("expected idle with cleared error, got %+v", got)
		}
	})

	t.Run("token update keeps refresh token when empty", func(t *testing.T) {
		exp := time.Now().Add(time.Hour)
		if err := db.UpdateAccountTokens(ctx, acct.ID, "new-access", "", &exp); err != nil {
			t.Fatalf("UpdateAccountTokens failed: %v", err)
		}
		got, _ := db.GetAccount(ctx, acct.ID)
		if got.AccessToken != "new-access" || got.RefreshToken != "enc-refresh" {
			t.Errorf("unexpected tokens %q/%q", got.AccessToken, got.RefreshToken)
		}
		if got.TokenExpiresAt == nil || got.TokenExpiresAt.Unix() != exp.Unix() {
			t.Errorf("unexpected expiry %v", got.TokenExpiresAt)
		}

		if err := db.UpdateAccountTokens(ctx, acct.ID, "a2", "r2", nil); err != nil {
			t.Fatalf("UpdateAccountTokens failed: %v", err)
		}
		got, _ = db.GetAccount(ctx, acct.ID)
		if got.RefreshToken != "r2" || got.TokenExpiresAt != nil {
			t.Errorf("expected rotated refresh token and no expiry, got %q %v", got.RefreshToken, got.TokenExpiresAt)
		}
	})

	t.Run("missing account", func(t *testing.T) {
		if err := db.MarkAccountError(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListActiveAccountsOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	synced := createTestAccount(t, db, "u1", "synced@example.com")
	never := createTestAccount(t, db, "u2", "never@example.com")
	noCreds := &Account{UserID: "u3", Provider: ProviderGoogle, ExternalEmail: "gone@example.com"}
	if err := db.CreateAccount(ctx, noCreds); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := db.MarkAccountSynced(ctx, synced.ID, time.Now()); err != nil {
		t.Fatalf("MarkAccountSynced failed: %v", err)
	}

	accounts, err := db.ListActiveAccounts(ctx)
	if err != nil {
		t.Fatalf("ListActiveAccounts failed: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 active accounts, got %d", len(accounts))
	}
	if accounts[0].ID != never.ID {
		t.Errorf("expected never-synced account first, got %s", accounts[0].ExternalEmail)
	}
}

func TestReplaceCalendars(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")

	err := db.WithTx(ctx, func(tx *Tx) error {
		added, removed, err := tx.ReplaceCalendars(acct.ID, []*Calendar{
			{ExternalID: "primary", Name: "Work", IsPrimary: true, IsWritable: true},
			{ExternalID: "holidays", Name: "Holidays"},
		})
		if added != 2 || removed != 0 {
			t.Errorf("expected 2 added 0 removed, got %d/%d", added, removed)
		}
		return err
	})
	if err != nil {
		t.Fatalf("ReplaceCalendars failed: %v", err)
	}

	cals, _ := db.ListCalendars(ctx, acct.ID)
	if len(cals) != 2 || cals[0].ExternalID != "primary" {
		t.Fatalf("expected primary first, got %+v", cals)
	}
	holidays := cals[1]
	if err := db.SetCalendarVisible(ctx, holidays.ID, false); err != nil {
		t.Fatalf("SetCalendarVisible failed: %v", err)
	}
	if err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.CommitCursor(cals[0].ID, "cursor-1", time.Now())
	}); err != nil {
		t.Fatalf("CommitCursor failed: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		added, removed, err := tx.ReplaceCalendars(acct.ID, []*Calendar{
			{ExternalID: "primary", Name: "Work renamed", IsPrimary: true, IsWritable: true},
			{ExternalID: "team", Name: "Team", IsWritable: true},
		})
		if added != 1 || removed != 1 {
			t.Errorf("expected 1 added 1 removed, got %d/%d", added, removed)
		}
		return err
	})
	if err != nil {
		t.Fatalf("ReplaceCalendars failed: %v", err)
	}

	cals, _ = db.ListCalendars(ctx, acct.ID)
	if len(cals) != 2 {
		t.Fatalf("expected 2 calendars, got %d", len(cals))
	}
	primary := cals[0]
	if primary.Name != "Work renamed" {
		t.Errorf("expected rename, got %q", primary.Name)
	}
	if primary.SyncCursor == nil || *primary.SyncCursor != "cursor-1" {
		t.Errorf("cursor should survive a list refresh, got %v", primary.SyncCursor)
	}
	if _, err := db.GetCalendar(ctx, holidays.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed calendar should be gone, got %v", err)
	}
}

func TestUpsertEventIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	newEvent := func() *CalendarEvent {
		return &CalendarEvent{CalendarID: cal.ID, ExternalID: "ev1", Title: "Call", StartAt: &start, EndAt: &end, ETag: "1"}
	}

	var changed bool
	apply := func(ev *CalendarEvent) {
		t.Helper()
		if err := db.WithTx(ctx, func(tx *Tx) error {
			var err error
			changed, err = tx.UpsertEvent(ev)
			return err
		}); err != nil {
			t.Fatalf("UpsertEvent failed: %v", err)
		}
	}

	apply(newEvent())
	if !changed {
		t.Error("first insert should report a change")
	}
	apply(newEvent())
	if changed {
		t.Error("re-applying identical content should not write")
	}

	updated := newEvent()
	updated.Title = "Call (moved)"
	updated.ETag = "2"
	apply(updated)
	if !changed {
		t.Error("changed content should write")
	}

	events, _ := db.ListEvents(ctx, cal.ID)
	if len(events) != 1 || events[0].Title != "Call (moved)" {
		t.Fatalf("expected one updated event, got %+v", events)
	}
	if !events[0].StartAt.Equal(start) {
		t.Errorf("start time not preserved: %v", events[0].StartAt)
	}
}

func TestUpsertEventRecordsNewVersionQuietly(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	upsert := func(ev *CalendarEvent) bool {
		t.Helper()
		var changed bool
		if err := db.WithTx(ctx, func(tx *Tx) error {
			var err error
			changed, err = tx.UpsertEvent(ev)
			return err
		}); err != nil {
			t.Fatalf("UpsertEvent failed: %v", err)
		}
		return changed
	}

	// Written by a push: no version stamp yet.
	if !upsert(&CalendarEvent{CalendarID: cal.ID, ExternalID: "ev1", Title: "Call", StartAt: &start, EndAt: &end,
		ActivityID: "act-1", Source: EventSourceCRM}) {
		t.Fatal("first insert should report a change")
	}

	// The pulled echo carries the provider's stamp.
	updated := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	if upsert(&CalendarEvent{CalendarID: cal.ID, ExternalID: "ev1", Title: "Call", StartAt: &start, EndAt: &end,
		ActivityID: "act-1", Source: EventSourceCRM, ETag: "7", RemoteUpdatedAt: &updated}) {
		t.Error("a new version stamp alone should not count as a change")
	}

	events, _ := db.ListEvents(ctx, cal.ID)
	if len(events) != 1 || events[0].ETag != "7" || events[0].RemoteUpdatedAt == nil ||
		!events[0].RemoteUpdatedAt.Equal(updated) {
		t.Fatalf("expected the version stamp to be stored, got %+v", events)
	}

	// A write without a stamp keeps the stored one.
	if upsert(&CalendarEvent{CalendarID: cal.ID, ExternalID: "ev1", Title: "Call", StartAt: &start, EndAt: &end,
		ActivityID: "act-1", Source: EventSourceCRM}) {
		t.Error("identical content should not write")
	}
	events, _ = db.ListEvents(ctx, cal.ID)
	if events[0].ETag != "7" {
		t.Errorf("stored stamp lost, got %q", events[0].ETag)
	}
}

func TestAllDayEventStoredAsDates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.UpsertEvent(&CalendarEvent{CalendarID: cal.ID, ExternalID: "day", AllDay: true,
			StartDate: "2025-03-10", EndDate: "2025-03-11"})
		return err
	})
	if err != nil {
		t.Fatalf("UpsertEvent failed: %v", err)
	}

	events, _ := db.ListEvents(ctx, cal.ID)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if !ev.AllDay || ev.StartDate != "2025-03-10" || ev.EndDate != "2025-03-11" || ev.StartAt != nil {
		t.Errorf("all-day event should stay date-only, got %+v", ev)
	}
}

func TestTransactionRollsBackCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertEvent(&CalendarEvent{CalendarID: cal.ID, ExternalID: "ev1", Title: "x"}); err != nil {
			return err
		}
		if err := tx.CommitCursor(cal.ID, "c1", time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := db.GetCalendar(ctx, cal.ID)
	if got.SyncCursor != nil {
		t.Errorf("cursor should not persist after rollback, got %v", *got.SyncCursor)
	}
	events, _ := db.ListEvents(ctx, cal.ID)
	if len(events) != 0 {
		t.Errorf("events should not persist after rollback, got %d", len(events))
	}
}

func TestCommitCursorKeepsCursorWhenEmpty(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	for _, c := range []string{"c1", ""} {
		if err := db.WithTx(ctx, func(tx *Tx) error { return tx.CommitCursor(cal.ID, c, time.Now()) }); err != nil {
			t.Fatalf("CommitCursor failed: %v", err)
		}
	}
	got, _ := db.GetCalendar(ctx, cal.ID)
	if got.SyncCursor == nil || *got.SyncCursor != "c1" {
		t.Fatalf("expected cursor c1 kept, got %v", got.SyncCursor)
	}
	if got.CursorCommittedAt == nil {
		t.Error("expected cursor_committed_at to be set")
	}

	if err := db.ClearCursor(ctx, cal.ID); err != nil {
		t.Fatalf("ClearCursor failed: %v", err)
	}
	got, _ = db.GetCalendar(ctx, cal.ID)
	if got.SyncCursor != nil {
		t.Error("expected cursor cleared")
	}
}

func TestDeleteAndPruneEvents(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	err := db.WithTx(ctx, func(tx *Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if _, err := tx.UpsertEvent(&CalendarEvent{CalendarID: cal.ID, ExternalID: id, Title: id}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		removed, err := tx.DeleteEvent(cal.ID, "a")
		if err != nil {
			return err
		}
		if removed == nil || removed.Title != "a" {
			t.Errorf("expected removed row a, got %+v", removed)
		}
		missing, err := tx.DeleteEvent(cal.ID, "zzz")
		if missing != nil {
			t.Errorf("expected nil for unknown event, got %+v", missing)
		}
		if err != nil {
			return err
		}
		pruned, err := tx.PruneEvents(cal.ID, map[string]bool{"b": true})
		if pruned != 1 {
			t.Errorf("expected 1 pruned, got %d", pruned)
		}
		return err
	})
	if err != nil {
		t.Fatalf("delete/prune failed: %v", err)
	}

	events, _ := db.ListEvents(ctx, cal.ID)
	if len(events) != 1 || events[0].ExternalID != "b" {
		t.Fatalf("expected only b to remain, got %+v", events)
	}
}

func TestActivitiesPendingPush(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	at := time.Date(2025, 4, 1, 14, 0, 0, 0, time.UTC)
	unbound := &Activity{UserID: "u1", Title: "Visit", ScheduledAt: &at, SyncToCalendar: true}
	bound := &Activity{UserID: "u1", Title: "Bound", ScheduledAt: &at, SyncToCalendar: true, RemoteCalendarID: cal.ID, RemoteEventID: "ev9"}
	local := &Activity{UserID: "u1", Title: "Local only", ScheduledAt: &at}
	other := &Activity{UserID: "u2", Title: "Other user", ScheduledAt: &at, SyncToCalendar: true}
	for _, a := range []*Activity{unbound, bound, local, other} {
		if err := db.CreateActivity(ctx, a); err != nil {
			t.Fatalf("CreateActivity failed: %v", err)
		}
	}
	if local.NeedsPush {
		t.Error("activity not synced to calendar should not need push")
	}

	pending, err := db.ListPendingPush(ctx, "u1", cal.ID, true)
	if err != nil {
		t.Fatalf("ListPendingPush failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending for push target, got %d", len(pending))
	}

	pending, _ = db.ListPendingPush(ctx, "u1", cal.ID, false)
	if len(pending) != 1 || pending[0].ID != bound.ID {
		t.Fatalf("expected only the bound activity, got %+v", pending)
	}

	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.MarkPushed(unbound, cal.ID, "ev10") }); err != nil {
		t.Fatalf("MarkPushed failed: %v", err)
	}
	got, _ := db.GetActivity(ctx, unbound.ID)
	if got.NeedsPush || got.RemoteEventID != "ev10" || got.RemoteCalendarID != cal.ID {
		t.Errorf("unexpected activity after push: %+v", got)
	}

	got.Notes = "edited in CRM"
	if err := db.UpdateActivity(ctx, got); err != nil {
		t.Fatalf("UpdateActivity failed: %v", err)
	}
	got, _ = db.GetActivity(ctx, unbound.ID)
	if !got.NeedsPush {
		t.Error("CRM edit should queue a push")
	}

	// An edit that lands while a push is in flight keeps the flag.
	stale := *got
	time.Sleep(2 * time.Millisecond)
	got.Notes = "edited again"
	if err := db.UpdateActivity(ctx, got); err != nil {
		t.Fatalf("UpdateActivity failed: %v", err)
	}
	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.MarkPushed(&stale, cal.ID, "ev10") }); err != nil {
		t.Fatalf("MarkPushed failed: %v", err)
	}
	got, _ = db.GetActivity(ctx, unbound.ID)
	if !got.NeedsPush {
		t.Error("edit made during push should stay queued")
	}
}

func TestActivitiesPendingRemoval(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	at := time.Date(2025, 4, 1, 14, 0, 0, 0, time.UTC)
	turnedOff := &Activity{UserID: "u1", Title: "Off", ScheduledAt: &at, RemoteCalendarID: cal.ID, RemoteEventID: "ev1"}
	synced := &Activity{UserID: "u1", Title: "On", ScheduledAt: &at, SyncToCalendar: true, RemoteCalendarID: cal.ID, RemoteEventID: "ev2"}
	neverPushed := &Activity{UserID: "u1", Title: "Local", ScheduledAt: &at}
	elsewhere := &Activity{UserID: "u1", Title: "Elsewhere", ScheduledAt: &at, RemoteCalendarID: "other-cal", RemoteEventID: "ev3"}
	for _, a := range []*Activity{turnedOff, synced, neverPushed, elsewhere} {
		if err := db.CreateActivity(ctx, a); err != nil {
			t.Fatalf("CreateActivity failed: %v", err)
		}
	}

	got, err := db.ListPendingRemoval(ctx, "u1", cal.ID)
	if err != nil {
		t.Fatalf("ListPendingRemoval failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != turnedOff.ID {
		t.Fatalf("expected only the activity turned off, got %+v", got)
	}
	if got, _ := db.ListPendingRemoval(ctx, "u2", cal.ID); len(got) != 0 {
		t.Errorf("another user's activities leaked: %+v", got)
	}
}

func TestListAccountsByUserOldestFirst(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first := createTestAccount(t, db, "u1", "zed@example.com")
	time.Sleep(2 * time.Millisecond)
	second := createTestAccount(t, db, "u1", "amy@example.com")

	accounts, err := db.ListAccountsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListAccountsByUser failed: %v", err)
	}
	if len(accounts) != 2 || accounts[0].ID != first.ID || accounts[1].ID != second.ID {
		t.Errorf("expected connection order, got %+v", accounts)
	}
}

func TestDeleteAccountCascadesAndReleasesActivities(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")
	cal := createTestCalendar(t, db, acct.ID, "primary", true)

	at := time.Now().UTC()
	act := &Activity{UserID: "u1", Title: "Linked", ScheduledAt: &at, SyncToCalendar: true,
		RemoteCalendarID: cal.ID, RemoteEventID: "ev1"}
	if err := db.CreateActivity(ctx, act); err != nil {
		t.Fatalf("CreateActivity failed: %v", err)
	}
	if err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.UpsertEvent(&CalendarEvent{CalendarID: cal.ID, ExternalID: "ev1", ActivityID: act.ID})
		return err
	}); err != nil {
		t.Fatalf("UpsertEvent failed: %v", err)
	}
	if err := db.CreateSyncLog(ctx, &SyncLog{AccountID: acct.ID, Status: "success"}); err != nil {
		t.Fatalf("CreateSyncLog failed: %v", err)
	}

	if err := db.DeleteAccount(ctx, acct.ID); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}

	if _, err := db.GetCalendar(ctx, cal.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("calendar should cascade, got %v", err)
	}
	events, _ := db.ListEvents(ctx, cal.ID)
	if len(events) != 0 {
		t.Errorf("events should cascade, got %d", len(events))
	}
	logs, _ := db.GetSyncLogs(ctx, acct.ID, 10)
	if len(logs) != 0 {
		t.Errorf("logs should cascade, got %d", len(logs))
	}
	got, err := db.GetActivity(ctx, act.ID)
	if err != nil {
		t.Fatalf("activity must survive account deletion: %v", err)
	}
	if got.RemoteEventID != "" || got.RemoteCalendarID != "" {
		t.Errorf("activity should be unlinked, got %+v", got)
	}
	if err := db.DeleteAccount(ctx, acct.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSyncLogs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct := createTestAccount(t, db, "u1", "a@example.com")

	for i := 0; i < 3; i++ {
		if err := db.CreateSyncLog(ctx, &SyncLog{AccountID: acct.ID, Status: "success", EventsUpserted: i,
			Duration: 1500 * time.Millisecond}); err != nil {
			t.Fatalf("CreateSyncLog failed: %v", err)
		}
	}

	logs, err := db.GetSyncLogs(ctx, acct.ID, 2)
	if err != nil {
		t.Fatalf("GetSyncLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected limit 2, got %d", len(logs))
	}
	if logs[0].Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %v", logs[0].Duration)
	}

	removed, err := db.CleanOldSyncLogs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanOldSyncLogs failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}
}

func TestDatabaseConnection(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
