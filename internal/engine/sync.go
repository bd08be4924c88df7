package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/mapper"
	"github.com/macjediwizard/crmcalsync/internal/metrics"
	"github.com/macjediwizard/crmcalsync/internal/token"
)

// session is the remote side of one account run. Its access token is
// replaced at most once, when the provider rejects it before its stored
// expiry.
type session struct {
	acct      *db.Account
	client    calendar.Client
	access    string
	refreshed bool
}

// calendarStats are the counters of one calendar step.
type calendarStats struct {
	upserted   int
	deleted    int
	unlinked   int
	activities int
	pushed     int
	full       bool
}

// SyncOne runs one account: idle -> syncing -> idle or error. The account is
// never left in syncing, even if the run panics. When another run holds the
// account the result is marked Skipped and nothing is written.
func (e *Engine) SyncOne(ctx context.Context, accountID string) (result *SyncResult) {
	start := time.Now()
	result = &SyncResult{AccountID: accountID}

	release, ok, err := e.locker.TryLock(ctx, lockKey(accountID), e.cfg.AccountTimeout+time.Minute)
	if err != nil {
		result.Message = fmt.Sprintf("failed to acquire account lock: %v", err)
		result.Errors = append(result.Errors, result.Message)
		return result
	}
	if !ok {
		result.Skipped = true
		result.Message = ErrSyncInProgress.Error()
		log.Printf("[Engine] Skipping account %s: %v", accountID, ErrSyncInProgress)
		return result
	}
	defer release()

	acct, err := e.db.GetAccount(ctx, accountID)
	if err != nil {
		result.Message = fmt.Sprintf("failed to load account: %v", err)
		result.Errors = append(result.Errors, result.Message)
		return result
	}
	result.Email = acct.ExternalEmail

	interrupted := acct.SyncStatus == db.SyncStatusSyncing
	if err := e.db.MarkAccountSyncing(ctx, acct.ID, e.now()); err != nil {
		result.Message = fmt.Sprintf("failed to start sync: %v", err)
		result.Errors = append(result.Errors, result.Message)
		return result
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.AccountTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Engine] Panic while syncing account %s: %v", acct.ID, r)
			result.Success = false
			result.Message = fmt.Sprintf("internal error: %v", r)
			result.Errors = append(result.Errors, result.Message)
		}
		result.Duration = time.Since(start)
		e.finish(ctx, acct, result)
	}()

	e.run(runCtx, acct, interrupted, result)
	return result
}

func (e *Engine) run(ctx context.Context, acct *db.Account, interrupted bool, result *SyncResult) {
	calendars, err := e.db.ListCalendars(ctx, acct.ID)
	if err != nil {
		result.Message = fmt.Sprintf("failed to load calendars: %v", err)
		result.Errors = append(result.Errors, result.Message)
		return
	}
	e.tracker.StartSync(acct.ID, acct.ExternalEmail, string(acct.Provider), countVisible(calendars))

	if interrupted {
		e.distrustInterrupted(ctx, calendars)
	}

	client, err := e.registry.Get(string(acct.Provider))
	if err != nil {
		result.Message = err.Error()
		result.Errors = append(result.Errors, result.Message)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	access, err := e.tokens.EnsureValid(callCtx, acct)
	cancel()
	if errors.Is(err, token.ErrCredentialExpired) {
		result.ReconnectRequired = true
		result.Message = token.ErrCredentialExpired.Error()
		result.Errors = append(result.Errors, err.Error())
		return
	}
	if err != nil {
		result.Message = fmt.Sprintf("credential check failed: %v", err)
		result.Errors = append(result.Errors, result.Message)
		return
	}

	target, err := e.pushTarget(ctx, acct, calendars)
	if err != nil {
		result.Message = fmt.Sprintf("failed to resolve push target: %v", err)
		result.Errors = append(result.Errors, result.Message)
		return
	}

	s := &session{acct: acct, client: client, access: access}
	step, skipped := 0, 0
	for _, cal := range calendars {
		if !cal.IsVisible {
			continue
		}
		if ctx.Err() != nil {
			skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", cal.Name, ctx.Err()))
			continue
		}
		step++
		e.tracker.UpdateCalendar(acct.ID, cal.Name, step)

		st, err := e.syncCalendar(ctx, s, cal, cal.ID == target)
		result.EventsUpserted += st.upserted
		result.EventsDeleted += st.deleted
		result.EventsPushed += st.pushed
		result.ActivitiesUpdated += st.activities + st.unlinked
		if st.full {
			result.FullResyncs++
		}
		e.tracker.IncrementProgress(acct.ID, st.upserted, st.deleted, st.pushed)

		if err != nil {
			if errors.Is(err, token.ErrCredentialExpired) {
				result.ReconnectRequired = true
			}
			log.Printf("[Engine] Calendar %s of account %s failed: %v", cal.ID, acct.ID, err)
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", cal.Name, err))
			continue
		}
		result.CalendarsSynced++
	}

	if len(result.Errors) > 0 {
		result.Message = fmt.Sprintf("%d of %d calendars failed: %s", len(result.Errors), step+skipped,
			strings.Join(result.Errors, "; "))
		return
	}
	result.Success = true
	result.Message = fmt.Sprintf("Synced %d calendars: %d events updated, %d deleted, %d pushed",
		result.CalendarsSynced, result.EventsUpserted, result.EventsDeleted, result.EventsPushed)
}

// distrustInterrupted clears the cursor of every calendar whose last pull
// started after its last commit.
func (e *Engine) distrustInterrupted(ctx context.Context, calendars []*db.Calendar) {
	for _, cal := range calendars {
		if cal.SyncCursor == nil || cal.PullStartedAt == nil {
			continue
		}
		if cal.CursorCommittedAt != nil && !cal.PullStartedAt.After(*cal.CursorCommittedAt) {
			continue
		}
		log.Printf("[Engine] Calendar %s: %v, forcing full resync", cal.ID, ErrPartialApply)
		if err := e.db.ClearCursor(ctx, cal.ID); err != nil {
			log.Printf("[Engine] Failed to clear cursor of calendar %s: %v", cal.ID, err)
		}
		cal.SyncCursor = nil
		metrics.IncFullResync("partial_apply")
	}
}

// pushTarget is the calendar that receives activities not yet bound to
// one. Across all of the user's accounts, oldest connection first, it is the
// first primary writable visible calendar, else the first writable visible
// one. Accounts waiting for the user to reconnect are passed over. The
// result is "" unless the target belongs to acct, so two accounts never both
// create the same activity.
func (e *Engine) pushTarget(ctx context.Context, acct *db.Account, calendars []*db.Calendar) (string, error) {
	accounts, err := e.db.ListAccountsByUser(ctx, acct.UserID)
	if err != nil {
		return "", err
	}

	var fallback *db.Calendar
	for _, a := range accounts {
		cals := calendars
		if a.ID != acct.ID {
			if needsReconnect(a) {
				continue
			}
			if cals, err = e.db.ListCalendars(ctx, a.ID); err != nil {
				return "", err
			}
		}
		for _, cal := range cals {
			if !cal.IsVisible || !cal.IsWritable {
				continue
			}
			if cal.IsPrimary {
				return ownedBy(cal, acct), nil
			}
			if fallback == nil {
				fallback = cal
			}
		}
	}
	if fallback == nil {
		return "", nil
	}
	return ownedBy(fallback, acct), nil
}

func ownedBy(cal *db.Calendar, acct *db.Account) string {
	if cal.AccountID != acct.ID {
		return ""
	}
	return cal.ID
}

// needsReconnect reports whether an account's last run ended on a rejected
// refresh credential.
func needsReconnect(a *db.Account) bool {
	return a.SyncStatus == db.SyncStatusError && a.LastError == token.ErrCredentialExpired.Error()
}

// syncCalendar pulls and applies one calendar, then writes the CRM's
// removals and pushes to it. The pull is committed before any write starts.
func (e *Engine) syncCalendar(ctx context.Context, s *session, cal *db.Calendar, isTarget bool) (calendarStats, error) {
	var st calendarStats
	acct := s.acct

	cursor := ""
	if cal.SyncCursor != nil {
		cursor = *cal.SyncCursor
	}

	if err := e.db.MarkPullStarted(ctx, cal.ID, e.now()); err != nil {
		return st, err
	}

	res, err := e.listEvents(ctx, s, cal.ExternalID, cursor)
	if errors.Is(err, calendar.ErrStaleCursor) && cursor != "" {
		log.Printf("[Engine] Cursor of calendar %s is stale, running full resync", cal.ID)
		metrics.IncFullResync("stale_cursor")
		cursor = ""
		res, err = e.listEvents(ctx, s, cal.ExternalID, "")
	} else if err == nil && cursor == "" {
		metrics.IncFullResync("no_cursor")
	}
	if err != nil {
		return st, fmt.Errorf("pull: %w", err)
	}
	st.full = cursor == "" || res.Full

	if err := e.db.WithTx(ctx, func(tx *db.Tx) error {
		return e.apply(tx, acct, cal, res, st.full, &st)
	}); err != nil {
		return calendarStats{full: st.full}, fmt.Errorf("apply: %w", err)
	}
	metrics.AddEvents("upserted", st.upserted)
	metrics.AddEvents("deleted", st.deleted)

	if !cal.IsWritable {
		return st, nil
	}
	removed, err := e.retract(ctx, s, cal)
	st.deleted += removed
	metrics.AddEvents("deleted", removed)
	if err != nil {
		return st, fmt.Errorf("remove: %w", err)
	}
	pushed, err := e.push(ctx, s, cal, isTarget)
	st.pushed = pushed
	metrics.AddEvents("pushed", pushed)
	if err != nil {
		return st, fmt.Errorf("push: %w", err)
	}
	return st, nil
}

// remote runs one provider call under the call timeout. A token the
// provider rejects is refreshed once per run and the call repeated.
func (e *Engine) remote(ctx context.Context, s *session, op string, fn func(ctx context.Context, access string) error) error {
	do := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		start := time.Now()
		err := fn(callCtx, s.access)
		metrics.ObserveRemoteCall(string(s.acct.Provider), op, start, err)
		return err
	}

	err := do()
	if !errors.Is(err, calendar.ErrUnauthorized) || s.refreshed {
		return err
	}
	s.refreshed = true
	log.Printf("[Engine] Access token of account %s was rejected, refreshing", s.acct.ID)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	access, rerr := e.tokens.ForceRefresh(callCtx, s.acct, s.access)
	cancel()
	if rerr != nil {
		return fmt.Errorf("%w: %w", err, rerr)
	}
	s.access = access
	return do()
}

func (e *Engine) listEvents(ctx context.Context, s *session, calendarID, cursor string) (*calendar.ListResult, error) {
	var res *calendar.ListResult
	err := e.remote(ctx, s, "list_events", func(ctx context.Context, access string) error {
		var err error
		res, err = s.client.ListEvents(ctx, access, calendarID, cursor)
		return err
	})
	return res, err
}

// apply writes one pulled batch. The cursor is the last write, so a failure
// anywhere rolls back the whole batch together with the cursor.
func (e *Engine) apply(tx *db.Tx, acct *db.Account, cal *db.Calendar, res *calendar.ListResult,
	full bool, st *calendarStats) error {
	keep := make(map[string]bool, len(res.Events))

	for _, ev := range res.Events {
		keep[ev.ID] = true

		act, err := linkedActivity(tx, acct, cal, ev)
		if err != nil {
			return err
		}

		cached := mapper.ToCachedEvent(cal.ID, ev)
		cached.ActivityID = ""
		if act != nil {
			cached.ActivityID = act.ID
			cached.Source = db.EventSourceCRM
		}
		changed, err := tx.UpsertEvent(cached)
		if err != nil {
			return err
		}
		if changed {
			st.upserted++
		}

		if act == nil {
			continue
		}
		updated, err := applyRemote(tx, act, cal, ev)
		if err != nil {
			return err
		}
		if updated {
			st.activities++
		}
	}

	for _, id := range res.Tombstones {
		removed, err := tx.DeleteEvent(cal.ID, id)
		if err != nil {
			return err
		}
		if removed != nil {
			st.deleted++
		}

		act, err := tx.FindActivityByRemote(cal.ID, id)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := tx.UnlinkActivity(act.ID); err != nil {
			return err
		}
		st.unlinked++
	}

	if full {
		pruned, err := tx.PruneEvents(cal.ID, keep)
		if err != nil {
			return err
		}
		st.deleted += pruned
	}

	return tx.CommitCursor(cal.ID, res.NextCursor, e.now())
}

// linkedActivity finds the activity an event represents: by the
// back-reference it carries, or by the remote link stored on the activity.
// A back-reference to an activity already bound to another event is
// ignored, as is one owned by another user.
func linkedActivity(tx *db.Tx, acct *db.Account, cal *db.Calendar, ev calendar.RemoteEvent) (*db.Activity, error) {
	if id := mapper.LinkedActivityID(ev); id != "" {
		a, err := tx.GetActivity(id)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if a != nil && a.UserID == acct.UserID &&
			(a.RemoteEventID == "" || (a.RemoteEventID == ev.ID && a.RemoteCalendarID == cal.ID)) {
			return a, nil
		}
	}

	a, err := tx.FindActivityByRemote(cal.ID, ev.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// applyRemote copies the remote-owned fields onto a linked activity and
// binds it to the event. A pending push is kept: the merged activity is
// pushed later in the run, which carries the remote schedule back out with
// the CRM's business fields.
func applyRemote(tx *db.Tx, a *db.Activity, cal *db.Calendar, ev calendar.RemoteEvent) (bool, error) {
	changed := mapper.ApplyRemoteFields(a, ev)
	relinked := a.RemoteEventID != ev.ID || a.RemoteCalendarID != cal.ID
	if !changed && !relinked {
		return false, nil
	}
	a.RemoteEventID = ev.ID
	a.RemoteCalendarID = cal.ID
	if err := tx.SaveActivitySync(a); err != nil {
		return false, err
	}
	return true, nil
}

// retract removes the events of activities on this calendar that no longer
// sync to it. A failed remote delete keeps the link so the next run tries
// again; it does not fail the calendar.
func (e *Engine) retract(ctx context.Context, s *session, cal *db.Calendar) (int, error) {
	stale, err := e.db.ListPendingRemoval(ctx, s.acct.UserID, cal.ID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, a := range stale {
		err := e.remote(ctx, s, "delete_event", func(ctx context.Context, access string) error {
			return s.client.DeleteEvent(ctx, access, cal.ExternalID, a.RemoteEventID)
		})
		if err != nil && !errors.Is(err, calendar.ErrNotFound) {
			log.Printf("[Engine] Failed to delete event %s of activity %s: %v", a.RemoteEventID, a.ID, err)
			continue
		}

		err = e.db.WithTx(ctx, func(tx *db.Tx) error {
			if _, err := tx.DeleteEvent(cal.ID, a.RemoteEventID); err != nil {
				return err
			}
			return tx.UnlinkActivity(a.ID)
		})
		if err != nil {
			return removed, fmt.Errorf("activity %s: %w", a.ID, err)
		}
		removed++
	}
	return removed, nil
}

// push writes the activities waiting for this calendar. Each one is stored
// with its remote ID in its own transaction right after the remote write,
// so a later failure never loses an earlier push.
func (e *Engine) push(ctx context.Context, s *session, cal *db.Calendar, isTarget bool) (int, error) {
	pending, err := e.db.ListPendingPush(ctx, s.acct.UserID, cal.ID, isTarget)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, a := range pending {
		if !mapper.Schedulable(a) {
			log.Printf("[Engine] Activity %s has no schedule, not pushing", a.ID)
			continue
		}
		payload := mapper.ActivityToPayload(a)

		remoteID, err := e.writeEvent(ctx, s, cal, a, payload)
		if err != nil {
			return pushed, fmt.Errorf("activity %s: %w", a.ID, err)
		}

		err = e.db.WithTx(ctx, func(tx *db.Tx) error {
			if err := tx.MarkPushed(a, cal.ID, remoteID); err != nil {
				return err
			}
			_, err := tx.UpsertEvent(mapper.PayloadToCached(cal.ID, remoteID, payload))
			return err
		})
		if err != nil {
			return pushed, fmt.Errorf("activity %s: %w", a.ID, err)
		}
		pushed++
	}
	return pushed, nil
}

// writeEvent updates the activity's event, or creates one when it has none
// or the remote event has disappeared.
func (e *Engine) writeEvent(ctx context.Context, s *session, cal *db.Calendar, a *db.Activity,
	payload *calendar.EventPayload) (string, error) {
	if a.RemoteEventID != "" && a.RemoteCalendarID == cal.ID {
		err := e.remote(ctx, s, "update_event", func(ctx context.Context, access string) error {
			return s.client.UpdateEvent(ctx, access, cal.ExternalID, a.RemoteEventID, payload)
		})
		if err == nil {
			return a.RemoteEventID, nil
		}
		if !errors.Is(err, calendar.ErrNotFound) {
			return "", err
		}
		log.Printf("[Engine] Event %s of activity %s is gone, creating a new one", a.RemoteEventID, a.ID)
	}

	var id string
	err := e.remote(ctx, s, "create_event", func(ctx context.Context, access string) error {
		var err error
		id, err = s.client.CreateEvent(ctx, access, cal.ExternalID, payload)
		return err
	})
	return id, err
}

// finish records the outcome. It runs on a context detached from the
// account deadline so a timed out run is still recorded.
func (e *Engine) finish(ctx context.Context, acct *db.Account, result *SyncResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if result.Success {
		if err := e.db.MarkAccountSynced(ctx, acct.ID, e.now()); err != nil {
			log.Printf("[Engine] Failed to mark account %s synced: %v", acct.ID, err)
		}
	} else {
		if result.Message == "" {
			result.Message = "sync failed"
		}
		if err := e.db.MarkAccountError(ctx, acct.ID, result.Message); err != nil {
			log.Printf("[Engine] Failed to mark account %s failed: %v", acct.ID, err)
		}
	}

	status := "success"
	if !result.Success {
		status = "error"
	}
	if err := e.db.CreateSyncLog(ctx, &db.SyncLog{
		AccountID:       acct.ID,
		Status:          status,
		Message:         result.Message,
		CalendarsSynced: result.CalendarsSynced,
		EventsUpserted:  result.EventsUpserted,
		EventsDeleted:   result.EventsDeleted,
		EventsPushed:    result.EventsPushed,
		FullResyncs:     result.FullResyncs,
		Duration:        result.Duration,
	}); err != nil {
		log.Printf("[Engine] Failed to write sync log for account %s: %v", acct.ID, err)
	}

	metrics.ObserveAccountSync(string(acct.Provider), result.Success, result.Duration)
	e.tracker.FinishSync(acct.ID, result.Success, result.Message, result.Errors)

	if e.alerter != nil {
		if result.Success {
			e.alerter.AccountRecovered(ctx, acct.ID, acct.ExternalEmail)
		} else {
			e.alerter.AccountFailed(ctx, acct.ID, acct.ExternalEmail, result.Message, result.ReconnectRequired)
		}
	}

	if result.Success {
		log.Printf("[Engine] Account %s synced in %v: %s", acct.ID, result.Duration.Round(time.Millisecond), result.Message)
	} else {
		log.Printf("[Engine] Account %s failed after %v: %s", acct.ID, result.Duration.Round(time.Millisecond), result.Message)
	}
}

func countVisible(calendars []*db.Calendar) int {
	n := 0
	for _, c := range calendars {
		if c.IsVisible {
			n++
		}
	}
	return n
}
