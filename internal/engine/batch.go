package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Failure is one failed account in a batch.
type Failure struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email,omitempty"`
	Error     string `json:"error"`
}

// BatchResult summarizes a SyncAll run. Every attempted account appears in
// Results; skipped accounts count as failures.
type BatchResult struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []Failure     `json:"failures"`
	Results   []*SyncResult `json:"results"`
	Duration  time.Duration `json:"duration"`
}

// SyncAll runs every account holding a credential, up to Concurrency at
// once. One account's failure or panic never stops the others. ctx bounds
// the whole batch; accounts not finished by then are reported as failed.
func (e *Engine) SyncAll(ctx context.Context) (*BatchResult, error) {
	start := time.Now()

	accounts, err := e.db.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	results := make([]*SyncResult, len(accounts))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)

	for i, acct := range accounts {
		i, id := i, acct.ID
		g.Go(func() error {
			results[i] = e.syncIsolated(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{
		Total:    len(accounts),
		Failures: []Failure{},
		Results:  results,
	}
	for i, r := range results {
		if r.Success {
			batch.Succeeded++
			continue
		}
		batch.Failed++
		batch.Failures = append(batch.Failures, Failure{
			AccountID: accounts[i].ID,
			Email:     accounts[i].ExternalEmail,
			Error:     r.Message,
		})
	}
	batch.Duration = time.Since(start)

	metrics.SetBatch(batch.Total, batch.Succeeded, batch.Failed)
	log.Printf("[Engine] Batch finished in %v: %d accounts, %d succeeded, %d failed",
		batch.Duration.Round(time.Millisecond), batch.Total, batch.Succeeded, batch.Failed)
	return batch, nil
}

// syncIsolated runs one account and turns anything that escapes SyncOne
// into a failed result.
func (e *Engine) syncIsolated(ctx context.Context, accountID string) (result *SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Engine] Panic outside account run %s: %v", accountID, r)
			result = &SyncResult{AccountID: accountID, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return &SyncResult{AccountID: accountID, Message: fmt.Sprintf("batch deadline reached: %v", err)}
	}
	return e.SyncOne(ctx, accountID)
}
