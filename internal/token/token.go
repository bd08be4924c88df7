// Package token keeps account credentials valid.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"github.com/macjediwizard/crmcalsync/internal/crypto"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/metrics"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCredentialExpired is fatal for an account until the user reconnects.
	ErrCredentialExpired = errors.New("reconnect required")
	ErrRefreshFailed     = errors.New("credential refresh failed")
)

// DefaultMargin is how long before expiry a credential is refreshed.
const DefaultMargin = 5 * time.Minute

// Store validates and refreshes account credentials.
type Store struct {
	db       *db.DB
	enc      *crypto.Encryptor
	registry *calendar.Registry
	margin   time.Duration
	group    singleflight.Group
	now      func() time.Time
}

// NewStore creates a Store. A non-positive margin uses DefaultMargin.
func NewStore(database *db.DB, enc *crypto.Encryptor, registry *calendar.Registry, margin time.Duration) *Store {
	if margin <= 0 {
		margin = DefaultMargin
	}
	return &Store{
		db:       database,
		enc:      enc,
		registry: registry,
		margin:   margin,
		now:      time.Now,
	}
}

// EnsureValid returns a usable access token for acct, refreshing it first if
// it expires within the margin. A refreshed credential is persisted before
// it is returned and acct is updated in place. Concurrent calls for the same
// account share one refresh.
func (s *Store) EnsureValid(ctx context.Context, acct *db.Account) (string, error) {
	if access, ok, err := s.current(acct); err != nil || ok {
		return access, err
	}

	v, err, _ := s.group.Do(acct.ID, func() (any, error) {
		return s.refresh(ctx, acct.ID, "")
	})
	return s.adopt(acct, v, err)
}

// ForceRefresh replaces an access token the provider rejected before its
// stored expiry. If another caller already replaced rejected, the stored
// token is returned without a new exchange.
func (s *Store) ForceRefresh(ctx context.Context, acct *db.Account, rejected string) (string, error) {
	v, err, _ := s.group.Do("force:"+acct.ID, func() (any, error) {
		return s.refresh(ctx, acct.ID, rejected)
	})
	return s.adopt(acct, v, err)
}

func (s *Store) adopt(acct *db.Account, v any, err error) (string, error) {
	if err != nil {
		return "", err
	}
	fresh := v.(*db.Account)
	acct.AccessToken = fresh.AccessToken
	acct.RefreshToken = fresh.RefreshToken
	acct.TokenExpiresAt = fresh.TokenExpiresAt

	access, _, err := s.current(acct)
	return access, err
}

// current returns the decrypted access token and whether it is still good.
// A credential without an expiry never needs refreshing.
func (s *Store) current(acct *db.Account) (string, bool, error) {
	access, err := s.enc.Decrypt(acct.AccessToken)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if access == "" {
		return "", false, nil
	}
	if acct.TokenExpiresAt == nil || acct.TokenExpiresAt.After(s.now().Add(s.margin)) {
		return access, true, nil
	}
	return access, false, nil
}

// refresh exchanges the refresh token unless the stored access token is
// still good and is not the rejected one.
func (s *Store) refresh(ctx context.Context, accountID, rejected string) (*db.Account, error) {
	// Re-read: a concurrent run may already have refreshed.
	acct, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload account: %w", err)
	}
	if access, ok, err := s.current(acct); err != nil {
		return nil, err
	} else if ok && (rejected == "" || access != rejected) {
		return acct, nil
	}

	client, err := s.registry.Get(string(acct.Provider))
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.enc.Decrypt(acct.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		metrics.IncTokenRefresh(string(acct.Provider), "no_refresh_token")
		return nil, fmt.Errorf("%w: no refresh token stored", ErrCredentialExpired)
	}

	tok, err := client.RefreshCredential(ctx, refreshToken)
	if errors.Is(err, calendar.ErrInvalidGrant) {
		metrics.IncTokenRefresh(string(acct.Provider), "invalid_grant")
		return nil, fmt.Errorf("%w: %w", ErrCredentialExpired, err)
	}
	if err != nil {
		metrics.IncTokenRefresh(string(acct.Provider), "error")
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	access, refresh, expiry, err := s.Seal(tok)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateAccountTokens(ctx, acct.ID, access, refresh, expiry); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	metrics.IncTokenRefresh(string(acct.Provider), "ok")

	acct.AccessToken = access
	if refresh != "" {
		acct.RefreshToken = refresh
	}
	acct.TokenExpiresAt = expiry
	return acct, nil
}

// Seal encrypts a token for storage. The refresh token is empty when the
// provider did not return one.
func (s *Store) Seal(tok *calendar.Token) (access, refresh string, expiry *time.Time, err error) {
	if access, err = s.enc.Encrypt(tok.AccessToken); err != nil {
		return "", "", nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if refresh, err = s.enc.Encrypt(tok.RefreshToken); err != nil {
		return "", "", nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}
	return access, refresh, expiry, nil
}

// Revoke invalidates the account's credential upstream. The refresh token
// is preferred since revoking it also ends its access tokens.
func (s *Store) Revoke(ctx context.Context, acct *db.Account) error {
	client, err := s.registry.Get(string(acct.Provider))
	if err != nil {
		return err
	}
	tok, err := s.enc.Decrypt(acct.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if tok == "" {
		if tok, err = s.enc.Decrypt(acct.AccessToken); err != nil {
			return fmt.Errorf("failed to decrypt access token: %w", err)
		}
	}
	if strings.TrimSpace(tok) == "" {
		return nil
	}
	return client.RevokeToken(ctx, tok)
}
