package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrStateMismatch = errors.New("oauth state does not belong to this user")
)

const (
	issuer        = "crmcalsync"
	audienceAPI   = "crm-calendar-api"
	audienceState = "crm-calendar-connect"
	stateTTL      = 10 * time.Minute
)

// UserClaims identify a CRM user calling the API with a bearer token.
type UserClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// StateClaims carry the user through the OAuth consent round trip.
type StateClaims struct {
	jwt.RegisteredClaims
	Provider string `json:"provider"`
	ReturnTo string `json:"return_to,omitempty"`
}

// Signer issues and verifies HS256 tokens keyed by the session secret.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner creates a signer.
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret), now: time.Now}
}

// IssueUserToken returns an API bearer token for userID valid for ttl.
func (s *Signer) IssueUserToken(userID, email string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audienceAPI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// ParseUserToken validates an API bearer token.
func (s *Signer) ParseUserToken(raw string) (*SessionData, error) {
	var claims UserClaims
	if err := s.parse(raw, audienceAPI, &claims); err != nil {
		return nil, err
	}
	return &SessionData{UserID: claims.Subject, Email: claims.Email}, nil
}

// IssueState returns a signed OAuth state naming the user, the provider
// and where to send the browser afterwards. The random ID makes every state
// single-use when paired with the state cookie.
func (s *Signer) IssueState(userID, provider, returnTo string) (string, error) {
	nonce, err := randomString(16)
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := &StateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Subject:   userID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audienceState},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
		Provider: provider,
		ReturnTo: returnTo,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// VerifyState checks a state returned by the provider and that it was
// issued to userID.
func (s *Signer) VerifyState(raw, userID string) (*StateClaims, error) {
	var claims StateClaims
	if err := s.parse(raw, audienceState, &claims); err != nil {
		return nil, err
	}
	if claims.Subject != userID {
		return nil, ErrStateMismatch
	}
	return &claims, nil
}

func (s *Signer) parse(raw, audience string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}
