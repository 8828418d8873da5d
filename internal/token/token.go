// Package token issues and verifies the capability tokens that scope what a
// running sandbox may do: which repositories it can read, which it can push
// to, which branches, and which session it belongs to. Tokens are short-lived
// HMAC-signed JWTs minted fresh on every spawn and verified on every
// sandbox-originated connection and request.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/relay/internal/persistence"
	"github.com/golang-jwt/jwt/v5"
)

// Typed rejection reasons. Every verification failure is terminal for the
// caller; none of these are retried or downgraded.
var (
	ErrMissing         = errors.New("capability token missing")
	ErrMalformed       = errors.New("capability token malformed")
	ErrExpired         = errors.New("capability token expired")
	ErrSignature       = errors.New("capability token signature invalid")
	ErrSessionMismatch = errors.New("capability token bound to a different session")
)

// DefaultTTL keeps tokens on an hour scale. A sandbox outliving its token
// re-authenticates through a fresh spawn, never through renewal.
const DefaultTTL = 8 * time.Hour

// RepoScopes lists repositories by access level.
type RepoScopes struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}

// Claims is the signed payload of a capability token.
type Claims struct {
	SessionID string     `json:"session_id"`
	Repos     RepoScopes `json:"repos"`
	Branches  []string   `json:"branches"`
	jwt.RegisteredClaims
}

// Service signs and verifies capability tokens with a shared HMAC secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{secret: secret, ttl: ttl, now: time.Now}
}

// Issue derives scopes from the session's declared git sources (read) and
// outcomes (write plus branch allowlist) and signs them.
func (s *Service) Issue(sess *persistence.Session) (string, error) {
	read := make([]string, 0, len(sess.GitSources))
	seen := make(map[string]bool, len(sess.GitSources))
	for _, src := range sess.GitSources {
		if src.Repo == "" || seen[src.Repo] {
			continue
		}
		seen[src.Repo] = true
		read = append(read, src.Repo)
	}

	write := make([]string, 0, len(sess.GitOutcomes))
	branches := make([]string, 0, len(sess.GitOutcomes))
	seenWrite := make(map[string]bool, len(sess.GitOutcomes))
	seenBranch := make(map[string]bool, len(sess.GitOutcomes))
	for _, out := range sess.GitOutcomes {
		if out.Repo != "" && !seenWrite[out.Repo] {
			seenWrite[out.Repo] = true
			write = append(write, out.Repo)
			// Writable repos are implicitly readable.
			if !seen[out.Repo] {
				seen[out.Repo] = true
				read = append(read, out.Repo)
			}
		}
		if out.Branch != "" && !seenBranch[out.Branch] {
			seenBranch[out.Branch] = true
			branches = append(branches, out.Branch)
		}
	}

	issuedAt := s.now()
	claims := Claims{
		SessionID: sess.ID,
		Repos:     RepoScopes{Read: read, Write: write},
		Branches:  branches,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign capability token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the claims, or one of the
// typed rejection reasons.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissing
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignature
		default:
			return nil, ErrMalformed
		}
	}
	if !parsed.Valid {
		return nil, ErrMalformed
	}
	if claims.SessionID == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// VerifyForSession verifies the token and additionally rejects it when its
// session claim does not match the expected session, regardless of whether
// the signature is otherwise valid.
func (s *Service) VerifyForSession(tokenString, expectedSessionID string) (*Claims, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != expectedSessionID {
		return nil, ErrSessionMismatch
	}
	return claims, nil
}
