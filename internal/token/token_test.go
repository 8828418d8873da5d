package token

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/basket/relay/internal/persistence"
	"github.com/google/uuid"
)

func testSession() *persistence.Session {
	return &persistence.Session{
		ID: uuid.NewString(),
		GitSources: []persistence.GitSource{
			{Repo: "github.com/acme/api", Ref: "main"},
			{Repo: "github.com/acme/docs"},
			{Repo: "github.com/acme/api"}, // duplicate
		},
		GitOutcomes: []persistence.GitOutcome{
			{Repo: "github.com/acme/api", Branch: "agent/fix-123"},
			{Repo: "github.com/acme/scratch", Branch: "agent/fix-123"},
		},
	}
}

func TestIssueVerify_Scopes(t *testing.T) {
	svc := NewService([]byte("test-secret"), time.Hour)
	sess := testSession()

	signed, err := svc.Issue(sess)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := svc.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.SessionID != sess.ID {
		t.Fatalf("session id = %q, want %q", claims.SessionID, sess.ID)
	}
	wantRead := []string{"github.com/acme/api", "github.com/acme/docs", "github.com/acme/scratch"}
	if !slices.Equal(claims.Repos.Read, wantRead) {
		t.Fatalf("read = %v, want %v", claims.Repos.Read, wantRead)
	}
	wantWrite := []string{"github.com/acme/api", "github.com/acme/scratch"}
	if !slices.Equal(claims.Repos.Write, wantWrite) {
		t.Fatalf("write = %v, want %v", claims.Repos.Write, wantWrite)
	}
	if !slices.Equal(claims.Branches, []string{"agent/fix-123"}) {
		t.Fatalf("branches = %v", claims.Branches)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		t.Fatal("iat/exp missing")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Fatalf("ttl = %v, want 1h", got)
	}
}

func TestVerify_RejectionReasons(t *testing.T) {
	svc := NewService([]byte("test-secret"), time.Hour)
	other := NewService([]byte("different-secret"), time.Hour)
	sess := testSession()

	signed, err := svc.Issue(sess)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.Verify(""); !errors.Is(err, ErrMissing) {
		t.Fatalf("empty token: %v, want ErrMissing", err)
	}
	if _, err := svc.Verify("not.a.jwt"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("garbage token: %v, want ErrMalformed", err)
	}
	tampered := signed[:len(signed)-1]
	if strings.HasSuffix(signed, "A") {
		tampered += "B"
	} else {
		tampered += "A"
	}
	if _, err := svc.Verify(tampered); !errors.Is(err, ErrSignature) {
		t.Fatalf("tampered token: %v, want ErrSignature", err)
	}
	if _, err := other.Verify(signed); !errors.Is(err, ErrSignature) {
		t.Fatalf("wrong secret: %v, want ErrSignature", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	svc := NewService([]byte("test-secret"), time.Hour)
	sess := testSession()

	signed, err := svc.Issue(sess)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Shift the verifier's clock past expiry.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.Verify(signed); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired token: %v, want ErrExpired", err)
	}
}

func TestVerifyForSession_Mismatch(t *testing.T) {
	svc := NewService([]byte("test-secret"), time.Hour)
	sess := testSession()

	signed, err := svc.Issue(sess)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.VerifyForSession(signed, sess.ID); err != nil {
		t.Fatalf("matching session rejected: %v", err)
	}
	// A valid signature must still be rejected for the wrong session.
	if _, err := svc.VerifyForSession(signed, uuid.NewString()); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("mismatched session: %v, want ErrSessionMismatch", err)
	}
}
