// Package executor owns sandbox lifecycles: creating, reusing, stopping and
// removing the backend process that runs a session's agent. Two peer drivers
// exist, one for a long-lived container runtime and one for a serverless,
// snapshot-capable sandbox runtime. The Dispatcher is the only entry point.
package executor

import (
	"context"
	"errors"

	"github.com/basket/relay/internal/persistence"
)

var (
	// ErrHandleGone means the backend resource referenced by the session's
	// handle no longer exists. The session is marked failed, never silently
	// recreated under the same identity.
	ErrHandleGone = errors.New("executor handle gone")

	ErrUnknownEnvironment = errors.New("unknown environment kind")
)

// Driver runs one session's sandbox on a specific backend.
type Driver interface {
	// Spawn creates or reuses the sandbox and launches the agent process.
	Spawn(ctx context.Context, sess *persistence.Session) error
	// Stop halts the sandbox so the session can resume later. Handles are
	// retained (container) or exchanged for a snapshot (serverless).
	Stop(ctx context.Context, sess *persistence.Session) error
	// Remove tears the sandbox down for good.
	Remove(ctx context.Context, sess *persistence.Session) error
}
