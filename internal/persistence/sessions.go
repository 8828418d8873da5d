package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/relay/internal/bus"
	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPaused    SessionStatus = "paused"
	SessionArchived  SessionStatus = "archived"
	SessionDeleted   SessionStatus = "deleted"
)

type EnvironmentKind string

const (
	EnvironmentDocker     EnvironmentKind = "docker"
	EnvironmentServerless EnvironmentKind = "serverless"
)

type ProviderMode string

const (
	ProviderHosted    ProviderMode = "hosted"
	ProviderSelfServe ProviderMode = "self_serve"
	ProviderDebug     ProviderMode = "debug"
)

// ExecutorSpawning is the only non-null executor_status value: it is the
// cross-process spawn lock, claimed with a compare-and-swap update.
const ExecutorSpawning = "spawning"

var ErrSessionNotFound = errors.New("session not found")

// GitSource is a repository the sandbox may read, optionally pinned to a ref.
type GitSource struct {
	Repo string `json:"repo"`
	Ref  string `json:"ref,omitempty"`
}

// GitOutcome is a repository and branch the sandbox may push to.
type GitOutcome struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

type Session struct {
	ID              string          `json:"id"`
	Status          SessionStatus   `json:"status"`
	ExecutorStatus  string          `json:"executor_status,omitempty"`
	Environment     EnvironmentKind `json:"environment"`
	ProviderMode    ProviderMode    `json:"provider_mode"`
	ContainerName   string          `json:"container_name,omitempty"`
	SandboxID       string          `json:"sandbox_id,omitempty"`
	SnapshotID      string          `json:"snapshot_id,omitempty"`
	Model           string          `json:"model"`
	GitSources      []GitSource     `json:"git_sources"`
	GitOutcomes     []GitOutcome    `json:"git_outcomes"`
	AllowedTools    []string        `json:"allowed_tools"`
	DisallowedTools []string        `json:"disallowed_tools"`
	Credentials     string          `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CreateSession inserts a new session row. Session creation proper lives in
// the CRUD surface outside this repository; this exists for that surface and
// for tests.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if _, err := uuid.Parse(sess.ID); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	if sess.Status == "" {
		sess.Status = SessionIdle
	}
	if sess.Environment == "" {
		sess.Environment = EnvironmentDocker
	}
	if sess.ProviderMode == "" {
		sess.ProviderMode = ProviderHosted
	}
	sources, err := json.Marshal(emptyIfNilSources(sess.GitSources))
	if err != nil {
		return fmt.Errorf("marshal git sources: %w", err)
	}
	outcomes, err := json.Marshal(emptyIfNilOutcomes(sess.GitOutcomes))
	if err != nil {
		return fmt.Errorf("marshal git outcomes: %w", err)
	}
	allowed, _ := json.Marshal(emptyIfNil(sess.AllowedTools))
	disallowed, _ := json.Marshal(emptyIfNil(sess.DisallowedTools))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, environment, provider_mode, model,
			git_sources, git_outcomes, allowed_tools, disallowed_tools, credentials)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, sess.ID, sess.Status, sess.Environment, sess.ProviderMode, sess.Model,
		string(sources), string(outcomes), string(allowed), string(disallowed),
		nullable(sess.Credentials))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, executor_status, environment, provider_mode,
			container_name, sandbox_id, snapshot_id, model,
			git_sources, git_outcomes, allowed_tools, disallowed_tools,
			credentials, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, id)

	var sess Session
	var executorStatus, containerName, sandboxID, snapshotID, credentials sql.NullString
	var sources, outcomes, allowed, disallowed string
	err := row.Scan(&sess.ID, &sess.Status, &executorStatus, &sess.Environment,
		&sess.ProviderMode, &containerName, &sandboxID, &snapshotID, &sess.Model,
		&sources, &outcomes, &allowed, &disallowed, &credentials,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	sess.ExecutorStatus = executorStatus.String
	sess.ContainerName = containerName.String
	sess.SandboxID = sandboxID.String
	sess.SnapshotID = snapshotID.String
	sess.Credentials = credentials.String
	if err := json.Unmarshal([]byte(sources), &sess.GitSources); err != nil {
		return nil, fmt.Errorf("decode git sources: %w", err)
	}
	if err := json.Unmarshal([]byte(outcomes), &sess.GitOutcomes); err != nil {
		return nil, fmt.Errorf("decode git outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(allowed), &sess.AllowedTools); err != nil {
		return nil, fmt.Errorf("decode allowed tools: %w", err)
	}
	if err := json.Unmarshal([]byte(disallowed), &sess.DisallowedTools); err != nil {
		return nil, fmt.Errorf("decode disallowed tools: %w", err)
	}
	return &sess, nil
}

// UpdateSessionStatus transitions a session's status and publishes the change.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	var old SessionStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?;`, id).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("read session status: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}

	if s.bus != nil && old != status {
		s.bus.Publish(bus.SessionStatusTopic(id), bus.StatusChanged{
			SessionID: id,
			OldStatus: string(old),
			NewStatus: string(status),
		})
	}
	return nil
}

// TouchSession bumps the activity timestamp the idle reaper keys off.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ClaimExecutor attempts the atomic spawn-lock claim. It returns false when
// another spawn already holds the lock; a lost race is not an error.
func (s *Store) ClaimExecutor(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET executor_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND executor_status IS NULL AND status != 'deleted';
	`, ExecutorSpawning, id)
	if err != nil {
		return false, fmt.Errorf("claim executor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim executor rows: %w", err)
	}
	return n == 1, nil
}

// ReleaseExecutor resets the spawn lock. Safe to call when not held.
func (s *Store) ReleaseExecutor(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET executor_status = NULL WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("release executor: %w", err)
	}
	return nil
}

func (s *Store) SetContainerName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET container_name = ? WHERE id = ?;
	`, nullable(name), id)
	if err != nil {
		return fmt.Errorf("set container name: %w", err)
	}
	return nil
}

func (s *Store) SetSandboxID(ctx context.Context, id, sandboxID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET sandbox_id = ? WHERE id = ?;
	`, nullable(sandboxID), id)
	if err != nil {
		return fmt.Errorf("set sandbox id: %w", err)
	}
	return nil
}

// SetSnapshot stores a fresh filesystem snapshot id and clears the live
// sandbox handle in one statement, so a concurrent spawn observes either the
// old running sandbox or the new snapshot, never neither.
func (s *Store) SetSnapshot(ctx context.Context, id, snapshotID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET snapshot_id = ?, sandbox_id = NULL WHERE id = ?;
	`, nullable(snapshotID), id)
	if err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// ClearHandles drops all backend handles. Used when a session hard-fails.
func (s *Store) ClearHandles(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET container_name = NULL, sandbox_id = NULL WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("clear handles: %w", err)
	}
	return nil
}

// IdleCandidates returns running sessions of the given environment kind with
// a live backend handle and no activity since the cutoff. These are the
// sessions the idle reaper stops.
func (s *Store) IdleCandidates(ctx context.Context, kind EnvironmentKind, cutoff time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE status = 'running'
		  AND environment = ?
		  AND updated_at < ?
		  AND (container_name IS NOT NULL OR sandbox_id IS NOT NULL)
		ORDER BY updated_at ASC;
	`, kind, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query idle candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("idle candidate rows: %w", err)
	}

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyIfNilSources(v []GitSource) []GitSource {
	if v == nil {
		return []GitSource{}
	}
	return v
}

func emptyIfNilOutcomes(v []GitOutcome) []GitOutcome {
	if v == nil {
		return []GitOutcome{}
	}
	return v
}
