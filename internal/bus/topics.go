package bus

// Topic prefixes. Session-scoped topics append the internal session id so
// subscribers can filter by prefix without inspecting payloads.
const (
	TopicSessionEvent  = "session.event."
	TopicSessionStatus = "session.status."
	TopicExecutorExit  = "executor.exit."
)

// SessionEventTopic returns the topic for persisted-event notices of a session.
func SessionEventTopic(sessionID string) string {
	return TopicSessionEvent + sessionID
}

// SessionStatusTopic returns the topic for status-transition notices of a session.
func SessionStatusTopic(sessionID string) string {
	return TopicSessionStatus + sessionID
}

// ExecutorExitTopic returns the topic for sandbox-process exit notices of a session.
func ExecutorExitTopic(sessionID string) string {
	return TopicExecutorExit + sessionID
}

// EventPersisted is published after an event row is durably inserted.
// Subscribers fetch the row by id; the notice carries no payload body.
type EventPersisted struct {
	SessionID string
	EventID   string
	Seq       int64
}

// StatusChanged is published when a session's status transitions.
type StatusChanged struct {
	SessionID string
	OldStatus string
	NewStatus string
}

// ExecutorExited is published when a sandbox process terminates.
type ExecutorExited struct {
	SessionID string
	ExitCode  int
}
