package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay metric instruments.
type Metrics struct {
	EventsPersisted   metric.Int64Counter
	EventsDuplicate   metric.Int64Counter
	FramesDropped     metric.Int64Counter
	SpawnAttempts     metric.Int64Counter
	SpawnLockLost     metric.Int64Counter
	SandboxExits      metric.Int64Counter
	ActiveSubscribers metric.Int64UpDownCounter
	ActiveIngress     metric.Int64UpDownCounter
	PendingFlush      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsPersisted, err = meter.Int64Counter("relayd.events.persisted",
		metric.WithDescription("Events durably appended to the session log"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDuplicate, err = meter.Int64Counter("relayd.events.duplicate",
		metric.WithDescription("Event inserts skipped because the uuid already existed"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesDropped, err = meter.Int64Counter("relayd.frames.dropped",
		metric.WithDescription("Inbound frames dropped as malformed or unroutable"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnAttempts, err = meter.Int64Counter("relayd.spawn.attempts",
		metric.WithDescription("Executor spawn attempts dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnLockLost, err = meter.Int64Counter("relayd.spawn.lock_lost",
		metric.WithDescription("Spawn attempts that lost the per-session claim race"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxExits, err = meter.Int64Counter("relayd.sandbox.exits",
		metric.WithDescription("Sandbox process exits by outcome class"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSubscribers, err = meter.Int64UpDownCounter("relayd.ws.subscribers",
		metric.WithDescription("Currently attached browser connections"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveIngress, err = meter.Int64UpDownCounter("relayd.ws.ingress",
		metric.WithDescription("Currently attached sandbox connections"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingFlush, err = meter.Float64Histogram("relayd.flush.duration",
		metric.WithDescription("Pending-event flush duration after ingress attach in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
