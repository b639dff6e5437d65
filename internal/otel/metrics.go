package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all sidekick metric instruments.
type Metrics struct {
	EventsDetected   metric.Int64Counter
	DetectorErrors   metric.Int64Counter
	RunsStarted      metric.Int64Counter
	RunsFinished     metric.Int64Counter
	RoundsPerRun     metric.Int64Histogram
	OracleDuration   metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	Notifications    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsDetected, err = meter.Int64Counter("sidekick.detector.events",
		metric.WithDescription("Inbound events materialized by the detectors"),
	)
	if err != nil {
		return nil, err
	}

	m.DetectorErrors, err = meter.Int64Counter("sidekick.detector.errors",
		metric.WithDescription("Detector cycles that failed against a provider"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("sidekick.run.started",
		metric.WithDescription("Agent runs dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("sidekick.run.finished",
		metric.WithDescription("Agent runs reaching a terminal outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RoundsPerRun, err = meter.Int64Histogram("sidekick.run.rounds",
		metric.WithDescription("Propose/execute rounds used per agent run"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleDuration, err = meter.Float64Histogram("sidekick.oracle.duration",
		metric.WithDescription("Oracle call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("sidekick.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("sidekick.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.Notifications, err = meter.Int64Counter("sidekick.notifications",
		metric.WithDescription("Notifications written by the sink"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
