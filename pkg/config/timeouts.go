package config

import "time"

// Timeouts bounds every blocking operation. Outbound API calls and process
// waits always run under one of these; nothing blocks indefinitely.
type Timeouts struct {
	// StartHandshake is how long Start waits for the worker's
	// connected/listening line before giving up.
	StartHandshake time.Duration

	// StopGrace is how long a graceful Stop waits for voluntary exit
	// before escalating to a forced kill.
	StopGrace time.Duration

	// StopPoll is the interval at which Stop re-checks for process exit
	// during the grace period.
	StopPoll time.Duration

	// APICall bounds each dispatch API request.
	APICall time.Duration

	// HealthProbe bounds each individual health check.
	HealthProbe time.Duration

	// HealthInterval is the period of the background health poll loop.
	HealthInterval time.Duration
}

// DefaultTimeouts returns the timeout catalog, with env overrides applied
// (RUNS_LOCAL_START_TIMEOUT etc., Go duration syntax).
func DefaultTimeouts() Timeouts {
	return Timeouts{
		StartHandshake: getEnvDuration("RUNS_LOCAL_START_TIMEOUT", 60*time.Second),
		StopGrace:      getEnvDuration("RUNS_LOCAL_STOP_GRACE", 30*time.Second),
		StopPoll:       getEnvDuration("RUNS_LOCAL_STOP_POLL", 500*time.Millisecond),
		APICall:        getEnvDuration("RUNS_LOCAL_API_TIMEOUT", 10*time.Second),
		HealthProbe:    getEnvDuration("RUNS_LOCAL_HEALTH_PROBE_TIMEOUT", 5*time.Second),
		HealthInterval: getEnvDuration("RUNS_LOCAL_HEALTH_INTERVAL", 30*time.Second),
	}
}
