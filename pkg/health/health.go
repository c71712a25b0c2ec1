// Package health probes runner instances and the dispatch side and reduces
// the results to a per-instance verdict. The monitor only ever writes
// LastHealth and Findings; registration state belongs to the lifecycle
// controller.
package health

import "github.com/Shavakan/runs-local/pkg/registry"

// Severity ranks a finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Finding is one observation from one check.
type Finding struct {
	Check    string // "process", "reachability", "auth", "disk", "memory"
	Severity Severity
	Message  string
}

// Verdict reduces findings to a single health value: any error makes the
// instance unhealthy, any warning degrades it, otherwise it is healthy.
func Verdict(findings []Finding) registry.Health {
	verdict := registry.HealthHealthy
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			return registry.HealthUnhealthy
		case SeverityWarning:
			verdict = registry.HealthDegraded
		}
	}
	return verdict
}
