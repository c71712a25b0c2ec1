package health

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Shavakan/runs-local/pkg/logging"
	"github.com/Shavakan/runs-local/pkg/metrics"
	"github.com/Shavakan/runs-local/pkg/registry"
)

// meminfoPath is a variable so tests can point the memory check at a
// fixture file.
var meminfoPath = "/proc/meminfo"

var memoryCheckWarningOnce sync.Once

// DispatchProber is the slice of the dispatch client the monitor needs.
type DispatchProber interface {
	Ping(ctx context.Context) error
	CheckAuth(ctx context.Context, repo string) error
}

// ProcessProber reports process existence.
type ProcessProber interface {
	Alive(pid int) bool
}

// Thresholds holds resource limits. Soft limits produce warnings, hard
// limits produce errors. Zero disables a check.
type Thresholds struct {
	DiskSoftBytes int64
	DiskHardBytes int64
	MemSoftBytes  int64
	MemHardBytes  int64
}

// Monitor runs health checks against every instance in the registry.
type Monitor struct {
	registry   *registry.Registry
	dispatch   DispatchProber
	proc       ProcessProber
	publisher  metrics.Publisher
	thresholds Thresholds

	// diskPath is the filesystem probed for free space, default "/".
	diskPath string

	probeTimeout time.Duration
	interval     time.Duration

	logger *logging.Logger
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Registry     *registry.Registry
	Dispatch     DispatchProber
	Proc         ProcessProber
	Publisher    metrics.Publisher // nil means no metrics
	Thresholds   Thresholds
	DiskPath     string
	ProbeTimeout time.Duration
	Interval     time.Duration
}

// NewMonitor creates a health monitor.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Publisher == nil {
		opts.Publisher = metrics.NoopPublisher{}
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Monitor{
		registry:     opts.Registry,
		dispatch:     opts.Dispatch,
		proc:         opts.Proc,
		publisher:    opts.Publisher,
		thresholds:   opts.Thresholds,
		diskPath:     opts.DiskPath,
		probeTimeout: opts.ProbeTimeout,
		interval:     opts.Interval,
		logger:       logging.WithComponent(logging.LogTypeHealth, "monitor"),
	}
}

// Run polls all instances until the context is cancelled. Probe failures
// degrade verdicts; they never stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce checks every instance once and records the results.
func (m *Monitor) RunOnce(ctx context.Context) {
	instances := m.registry.List()
	_ = m.publisher.PublishManagedInstances(ctx, len(instances))

	for _, inst := range instances {
		findings := m.CheckInstance(ctx, inst)
		verdict := Verdict(findings)

		messages := make([]string, 0, len(findings))
		for _, f := range findings {
			messages = append(messages, fmt.Sprintf("[%s] %s: %s", f.Severity, f.Check, f.Message))
		}

		if err := m.registry.Update(inst.Name, func(i *registry.Instance) error {
			i.LastHealth = verdict
			i.Findings = messages
			return nil
		}); err != nil {
			// Instance removed between List and Update.
			continue
		}

		_ = m.publisher.PublishHealthVerdict(ctx, inst.Name, verdictValue(verdict))
		if verdict != registry.HealthHealthy {
			m.logger.Warn("instance health degraded",
				slog.String(logging.KeyInstance, inst.Name),
				slog.String(logging.KeyHealth, string(verdict)),
				slog.Int(logging.KeyCount, len(findings)))
		}
	}
}

// CheckInstance runs all checks for one instance and returns the findings.
// A healthy instance produces none.
func (m *Monitor) CheckInstance(ctx context.Context, inst *registry.Instance) []Finding {
	var findings []Finding

	findings = append(findings, m.checkProcess(inst)...)
	findings = append(findings, m.checkDispatch(ctx, inst)...)
	findings = append(findings, m.checkDisk()...)
	findings = append(findings, m.checkMemory()...)

	return findings
}

func (m *Monitor) checkProcess(inst *registry.Instance) []Finding {
	if !inst.ProcessAttached() {
		// A registered runner is expected to have a worker process.
		if inst.State == registry.StateRegistered {
			return []Finding{{
				Check:    "process",
				Severity: SeverityError,
				Message:  "no worker process attached to registered runner",
			}}
		}
		return nil
	}
	if m.proc.Alive(inst.PID) {
		return nil
	}

	severity := SeverityInfo
	if inst.State == registry.StateRegistered {
		severity = SeverityError
	}
	return []Finding{{
		Check:    "process",
		Severity: severity,
		Message:  fmt.Sprintf("recorded worker process %d is gone", inst.PID),
	}}
}

func (m *Monitor) checkDispatch(ctx context.Context, inst *registry.Instance) []Finding {
	var findings []Finding

	pingCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.dispatch.Ping(pingCtx)
	cancel()
	if err != nil {
		findings = append(findings, Finding{
			Check:    "reachability",
			Severity: SeverityError,
			Message:  fmt.Sprintf("dispatch endpoint unreachable: %v", err),
		})
		// No point probing auth when the endpoint is down.
		return findings
	}

	authCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err = m.dispatch.CheckAuth(authCtx, inst.Repository)
	cancel()
	if err != nil {
		findings = append(findings, Finding{
			Check:    "auth",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("authenticated access to %s failed: %v", inst.Repository, err),
		})
	}

	return findings
}

func (m *Monitor) checkDisk() []Finding {
	if m.thresholds.DiskSoftBytes <= 0 && m.thresholds.DiskHardBytes <= 0 {
		return nil
	}

	available, err := availableDiskBytes(m.diskPath)
	if err != nil {
		return []Finding{{
			Check:    "disk",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("failed to check disk space: %v", err),
		}}
	}

	switch {
	case m.thresholds.DiskHardBytes > 0 && available < m.thresholds.DiskHardBytes:
		return []Finding{{
			Check:    "disk",
			Severity: SeverityError,
			Message:  fmt.Sprintf("disk critically low: %d bytes available", available),
		}}
	case m.thresholds.DiskSoftBytes > 0 && available < m.thresholds.DiskSoftBytes:
		return []Finding{{
			Check:    "disk",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("disk low: %d bytes available", available),
		}}
	}
	return nil
}

// checkMemory reads MemAvailable from /proc/meminfo. Off Linux the file
// does not exist and the check is skipped.
func (m *Monitor) checkMemory() []Finding {
	if m.thresholds.MemSoftBytes <= 0 && m.thresholds.MemHardBytes <= 0 {
		return nil
	}

	available, ok := readMemAvailable()
	if !ok {
		memoryCheckWarningOnce.Do(func() {
			m.logger.Warn("memory check not available on this platform, skipping")
		})
		return nil
	}

	switch {
	case m.thresholds.MemHardBytes > 0 && available < m.thresholds.MemHardBytes:
		return []Finding{{
			Check:    "memory",
			Severity: SeverityError,
			Message:  fmt.Sprintf("memory critically low: %d bytes available", available),
		}}
	case m.thresholds.MemSoftBytes > 0 && available < m.thresholds.MemSoftBytes:
		return []Finding{{
			Check:    "memory",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("memory low: %d bytes available", available),
		}}
	}
	return nil
}

// readMemAvailable returns MemAvailable in bytes, or ok=false when the
// value cannot be determined.
func readMemAvailable() (int64, bool) {
	file, err := os.Open(meminfoPath)
	if err != nil {
		return 0, false
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			val, err := strconv.ParseInt(fields[1], 10, 64)
			if err == nil {
				// Value is in KB, convert to bytes
				return val * 1024, true
			}
		}
	}
	return 0, false
}

func verdictValue(h registry.Health) int {
	switch h {
	case registry.HealthHealthy:
		return metrics.VerdictHealthy
	case registry.HealthDegraded:
		return metrics.VerdictDegraded
	case registry.HealthUnhealthy:
		return metrics.VerdictUnhealthy
	default:
		return metrics.VerdictUnknown
	}
}
