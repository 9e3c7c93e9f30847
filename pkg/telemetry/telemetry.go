// Package telemetry implements component B: a periodic host sampler that
// writes a cached row, checks resource thresholds, and either ships the
// sample synchronously or queues it for offline delivery. Grounded in the
// teacher's pkg/scheduler ticker-loop shape (pkg/scheduler/scheduler.go),
// generalized from a stopCh to a context.Context per the service-lifecycle
// redesign, and in shirou/gopsutil/v4 for host metrics.
package telemetry

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	gopsutilnet "github.com/shirou/gopsutil/v4/net"

	"github.com/Raekwon-OG/protekt/pkg/registration"
	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

// Thresholds are the percentage levels above which a threshold_violation
// SecurityEvent is written.
type Thresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// Sampler runs the component B loop.
type Sampler struct {
	store     store.Store
	registrar *registration.Registrar
	log       zerolog.Logger
	deviceID  string

	interval   time.Duration
	thresholds Thresholds
}

// New builds a Sampler. Heartbeat delivery and the registration row's
// last_heartbeat update both go through registrar, so the two never drift
// apart.
func New(st store.Store, registrar *registration.Registrar, log zerolog.Logger, deviceID string, interval time.Duration, thresholds Thresholds) *Sampler {
	return &Sampler{
		store:      st,
		registrar:  registrar,
		log:        log,
		deviceID:   deviceID,
		interval:   interval,
		thresholds: thresholds,
	}
}

// Run blocks, sampling every interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("telemetry tick failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sampler) tick(ctx context.Context) error {
	sample, err := s.collect(ctx)
	if err != nil {
		return err
	}

	if _, err := s.store.AppendTelemetrySample(sample); err != nil {
		return err
	}

	s.checkThresholds(sample)

	// Heartbeat POSTs (or queues on failure) the sample and, on success,
	// updates the registration row's last_heartbeat in the same call.
	return s.registrar.Heartbeat(ctx, sample)
}

// collect gathers host metrics via gopsutil: CPU percent over a short
// sampling window, virtual memory percent, the maximum disk usage across
// mountpoints, network counters, process count, uptime, and the primary
// outbound IP.
func (s *Sampler) collect(ctx context.Context) (*types.TelemetrySample, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
	cpuPercent := 0.0
	if err == nil && len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("cpu sampling failed")
	}

	memPercent := 0.0
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	} else {
		s.log.Warn().Err(err).Msg("memory sampling failed")
	}

	diskPercent := maxDiskUsage(ctx, s.log)

	var netIO types.NetworkIO
	if counters, err := gopsutilnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		netIO = types.NetworkIO{
			BytesSent:   counters[0].BytesSent,
			BytesRecv:   counters[0].BytesRecv,
			PacketsSent: counters[0].PacketsSent,
			PacketsRecv: counters[0].PacketsRecv,
		}
	} else if err != nil {
		s.log.Warn().Err(err).Msg("network counters sampling failed")
	}

	processCount := 0
	if pids, err := host.PidsWithContext(ctx); err == nil {
		processCount = len(pids)
	}

	uptime := int64(0)
	if u, err := host.UptimeWithContext(ctx); err == nil {
		uptime = int64(u)
	}

	return &types.TelemetrySample{
		Timestamp:      time.Now(),
		CPUPercent:     cpuPercent,
		MemoryPercent:  memPercent,
		DiskPercent:    diskPercent,
		ProcessesCount: processCount,
		UptimeSeconds:  uptime,
		IPAddress:      primaryIP(),
		NetworkIO:      netIO,
	}, nil
}

// maxDiskUsage returns the highest used-percent across all mounted
// partitions, skipping any that fail to stat (permission denied, not
// mounted) rather than aborting the whole sample.
func maxDiskUsage(ctx context.Context, log zerolog.Logger) float64 {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		log.Warn().Err(err).Msg("disk partition enumeration failed")
		return 0
	}
	max := 0.0
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		if usage.UsedPercent > max {
			max = usage.UsedPercent
		}
	}
	return max
}

// primaryIP opens a UDP "connection" toward a public address (no packet is
// actually sent) and reads back the local endpoint chosen by the routing
// table; this is the conventional no-syscall-privilege way to find the
// outbound interface address. Falls back to hostname resolution.
func primaryIP() string {
	conn, err := net.DialContext(context.Background(), "udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// checkThresholds writes a threshold_violation SecurityEvent for each of
// CPU/memory/disk exceeding its configured threshold: medium severity for
// CPU/memory, high for disk.
func (s *Sampler) checkThresholds(sample *types.TelemetrySample) {
	checks := []struct {
		metric    string
		value     float64
		threshold float64
		severity  types.Severity
	}{
		{"cpu_percent", sample.CPUPercent, s.thresholds.CPU, types.SeverityMedium},
		{"memory_percent", sample.MemoryPercent, s.thresholds.Memory, types.SeverityMedium},
		{"disk_percent", sample.DiskPercent, s.thresholds.Disk, types.SeverityHigh},
	}

	for _, c := range checks {
		if c.value <= c.threshold {
			continue
		}
		event := &types.SecurityEvent{
			EventType:   types.EventThresholdViolation,
			Severity:    c.severity,
			Description: c.metric + " exceeded configured threshold",
			Details: map[string]any{
				"metric":    c.metric,
				"value":     c.value,
				"threshold": c.threshold,
			},
			Timestamp: time.Now(),
		}
		if _, err := store.AppendAndQueueSecurityEvent(s.store, event); err != nil {
			s.log.Error().Err(err).Msg("failed to record threshold violation")
		}
	}
}
