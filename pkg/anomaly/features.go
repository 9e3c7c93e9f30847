package anomaly

import (
	"math"
	"time"

	"github.com/Raekwon-OG/protekt/pkg/types"
)

// featureNames fixes the feature vector's column order; scaler and forest
// both assume this exact ordering.
var featureNames = []string{
	"cpu_percent", "memory_percent", "disk_percent", "processes_count",
	"cpu_memory_ratio", "resource_usage", "hour_of_day", "day_of_week",
	"cpu_rolling_mean", "memory_rolling_std",
}

// buildFeatures computes the per-sample feature vector from spec section
// 4.4. history is the in-memory sample history (most recent last); rolling
// features are included only once history has at least 10 entries,
// otherwise they are 0.
func buildFeatures(sample *types.TelemetrySample, history []*types.TelemetrySample) []float64 {
	cpu := safeFloat(sample.CPUPercent)
	mem := safeFloat(sample.MemoryPercent)
	disk := safeFloat(sample.DiskPercent)
	procs := float64(sample.ProcessesCount)

	cpuMemRatio := cpu / (mem + 1)
	resourceUsage := (cpu + mem + disk) / 3

	hour := float64(sample.Timestamp.Hour())
	weekday := float64(sample.Timestamp.Weekday())

	var cpuRollingMean, memRollingStd float64
	if len(history) >= 10 {
		cpuRollingMean = rollingMean(history, 5, func(s *types.TelemetrySample) float64 { return s.CPUPercent })
		memRollingStd = rollingStdDev(history, 5, func(s *types.TelemetrySample) float64 { return s.MemoryPercent })
	}

	return []float64{
		cpu, mem, disk, procs,
		safeFloat(cpuMemRatio), safeFloat(resourceUsage),
		hour, weekday,
		safeFloat(cpuRollingMean), safeFloat(memRollingStd),
	}
}

func safeFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func rollingMean(history []*types.TelemetrySample, window int, extract func(*types.TelemetrySample) float64) float64 {
	vals := lastN(history, window, extract)
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func rollingStdDev(history []*types.TelemetrySample, window int, extract func(*types.TelemetrySample) float64) float64 {
	vals := lastN(history, window, extract)
	if len(vals) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals) - 1)
	return math.Sqrt(variance)
}

func lastN(history []*types.TelemetrySample, n int, extract func(*types.TelemetrySample) float64) []float64 {
	start := len(history) - n
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(history)-start)
	for _, s := range history[start:] {
		out = append(out, extract(s))
	}
	return out
}

// syntheticSample draws one row from the fixed normal/uniform distributions
// used to pad insufficient training data, per spec section 4.4.
func syntheticSample(rngNormal func(mean, stddev float64) float64, rngUniform func(lo, hi float64) float64) *types.TelemetrySample {
	return &types.TelemetrySample{
		Timestamp:      time.Now(),
		CPUPercent:     clampPercent(rngNormal(30, 15)),
		MemoryPercent:  clampPercent(rngNormal(50, 20)),
		DiskPercent:    clampPercent(rngNormal(60, 25)),
		ProcessesCount: int(rngNormal(150, 30)),
		UptimeSeconds:  int64(rngUniform(3600, 86400)),
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
