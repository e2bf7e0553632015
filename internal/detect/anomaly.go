package detect

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// rollingStats tracks running mean and variance for one signal using
// Welford's online update. Numerically stable for long-running streams
// where a naive sum-of-squares drifts.
type rollingStats struct {
	count int64
	mean  float64
	m2    float64
}

func (r *rollingStats) add(value float64) {
	r.count++
	delta := value - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (value - r.mean)
}

func (r *rollingStats) stddev() float64 {
	if r.count < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.count-1))
}

// SignalStats is a read-only view of one monitored signal.
type SignalStats struct {
	Source string  `json:"source"`
	Signal string  `json:"signal"`
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// AnomalyDetector flags numeric observations that deviate from their
// rolling baseline. Baselines are kept per (source, signal): the same
// signal name from two subsystems describes two different workloads.
//
// Until a signal has seen WarmupSamples observations no anomaly is
// raised for it; a thin baseline makes every value look extreme.
type AnomalyDetector struct {
	mu      sync.Mutex
	signals map[string]*rollingStats

	threshold float64
	warmup    int64
}

// NewAnomalyDetector creates a detector flagging values whose z-score
// exceeds threshold, after warmup samples per signal.
func NewAnomalyDetector(threshold float64, warmup int) (*AnomalyDetector, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("zscore threshold must be positive, got %v", threshold)
	}
	if warmup < 2 {
		return nil, fmt.Errorf("warmup must be at least 2 samples, got %d", warmup)
	}
	return &AnomalyDetector{
		signals:   make(map[string]*rollingStats),
		threshold: threshold,
		warmup:    int64(warmup),
	}, nil
}

// Observe feeds one sample and reports whether it is anomalous
// against the baseline accumulated so far. The sample joins the
// baseline either way.
//
// The z-score is computed before the sample is absorbed, so an
// extreme value cannot dilute the very baseline that should flag it.
func (d *AnomalyDetector) Observe(source, signal string, value float64) *Candidate {
	key := signalKey(source, signal)

	d.mu.Lock()
	stats, ok := d.signals[key]
	if !ok {
		stats = &rollingStats{}
		d.signals[key] = stats
	}

	var candidate *Candidate
	if stats.count >= d.warmup {
		if sd := stats.stddev(); sd > 0 {
			z := (value - stats.mean) / sd
			if math.Abs(z) > d.threshold {
				candidate = &Candidate{
					Type:      "anomaly",
					Source:    source,
					Severity:  anomalySeverity(math.Abs(z), d.threshold),
					Method:    MethodAnomaly,
					Signature: signal,
					Evidence: Evidence{
						Signal: signal,
						Value:  value,
						ZScore: z,
						Detail: fmt.Sprintf("%s=%v deviates %.1f sigma from mean %.2f", signal, value, math.Abs(z), stats.mean),
					},
				}
			}
		}
	}

	stats.add(value)
	d.mu.Unlock()
	return candidate
}

// Stats returns a snapshot of every tracked signal, sorted by source
// then signal name.
func (d *AnomalyDetector) Stats() []SignalStats {
	d.mu.Lock()
	out := make([]SignalStats, 0, len(d.signals))
	for key, s := range d.signals {
		source, signal, _ := strings.Cut(key, "|")
		out = append(out, SignalStats{
			Source: source,
			Signal: signal,
			Count:  s.count,
			Mean:   s.mean,
			StdDev: s.stddev(),
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Signal < out[j].Signal
	})
	return out
}

func signalKey(source, signal string) string {
	return source + "|" + signal
}

// Decay halves every signal's effective history, letting baselines
// track drift in the underlying workload. Run periodically; signals
// below the warm-up floor are left untouched.
func (d *AnomalyDetector) Decay() {
	d.mu.Lock()
	for _, s := range d.signals {
		if s.count <= d.warmup {
			continue
		}
		s.count /= 2
		s.m2 /= 2
	}
	d.mu.Unlock()
}

// anomalySeverity grades by how far past the threshold the value sits.
func anomalySeverity(absZ, threshold float64) Severity {
	switch {
	case absZ > threshold*3:
		return SeverityHigh
	case absZ > threshold*1.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
