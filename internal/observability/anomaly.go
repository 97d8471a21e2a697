package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/fngate/internal/config"
)

const minAnomalySamples = 5

// AnomalyDetector flags functions whose failure rate or denial count over a
// sliding window crosses the configured thresholds. It only logs.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	denials   map[string]*slidingWindow
	cfg       *config.AnomalyConfig
	window    time.Duration
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		denials:   make(map[string]*slidingWindow),
		cfg:       cfg,
		window:    time.Duration(secs) * time.Second,
		logger:    logger,
	}
}

// RecordFailure records a failed run of function.
func (a *AnomalyDetector) RecordFailure(function string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.failures, function).add(1)
	a.checkFailureRate(function)
}

// RecordSuccess records a successful run of function.
func (a *AnomalyDetector) RecordSuccess(function string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, function).add(1)
}

// RecordDenial records a policy or confirmation denial for function.
func (a *AnomalyDetector) RecordDenial(function string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windowFor(a.denials, function)
	w.add(1)
	if a.cfg.DenialThreshold <= 0 || a.logger == nil {
		return
	}
	if n := w.sum(); n >= float64(a.cfg.DenialThreshold) {
		a.logger.Warn("anomaly detected: repeated denials",
			slog.String("function", function),
			slog.Float64("denials", n),
			slog.Int("threshold", a.cfg.DenialThreshold),
		)
	}
}

// checkFailureRate must be called with a.mu held.
func (a *AnomalyDetector) checkFailureRate(function string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	failures := a.windowFor(a.failures, function).sum()
	total := failures + a.windowFor(a.successes, function).sum()
	if total < minAnomalySamples {
		return
	}

	rate := failures / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high failure rate",
			slog.String("function", function),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("failures", failures),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
