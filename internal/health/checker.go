// Package health runs periodic probes against the registry's dependencies
// (database, embedding cache, issuer node) and tracks which are degraded.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe is one named dependency check. Check returns nil when the
// dependency is usable.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Status is the last known state of one probe.
type Status struct {
	Healthy   bool      `json:"healthy"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// StatusChangeFunc is called when a probe crosses between healthy and degraded.
type StatusChangeFunc func(name string, healthy bool)

// Checker runs periodic dependency probes.
type Checker struct {
	probes    []Probe
	mu        sync.Mutex
	statuses  map[string]*Status
	cfg       Config
	onMetrics MetricsRecordFunc
	onChange  StatusChangeFunc
	logger    *zap.Logger
}

// New creates a new Checker. Every probe starts out healthy.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	statuses := make(map[string]*Status, len(probes))
	for _, p := range probes {
		statuses[p.Name] = &Status{Healthy: true}
	}
	return &Checker{probes: probes, statuses: statuses, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// SetStatusChange configures the callback fired on healthy/degraded transitions.
func (h *Checker) SetStatusChange(fn StatusChangeFunc) {
	h.onChange = fn
}

// Start runs one round immediately, then one per interval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and waits for them to finish.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(err == nil)
	}

	h.mu.Lock()
	st := h.statuses[name]
	wasHealthy := st.Healthy
	st.CheckedAt = time.Now().UTC()
	if err == nil {
		st.FailCount = 0
		st.LastError = ""
		st.Healthy = true
	} else {
		st.FailCount++
		st.LastError = err.Error()
		if st.FailCount >= h.cfg.FailThreshold {
			st.Healthy = false
		}
	}
	healthy, count := st.Healthy, st.FailCount
	h.mu.Unlock()

	switch {
	case wasHealthy && !healthy:
		h.logger.Warn("health: degraded", zap.String("dependency", name), zap.Int("fail_count", count), zap.Error(err))
	case !wasHealthy && healthy:
		h.logger.Info("health: recovered", zap.String("dependency", name))
	case err != nil:
		h.logger.Debug("health: probe failed", zap.String("dependency", name), zap.Error(err))
	}
	if wasHealthy != healthy && h.onChange != nil {
		h.onChange(name, healthy)
	}
}

// Snapshot returns a copy of every probe's status.
func (h *Checker) Snapshot() map[string]Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]Status, len(h.statuses))
	for name, st := range h.statuses {
		out[name] = *st
	}
	return out
}

// Healthy reports whether no probe is degraded.
func (h *Checker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.statuses {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// HTTPProbe checks that endpoint answers. Any status below 500 counts as
// reachable, since the endpoint may require credentials the probe lacks.
func HTTPProbe(name, endpoint string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{}
	}
	return Probe{Name: name, Check: func(ctx context.Context) error {
		// Try HEAD first.
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusMethodNotAllowed {
				return nil
			}
		}

		// Fallback to GET.
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err = client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
		}
		return nil
	}}
}
