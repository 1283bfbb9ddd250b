// Package telemetry implements the pull-based heartbeat poller for deployed
// children. Polling failures are data, not errors: every poll yields a
// heartbeat record, and an unreachable child never aborts the polling loop.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"icdev/pkg/genome"
)

// Defaults for the poller.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultParallelism = 8
	maxPayloadBytes    = 1 << 20
)

// Config carries collector settings.
type Config struct {
	Timeout     time.Duration
	Parallelism int
}

// Collector polls child health endpoints and appends heartbeat records.
type Collector struct {
	store  genome.PersistentStore
	client *http.Client
	cfg    Config
	log    *zap.Logger
	nowFn  func() time.Time
}

// NewCollector constructs a collector. A nil client gets a default client
// with the configured timeout.
func NewCollector(store genome.PersistentStore, client *http.Client, cfg Config, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Collector{store: store, client: client, cfg: cfg, log: log, nowFn: time.Now}
}

// SetClock overrides the time source for tests.
func (c *Collector) SetClock(now func() time.Time) { c.nowFn = now }

// healthPayload is the small JSON document a child's health endpoint returns.
type healthPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// CollectHeartbeat polls one child's endpoint with a bounded timeout and
// returns the resulting heartbeat. Network failures, timeouts, and non-2xx
// responses become unreachable or error heartbeats; the only Go errors
// returned are for an unknown child.
func (c *Collector) CollectHeartbeat(ctx context.Context, childID string) (genome.TelemetryHeartbeat, error) {
	var child genome.Child
	err := c.store.View(ctx, func(view genome.TransactionView) error {
		found, ok := view.FindChild(childID)
		if !ok {
			return genome.NewError(genome.KindNotFound, "child %s not found", childID)
		}
		child = found
		return nil
	})
	if err != nil {
		return genome.TelemetryHeartbeat{}, err
	}
	return c.poll(ctx, child), nil
}

// poll issues the health request and converts every failure mode into a
// heartbeat value.
func (c *Collector) poll(ctx context.Context, child genome.Child) genome.TelemetryHeartbeat {
	observed := c.nowFn().UTC()
	hb := genome.TelemetryHeartbeat{
		ChildID:    child.ID,
		Endpoint:   child.Endpoint,
		ObservedAt: observed,
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, child.Endpoint, nil)
	if err != nil {
		hb.Status = genome.HeartbeatUnreachable
		hb.Detail = err.Error()
		return hb
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	hb.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		hb.Status = genome.HeartbeatUnreachable
		hb.Detail = err.Error()
		return hb
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		hb.Status = genome.HeartbeatError
		hb.Detail = err.Error()
		return hb
	}
	sum := sha256.Sum256(body)
	hb.Digest = hex.EncodeToString(sum[:])
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		hb.Status = genome.HeartbeatUnreachable
		hb.Detail = resp.Status
		return hb
	}
	var payload healthPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		hb.Status = genome.HeartbeatError
		hb.Detail = "malformed health payload"
		return hb
	}
	switch payload.Status {
	case string(genome.HeartbeatHealthy):
		hb.Status = genome.HeartbeatHealthy
	case string(genome.HeartbeatDegraded):
		hb.Status = genome.HeartbeatDegraded
	default:
		hb.Status = genome.HeartbeatError
		hb.Detail = "unknown status " + payload.Status
	}
	if payload.Detail != "" {
		hb.Detail = payload.Detail
	}
	return hb
}

// StoreHeartbeat appends one heartbeat record.
func (c *Collector) StoreHeartbeat(ctx context.Context, hb genome.TelemetryHeartbeat) (genome.TelemetryHeartbeat, error) {
	var stored genome.TelemetryHeartbeat
	_, err := c.store.RunInTransaction(ctx, func(tx genome.Transaction) error {
		var err error
		stored, err = tx.AppendHeartbeat(hb)
		return err
	})
	return stored, err
}

// PollAll polls every registered child concurrently with bounded
// parallelism and stores all results. Individual poll outcomes never fail
// the sweep; only storage errors surface.
func (c *Collector) PollAll(ctx context.Context) ([]genome.TelemetryHeartbeat, error) {
	var children []genome.Child
	if err := c.store.View(ctx, func(view genome.TransactionView) error {
		children = view.ListChildren()
		return nil
	}); err != nil {
		return nil, err
	}
	results := make([]genome.TelemetryHeartbeat, len(children))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.Parallelism)
	for i, child := range children {
		i, child := i, child
		group.Go(func() error {
			results[i] = c.poll(groupCtx, child)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	stored := make([]genome.TelemetryHeartbeat, 0, len(results))
	for _, hb := range results {
		rec, err := c.StoreHeartbeat(ctx, hb)
		if err != nil {
			return stored, err
		}
		stored = append(stored, rec)
		if hb.Status != genome.HeartbeatHealthy {
			c.log.Warn("child heartbeat",
				zap.String("child", hb.ChildID),
				zap.String("status", string(hb.Status)),
				zap.String("detail", hb.Detail))
		}
	}
	return stored, nil
}

// HealthSummary aggregates a child's most recent heartbeats inside the
// window into a derived, non-persisted summary.
type HealthSummary struct {
	ChildID      string                 `json:"child_id"`
	Window       time.Duration          `json:"window"`
	Samples      int                    `json:"samples"`
	UptimeRatio  float64                `json:"uptime_ratio"`
	LatestStatus genome.HeartbeatStatus `json:"latest_status"`
	AvgLatencyMS float64                `json:"avg_latency_ms"`
	ObservedAt   time.Time              `json:"observed_at"`
}

// Summarize computes the health summary for one child over the window.
func (c *Collector) Summarize(ctx context.Context, childID string, window time.Duration) (HealthSummary, error) {
	if window <= 0 {
		return HealthSummary{}, genome.NewError(genome.KindValidation, "summary window must be positive")
	}
	now := c.nowFn().UTC()
	cutoff := now.Add(-window)
	var beats []genome.TelemetryHeartbeat
	err := c.store.View(ctx, func(view genome.TransactionView) error {
		if _, ok := view.FindChild(childID); !ok {
			return genome.NewError(genome.KindNotFound, "child %s not found", childID)
		}
		beats = view.ListHeartbeats(childID)
		return nil
	})
	if err != nil {
		return HealthSummary{}, err
	}
	summary := HealthSummary{ChildID: childID, Window: window, ObservedAt: now}
	var healthy int
	var totalLatency float64
	for _, hb := range beats { // most recent first
		if hb.ObservedAt.Before(cutoff) {
			continue
		}
		if summary.Samples == 0 {
			summary.LatestStatus = hb.Status
		}
		summary.Samples++
		totalLatency += hb.LatencyMS
		if hb.Status == genome.HeartbeatHealthy || hb.Status == genome.HeartbeatDegraded {
			healthy++
		}
	}
	if summary.Samples > 0 {
		summary.UptimeRatio = float64(healthy) / float64(summary.Samples)
		summary.AvgLatencyMS = totalLatency / float64(summary.Samples)
	}
	return summary, nil
}
