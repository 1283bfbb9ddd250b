package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"icdev/internal/infra/persistence/memory"
	"icdev/pkg/genome"
)

func registerChild(t *testing.T, store *memory.Store, name, endpoint string) genome.Child {
	t.Helper()
	var child genome.Child
	if _, err := store.RunInTransaction(context.Background(), func(tx genome.Transaction) error {
		var err error
		child, err = tx.CreateChild(genome.Child{Name: name, Endpoint: endpoint, GenomeVersion: "1.0.0"})
		return err
	}); err != nil {
		t.Fatalf("register child: %v", err)
	}
	return child
}

func TestCollectHeartbeatStatuses(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    genome.HeartbeatStatus
	}{
		{
			name: "healthy",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":"healthy"}`))
			},
			want: genome.HeartbeatHealthy,
		},
		{
			name: "degraded",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":"degraded","detail":"disk pressure"}`))
			},
			want: genome.HeartbeatDegraded,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			want: genome.HeartbeatUnreachable,
		},
		{
			name: "malformed payload",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
			want: genome.HeartbeatError,
		},
		{
			name: "unknown status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":"sideways"}`))
			},
			want: genome.HeartbeatError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			store := memory.NewStore(nil)
			child := registerChild(t, store, "child-a", srv.URL)
			collector := NewCollector(store, srv.Client(), Config{}, zap.NewNop())

			hb, err := collector.CollectHeartbeat(context.Background(), child.ID)
			if err != nil {
				t.Fatalf("collect: %v", err)
			}
			if hb.Status != tc.want {
				t.Fatalf("status = %s, want %s", hb.Status, tc.want)
			}
			if hb.Digest == "" {
				t.Fatalf("payload digest must be recorded")
			}
			if hb.ChildID != child.ID || hb.Endpoint != srv.URL {
				t.Fatalf("heartbeat identity mismatch: %+v", hb)
			}
		})
	}
}

func TestCollectHeartbeatUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	store := memory.NewStore(nil)
	child := registerChild(t, store, "child-a", url)
	collector := NewCollector(store, nil, Config{Timeout: time.Second}, zap.NewNop())

	hb, err := collector.CollectHeartbeat(context.Background(), child.ID)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if hb.Status != genome.HeartbeatUnreachable {
		t.Fatalf("status = %s, want unreachable", hb.Status)
	}
	if hb.Detail == "" {
		t.Fatalf("unreachable heartbeat must carry detail")
	}
}

func TestCollectHeartbeatUnknownChild(t *testing.T) {
	store := memory.NewStore(nil)
	collector := NewCollector(store, nil, Config{}, zap.NewNop())
	_, err := collector.CollectHeartbeat(context.Background(), "missing")
	if !genome.IsKind(err, genome.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPollAllStoresEveryResult(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer healthy.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	store := memory.NewStore(nil)
	a := registerChild(t, store, "child-a", healthy.URL)
	b := registerChild(t, store, "child-b", deadURL)
	collector := NewCollector(store, nil, Config{Timeout: time.Second, Parallelism: 2}, zap.NewNop())

	stored, err := collector.PollAll(context.Background())
	if err != nil {
		t.Fatalf("poll all: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 heartbeats, got %d", len(stored))
	}
	if got := store.ListHeartbeats(a.ID); len(got) != 1 || got[0].Status != genome.HeartbeatHealthy {
		t.Fatalf("child-a heartbeat: %+v", got)
	}
	if got := store.ListHeartbeats(b.ID); len(got) != 1 || got[0].Status != genome.HeartbeatUnreachable {
		t.Fatalf("child-b heartbeat: %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	store := memory.NewStore(nil)
	child := registerChild(t, store, "child-a", "http://child-a.local")
	collector := NewCollector(store, nil, Config{}, zap.NewNop())

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	collector.SetClock(func() time.Time { return now })

	beats := []genome.TelemetryHeartbeat{
		{ChildID: child.ID, ObservedAt: now.Add(-50 * time.Minute), Status: genome.HeartbeatUnreachable, LatencyMS: 0},
		{ChildID: child.ID, ObservedAt: now.Add(-30 * time.Minute), Status: genome.HeartbeatHealthy, LatencyMS: 20},
		{ChildID: child.ID, ObservedAt: now.Add(-10 * time.Minute), Status: genome.HeartbeatDegraded, LatencyMS: 40},
		// Outside the window, must be ignored.
		{ChildID: child.ID, ObservedAt: now.Add(-3 * time.Hour), Status: genome.HeartbeatUnreachable, LatencyMS: 0},
	}
	for _, hb := range beats {
		if _, err := collector.StoreHeartbeat(context.Background(), hb); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	summary, err := collector.Summarize(context.Background(), child.ID, time.Hour)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Samples != 3 {
		t.Fatalf("samples = %d, want 3", summary.Samples)
	}
	if summary.LatestStatus != genome.HeartbeatDegraded {
		t.Fatalf("latest = %s, want degraded", summary.LatestStatus)
	}
	// Degraded counts toward uptime; unreachable does not.
	if want := 2.0 / 3.0; summary.UptimeRatio != want {
		t.Fatalf("uptime = %v, want %v", summary.UptimeRatio, want)
	}
	if want := 20.0; summary.AvgLatencyMS != want {
		t.Fatalf("avg latency = %v, want %v", summary.AvgLatencyMS, want)
	}

	if _, err := collector.Summarize(context.Background(), child.ID, 0); !genome.IsKind(err, genome.KindValidation) {
		t.Fatalf("expected validation error for zero window, got %v", err)
	}
	if _, err := collector.Summarize(context.Background(), "missing", time.Hour); !genome.IsKind(err, genome.KindNotFound) {
		t.Fatalf("expected not_found for unknown child, got %v", err)
	}
}
