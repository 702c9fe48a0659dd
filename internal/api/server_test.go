package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"signal-radar/internal/metrics"
	"signal-radar/internal/model"
	"signal-radar/internal/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	last    *pipeline.RunReport
	running bool
	runs    int
	ran     chan struct{}
}

func (f *fakeRunner) Run(context.Context) (*pipeline.RunReport, error) {
	f.mu.Lock()
	f.runs++
	rep := &pipeline.RunReport{RunID: "r1", Status: pipeline.RunOK, FinishedAt: time.Now()}
	f.last = rep
	f.mu.Unlock()
	if f.ran != nil {
		f.ran <- struct{}{}
	}
	return rep, nil
}

func (f *fakeRunner) LastReport() *pipeline.RunReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeRunner) Running() bool { return f.running }

func (f *fakeRunner) Buckets() []model.ChannelBucket {
	return []model.ChannelBucket{{Key: "US", LastSentAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), CooldownSeconds: 60}}
}

func (f *fakeRunner) DedupSize() int { return 42 }

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec, env
}

func newTestServer(r Runner, h *metrics.HealthStatus) *Server {
	reg := prometheus.NewRegistry()
	metrics.NewMetrics(reg)
	return NewServer(context.Background(), Config{Addr: ":0"}, r, h, WithGatherer(reg))
}

func TestHealth(t *testing.T) {
	h := metrics.NewHealthStatus("memory")
	s := newTestServer(&fakeRunner{}, h)

	rec, env := do(t, s.Handler(), http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK || env.Status != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}

	h.CheckState(context.Background(), func(context.Context) error { return errors.New("down") })
	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with state down, got %d", rec.Code)
	}
}

func TestStateEndpoints(t *testing.T) {
	s := newTestServer(&fakeRunner{}, nil)

	rec, env := do(t, s.Handler(), http.MethodGet, "/api/v1/state/buckets")
	if rec.Code != http.StatusOK {
		t.Fatalf("buckets = %d", rec.Code)
	}
	rows, ok := env.Data.([]interface{})
	if !ok || len(rows) != 1 {
		t.Fatalf("unexpected buckets payload: %#v", env.Data)
	}
	row := rows[0].(map[string]interface{})
	if row["next_eligible_at"] != "2024-01-01T00:01:00Z" {
		t.Errorf("next_eligible_at = %v", row["next_eligible_at"])
	}

	_, env = do(t, s.Handler(), http.MethodGet, "/api/v1/state/dedup")
	if env.Data.(map[string]interface{})["size"].(float64) != 42 {
		t.Errorf("dedup payload: %#v", env.Data)
	}
}

func TestLastRunAndTrigger(t *testing.T) {
	r := &fakeRunner{ran: make(chan struct{}, 1)}
	h := metrics.NewHealthStatus("memory")
	s := newTestServer(r, h)

	rec, _ := do(t, s.Handler(), http.MethodGet, "/api/v1/runs/last")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", rec.Code)
	}

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger = %d", rec.Code)
	}
	select {
	case <-r.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("run not started")
	}

	rec, env := do(t, s.Handler(), http.MethodGet, "/api/v1/runs/last")
	if rec.Code != http.StatusOK || env.Data.(map[string]interface{})["run_id"] != "r1" {
		t.Errorf("last run: %d %#v", rec.Code, env.Data)
	}

	r.running = true
	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while running, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeRunner{}, nil)
	rec, _ := do(t, s.Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "radar_dedup_store_size") {
		t.Errorf("metrics endpoint missing scanner metrics: %d", rec.Code)
	}
}
