package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-tick/caretaker/internal/event"
	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	jobs     []Job
	pingErr  error
	dead     []store.DeadLetter
	overruns []store.Overrun
	listErr  error

	gotLimit, gotOffset int
	gotJob              string
	deleted             []string
}

func (f *fakeBackend) Jobs() []Job { return f.jobs }

func (f *fakeBackend) Channels() map[string]string {
	return map[string]string{"slack": "open", "email": "closed"}
}

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeBackend) ListDeadLetters(_ context.Context, limit, offset int) ([]store.DeadLetter, error) {
	f.gotLimit, f.gotOffset = limit, offset
	return f.dead, f.listErr
}

func (f *fakeBackend) DeleteDeadLetters(_ context.Context, eventID string) (int, error) {
	n := 0
	for _, dl := range f.dead {
		if dl.Event.ID == eventID {
			n++
		}
	}
	f.deleted = append(f.deleted, eventID)
	return n, nil
}

func (f *fakeBackend) ListOverruns(_ context.Context, jobName string, limit, offset int) ([]store.Overrun, error) {
	f.gotJob, f.gotLimit, f.gotOffset = jobName, limit, offset
	return f.overruns, f.listErr
}

func newBackend() *fakeBackend {
	ev := event.New(event.SeverityCritical, event.TransitionEscalated, "nginx", "nginx is down", t0)
	ev.ID = "evt-1"

	return &fakeBackend{
		jobs: []Job{
			{Name: "disk-check", Kind: job.KindCheck, Schedule: "@every 5m", Healthy: true},
			{Name: "nginx", Kind: job.KindCheck, Schedule: "*/1 * * * *", State: job.RunState{JobName: "nginx", ConsecutiveFailures: 3}},
		},
		dead: []store.DeadLetter{
			{Event: ev, Channel: "slack", Reason: "circuit open", RecordedAt: t0},
			{Event: ev, Channel: "email", Reason: "delivery attempts exhausted: 421", Attempts: 5, RecordedAt: t0},
		},
		overruns: []store.Overrun{
			{ID: "1", Outcome: job.Overrun("backup", t0)},
		},
	}
}

func serve(t *testing.T, b Backend, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	srv := NewServer(Config{}, b, prometheus.NewRegistry(), nil)
	req := httptest.NewRequest(method, target, http.NoBody)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantCode   int
		wantStatus string
	}{
		{name: "store reachable", wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "store unreachable", pingErr: errors.New("dial tcp: refused"), wantCode: http.StatusServiceUnavailable, wantStatus: "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend()
			b.pingErr = tt.pingErr

			w := serve(t, b, http.MethodGet, "/healthz")

			assert.Equal(t, tt.wantCode, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, map[string]any{"slack": "open", "email": "closed"}, body["channels"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "caretaker_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := NewServer(Config{}, newBackend(), reg, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "caretaker_test_total 1"))
}

func TestListJobs(t *testing.T) {
	tests := []struct {
		target    string
		wantNames []string
	}{
		{target: "/api/v1/jobs", wantNames: []string{"disk-check", "nginx"}},
		{target: "/api/v1/jobs?failing=true", wantNames: []string{"nginx"}},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := serve(t, newBackend(), http.MethodGet, tt.target)
			require.Equal(t, http.StatusOK, w.Code)

			var body struct {
				Jobs  []Job `json:"jobs"`
				Count int   `json:"count"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

			var names []string
			for _, j := range body.Jobs {
				names = append(names, j.Name)
			}
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, len(tt.wantNames), body.Count)
		})
	}
}

func TestGetJob(t *testing.T) {
	w := serve(t, newBackend(), http.MethodGet, "/api/v1/jobs/nginx")
	require.Equal(t, http.StatusOK, w.Code)

	var j Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &j))
	assert.Equal(t, 3, j.State.ConsecutiveFailures)

	w = serve(t, newBackend(), http.MethodGet, "/api/v1/jobs/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDeadLetters(t *testing.T) {
	b := newBackend()
	w := serve(t, b, http.MethodGet, "/api/v1/deadletters?limit=5000&offset=2")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxLimit, b.gotLimit)
	assert.Equal(t, 2, b.gotOffset)

	var body struct {
		DeadLetters []store.DeadLetter `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.DeadLetters, 2)
	assert.Equal(t, "circuit open", body.DeadLetters[0].Reason)
	assert.Equal(t, "evt-1", body.DeadLetters[1].Event.ID)
}

func TestListShouldRejectBadPaging(t *testing.T) {
	for _, target := range []string{
		"/api/v1/deadletters?limit=0",
		"/api/v1/deadletters?limit=abc",
		"/api/v1/overruns?offset=-1",
	} {
		t.Run(target, func(t *testing.T) {
			w := serve(t, newBackend(), http.MethodGet, target)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestListShouldReportStoreErrors(t *testing.T) {
	b := newBackend()
	b.listErr = errors.New("database is locked")

	w := serve(t, b, http.MethodGet, "/api/v1/deadletters")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "database is locked", decode(t, w)["error"])
}

func TestDeleteDeadLetters(t *testing.T) {
	b := newBackend()

	w := serve(t, b, http.MethodDelete, "/api/v1/deadletters/evt-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["deleted"])

	w = serve(t, b, http.MethodDelete, "/api/v1/deadletters/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, []string{"evt-1", "unknown"}, b.deleted)
}

func TestListOverruns(t *testing.T) {
	b := newBackend()
	w := serve(t, b, http.MethodGet, "/api/v1/overruns?job=backup")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "backup", b.gotJob)
	assert.Equal(t, defaultLimit, b.gotLimit)

	var body struct {
		Overruns []store.Overrun `json:"overruns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Overruns, 1)
	assert.Equal(t, job.StatusSkipped, body.Overruns[0].Outcome.Status)
}

func TestRunShouldStopOnContextCancel(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, newBackend(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
