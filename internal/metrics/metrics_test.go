package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox/internal/config"
	"sandbox/internal/store"
)

func TestObserveSetsGauges(t *testing.T) {
	m := New()
	m.Observe(store.Counters{
		PendingTasks:         3,
		InProgressTasks:      1,
		FinishedTasksLastDay: 2,
		MaxPendingAge:        90 * time.Second,
		ActiveWorkers:        1,
	})

	expected := `
# HELP sandbox_task_pending_time_max Age in seconds of the oldest pending task.
# TYPE sandbox_task_pending_time_max gauge
sandbox_task_pending_time_max 90
# HELP sandbox_tasks_state Number of tasks per lifecycle state.
# TYPE sandbox_tasks_state gauge
sandbox_tasks_state{state="finished"} 2
sandbox_tasks_state{state="in_progress"} 1
sandbox_tasks_state{state="pending"} 3
# HELP sandbox_workers_active_total Workers that pinged within the liveness window.
# TYPE sandbox_workers_active_total gauge
sandbox_workers_active_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected)))
}

func TestObserveOverwritesPreviousSample(t *testing.T) {
	m := New()
	m.Observe(store.Counters{PendingTasks: 5})
	m.Observe(store.Counters{PendingTasks: 0, ActiveWorkers: 2})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksState.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.workersActive))
}

func TestPushOnceSendsTextFormatWithBasicAuth(t *testing.T) {
	var gotAuth, gotBody, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			gotAuth = user + ":" + pass
		}
		gotContentType = r.Header.Get("Content-Type")
		buf := make([]byte, 1<<16)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.Observe(store.Counters{PendingTasks: 3})

	p := NewPusher(m, config.MetricsPushConfig{
		Enabled:  true,
		Endpoint: srv.URL,
		Username: "sandbox",
		Password: "pw",
	})
	require.NoError(t, p.pushOnce(context.Background()))

	assert.Equal(t, "sandbox:pw", gotAuth)
	assert.Contains(t, gotContentType, "text/plain")
	assert.Contains(t, gotBody, `sandbox_tasks_state{state="pending"} 3`)
}

func TestPushOnceReportsRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPusher(New(), config.MetricsPushConfig{Endpoint: srv.URL})
	assert.Error(t, p.pushOnce(context.Background()))
}
