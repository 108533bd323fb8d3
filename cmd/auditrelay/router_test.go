package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audittrail/internal/platform/config"
	"audittrail/internal/platform/metrics"
	"audittrail/pkg/audit"
	"audittrail/pkg/platform/middleware/requestid"
	"audittrail/pkg/testutil"
)

func TestHealthz(t *testing.T) {
	testutil.Given(t, "all dependencies are healthy", func(t *testing.T) {
		router := NewRouter(metrics.NewRegistry(), map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"kafka":    func(context.Context) error { return nil },
		})

		testutil.When(t, "healthz is requested", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))

			testutil.Then(t, "it reports ok", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusOK)
				assert.NotEmpty(t, rr.Header().Get(requestid.Header))
				resp := testutil.UnmarshalResponse[healthResponse](t, rr)
				assert.Equal(t, "ok", resp.Status)
				assert.Equal(t, map[string]string{"postgres": "ok", "kafka": "ok"}, resp.Checks)
			})
		})
	})

	testutil.Given(t, "a dependency is down", func(t *testing.T) {
		router := NewRouter(metrics.NewRegistry(), map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"kafka":    func(context.Context) error { return errors.New("no brokers reachable") },
		})

		testutil.When(t, "healthz is requested", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))

			testutil.Then(t, "it reports the failing check with 503", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusServiceUnavailable)
				resp := testutil.UnmarshalResponse[healthResponse](t, rr)
				assert.Equal(t, "degraded", resp.Status)
				assert.Equal(t, "no brokers reachable", resp.Checks["kafka"])
				assert.Equal(t, "ok", resp.Checks["postgres"])
			})
		})
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "auditrelay_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rr := testutil.DoRequest(NewRouter(reg, nil), testutil.NewRequest(t, http.MethodGet, "/metrics"))

	testutil.AssertStatus(t, rr, http.StatusOK)
	assert.Contains(t, string(testutil.ReadBody(t, rr)), "auditrelay_test_total 1")
}

func replicaEvent() audit.Event {
	return audit.Event{
		ID:          uuid.New(),
		Seq:         9,
		Timestamp:   time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC),
		Action:      "EXPORT",
		Description: "exported report",
		Severity:    audit.SeverityInfo,
	}
}

func TestOpenReplica(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "memory", mutate: func(c *config.Config) { c.Replica.Sink = "memory" }},
		{name: "sqlite", mutate: func(c *config.Config) {
			c.Replica.Sink = "sqlite"
			c.Replica.SQLitePath = filepath.Join(t.TempDir(), "replica.db")
		}},
		{name: "redis", mutate: func(c *config.Config) {
			c.Replica.Sink = "redis"
			c.Redis.URL = "redis://" + mr.Addr()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(&cfg)

			store, health, closeFn, err := openReplica(context.Background(), cfg)
			require.NoError(t, err)
			t.Cleanup(closeFn)
			if health != nil {
				assert.NoError(t, health(context.Background()))
			}

			event := replicaEvent()
			require.NoError(t, store.AppendReplica(context.Background(), event))
			require.NoError(t, store.AppendReplica(context.Background(), event))

			scanner, ok := store.(audit.Sink)
			require.True(t, ok)
			events, err := audit.Collect(scanner.Scan(context.Background(), audit.Filter{}))
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, event.ID, events[0].ID)
		})
	}
}

func TestOpenReplica_UnknownSink(t *testing.T) {
	cfg := config.Defaults()
	cfg.Replica.Sink = "s3"

	_, _, closeFn, err := openReplica(context.Background(), cfg)
	require.Error(t, err)
	assert.NotNil(t, closeFn)
}
