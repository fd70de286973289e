package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"basilisk-escrow/internal/escrow"
)

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation(escrow.OpCreateJob, nil, 3*time.Millisecond)
	m.ObserveOperation(escrow.OpCreateJob, escrow.ErrZeroAmount, time.Millisecond)
	m.ObserveOperation(escrow.OpCreateJob, escrow.ErrZeroAmount, time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("create_job", "ok", "")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("create_job", "validation", "ZERO_AMOUNT")))
	require.Equal(t, 1, testutil.CollectAndCount(m.operationTime))
}

func TestObserveRelay(t *testing.T) {
	m := New()
	m.ObserveRelay(3, nil)
	m.ObserveRelay(2, errors.New("broker down"))

	require.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.relays.WithLabelValues("error")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.relayedEvents))
}

func TestObserveHTTPRequestAndHandler(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/v1/jobs", "post", http.StatusCreated, 20*time.Millisecond)
	m.ObserveHTTPRequest("/v1/jobs", "post", http.StatusInternalServerError, time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/v1/jobs", "POST", "201")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpErrors.WithLabelValues("/v1/jobs", "POST")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `escrow_http_requests_total{code="201",handler="/v1/jobs",method="POST"} 1`), body)
	require.Contains(t, body, "go_goroutines")
}

func TestStartServerRequiresAddress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.Error(t, New().StartServer(ctx, ""))
}
