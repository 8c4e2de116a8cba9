package health_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ttimochan/dns-frontdoor/internal/health"
	"github.com/ttimochan/dns-frontdoor/internal/metrics"
)

// TestEndpoint_routes checks spec.md §4.7's routing table: the liveness
// path returns JSON with status "ok", /metrics and /stats return Prometheus
// text, /metrics/json mirrors the snapshot as JSON, and anything else 404s.
func TestEndpoint_routes(t *testing.T) {
	sink := metrics.New()
	sink.RequestStarted(metrics.ProtoDoT)

	e := health.New("127.0.0.1:0", "/health-check", sink)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	base := "http://" + e.Addr()
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(base + "/health-check")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var liveness struct {
		Status        string `json:"status"`
		RequestsTotal int64  `json:"requests_total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&liveness))
	require.Equal(t, "ok", liveness.Status)
	require.EqualValues(t, 1, liveness.RequestsTotal)

	resp, err = client.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(base + "/metrics/json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.EqualValues(t, 1, snap.RequestsTotal)

	resp, err = client.Get(base + "/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
