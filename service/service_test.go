package service

import (
	"io"
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testhost/metrics"
)

func get(t *testing.T, url string, header map[string]string) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestService(t *testing.T) {
	m := metrics.NewMetrics()
	m.RecordHostExit(true)

	s := New(log.NewLogger(log.DiscardHandler()), Config{
		HealthzAddr: "127.0.0.1:0",
		MetricsAddr: "127.0.0.1:0",
	}, m, m.Registry())
	require.NoError(t, s.Start())
	t.Cleanup(s.Shutdown)

	resp, body := get(t, "http://"+s.Healthz.Addr().String()+"/healthz", map[string]string{"Origin": "http://example.com"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, body = get(t, "http://"+s.Metrics.Addr().String()+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, metrics.MetricsNamespace+"_host_exits_total")
}

func TestService_MetricsDisabled(t *testing.T) {
	s := New(log.NewLogger(log.DiscardHandler()), Config{HealthzAddr: "127.0.0.1:0"}, metrics.NoopMetrics, nil)
	require.NoError(t, s.Start())
	t.Cleanup(s.Shutdown)

	resp, _ := get(t, "http://"+s.Healthz.Addr().String()+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, s.Metrics.listener)
}

func TestService_BindFailure(t *testing.T) {
	first := New(log.NewLogger(log.DiscardHandler()), Config{HealthzAddr: "127.0.0.1:0"}, metrics.NoopMetrics, nil)
	require.NoError(t, first.Start())
	t.Cleanup(first.Shutdown)

	second := New(log.NewLogger(log.DiscardHandler()), Config{
		HealthzAddr: "127.0.0.1:0",
		MetricsAddr: first.Healthz.Addr().String(),
	}, metrics.NoopMetrics, nil)
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start metrics server")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0:8080", cfg.HealthzAddr)
	assert.Equal(t, "0.0.0.0:7300", cfg.MetricsAddr)
}
