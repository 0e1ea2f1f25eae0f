package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuralmri-go/internal/analysis"
	"neuralmri-go/internal/config"
	"neuralmri-go/internal/model"
	"neuralmri-go/pkg/neuralmri"
)

const prompt = "The capital of France is"

func newTestServer(t *testing.T, loaded bool) (*httptest.Server, *neuralmri.Session) {
	t.Helper()
	session, err := neuralmri.New(*config.Default())
	require.NoError(t, err)
	if loaded {
		m, err := model.NewRandom("mock", model.SyntheticConfig(), 3)
		require.NoError(t, err)
		_, err = session.UseModel(m)
		require.NoError(t, err)
	}
	ts := httptest.NewServer(New(session).Handler())
	t.Cleanup(ts.Close)
	return ts, session
}

func post(t *testing.T, ts *httptest.Server, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthz(t *testing.T) {
	ts, session := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, false, body["model_loaded"])

	m, err := model.NewRandom("mock", model.SyntheticConfig(), 1)
	require.NoError(t, err)
	_, err = session.UseModel(m)
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, true, body["model_loaded"])
	assert.Equal(t, "mock", body["model_id"])
}

func TestScanWithoutModel(t *testing.T) {
	ts, _ := newTestServer(t, false)
	resp, body := post(t, ts, "/api/scan/structural", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"No model loaded"}`, string(body))
}

func TestScanActivation(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, body := post(t, ts, "/api/scan/activation", `{"prompt":"`+prompt+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var data analysis.ActivationData
	require.NoError(t, json.Unmarshal(body, &data))
	assert.Len(t, data.Tokens, 6)
	assert.Equal(t, analysis.ModeActivation, data.ScanMode)

	resp, _ = post(t, ts, "/api/scan/activation", `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, ts, "/api/scan/activation", `{"prompt":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCircuitDefaultsToLastToken(t *testing.T) {
	ts, _ := newTestServer(t, true)
	resp, body := post(t, ts, "/api/scan/circuits", `{"prompt":"`+prompt+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var data analysis.CircuitData
	require.NoError(t, json.Unmarshal(body, &data))
	assert.Equal(t, 5, data.TargetTokenIdx)
}

func TestPerturbUnknownComponent(t *testing.T) {
	ts, _ := newTestServer(t, true)
	resp, body := post(t, ts, "/api/perturb/zero", `{"component":"blocks.9.mlp","prompt":"`+prompt+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Unknown component: blocks.9.mlp")
}

func TestCacheEndpoints(t *testing.T) {
	ts, session := newTestServer(t, true)
	resp, _ := post(t, ts, "/api/scan/anomaly", `{"prompt":"`+prompt+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/api/settings/cache")
	require.NoError(t, err)
	var status cacheStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, 1, status.EntryCount)
	assert.Equal(t, 5, status.MaxEntries)
	require.Len(t, status.Keys, 1)
	assert.True(t, strings.HasPrefix(status.Keys[0], "mock::anomaly::"), status.Keys[0])

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/settings/cache", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Zero(t, session.Cache().Len())
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)
	post(t, ts, "/api/scan/structural", "")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nmri_scans_total{mode="structural",outcome="ok"} 1`)
}

func TestRequestMetrics(t *testing.T) {
	ts, session := newTestServer(t, false)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	post(t, ts, "/api/scan/structural", "")
	resp, err = http.Get(ts.URL + "/api/nope")
	require.NoError(t, err)
	resp.Body.Close()

	m := session.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/scan/structural", "409")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(10*time.Second)))

	hello := readFrame(t, c)
	require.Equal(t, "info", hello["type"])
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	var frame map[string]any
	require.NoError(t, c.ReadJSON(&frame))
	return frame
}

func TestWebSocketControlMessages(t *testing.T) {
	ts, _ := newTestServer(t, true)
	c := dial(t, ts)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, c)["type"])

	require.NoError(t, c.WriteJSON(map[string]string{"type": "bogus"}))
	frame := readFrame(t, c)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Unknown type: bogus", frame["message"])

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "Invalid JSON", readFrame(t, c)["message"])

	require.NoError(t, c.WriteJSON(map[string]string{"type": "scan_stream", "mode": "fMRI"}))
	assert.Equal(t, "Empty prompt", readFrame(t, c)["message"])

	require.NoError(t, c.WriteJSON(map[string]string{"type": "scan_stream", "mode": "T2", "prompt": prompt}))
	frame = readFrame(t, c)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "unsupported stream mode: T2", frame["message"])
}

func TestWebSocketActivationStream(t *testing.T) {
	ts, _ := newTestServer(t, true)
	c := dial(t, ts)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "scan_stream", "mode": "fMRI", "prompt": prompt}))
	start := readFrame(t, c)
	require.Equal(t, "scan_start", start["type"])
	assert.EqualValues(t, 6, start["seq_len"])
	assert.EqualValues(t, 2, start["n_layers"])

	for i := range 6 {
		frame := readFrame(t, c)
		require.Equal(t, "activation_frame", frame["type"])
		assert.EqualValues(t, i, frame["token_idx"])
		assert.Len(t, frame["layers"], 6)
	}
	assert.Equal(t, "scan_complete", readFrame(t, c)["type"])

	require.NoError(t, c.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, c)["type"])
}

func TestWebSocketCircuitStream(t *testing.T) {
	ts, _ := newTestServer(t, true)
	c := dial(t, ts)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "scan_stream", "mode": "DTI", "prompt": prompt}))
	require.Equal(t, "scan_start", readFrame(t, c)["type"])

	cfg := model.SyntheticConfig()
	for range cfg.Layers * cfg.Heads {
		assert.Equal(t, "attention_pattern", readFrame(t, c)["type"])
	}
	for range 1 + 2*cfg.Layers {
		assert.Equal(t, "component_importance", readFrame(t, c)["type"])
	}
	assert.Equal(t, "scan_complete", readFrame(t, c)["type"])
}

func TestWebSocketNoModel(t *testing.T) {
	ts, _ := newTestServer(t, false)
	c := dial(t, ts)
	require.NoError(t, c.WriteJSON(map[string]string{"type": "scan_stream", "mode": "fMRI", "prompt": prompt}))
	assert.Equal(t, "No model loaded", readFrame(t, c)["message"])
}
