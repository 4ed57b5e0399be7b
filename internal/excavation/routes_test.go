package excavation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/excavctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestRoutesExcavateAndStatus(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Trace = true
	svc, _ := newTestService(t, cfg)
	h := svc.Router()

	rr := doJSON(t, h, http.MethodPost, "/telemetry/health", map[string]float64{"tilt_position": 0.25})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, h, http.MethodPost, "/excavation", Request{StartExcavation: true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.ExcavationSuccessful)
	require.Equal(t, 0.25, resp.Report.TiltOffset)

	rr = doJSON(t, h, http.MethodGet, "/excavation/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.EqualValues(t, 1, st.Cycles)
	require.Equal(t, 0.25, st.Telemetry.Offset)
	require.False(t, st.FeedEnabled)

	rr = doJSON(t, h, http.MethodGet, "/excavation/trace", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("\x89PNG")))
}

func TestRoutesRejectBadRequests(t *testing.T) {
	testlog.Start(t)
	svc, _ := newTestService(t, testConfig())
	h := svc.Router()

	rr := doJSON(t, h, http.MethodPost, "/excavation", Request{StartExcavation: false})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.ExcavationSuccessful)
	require.Equal(t, ErrStartNotRequested.Error(), resp.Error)

	rr = doJSON(t, h, http.MethodPost, "/telemetry/health", map[string]string{"tilt": "x"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/telemetry/health", map[string]float64{"tilt_position": 99})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/excavation/cancel", nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/excavation/trace", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRoutesProbesAndMetrics(t *testing.T) {
	testlog.Start(t)
	svc, _ := newTestService(t, testConfig())
	h := svc.Router()

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rr := doJSON(t, h, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rr.Code, path)
	}
	rr := doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Contains(t, rr.Body.String(), "excavctl_http_requests_total")
}

func TestRoutesControlToken(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ControlToken = "dig"
	svc, _ := newTestService(t, cfg)
	h := svc.Router()

	rr := doJSON(t, h, http.MethodPost, "/excavation", Request{StartExcavation: true})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = doJSON(t, h, http.MethodPost, "/telemetry/health", map[string]float64{"tilt_position": 0.1})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.EqualValues(t, 0, svc.Status().Cycles)

	// read-only routes stay open
	rr = doJSON(t, h, http.MethodGet, "/excavation/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(Request{StartExcavation: true}))
	req := httptest.NewRequest(http.MethodPost, "/excavation", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer dig")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
