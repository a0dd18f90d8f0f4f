package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordChildExitIncrementsLabel(t *testing.T) {
	ChildExitCodeTotal.Reset()

	RecordChildExit(0)
	RecordChildExit(1)
	RecordChildExit(0)

	assert.Equal(t, float64(2), testutil.ToFloat64(ChildExitCodeTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ChildExitCodeTotal.WithLabelValues("failed")))
}

func TestHealthHandlerReturnsOK(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	HealthHandler()(w, req)

	assert.Equal(t, 200, w.Code)

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
}
