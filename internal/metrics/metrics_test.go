package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("mkdir", "shell", "error"))
	RecordOperation("mkdir", "shell", false, 20*time.Millisecond)
	RecordOperation("mkdir", "shell", true, 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(operationsTotal.WithLabelValues("mkdir", "shell", "error")))
}

func TestTransferGauges(t *testing.T) {
	SetActiveTransfers(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(activeTransfers))
	SetActiveTransfers(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(activeTransfers))

	before := testutil.ToFloat64(transferBytes.WithLabelValues("upload"))
	AddTransferBytes("upload", 1024)
	AddTransferBytes("upload", 0)
	assert.Equal(t, before+1024, testutil.ToFloat64(transferBytes.WithLabelValues("upload")))

	b := testutil.ToFloat64(policyBlocks.WithLabelValues("sftp-upload-chunk"))
	RecordPolicyBlock("sftp-upload-chunk")
	assert.Equal(t, b+1, testutil.ToFloat64(policyBlocks.WithLabelValues("sftp-upload-chunk")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", Handler())

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/connections/{id}", "418"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/connections/box")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/connections/{id}", "418")))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
