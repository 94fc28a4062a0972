package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/kit/log"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, opts HandlerOptions) (*Handler, *svcEnv) {
	t.Helper()
	env := newSvcEnv(t)
	if opts.RateLimitPerSec == 0 {
		opts.RateLimitPerSec = 1000
	}
	if opts.RateLimitBurst == 0 {
		opts.RateLimitBurst = 1000
	}
	h, err := NewHandler(log.NewNopLogger(), env.svc, opts)
	require.NoError(t, err)
	return h, env
}

func doRPC(t *testing.T, h *Handler, body string) rpcResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rpcResponse
	resp.Result = &json.RawMessage{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})
	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHandlerMalformedEnvelope(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})
	resp := doRPC(t, h, `{"method": `)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeValidation, resp.Error.Code)
}

func TestHandlerUnknownMethod(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})
	resp := doRPC(t, h, `{"id":"1","method":"dev.nope.v9"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeValidation, resp.Error.Code)
	assert.Equal(t, "1", resp.ID)
}

func TestHandlerEnqueueRoundTrip(t *testing.T) {
	h, env := newTestHandler(t, HandlerOptions{})

	resp := doRPC(t, h, `{
		"id": "req-1",
		"method": "dev.enqueue.v1",
		"params": {
			"job_type": "index_file",
			"subject_key": "file:/a.go",
			"payload": {"path": "a.go"}
		}
	}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, "req-1", resp.ID)

	var result struct {
		JobID string `json:"job_id"`
		State string `json:"state"`
		Queue string `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(*resp.Result.(*json.RawMessage), &result))
	assert.Equal(t, "QUEUED", result.State)
	assert.Equal(t, "default", result.Queue)

	job, err := env.ds.Job(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, "index_file", job.JobType)
}

func TestHandlerMissingParams(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})
	resp := doRPC(t, h, `{"method":"dev.enqueue.v1"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeValidation, resp.Error.Code)
}

func TestHandlerCancelNotFound(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})
	resp := doRPC(t, h, `{"method":"dev.cancel.v1","params":{"job_id":"missing"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeNotFound, resp.Error.Code)
}

func TestHandlerStatsNeedsNoParams(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})
	resp := doRPC(t, h, `{"method":"admin.stats.v1"}`)
	require.Nil(t, resp.Error)

	var result struct {
		TotalJobs int64 `json:"total_jobs"`
	}
	require.NoError(t, json.Unmarshal(*resp.Result.(*json.RawMessage), &result))
	assert.Equal(t, int64(0), result.TotalJobs)
}

func TestHandlerMaintenanceOptionalParams(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{})

	resp := doRPC(t, h, `{"method":"admin.maintenance.v1"}`)
	require.Nil(t, resp.Error)

	resp = doRPC(t, h, `{"method":"admin.maintenance.v1","params":{"force_vacuum":true}}`)
	require.Nil(t, resp.Error)
	var result struct {
		VacuumRun bool `json:"vacuum_run"`
	}
	require.NoError(t, json.Unmarshal(*resp.Result.(*json.RawMessage), &result))
	assert.True(t, result.VacuumRun)
}

func TestHandlerBodyTooLarge(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{MaxBodyBytes: 64})
	body := `{"method":"dev.enqueue.v1","params":{"job_type":"t","payload":{"k":"` +
		strings.Repeat("v", 256) + `"}}}`
	resp := doRPC(t, h, body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeValidation, resp.Error.Code)
}

func TestHandlerRateLimit(t *testing.T) {
	h, _ := newTestHandler(t, HandlerOptions{RateLimitPerSec: 1, RateLimitBurst: 1})

	var throttledSeen bool
	for i := 0; i < 10; i++ {
		resp := doRPC(t, h, `{"method":"admin.stats.v1"}`)
		if resp.Error != nil {
			assert.Equal(t, codeThrottled, resp.Error.Code)
			throttledSeen = true
			break
		}
	}
	assert.True(t, throttledSeen, "expected a throttled response within burst+1 calls")

	// Buckets are per method, so another method still goes through.
	resp := doRPC(t, h, `{"method":"admin.maintenance.v1"}`)
	assert.Nil(t, resp.Error)
}

func TestErrorCodeStorageMapping(t *testing.T) {
	// Lock contention that outlived the datastore's retrying is backpressure,
	// not a storage fault.
	code, _ := errorCode(sqlite3.Error{Code: sqlite3.ErrBusy})
	assert.Equal(t, codeThrottled, code)
	code, _ = errorCode(sqlite3.Error{Code: sqlite3.ErrLocked})
	assert.Equal(t, codeThrottled, code)

	code, _ = errorCode(sqlite3.Error{Code: sqlite3.ErrCorrupt})
	assert.Equal(t, codeStorage, code)
}

func TestHandlerRequestBodyBuffered(t *testing.T) {
	// The envelope decoder must tolerate trailing whitespace from clients
	// that newline-terminate their writes.
	h, _ := newTestHandler(t, HandlerOptions{})
	var buf bytes.Buffer
	buf.WriteString(`{"method":"admin.stats.v1"}`)
	buf.WriteString("\n")
	req := httptest.NewRequest(http.MethodPost, "/rpc", &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp rpcResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Nil(t, resp.Error)
}
