package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PrioMail/internal/queue"
	"PrioMail/internal/service"
	"PrioMail/internal/status"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	backend, err := status.NewFileBackend(filepath.Join(t.TempDir(), "statuses.json"))
	require.NoError(t, err)

	svc := service.New(queue.New(), status.NewStore(backend, zap.NewNop()), 3, zap.NewNop())

	mux := http.NewServeMux()
	h := &Handler{Svc: svc, Log: zap.NewNop()}
	h.Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSendEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/send", map[string]string{
		"recipient": "a@b.c",
		"subject":   "hello",
		"text_body": "body",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	decode(t, resp, &out)
	require.NotEmpty(t, out["task_id"])

	statusResp, err := http.Get(srv.URL + "/status/" + out["task_id"])
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var rec map[string]any
	decode(t, statusResp, &rec)
	assert.Equal(t, "queued", rec["status"])
}

func TestSendEndpointValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/send", map[string]string{"subject": "no recipient"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/send-batch", map[string]any{
		"subject": "announcement",
		"items": []map[string]string{
			{"recipient": "a@b.c", "text_body": "hi"},
			{"recipient": "d@e.f", "text_body": "hi"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result map[string]any
	decode(t, resp, &result)
	batchID := result["batch_id"].(string)
	assert.EqualValues(t, 2, result["count"])

	bsResp, err := http.Get(srv.URL + "/batch-status/" + batchID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, bsResp.StatusCode)

	var bs map[string]any
	decode(t, bsResp, &bs)
	assert.EqualValues(t, 2, bs["total"])
}

func TestSendBatchCSVEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("subject", "welcome"))
	require.NoError(t, mw.WriteField("text_body", "Hello {{Name}}"))
	require.NoError(t, mw.WriteField("priority", "high"))

	fw, err := mw.CreateFormFile("recipients", "recipients.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Name,Email\nAda,ada@example.com\nGrace,grace@example.com\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/send-batch/csv", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result map[string]any
	decode(t, resp, &result)
	assert.EqualValues(t, 2, result["count"])
}

func TestCancelAndRetryEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/send", map[string]string{
		"recipient": "a@b.c",
		"subject":   "s",
	})
	var out map[string]string
	decode(t, resp, &out)
	taskID := out["task_id"]

	cancelResp, err := http.Post(srv.URL+"/cancel/"+taskID, "application/json", strings.NewReader(""))
	require.NoError(t, err)
	cancelResp.Body.Close()
	assert.Equal(t, http.StatusOK, cancelResp.StatusCode)

	// Second cancel has nothing left to remove.
	cancelResp, err = http.Post(srv.URL+"/cancel/"+taskID, "application/json", strings.NewReader(""))
	require.NoError(t, err)
	cancelResp.Body.Close()
	assert.Equal(t, http.StatusConflict, cancelResp.StatusCode)

	// A cancelled task is not retryable.
	retryResp, err := http.Post(srv.URL+"/retry/"+taskID, "application/json", strings.NewReader(""))
	require.NoError(t, err)
	retryResp.Body.Close()
	assert.Equal(t, http.StatusConflict, retryResp.StatusCode)
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/send", map[string]string{"recipient": "a@b.c", "subject": "s"}).Body.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]any
	decode(t, resp, &stats)
	assert.EqualValues(t, 1, stats["queue_depth"])

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
