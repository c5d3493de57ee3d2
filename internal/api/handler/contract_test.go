package handler_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/compressd/internal/api"
	"github.com/kiranshivaraju/compressd/internal/api/handler"
	mw "github.com/kiranshivaraju/compressd/internal/api/middleware"
	"github.com/kiranshivaraju/compressd/internal/cache"
	"github.com/kiranshivaraju/compressd/internal/engine"
	"github.com/kiranshivaraju/compressd/internal/jobs"
	"github.com/kiranshivaraju/compressd/internal/store"
	"github.com/kiranshivaraju/compressd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	testRawKey      = "cmp_test_contract_key_1234567890"
	testReadOnlyKey = "cmp_read_contract_key_0987654321"
)

const testMaxBytes = 1 << 20

func addKey(t *testing.T, st store.Store, rawKey string, scopes ...string) {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), &models.APIKey{
		ID:        uuid.New(),
		Name:      rawKey[:12],
		KeyHash:   string(h),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	mu       sync.Mutex
	counters map[string]int64
	status   map[string][]byte
}

func newMockCache() *mockCache {
	return &mockCache{counters: make(map[string]int64), status: make(map[string][]byte)}
}

func (c *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *mockCache) Delete(_ context.Context, _ string) error                          { return nil }
func (c *mockCache) Ping(_ context.Context) error                                      { return nil }
func (c *mockCache) SetJobStatus(_ context.Context, id string, payload []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = payload
	return nil
}
func (c *mockCache) GetJobStatus(_ context.Context, id string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.status[id]
	return v, ok, nil
}
func (c *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

var _ cache.Cache = (*mockCache)(nil)

// ─── test harness ────────────────────────────────────────────────────────────

type serverOptions struct {
	startEngine bool
	rateLimit   int
	queueSize   int
}

type testServer struct {
	server *httptest.Server
	store  *store.MemoryStore
	cache  *mockCache
	engine *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, serverOptions{startEngine: true, rateLimit: 1000})
}

func newTestServerWith(t *testing.T, o serverOptions) *testServer {
	t.Helper()

	st := store.NewMemoryStore()
	addKey(t, st, testRawKey, models.ScopeRead, models.ScopeWrite)
	addKey(t, st, testReadOnlyKey, models.ScopeRead)
	mc := newMockCache()

	opts := engine.DefaultOptions()
	opts.Workers = 2
	opts.PrepareDelay = 0
	if o.queueSize > 0 {
		opts.QueueSize = o.queueSize
	}
	eng := engine.New(st, opts)
	if o.startEngine {
		require.NoError(t, eng.Start(context.Background()))
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	svc := jobs.NewService(st, eng, mc, 0)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(st, true),
		RateLimit: mw.NewRateLimit(mc, o.rateLimit),

		HealthHandler:   handler.NewHealthHandler(),
		SubmitHandler:   handler.NewSubmitHandler(svc, testMaxBytes),
		UploadHandler:   handler.NewUploadHandler(svc, testMaxBytes),
		ListHandler:     handler.NewListHandler(svc),
		StatusHandler:   handler.NewStatusHandler(svc),
		DownloadHandler: handler.NewDownloadHandler(svc),
		CancelHandler:   handler.NewCancelHandler(svc),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: st, cache: mc, engine: eng}
}

func (ts *testServer) request(method, path, rawKey string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.server.URL+path, &buf)
	if rawKey != "" {
		req.Header.Set("Authorization", "Bearer "+rawKey)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (ts *testServer) authRequest(method, path string, body any) *http.Request {
	return ts.request(method, path, testRawKey, body)
}

func (ts *testServer) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func (ts *testServer) submit(t *testing.T, body any) string {
	t.Helper()
	resp, env := ts.do(t, ts.authRequest("POST", "/api/v1/compression/jobs", body))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "%v", env)
	return env["data"].(map[string]any)["job_id"].(string)
}

func (ts *testServer) waitForStatus(t *testing.T, jobID, status string) map[string]any {
	t.Helper()
	var data map[string]any
	require.Eventually(t, func() bool {
		resp, env := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs/"+jobID, nil))
		if resp.StatusCode != http.StatusOK {
			return false
		}
		data = env["data"].(map[string]any)
		return data["status"] == status
	}, 5*time.Second, 20*time.Millisecond)
	return data
}

func errCode(body map[string]any) string {
	return body["error"].(map[string]any)["code"].(string)
}

func twoFiles() map[string]any {
	return map[string]any{
		"files": []map[string]any{
			{"name": "a.txt", "content": b64(strings.Repeat("a", 100)), "size": 100},
			{"name": "b.txt", "content": b64(strings.Repeat("b", 200)), "size": 200},
		},
		"compression_format": "zip",
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

// ─── POST /api/v1/compression/jobs ───────────────────────────────────────────

func TestSubmit_202_PendingJob(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{rateLimit: 1000})

	resp, body := ts.do(t, ts.authRequest("POST", "/api/v1/compression/jobs", twoFiles()))

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := body["data"].(map[string]any)
	jobID := data["job_id"].(string)
	_, err := uuid.Parse(jobID)
	assert.NoError(t, err)
	assert.Equal(t, "compression-"+jobID, data["workflow_id"])
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, float64(0), data["progress"])
	assert.Equal(t, float64(2), data["file_count"])
	assert.Equal(t, float64(300), data["original_size"])
	assert.Nil(t, data["compressed_size"])
	assert.Nil(t, data["started_at"])
	assert.NotEmpty(t, data["created_at"])
}

func TestSubmit_CompletesEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.submit(t, twoFiles())

	data := ts.waitForStatus(t, jobID, "completed")
	assert.Equal(t, float64(100), data["progress"])
	assert.Equal(t, "Compression completed successfully", data["message"])
	assert.NotNil(t, data["compressed_size"])
	assert.NotNil(t, data["compression_ratio"])
	assert.NotNil(t, data["started_at"])
	assert.NotNil(t, data["completed_at"])
}

func TestSubmit_400_Validation(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{rateLimit: 1000})

	cases := map[string]any{
		"no files":      map[string]any{"files": []any{}},
		"unsupported":   map[string]any{"files": []map[string]any{{"name": "a", "content": b64("x"), "size": 1}}, "compression_format": "rar"},
		"empty name":    map[string]any{"files": []map[string]any{{"name": "", "content": b64("x"), "size": 1}}},
		"negative size": map[string]any{"files": []map[string]any{{"name": "a", "content": b64("x"), "size": -5}}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, env := ts.do(t, ts.authRequest("POST", "/api/v1/compression/jobs", body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_REQUEST", errCode(env))
		})
	}
}

func TestSubmit_400_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/compression/jobs", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testRawKey)

	resp, env := ts.do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errCode(env))
}

func TestSubmit_413_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t)
	svc := jobs.NewService(ts.store, ts.engine, ts.cache, 0)
	h := handler.NewSubmitHandler(svc, 64)

	body, err := json.Marshal(twoFiles())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/compression/jobs", bytes.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errCode(env))
}

func TestSubmit_503_QueueFull(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{rateLimit: 1000, queueSize: 1})
	ts.submit(t, twoFiles())

	resp, env := ts.do(t, ts.authRequest("POST", "/api/v1/compression/jobs", twoFiles()))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "ENGINE_BUSY", errCode(env))

	jobs, err := ts.store.ListRecentJobs(context.Background(), 10)
	require.NoError(t, err)
	var failed int
	for _, j := range jobs {
		if j.Status == models.JobStatusFailed {
			failed++
			assert.True(t, strings.HasPrefix(*j.Message, "Failed to start workflow: "))
		}
	}
	assert.Equal(t, 1, failed)
}

func TestSubmit_403_ReadOnlyKey(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, ts.request("POST", "/api/v1/compression/jobs", testReadOnlyKey, twoFiles()))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errCode(env))
}

// ─── POST /api/v1/compression/upload ─────────────────────────────────────────

func TestUpload_202_Multipart(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	for name, content := range map[string]string{"one.txt": "hello", "two.txt": "world!"} {
		fw, err := mpw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mpw.WriteField("compression_format", "tar_gz"))
	require.NoError(t, mpw.WriteField("compression_level", "9"))
	require.NoError(t, mpw.Close())

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/compression/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	req.Header.Set("Content-Type", mpw.FormDataContentType())

	resp, env := ts.do(t, req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "%v", env)
	data := env["data"].(map[string]any)
	assert.Equal(t, float64(2), data["file_count"])
	assert.Equal(t, float64(11), data["original_size"])
	assert.Equal(t, "tar_gz", data["compression_format"])
	assert.Equal(t, float64(9), data["compression_level"])

	ts.waitForStatus(t, data["job_id"].(string), "completed")
}

func TestUpload_400_NoFiles(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	require.NoError(t, mpw.WriteField("compression_format", "zip"))
	require.NoError(t, mpw.Close())

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/compression/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	req.Header.Set("Content-Type", mpw.FormDataContentType())

	resp, env := ts.do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errCode(env))
}

// ─── GET /api/v1/compression/jobs ────────────────────────────────────────────

func TestList_200_NewestFirstWithMeta(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{rateLimit: 1000})
	first := ts.submit(t, twoFiles())
	time.Sleep(5 * time.Millisecond)
	second := ts.submit(t, twoFiles())

	resp, env := ts.do(t, ts.request("GET", "/api/v1/compression/jobs?limit=10", testReadOnlyKey, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	items := env["data"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, second, items[0].(map[string]any)["job_id"])
	assert.Equal(t, first, items[1].(map[string]any)["job_id"])
	meta := env["meta"].(map[string]any)
	assert.Equal(t, float64(10), meta["limit"])
	assert.Equal(t, float64(2), meta["count"])
}

func TestList_LimitIsClamped(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs?limit=500", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), env["meta"].(map[string]any)["limit"])
}

func TestList_400_BadLimit(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errCode(env))
}

// ─── GET /api/v1/compression/jobs/{jobID} ────────────────────────────────────

func TestStatus_404_Unknown(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errCode(env))
}

func TestStatus_FailedJobReportsMessage(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{
		"files": []map[string]any{{"name": "bad.txt", "content": "@@not-base64@@", "size": 10}},
	}
	jobID := ts.submit(t, body)

	data := ts.waitForStatus(t, jobID, "failed")
	assert.Equal(t, float64(50), data["progress"])
	assert.Contains(t, data["message"], "Compression failed: ")
	assert.Contains(t, data["message"], "bad.txt")
}

// ─── GET /api/v1/compression/jobs/{jobID}/download ───────────────────────────

func TestDownload_200_Attachment(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.submit(t, twoFiles())
	data := ts.waitForStatus(t, jobID, "completed")

	resp, _ := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs/"+jobID+"/download", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="compressed-`+jobID+`.zip"`, resp.Header.Get("Content-Disposition"))

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, int(data["compressed_size"].(float64)), buf.Len())
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("PK")))
}

func TestDownload_409_NotCompleted(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{rateLimit: 1000})
	jobID := ts.submit(t, twoFiles())

	resp, env := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs/"+jobID+"/download", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_COMPLETED", errCode(env))
}

func TestDownload_404_Unknown(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs/nope/download", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errCode(env))
}

// ─── POST /api/v1/compression/jobs/{jobID}/cancel ────────────────────────────

func TestCancel_202_QueuedJob(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{rateLimit: 1000})
	jobID := ts.submit(t, twoFiles())

	resp, env := ts.do(t, ts.authRequest("POST", "/api/v1/compression/jobs/"+jobID+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancelling", env["data"].(map[string]any)["status"])

	require.NoError(t, ts.engine.Start(context.Background()))
	data := ts.waitForStatus(t, jobID, "failed")
	assert.Equal(t, "Compression failed: job cancelled", data["message"])
}

func TestCancel_409_AlreadyTerminal(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.submit(t, twoFiles())
	ts.waitForStatus(t, jobID, "completed")

	resp, env := ts.do(t, ts.authRequest("POST", "/api/v1/compression/jobs/"+jobID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_ALREADY_TERMINAL", errCode(env))
}

func TestCancel_409_NotRunningHere(t *testing.T) {
	ts := newTestServer(t)
	job := &models.CompressionJob{
		ID:         uuid.NewString(),
		Status:     models.JobStatusCompressing,
		Progress:   50,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		FileCount:  1,
		WorkflowID: "compression-x",
	}
	require.NoError(t, ts.store.CreateJob(context.Background(), job))

	resp, env := ts.do(t, ts.authRequest("POST", "/api/v1/compression/jobs/"+job.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_RUNNING", errCode(env))
}

// ─── auth & rate limiting ────────────────────────────────────────────────────

func TestAuth_InvalidBearerToken(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, ts.request("GET", "/api/v1/compression/jobs", "cmp_test_wrong_key_000000000000", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errCode(env))
}

func TestHealth_Unauthenticated(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, ts.request("GET", "/api/v1/health", "", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", env["data"].(map[string]any)["status"])
}

func TestRateLimit_Headers_Present(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs", nil))
	assert.Equal(t, "1000", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServerWith(t, serverOptions{startEngine: true, rateLimit: 3})

	for i := 0; i < 3; i++ {
		resp, _ := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs", nil))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, env := ts.do(t, ts.authRequest("GET", "/api/v1/compression/jobs", nil))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(env))
}
