package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siteindexer/scrapequeue/internal/jobs"
	"github.com/siteindexer/scrapequeue/internal/metrics"
	"github.com/siteindexer/scrapequeue/internal/queue"
	"github.com/siteindexer/scrapequeue/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type stubClock struct{}

func (stubClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type seqIDGen struct {
	n atomic.Int64
}

func (g *seqIDGen) NewID() (string, error) {
	return fmt.Sprintf("id-%d", g.n.Add(1)), nil
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New(stubClock{})
	manager := queue.New(store, &seqIDGen{}, nil, queue.Config{MaxAttempts: 3}, nil)
	srv := httptest.NewServer(NewServer(manager, cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})

	resp := postJSON(t, srv.URL+"/v1/jobs", `{"domain":"acme.test","type":"crawl"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["created"])
	require.Equal(t, "pending", body["status"])
	firstID := body["job_id"]
	require.NotEmpty(t, firstID)

	// Duplicate submission reports the existing job with a 200.
	resp = postJSON(t, srv.URL+"/v1/jobs", `{"domain":"acme.test","type":"crawl"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	require.Equal(t, false, body["created"])
	require.Equal(t, firstID, body["job_id"])
}

func TestSubmitJobDefaultsTypeToCrawl(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})

	resp := postJSON(t, srv.URL+"/v1/jobs", `{"domain":"acme.test"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)

	job, err := store.GetJob(t.Context(), body["job_id"].(string))
	require.NoError(t, err)
	require.Equal(t, jobs.TypeCrawl, job.Type)
	require.Equal(t, jobs.PriorityNewDomain, job.Priority)
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})

	tests := []struct {
		name string
		body string
	}{
		{"missing domain", `{"type":"crawl"}`},
		{"unknown type", `{"domain":"acme.test","type":"bogus"}`},
		{"invalid json", `{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/jobs", tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})

	resp := postJSON(t, srv.URL+"/v1/jobs", `{"domain":"acme.test"}`)
	body := decodeBody(t, resp)
	jobID := body["job_id"].(string)

	resp, err := http.Get(srv.URL + "/v1/jobs/" + jobID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody(t, resp)
	job := got["job"].(map[string]any)
	require.Equal(t, jobID, job["id"])
	require.Equal(t, "acme.test", job["domain"])

	resp, err = http.Get(srv.URL + "/v1/jobs/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})

	resp := postJSON(t, srv.URL+"/v1/jobs", `{"domain":"acme.test"}`)
	body := decodeBody(t, resp)
	jobID := body["job_id"].(string)

	resp = postJSON(t, srv.URL+"/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeBody(t, resp)
	require.Equal(t, "cancelled", cancelled["status"])

	// Cancelling a terminal job conflicts.
	resp = postJSON(t, srv.URL+"/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/jobs/missing/cancel", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	job, err := store.GetJob(t.Context(), jobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, job.Status)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})

	resp := postJSON(t, srv.URL+"/v1/jobs", `{"domain":"acme.test"}`)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/v1/jobs", `{"domain":"globex.test","type":"refresh"}`)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/v1/queue/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody(t, resp)
	require.EqualValues(t, 2, stats["pending"])
	byDomain := stats["by_domain"].(map[string]any)
	require.Len(t, byDomain, 2)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{AuthEnabled: true, APIKey: "sekrit"})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/jobs", strings.NewReader(`{"domain":"acme.test"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/jobs", strings.NewReader(`{"domain":"acme.test"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "sekrit")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}
