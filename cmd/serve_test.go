package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedup-cli/internal/export"
	"github.com/sells-group/dedup-cli/internal/job"
	"github.com/sells-group/dedup-cli/internal/match"
	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/normalizer"
	"github.com/sells-group/dedup-cli/internal/resilience"
	"github.com/sells-group/dedup-cli/internal/resolver"
	"github.com/sells-group/dedup-cli/internal/store"
)

func newTestEngine(t *testing.T) *engine {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	norm := normalizer.New(normalizer.DefaultRuleset())
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 1

	res := resolver.New(
		norm,
		match.NewFinder(st, 5),
		st,
		resolver.Config{
			Thresholds: match.Thresholds{Attach: 0.85, Ambiguous: 0.60, Margin: 0.05},
			Retry:      retry,
		},
		nil,
	)

	return &engine{
		store:      st,
		norm:       norm,
		controller: job.NewController(st, res, 2, 0),
		exporter:   export.New(st),
	}
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestAPI_Health(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEngine(t)))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAPI_Normalize(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEngine(t)))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodPost, "/normalize", map[string]any{
		"names": []string{"ACME Holdings, LLC", "  "},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []struct {
			RawName string `json:"raw_name"`
			KeyForm string `json:"key_form"`
			Display string `json:"display"`
			Error   string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 2)

	assert.Equal(t, "acme holdings", out.Results[0].KeyForm)
	assert.Empty(t, out.Results[0].Error)
	assert.NotEmpty(t, out.Results[0].Display)

	assert.Empty(t, out.Results[1].KeyForm)
	assert.Equal(t, "empty name", out.Results[1].Error)
}

func TestAPI_NormalizeRejectsEmptyBody(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEngine(t)))
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/normalize", map[string]any{"names": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SubmitJobRunsToTerminal(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEngine(t)))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodPost, "/jobs", submitRequest{
		Observations: []model.Observation{
			{RawName: "Acme, Inc.", Source: "crm"},
			{RawName: "ACME Inc", Source: "web"},
			{RawName: "Globex Corporation", Source: "crm"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run model.JobRun
	require.NoError(t, json.Unmarshal(body, &run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, 3, run.InputCount)

	require.Eventually(t, func() bool {
		resp, body := doJSON(t, srv, http.MethodGet, "/jobs/"+run.ID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var got model.JobRun
		if err := json.Unmarshal(body, &got); err != nil {
			return false
		}
		return got.Status.Terminal()
	}, 10*time.Second, 50*time.Millisecond)

	resp, body = doJSON(t, srv, http.MethodGet, "/jobs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var final model.JobRun
	require.NoError(t, json.Unmarshal(body, &final))
	assert.Equal(t, model.JobStatusDone, final.Status)
	assert.Equal(t, 3, final.SuccessCount)
	assert.Equal(t, 0, final.ErrorCount)
}

func TestAPI_SubmitRejectsEmptyBatch(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEngine(t)))
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/jobs", submitRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetJobNotFound(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEngine(t)))
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodGet, "/jobs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CancelUnknownJob(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEngine(t)))
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/jobs/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ListJobsFiltersByStatus(t *testing.T) {
	env := newTestEngine(t)
	srv := httptest.NewServer(newRouter(env))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodPost, "/jobs", submitRequest{
		Observations: []model.Observation{{RawName: "Initech LLC", Source: "crm"}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var run model.JobRun
	require.NoError(t, json.Unmarshal(body, &run))

	require.Eventually(t, func() bool {
		got, err := env.store.GetJob(context.Background(), run.ID)
		return err == nil && got != nil && got.Status.Terminal()
	}, 10*time.Second, 50*time.Millisecond)

	resp, body = doJSON(t, srv, http.MethodGet, "/jobs?status=done", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Jobs  []model.JobRun `json:"jobs"`
		Count int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, run.ID, out.Jobs[0].ID)

	resp, _ = doJSON(t, srv, http.MethodGet, "/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Stats(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestEngine(t)))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats store.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Zero(t, stats.Canonicals)
	assert.Zero(t, stats.Aliases)
}
