package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"deptrack/internal/service"
	"deptrack/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, store.Table) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	table, err := store.OpenSQLite(dbPath, "Deployments")
	require.NoError(t, err)
	t.Cleanup(func() { table.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(service.New(table, logger), logger, 0), table
}

func seed(t *testing.T, table store.Table, partitionKey, rowKey string, props map[string]any) {
	t.Helper()
	_, err := table.Insert(context.Background(), store.Entity{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Properties:   props,
	})
	require.NoError(t, err)
}

func doRequest(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleHealth(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "1", map[string]any{})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["record_count"])
}

func TestHandleListDeployments(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "1", map[string]any{
		"currentStatus": "success",
		"environment":   "prod",
		"creator":       "alice",
		"ref":           "main",
		"createdAt":     "2024-01-02T00:00:00Z",
	})
	seed(t, table, "acme/web", "2", map[string]any{
		"currentStatus": "running",
		"environment":   "stage",
		"createdAt":     "2024-01-01T00:00:00Z",
	})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/deployments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Deployments []deploymentResponse `json:"deployments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Deployments, 2)

	first := body.Deployments[0]
	assert.Equal(t, "acme/api", first.Repository)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "prod", first.Environment)
	assert.Equal(t, "success", first.StatusCategory)
	assert.Equal(t, "alice", first.Creator)
	assert.Equal(t, "main", first.Branch)

	// status filter matches the canonical category
	rec = doRequest(t, srv.Router(), http.MethodGet, "/deployments?status=in_progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Deployments, 1)
	assert.Equal(t, "2", body.Deployments[0].ID)
}

func TestHandleGetDeployment(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "42_deployment", map[string]any{"currentStatus": "waiting"})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/deployments/acme%2Fapi/42_deployment", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp deploymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42_deployment", resp.ID)
	assert.Equal(t, "pending", resp.StatusCategory)
}

func TestHandleGetDeployment_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/deployments/acme%2Fapi/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRecentDeployments_CountValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, target := range []string{
		"/deployments/recent?count=0",
		"/deployments/recent?count=101",
		"/deployments/recent?count=abc",
	} {
		rec := doRequest(t, srv.Router(), http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := doRequest(t, srv.Router(), http.MethodGet, "/deployments/recent", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePendingApprovals(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "42_protection_rule", map[string]any{
		"statusHistory": `[{"Environment":"prod","State":"waiting","UpdatedAt":"2024-01-01T00:00:00Z"}]`,
	})
	seed(t, table, "acme/api", "43_deployment", map[string]any{"currentStatus": "waiting"})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/pending-approvals", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pending []deploymentResponse `json:"pending_approvals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Pending, 1)
	assert.Equal(t, "42_protection_rule", body.Pending[0].ID)
	assert.Equal(t, "prod", body.Pending[0].Environment)
}

func TestHandleApprove_Flow(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "42_protection_rule", map[string]any{
		"currentStatus": "waiting",
		"environment":   "prod",
	})

	rec := doRequest(t, srv.Router(), http.MethodPost,
		"/deployments/acme%2Fapi/42_protection_rule/approve",
		`{"approver":"alice","comment":"ship it"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/deployments/acme%2Fapi/42_protection_rule", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp deploymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "approved", resp.State)
	assert.Equal(t, "success", resp.StatusCategory)
	assert.Equal(t, "approved", resp.OverallApprovalStatus)

	// Approved gates no longer show up as pending
	rec = doRequest(t, srv.Router(), http.MethodGet, "/pending-approvals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pending []deploymentResponse `json:"pending_approvals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Pending)
}

func TestHandleApprove_RequiresApprover(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "1", map[string]any{"currentStatus": "waiting"})

	rec := doRequest(t, srv.Router(), http.MethodPost,
		"/deployments/acme%2Fapi/1/approve", `{"comment":"no approver"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodPost,
		"/deployments/acme%2Fapi/1/approve", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordParamValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/deployments/bad%20repo/1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodPost,
		"/deployments/acme%2Fapi/1/approve", `{"approver":"alice; rm -rf"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpdateStatus(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "1", map[string]any{"currentStatus": "waiting"})

	rec := doRequest(t, srv.Router(), http.MethodPost,
		"/deployments/acme%2Fapi/1/status", `{"approver":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "status is required")

	rec = doRequest(t, srv.Router(), http.MethodPost,
		"/deployments/acme%2Fapi/1/status", `{"status":"in_progress","approver":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodPost,
		"/deployments/acme%2Fapi/ghost/status", `{"status":"in_progress","approver":"alice"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatistics(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "1", map[string]any{"currentStatus": "success"})
	seed(t, table, "acme/api", "2", map[string]any{"currentStatus": "failed"})
	seed(t, table, "acme/web", "3", map[string]any{"currentStatus": "success"})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/statistics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var flat struct {
		Statistics map[string]int `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flat))
	assert.Equal(t, 3, flat.Statistics["total"])
	assert.Equal(t, 2, flat.Statistics["success"])
	assert.Equal(t, 1, flat.Statistics["failure"])

	rec = doRequest(t, srv.Router(), http.MethodGet, "/statistics?repository=acme%2Fweb", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flat))
	assert.Equal(t, 1, flat.Statistics["total"])

	rec = doRequest(t, srv.Router(), http.MethodGet, "/statistics?dimension=repository", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var grouped struct {
		Statistics map[string]map[string]int `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grouped))
	assert.Equal(t, 2, grouped.Statistics["acme/api"]["total"])
	assert.Equal(t, 1, grouped.Statistics["acme/web"]["total"])

	rec = doRequest(t, srv.Router(), http.MethodGet, "/statistics?dimension=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRepositoriesAndEnvironments(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/web", "1", map[string]any{"environment": "stage"})
	seed(t, table, "acme/api", "2", map[string]any{"environment": "prod"})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/repositories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var repos struct {
		Repositories []string `json:"repositories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repos))
	assert.Equal(t, []string{"acme/api", "acme/web"}, repos.Repositories)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/environments?repository=acme%2Fapi", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var envs struct {
		Environments []string `json:"environments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envs))
	assert.Equal(t, []string{"prod"}, envs.Environments)
}

func TestHandleLatestByEnvironment(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "1", map[string]any{"environment": "prod", "createdAt": "2024-01-01T00:00:00Z"})
	seed(t, table, "acme/api", "2", map[string]any{"environment": "prod", "createdAt": "2024-01-02T00:00:00Z"})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/latest-by-environment", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Environments map[string][]deploymentResponse `json:"environments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Environments["prod"], 2)
	assert.Equal(t, "2", body.Environments["prod"][0].ID)
}

func TestHandleProgression(t *testing.T) {
	srv, table := newTestServer(t)
	seed(t, table, "acme/api", "d1", map[string]any{
		"statusHistory": `[
			{"Environment":"prod","State":"waiting","CreatedAt":"2024-01-01T00:00:00Z"},
			{"Environment":"prod","State":"approved","CreatedAt":"2024-01-01T00:30:00Z"}
		]`,
	})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/deployments/acme%2Fapi/d1/progression", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Progression []struct {
			Environment string `json:"environment"`
			Transitions []struct {
				State    string `json:"state"`
				Duration string `json:"duration"`
			} `json:"transitions"`
		} `json:"progression"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Progression, 1)
	assert.Equal(t, "prod", body.Progression[0].Environment)
	require.Len(t, body.Progression[0].Transitions, 2)
	assert.Equal(t, "waiting", body.Progression[0].Transitions[0].State)
	assert.Equal(t, "30m 0s", body.Progression[0].Transitions[0].Duration)
}

func TestRateLimitMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.RateLimit = 2
	router := srv.Router()

	var last int
	for i := 0; i < 5; i++ {
		rec := doRequest(t, router, http.MethodGet, "/health", "")
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
