package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/backend"
	"kiln/internal/events"
	"kiln/internal/handler"
	"kiln/internal/pluginctx"
	"kiln/internal/workspace"
)

func testServer(t *testing.T, token string) *Server {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register("report#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		return map[string]string{"host": string(c.Identity().Host)}, nil
	})
	reg.Register("sleep#run", func(c *pluginctx.Context, input json.RawMessage) (any, error) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-c.Done():
		}
		return "done", nil
	})

	ws, err := workspace.NewFSManager(t.TempDir())
	require.NoError(t, err)
	b := backend.NewInProcess(reg, &pluginctx.Factory{}, ws)
	return NewServer(":0", token, b, reg, events.NewHub(16))
}

func postExecute(t *testing.T, s *Server, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestExecuteEndpoint(t *testing.T) {
	s := testServer(t, "")
	rec := postExecute(t, s, "", `{
		"plugin_id": "reporter",
		"tenant_id": "acme",
		"handler_ref": "report#run"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp executionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.JSONEq(t, `{"host":"rest"}`, string(resp.Data))
}

func TestExecuteErrorStatusMapping(t *testing.T) {
	s := testServer(t, "")
	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{
			"unknown handler",
			`{"plugin_id":"reporter","tenant_id":"acme","handler_ref":"nope#run"}`,
			http.StatusNotFound, "HANDLER_NOT_FOUND",
		},
		{
			"missing fields",
			`{"handler_ref":"report#run"}`,
			http.StatusBadRequest, "VALIDATION_ERROR",
		},
		{
			"timeout",
			`{"plugin_id":"reporter","tenant_id":"acme","handler_ref":"sleep#run","timeout_ms":50}`,
			http.StatusGatewayTimeout, "TIMEOUT",
		},
		{
			"malformed body",
			`{not json`,
			http.StatusBadRequest, "VALIDATION_ERROR",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postExecute(t, s, "", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			var resp executionResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, string(resp.Error.Code))
		})
	}
}

func TestExecuteDoesNotLeakStack(t *testing.T) {
	s := testServer(t, "")
	rec := postExecute(t, s, "", `{"plugin_id":"reporter","tenant_id":"acme","handler_ref":"nope#run"}`)
	assert.NotContains(t, rec.Body.String(), `"stack"`)
}

func TestBearerAuth(t *testing.T) {
	s := testServer(t, "sekrit")
	body := `{"plugin_id":"reporter","tenant_id":"acme","handler_ref":"report#run"}`

	rec := postExecute(t, s, "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = postExecute(t, s, "wrong", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = postExecute(t, s, "sekrit", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for probes.
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	probe := httptest.NewRecorder()
	s.Router().ServeHTTP(probe, req)
	assert.Equal(t, http.StatusOK, probe.Code)
}

func TestStatsAndHandlersEndpoints(t *testing.T) {
	s := testServer(t, "")
	postExecute(t, s, "", `{"plugin_id":"reporter","tenant_id":"acme","handler_ref":"report#run"}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"completed":1`)
	assert.Contains(t, rec.Body.String(), `"uptime"`)

	req = httptest.NewRequest(http.MethodGet, "/v1/handlers", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "report#run")
}
