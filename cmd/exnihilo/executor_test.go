package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
	"github.com/QoobSweet/ex-nihilo-sub000/config"
	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

func TestHTTPModuleExecutor_Success(t *testing.T) {
	var gotPath string
	var gotReq chain.ModuleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(chain.ModuleResponse{
			Success: true,
			Output:  map[string]any{"sha": "abc123"},
		})
	}))
	defer srv.Close()

	exec := newHTTPModuleExecutor(config.ModulesConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))

	resp, err := exec.ExecuteModule(t.Context(), chain.ModuleRequest{
		Target:    "git",
		Operation: "commit",
		Params:    map[string]any{"message": "update"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/modules/git/commit", gotPath)
	assert.Equal(t, "git", gotReq.Target)
	assert.True(t, resp.Success)
	output, ok := resp.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc123", output["sha"])
}

func TestHTTPModuleExecutor_EndpointOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chain.ModuleResponse{Success: true})
	}))
	defer srv.Close()

	exec := newHTTPModuleExecutor(config.ModulesConfig{
		BaseURL:   "http://unreachable.invalid",
		Endpoints: map[string]string{"notify": srv.URL},
	}, zaptest.NewLogger(t))

	_, err := exec.ExecuteModule(t.Context(), chain.ModuleRequest{Target: "notify", Operation: "send"})
	assert.NoError(t, err)
}

func TestHTTPModuleExecutor_Non2xxIsExternalCallError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "module exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	exec := newHTTPModuleExecutor(config.ModulesConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))

	_, err := exec.ExecuteModule(t.Context(), chain.ModuleRequest{Target: "flaky", Operation: "run"})
	require.Error(t, err)

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrExternalCall, typed.Code)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPModuleExecutor_ConnectionRefused(t *testing.T) {
	exec := newHTTPModuleExecutor(config.ModulesConfig{BaseURL: "http://127.0.0.1:1"}, zaptest.NewLogger(t))

	_, err := exec.ExecuteModule(t.Context(), chain.ModuleRequest{Target: "gone", Operation: "run"})
	require.Error(t, err)

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrExternalCall, typed.Code)
}

func TestHTTPModuleExecutor_NoEndpointConfigured(t *testing.T) {
	exec := newHTTPModuleExecutor(config.ModulesConfig{}, zaptest.NewLogger(t))

	_, err := exec.ExecuteModule(t.Context(), chain.ModuleRequest{Target: "x", Operation: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint configured")
}

func TestHTTPModuleExecutor_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	exec := newHTTPModuleExecutor(config.ModulesConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))

	_, err := exec.ExecuteModule(t.Context(), chain.ModuleRequest{Target: "x", Operation: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode module response")
}
