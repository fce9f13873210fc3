package exnihilo

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QoobSweet/ex-nihilo-sub000/chain"
	"github.com/QoobSweet/ex-nihilo-sub000/config"
	"github.com/QoobSweet/ex-nihilo-sub000/testutil"
)

const greetChainYAML = `
id: greet
name: Greeting
steps:
  - id: step_hello
    type: module_call
    module:
      target: greeter
      operation: hello
      params:
        name: world
output:
  message: "$.step_hello_output.message"
`

func echoExecutor() chain.ModuleExecutor {
	return chain.ModuleExecutorFunc(func(ctx context.Context, req chain.ModuleRequest) (chain.ModuleResponse, error) {
		return chain.ModuleResponse{Success: true, Output: map[string]any{"message": "hello " + req.Target}}, nil
	})
}

func testEngineConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.RetryInitialDelay = time.Millisecond
	cfg.Checkpoint.Backend = "memory"
	cfg.Checkpoint.Key = "4242424242424242424242424242424242424242424242424242424242424242"
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := New(echoExecutor(),
		WithConfig(cfg),
		WithPrometheusRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNew_RequiresExecutor(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestEngine_LoadChainsAndExecute(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Chains.Dir = testutil.TempChainDir(t, map[string]string{
		"greet": greetChainYAML,
	})

	eng := newTestEngine(t, cfg)
	require.NoError(t, eng.LoadChains())

	_, ok := eng.Registry().Get("greet")
	require.True(t, ok)

	execID, err := eng.Enqueue(chain.ExecutionRequest{ChainID: "greet"})
	require.NoError(t, err)

	testutil.AssertEventuallyTrue(t, func() bool {
		result, ok := eng.Supervisor().Result(execID)
		return ok && result.Status == chain.ExecutionCompleted
	}, 5*time.Second)

	result, ok := eng.Supervisor().Result(execID)
	require.True(t, ok)
	assert.Equal(t, "hello greeter", result.Output["message"])
}

func TestEngine_UnknownChainRejected(t *testing.T) {
	eng := newTestEngine(t, testEngineConfig())

	_, err := eng.Enqueue(chain.ExecutionRequest{ChainID: "ghost"})
	assert.Error(t, err)
}

func TestNew_CheckpointEnabledWithoutKey(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Checkpoint.Key = ""

	_, err := New(echoExecutor(),
		WithConfig(cfg),
		WithPrometheusRegisterer(prometheus.NewRegistry()),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no encryption key")
}

func TestNew_CheckpointKeyNotHex(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Checkpoint.Key = "zz"

	_, err := New(echoExecutor(),
		WithConfig(cfg),
		WithPrometheusRegisterer(prometheus.NewRegistry()),
	)
	assert.Error(t, err)
}

func TestNew_UnknownCheckpointBackend(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Checkpoint.Backend = "carrier-pigeon"

	_, err := New(echoExecutor(),
		WithConfig(cfg),
		WithPrometheusRegisterer(prometheus.NewRegistry()),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown checkpoint backend")
}

func TestNew_FileBackend(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Checkpoint.Backend = "file"
	cfg.Checkpoint.Dir = t.TempDir()

	eng, err := New(echoExecutor(),
		WithConfig(cfg),
		WithPrometheusRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.NoError(t, eng.Close())
}

func TestNew_CheckpointDisabledNeedsNoKey(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Checkpoint.Enabled = false
	cfg.Checkpoint.Key = ""

	eng, err := New(echoExecutor(),
		WithConfig(cfg),
		WithPrometheusRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.NoError(t, eng.Close())
}
