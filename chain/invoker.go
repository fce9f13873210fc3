package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// ModuleRequest is the dispatch payload sent to an external module executor.
type ModuleRequest struct {
	Target    string         `json:"target"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int64          `json:"timeoutMs"`
	// Env carries execution environment overrides for the collaborator.
	Env map[string]string `json:"env,omitempty"`
}

// ModuleResponse is the result reported by an external module executor.
type ModuleResponse struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ModuleExecutor fulfils module_call steps. Implementations are external
// collaborators (HTTP/LLM clients, git operations, webhook responders).
type ModuleExecutor interface {
	ExecuteModule(ctx context.Context, req ModuleRequest) (ModuleResponse, error)
}

// ModuleExecutorFunc adapts a function to the ModuleExecutor interface.
type ModuleExecutorFunc func(ctx context.Context, req ModuleRequest) (ModuleResponse, error)

func (f ModuleExecutorFunc) ExecuteModule(ctx context.Context, req ModuleRequest) (ModuleResponse, error) {
	return f(ctx, req)
}

// InvokerConfig configures the step invoker.
type InvokerConfig struct {
	// DefaultTimeout applies when a step declares no timeout.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	// RatePerTarget caps calls per second per dependency key; 0 disables.
	RatePerTarget float64 `json:"rate_per_target" yaml:"rate_per_target"`
	// RateBurst is the limiter burst size when rate limiting is enabled.
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`
}

// DefaultInvokerConfig returns sensible defaults.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		DefaultTimeout: 60 * time.Second,
		RatePerTarget:  0,
		RateBurst:      1,
	}
}

// Invoker executes a single module_call attempt: circuit breaker consult,
// optional per-target rate limiting, then the external call under the
// step timeout. Each attempt's outcome is reported back to the breaker.
type Invoker struct {
	executor ModuleExecutor
	breakers *BreakerRegistry
	config   InvokerConfig
	logger   *zap.Logger

	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewInvoker creates a step invoker.
func NewInvoker(executor ModuleExecutor, breakers *BreakerRegistry, config InvokerConfig, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	return &Invoker{
		executor: executor,
		breakers: breakers,
		config:   config,
		logger:   logger.With(zap.String("component", "invoker")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Invoke performs one attempt of a module_call step.
// An open breaker fails immediately with CIRCUIT_OPEN and no external call.
func (inv *Invoker) Invoke(ctx context.Context, step *Step, execCtx *ExecutionContext) (any, error) {
	target := step.Module.Target

	breaker := inv.breakers.GetOrCreate(target)
	if err := breaker.AllowRequest(); err != nil {
		inv.logger.Debug("circuit open, rejecting step attempt",
			zap.String("step_id", step.ID),
			zap.String("target", target))
		return nil, err
	}

	if limiter := inv.limiterFor(target); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrRateLimited, "rate limiter wait aborted").
				WithRetryable(true).
				WithTarget(target).
				WithCause(err)
		}
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = inv.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := ModuleRequest{
		Target:    target,
		Operation: step.Module.Operation,
		Params:    resolveParams(step.Module.Params, execCtx.Variables),
		TimeoutMs: timeout.Milliseconds(),
		Env:       execCtx.Env,
	}

	resp, err := inv.executor.ExecuteModule(callCtx, req)
	if err != nil {
		// 父上下文取消不算依赖故障，不计入熔断，避免操作员取消把
		// 健康依赖的熔断器打开
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrExecutionCancelled, "step invocation cancelled").WithCause(ctx.Err())
		}
		breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, types.NewStepTimeoutError(step.ID, err)
		}
		return nil, types.NewExternalCallError(target, err)
	}
	if !resp.Success {
		breaker.RecordFailure()
		return nil, types.NewExternalCallError(target, errors.New(resp.Error))
	}

	breaker.RecordSuccess()
	return resp.Output, nil
}

// limiterFor returns the per-target rate limiter, creating it lazily.
func (inv *Invoker) limiterFor(target string) *rate.Limiter {
	if inv.config.RatePerTarget <= 0 {
		return nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	limiter, ok := inv.limiters[target]
	if !ok {
		burst := inv.config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(inv.config.RatePerTarget), burst)
		inv.limiters[target] = limiter
	}
	return limiter
}

// resolveParams substitutes "$.path.to.value" string params with the value
// looked up from the execution variables. Non-string and non-reference
// params pass through untouched.
func resolveParams(params map[string]any, variables map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		if ref, ok := v.(string); ok && len(ref) > 2 && ref[0] == '$' && ref[1] == '.' {
			if val, found := LookupPath(variables, ref[2:]); found {
				resolved[k] = val
				continue
			}
		}
		resolved[k] = v
	}
	return resolved
}
