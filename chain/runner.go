package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// StepObserver receives step completion notifications during a run.
// The supervisor wires its event bus through this; the runner never
// blocks on observer behavior.
type StepObserver interface {
	OnStepCompleted(executionID string, result StepResult)
}

// RunnerConfig configures the chain runner.
type RunnerConfig struct {
	// DefaultRetry applies to steps without explicit retry settings.
	DefaultRetry RetryPolicy
	// MaxRetryCeiling caps any step's retry count chain-wide; 0 = no cap.
	MaxRetryCeiling int `json:"max_retry_ceiling" yaml:"max_retry_ceiling"`
	// MaxRecursionDepth bounds sub-chain nesting to break chain cycles.
	MaxRecursionDepth int `json:"max_recursion_depth" yaml:"max_recursion_depth"`
	// ChainTimeout aborts a whole run regardless of per-step state; 0 = none.
	ChainTimeout time.Duration `json:"chain_timeout" yaml:"chain_timeout"`
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DefaultRetry:      DefaultRetryPolicy(),
		MaxRecursionDepth: 5,
	}
}

// Runner drives the step-by-step execution loop of one chain:
// pick step → invoke (via retry controller) → record result →
// resolve routing → continue/jump/stop. Sub-chain steps recurse with a
// bounded depth carried on the ExecutionContext.
type Runner struct {
	registry    *Registry
	invoker     *Invoker
	checkpoints *CheckpointManager // optional
	observer    StepObserver       // optional
	config      RunnerConfig
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewRunner creates a chain runner.
func NewRunner(registry *Registry, invoker *Invoker, checkpoints *CheckpointManager, config RunnerConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRecursionDepth <= 0 {
		config.MaxRecursionDepth = 5
	}
	return &Runner{
		registry:    registry,
		invoker:     invoker,
		checkpoints: checkpoints,
		config:      config,
		logger:      logger.With(zap.String("component", "runner")),
		tracer:      otel.Tracer("exnihilo/chain"),
	}
}

// SetObserver attaches a step observer. Must be called before Run.
func (r *Runner) SetObserver(observer StepObserver) {
	r.observer = observer
}

// Run executes a chain from its first step.
func (r *Runner) Run(ctx context.Context, def *ChainDefinition, execCtx *ExecutionContext) *ExecutionResult {
	return r.run(ctx, def, execCtx, 0, nil)
}

// Resume re-enters a checkpointed execution at its saved next index.
// Completed steps are not re-run.
func (r *Runner) Resume(ctx context.Context, cp *Checkpoint) *ExecutionResult {
	def, ok := r.registry.Get(cp.Context.ChainID)
	if !ok {
		return r.failedResult(cp.Context, cp.Results, types.NewChainNotFoundError(cp.Context.ChainID))
	}
	r.logger.Info("resuming execution from checkpoint",
		zap.String("execution_id", cp.ExecutionID),
		zap.String("chain_id", cp.Context.ChainID),
		zap.Int("next_index", cp.NextIndex),
		zap.Int("completed_steps", len(cp.Results)),
	)
	return r.run(ctx, def, cp.Context, cp.NextIndex, cp.Results)
}

func (r *Runner) run(parent context.Context, def *ChainDefinition, execCtx *ExecutionContext, startIndex int, prior []StepResult) *ExecutionResult {
	if execCtx.Depth > r.config.MaxRecursionDepth {
		return r.failedResult(execCtx, prior, types.NewMaxRecursionDepthError(execCtx.Depth))
	}

	ctx := parent
	var cancel context.CancelFunc
	if r.config.ChainTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.config.ChainTimeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "chain.run",
		trace.WithAttributes(
			attribute.String("chain.id", def.ID),
			attribute.String("execution.id", execCtx.ExecutionID),
			attribute.Int("execution.depth", execCtx.Depth),
		))
	defer span.End()

	result := &ExecutionResult{
		ExecutionID: execCtx.ExecutionID,
		ChainID:     def.ID,
		Status:      ExecutionRunning,
		Steps:       append([]StepResult(nil), prior...),
		StartedAt:   time.Now(),
	}

	r.logger.Info("starting chain execution",
		zap.String("execution_id", execCtx.ExecutionID),
		zap.String("chain_id", def.ID),
		zap.Int("start_index", startIndex),
	)

	index := startIndex
	var halt error

	for index >= 0 && index < len(def.Steps) {
		if err := ctx.Err(); err != nil {
			return r.finish(parent, result, execCtx, r.abortStatus(ctx, parent), err)
		}

		step := &def.Steps[index]

		// Skip predicate: a false condition yields a skipped StepResult
		// and control moves to the next index without routing.
		if step.Condition != nil && !EvaluateCondition(step.Condition, execCtx.Variables) {
			skipped := StepResult{
				StepID:      step.ID,
				Name:        step.DisplayName(),
				Status:      StepSkipped,
				StartedAt:   time.Now(),
				CompletedAt: time.Now(),
			}
			result.Steps = append(result.Steps, skipped)
			r.commit(ctx, execCtx, index+1, result.Steps)
			r.notify(execCtx.ExecutionID, skipped)
			r.logger.Debug("step skipped by condition",
				zap.String("execution_id", execCtx.ExecutionID),
				zap.String("step_id", step.ID))
			index++
			continue
		}

		stepResult := r.runStep(ctx, def, step, execCtx)

		if stepResult.Status == StepCompleted {
			execCtx.SetStepOutput(step.ID, stepResult.Output)
		}

		// Abort mid-step: the step never committed, no routing.
		if ctx.Err() != nil && stepResult.Status == StepFailed {
			return r.finish(parent, result, execCtx, r.abortStatus(ctx, parent), errors.New(stepResult.Error))
		}

		failed := stepResult.Status == StepFailed
		if failed && !step.ContinueOnError {
			halt = fmt.Errorf("step %s failed: %s", step.ID, stepResult.Error)
		}

		// Routing is always evaluated after a step runs, success or
		// failure. On a halting failure the rules still get a chance
		// to redirect before the chain gives up.
		next := ResolveRouting(step, &stepResult, def, execCtx, index)

		result.Steps = append(result.Steps, stepResult)
		r.commit(ctx, execCtx, nextIndexHint(next, index, len(def.Steps)), result.Steps)
		r.notify(execCtx.ExecutionID, stepResult)

		if halt != nil {
			switch next.Kind {
			case NextGotoStep, NextJumpChain:
				// A matched redirect contains the failure.
				halt = nil
			default:
				return r.finish(parent, result, execCtx, ExecutionFailed, halt)
			}
		}

		switch next.Kind {
		case NextContinue, NextGotoStep:
			index = next.StepIndex
		case NextJumpChain:
			jumpResult, err := r.runSubChain(ctx, next.ChainID, next.InputMapping, execCtx)
			if err != nil {
				return r.finish(parent, result, execCtx, ExecutionFailed, err)
			}
			execCtx.Variables[fmt.Sprintf("chain_%s_output", next.ChainID)] = jumpResult.Output
			if jumpResult.Status != ExecutionCompleted {
				return r.finish(parent, result, execCtx, ExecutionFailed,
					fmt.Errorf("jumped chain %s finished with status %s", next.ChainID, jumpResult.Status))
			}
			index++
		case NextStop:
			r.logger.Debug("chain stopped by routing",
				zap.String("execution_id", execCtx.ExecutionID),
				zap.String("reason", next.Reason))
			return r.finish(parent, result, execCtx, ExecutionCompleted, nil)
		}
	}

	return r.finish(parent, result, execCtx, ExecutionCompleted, nil)
}

// runStep executes one step, including retries for module calls and
// recursion for chain calls.
func (r *Runner) runStep(ctx context.Context, def *ChainDefinition, step *Step, execCtx *ExecutionContext) StepResult {
	ctx, span := r.tracer.Start(ctx, "chain.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.type", string(step.Type)),
		))
	defer span.End()

	result := StepResult{
		StepID:    step.ID,
		Name:      step.DisplayName(),
		Status:    StepRunning,
		StartedAt: time.Now(),
	}

	var output any
	var err error

	switch step.Type {
	case StepTypeModuleCall:
		output, err = r.runModuleStep(ctx, step, execCtx, &result)
	case StepTypeChainCall:
		output, err = r.runChainStep(ctx, step, execCtx)
	default:
		// Unreachable for validated definitions.
		err = types.NewValidationError(fmt.Sprintf("step %s: unknown type %q", step.ID, step.Type))
	}

	result.CompletedAt = time.Now()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()

	if err != nil {
		result.Status = StepFailed
		result.Error = err.Error()
		r.logger.Warn("step failed",
			zap.String("execution_id", execCtx.ExecutionID),
			zap.String("step_id", step.ID),
			zap.Int("retries", result.RetryCount),
			zap.Error(err))
		return result
	}

	result.Status = StepCompleted
	result.Output = output
	r.logger.Debug("step completed",
		zap.String("execution_id", execCtx.ExecutionID),
		zap.String("step_id", step.ID),
		zap.Int64("duration_ms", result.DurationMs))
	return result
}

func (r *Runner) runModuleStep(ctx context.Context, step *Step, execCtx *ExecutionContext, result *StepResult) (any, error) {
	policy := policyForStep(step, r.config.DefaultRetry, r.config.MaxRetryCeiling)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		result.Status = StepRetrying
		result.RetryCount = attempt
	}

	retryer := NewRetryer(policy, r.logger)
	output, attempts, err := retryer.Do(ctx, func(attempt int) (any, error) {
		return r.invoker.Invoke(ctx, step, execCtx)
	})
	if attempts > 0 {
		result.RetryCount = attempts - 1
	}
	return output, err
}

func (r *Runner) runChainStep(ctx context.Context, step *Step, execCtx *ExecutionContext) (any, error) {
	sub, err := r.runSubChain(ctx, step.Chain.TargetChainID, step.Chain.InputMapping, execCtx)
	if err != nil {
		return nil, err
	}
	if sub.Status != ExecutionCompleted {
		return nil, types.NewError(types.ErrExternalCall,
			fmt.Sprintf("sub-chain %s finished with status %s", step.Chain.TargetChainID, sub.Status)).
			WithRetryable(false).
			WithCause(errors.New(sub.Error))
	}
	return sub.Output, nil
}

// runSubChain creates a nested execution seeded from inputMapping resolved
// against the parent's variables. The parent blocks until the sub-chain's
// result is available.
func (r *Runner) runSubChain(ctx context.Context, chainID string, inputMapping map[string]string, parent *ExecutionContext) (*ExecutionResult, error) {
	if parent.Depth+1 > r.config.MaxRecursionDepth {
		return nil, types.NewMaxRecursionDepthError(parent.Depth + 1)
	}

	def, ok := r.registry.Get(chainID)
	if !ok {
		return nil, types.NewChainNotFoundError(chainID)
	}

	input := make(map[string]any, len(inputMapping))
	for key, path := range inputMapping {
		if v, found := LookupPath(parent.Variables, path); found {
			input[key] = v
		}
	}

	subCtx := NewExecutionContext(
		fmt.Sprintf("%s-sub-%s", parent.ExecutionID, uuid.NewString()[:8]),
		chainID,
		parent.TriggerID,
		input,
		parent.Env,
	)
	subCtx.Depth = parent.Depth + 1

	r.logger.Info("invoking sub-chain",
		zap.String("parent_execution_id", parent.ExecutionID),
		zap.String("sub_execution_id", subCtx.ExecutionID),
		zap.String("chain_id", chainID),
		zap.Int("depth", subCtx.Depth))

	return r.run(ctx, def, subCtx, 0, nil), nil
}

// commit persists a checkpoint after a step result is recorded.
// Checkpoint failures are logged, not fatal to the execution.
func (r *Runner) commit(ctx context.Context, execCtx *ExecutionContext, nextIndex int, results []StepResult) {
	if r.checkpoints == nil {
		return
	}
	// 检查点要在链超时/取消后依然写得出去，用独立的短超时上下文
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.checkpoints.Save(saveCtx, execCtx, nextIndex, results); err != nil {
		r.logger.Error("failed to save checkpoint",
			zap.String("execution_id", execCtx.ExecutionID),
			zap.Error(err))
	}
}

func (r *Runner) notify(executionID string, result StepResult) {
	if r.observer != nil {
		r.observer.OnStepCompleted(executionID, result)
	}
}

// finish stamps the result terminal and clears the checkpoint when the
// chain ran to a verdict. Cancelled and timed-out executions keep their
// checkpoint: the committed steps are the historical record, and the
// checkpoint is the resume candidate.
func (r *Runner) finish(ctx context.Context, result *ExecutionResult, execCtx *ExecutionContext, status ExecutionStatus, cause error) *ExecutionResult {
	result.Status = status
	result.CompletedAt = time.Now()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	if cause != nil {
		result.Error = cause.Error()
	}
	if status == ExecutionCompleted {
		def, ok := r.registry.Get(result.ChainID)
		if ok {
			result.Output = ProjectOutput(def.OutputTemplate, execCtx.Variables)
		} else {
			result.Output = execCtx.Variables
		}
	}

	if (status == ExecutionCompleted || status == ExecutionFailed) && r.checkpoints != nil {
		deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.checkpoints.Delete(deleteCtx, result.ExecutionID); err != nil {
			r.logger.Error("failed to delete checkpoint",
				zap.String("execution_id", result.ExecutionID),
				zap.Error(err))
		}
	}

	r.logger.Info("chain execution finished",
		zap.String("execution_id", result.ExecutionID),
		zap.String("chain_id", result.ChainID),
		zap.String("status", string(status)),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Int("steps", len(result.Steps)))

	return result
}

// failedResult builds a terminal failed result without entering the loop.
func (r *Runner) failedResult(execCtx *ExecutionContext, prior []StepResult, cause error) *ExecutionResult {
	now := time.Now()
	return &ExecutionResult{
		ExecutionID: execCtx.ExecutionID,
		ChainID:     execCtx.ChainID,
		Status:      ExecutionFailed,
		Steps:       append([]StepResult(nil), prior...),
		StartedAt:   now,
		CompletedAt: now,
		Error:       cause.Error(),
	}
}

// abortStatus distinguishes chain timeout from external cancellation.
func (r *Runner) abortStatus(ctx, parent context.Context) ExecutionStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return ExecutionTimeout
	}
	return ExecutionCancelled
}

// nextIndexHint computes the checkpointed next index for a routing action.
func nextIndexHint(next NextAction, current, total int) int {
	switch next.Kind {
	case NextGotoStep:
		return next.StepIndex
	case NextStop:
		return total
	default:
		return current + 1
	}
}
