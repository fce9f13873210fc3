package chain

import (
	"fmt"
	"time"
)

// StepStatus 单步执行状态
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ExecutionStatus 整条链执行状态
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// ExecutionContext 一次链执行的可变上下文。
// 变量在运行期单调追加（单写者：同一时刻只有一个在途步骤写入），
// 检查点以 JSON 语义序列化，因此字段均为可序列化类型。
type ExecutionContext struct {
	ExecutionID string `json:"execution_id" msgpack:"execution_id"`
	ChainID     string `json:"chain_id" msgpack:"chain_id"`
	// TriggerID 发起执行的触发/工作流实例标识，
	// Supervisor 以它保证同实例串行执行。
	TriggerID string         `json:"trigger_id,omitempty" msgpack:"trigger_id"`
	Input     map[string]any `json:"input,omitempty" msgpack:"input"`
	// Variables 以 step_<id>_output 为键累积各步骤输出
	Variables map[string]any    `json:"variables" msgpack:"variables"`
	Env       map[string]string `json:"env,omitempty" msgpack:"env"`
	// Depth 子链递归深度，由 Runner 在每次进入时检查
	Depth int `json:"depth" msgpack:"depth"`
}

// NewExecutionContext creates a context seeded with the trigger input.
func NewExecutionContext(executionID, chainID, triggerID string, input map[string]any, env map[string]string) *ExecutionContext {
	vars := make(map[string]any, len(input)+4)
	if input != nil {
		vars["input"] = input
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		ChainID:     chainID,
		TriggerID:   triggerID,
		Input:       input,
		Variables:   vars,
		Env:         env,
	}
}

// StepOutputKey returns the variables key a step's output is stored under.
func StepOutputKey(stepID string) string {
	return fmt.Sprintf("step_%s_output", stepID)
}

// SetStepOutput appends a step's output to the variables map.
func (c *ExecutionContext) SetStepOutput(stepID string, output any) {
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.Variables[StepOutputKey(stepID)] = output
}

// RoutingTrace 一条路由规则的评估记录，命中与否都会保留。
type RoutingTrace struct {
	RuleIndex int           `json:"rule_index" msgpack:"rule_index"`
	Matched   bool          `json:"matched" msgpack:"matched"`
	Action    RoutingAction `json:"action,omitempty" msgpack:"action"`
	Target    string        `json:"target,omitempty" msgpack:"target"`
}

// StepResult 一个步骤的执行结果。
type StepResult struct {
	StepID      string     `json:"step_id" msgpack:"step_id"`
	Name        string     `json:"name,omitempty" msgpack:"name"`
	Status      StepStatus `json:"status" msgpack:"status"`
	StartedAt   time.Time  `json:"started_at" msgpack:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty" msgpack:"completed_at"`
	DurationMs  int64      `json:"duration_ms" msgpack:"duration_ms"`
	Output      any        `json:"output,omitempty" msgpack:"output"`
	Error       string     `json:"error,omitempty" msgpack:"error"`
	RetryCount  int        `json:"retry_count" msgpack:"retry_count"`
	// Routing 路由评估轨迹（可观测性）
	Routing []RoutingTrace `json:"routing,omitempty" msgpack:"routing"`
}

// ExecutionResult 一次链执行的最终结果。
type ExecutionResult struct {
	ExecutionID string          `json:"execution_id" msgpack:"execution_id"`
	ChainID     string          `json:"chain_id" msgpack:"chain_id"`
	Status      ExecutionStatus `json:"status" msgpack:"status"`
	// Steps 严格按执行顺序排列；路由可以跳过下标但不会乱序
	Steps       []StepResult   `json:"steps" msgpack:"steps"`
	StartedAt   time.Time      `json:"started_at" msgpack:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty" msgpack:"completed_at"`
	DurationMs  int64          `json:"duration_ms" msgpack:"duration_ms"`
	Output      map[string]any `json:"output,omitempty" msgpack:"output"`
	Error       string         `json:"error,omitempty" msgpack:"error"`
}

// ProjectOutput 按输出模板把最终变量投影为结果对象。
// 模板为空时返回全部变量；引用的路径缺失时省略该键。
func ProjectOutput(template map[string]string, variables map[string]any) map[string]any {
	if len(template) == 0 {
		return variables
	}
	out := make(map[string]any, len(template))
	for key, path := range template {
		if v, ok := LookupPath(variables, path); ok {
			out[key] = v
		}
	}
	return out
}
