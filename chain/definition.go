package chain

import (
	"fmt"
	"time"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// MaxChainSteps 单条链允许的最大步骤数。
// 上限用于约束链体积，防止无界递归和资源耗尽。
const MaxChainSteps = 100

// StepType 步骤变体标签
type StepType string

const (
	// StepTypeModuleCall 调用外部模块的一次操作
	StepTypeModuleCall StepType = "module_call"
	// StepTypeChainCall 递归调用另一条链
	StepTypeChainCall StepType = "chain_call"
)

// ConditionOperator 叶子条件比较操作符
type ConditionOperator string

const (
	OpEquals         ConditionOperator = "equals"
	OpNotEquals      ConditionOperator = "not_equals"
	OpContains       ConditionOperator = "contains"
	OpNotContains    ConditionOperator = "not_contains"
	OpGreaterThan    ConditionOperator = "greater_than"
	OpLessThan       ConditionOperator = "less_than"
	OpGreaterOrEqual ConditionOperator = "greater_or_equal"
	OpLessOrEqual    ConditionOperator = "less_or_equal"
	OpExists         ConditionOperator = "exists"
	OpNotExists      ConditionOperator = "not_exists"
)

// LogicOperator 条件组逻辑操作符
type LogicOperator string

const (
	LogicAnd LogicOperator = "and"
	LogicOr  LogicOperator = "or"
)

// RoutingAction 路由规则命中后的控制流动作
type RoutingAction string

const (
	// ActionSkipToStep 跳转到本链中的指定步骤
	ActionSkipToStep RoutingAction = "skip_to_step"
	// ActionJumpToChain 跳入另一条链（作为子链执行）
	ActionJumpToChain RoutingAction = "jump_to_chain"
	// ActionStopChain 终止本链执行
	ActionStopChain RoutingAction = "stop_chain"
)

// Condition 条件谓词：叶子比较或 AND/OR 条件组。
// Logic 非空时为条件组，Children 为子条件；否则为叶子，
// Field 以点号路径从执行变量中取值，与 Value 按 Operator 比较。
type Condition struct {
	Field    string            `json:"field,omitempty"`
	Operator ConditionOperator `json:"operator,omitempty"`
	Value    any               `json:"value,omitempty"`

	Logic    LogicOperator `json:"logic,omitempty"`
	Children []Condition   `json:"children,omitempty"`
}

// IsGroup reports whether the condition is an AND/OR group.
func (c *Condition) IsGroup() bool {
	return c.Logic != ""
}

// RoutingRule 步骤执行后按声明顺序评估的条件分支。
type RoutingRule struct {
	Condition Condition     `json:"condition"`
	Action    RoutingAction `json:"action"`
	// TargetStepID skip_to_step 的目标步骤
	TargetStepID string `json:"target_step,omitempty"`
	// TargetChainID jump_to_chain 的目标链
	TargetChainID string `json:"target_chain,omitempty"`
	// InputMapping jump_to_chain 时子链输入的点号路径映射
	InputMapping map[string]string `json:"input_mapping,omitempty"`
}

// ModuleCall 外部模块调用步骤的载荷
type ModuleCall struct {
	Target    string         `json:"target"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// ChainCall 子链调用步骤的载荷
type ChainCall struct {
	TargetChainID string `json:"target_chain"`
	// InputMapping 子链输入键 → 父链变量的点号路径
	InputMapping map[string]string `json:"input_mapping,omitempty"`
}

// Step 链中的一个工作单元。
// Type 决定生效的变体载荷：module_call 使用 Module，chain_call 使用 Chain。
// 变体在定义加载时校验，执行期不再做动态分发检查。
type Step struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Type StepType `json:"type"`

	Module *ModuleCall `json:"module,omitempty"`
	Chain  *ChainCall  `json:"chain,omitempty"`

	// Timeout 单步超时；零值使用引擎默认
	Timeout time.Duration `json:"timeout,omitempty"`
	// RetryCount 失败后的最大重试次数；负值视为 0，零值使用默认（3）
	RetryCount *int `json:"retry_count,omitempty"`
	// RetryDelay 首次重试延迟，之后指数退避
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
	// ContinueOnError 重试耗尽后继续执行后续路由而不是中止整条链
	ContinueOnError bool `json:"continue_on_error,omitempty"`
	// Condition 跳过谓词：评估为 false 时本步骤标记为 skipped
	Condition *Condition `json:"condition,omitempty"`
	// Routing 步骤完成后按序评估的路由规则
	Routing []RoutingRule `json:"routing,omitempty"`
}

// DisplayName returns the step name, falling back to its id.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ChainDefinition 一条可复用自动化链的不可变定义。
type ChainDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Steps []Step `json:"steps"`

	// OutputTemplate 结果键 → 最终变量的点号路径；
	// 为空时 ExecutionResult.Output 直接携带全部变量。
	OutputTemplate map[string]string `json:"output,omitempty"`
}

// StepIndex returns the index of the step with the given id, or -1.
func (d *ChainDefinition) StepIndex(stepID string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// Validate 校验链定义。收集全部问题而不是首错即返，
// 返回的错误均为 types.ErrValidation。
func (d *ChainDefinition) Validate() []error {
	var errs []error

	if d.ID == "" {
		errs = append(errs, types.NewValidationError("chain id is required"))
	}
	if len(d.Steps) == 0 {
		errs = append(errs, types.NewValidationError("chain must have at least one step"))
	}
	if len(d.Steps) > MaxChainSteps {
		errs = append(errs, types.NewValidationError(
			fmt.Sprintf("chain has %d steps, maximum is %d", len(d.Steps), MaxChainSteps)))
	}

	stepIDs := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			errs = append(errs, types.NewValidationError(fmt.Sprintf("step %d: id is required", i)))
			continue
		}
		if stepIDs[step.ID] {
			errs = append(errs, types.NewValidationError(fmt.Sprintf("duplicate step id: %s", step.ID)))
		}
		stepIDs[step.ID] = true
		errs = append(errs, validateStep(step)...)
	}

	// 路由目标必须引用已存在的步骤
	for i := range d.Steps {
		step := &d.Steps[i]
		for j := range step.Routing {
			rule := &step.Routing[j]
			errs = append(errs, validateRule(step.ID, j, rule, stepIDs)...)
		}
		if step.Condition != nil {
			errs = append(errs, validateCondition(step.ID, step.Condition)...)
		}
	}

	return errs
}

func validateStep(step *Step) []error {
	var errs []error

	switch step.Type {
	case StepTypeModuleCall:
		if step.Module == nil {
			errs = append(errs, types.NewValidationError(
				fmt.Sprintf("step %s: module_call step requires module payload", step.ID)))
		} else {
			if step.Module.Target == "" {
				errs = append(errs, types.NewValidationError(
					fmt.Sprintf("step %s: module target is required", step.ID)))
			}
			if step.Module.Operation == "" {
				errs = append(errs, types.NewValidationError(
					fmt.Sprintf("step %s: module operation is required", step.ID)))
			}
		}
		if step.Chain != nil {
			errs = append(errs, types.NewValidationError(
				fmt.Sprintf("step %s: module_call step must not carry chain payload", step.ID)))
		}
	case StepTypeChainCall:
		if step.Chain == nil || step.Chain.TargetChainID == "" {
			errs = append(errs, types.NewValidationError(
				fmt.Sprintf("step %s: chain_call step requires target chain id", step.ID)))
		}
		if step.Module != nil {
			errs = append(errs, types.NewValidationError(
				fmt.Sprintf("step %s: chain_call step must not carry module payload", step.ID)))
		}
	default:
		errs = append(errs, types.NewValidationError(
			fmt.Sprintf("step %s: invalid step type %q", step.ID, step.Type)))
	}

	if step.RetryCount != nil && *step.RetryCount < 0 {
		errs = append(errs, types.NewValidationError(
			fmt.Sprintf("step %s: retry_count must not be negative", step.ID)))
	}
	if step.RetryDelay < 0 {
		errs = append(errs, types.NewValidationError(
			fmt.Sprintf("step %s: retry_delay must not be negative", step.ID)))
	}
	if step.Timeout < 0 {
		errs = append(errs, types.NewValidationError(
			fmt.Sprintf("step %s: timeout must not be negative", step.ID)))
	}

	return errs
}

func validateRule(stepID string, idx int, rule *RoutingRule, stepIDs map[string]bool) []error {
	var errs []error

	switch rule.Action {
	case ActionSkipToStep:
		if rule.TargetStepID == "" {
			errs = append(errs, types.NewValidationError(
				fmt.Sprintf("step %s rule %d: skip_to_step requires target_step", stepID, idx)))
		} else if !stepIDs[rule.TargetStepID] {
			errs = append(errs, types.NewValidationError(
				fmt.Sprintf("step %s rule %d: target step %q does not exist", stepID, idx, rule.TargetStepID)))
		}
	case ActionJumpToChain:
		if rule.TargetChainID == "" {
			errs = append(errs, types.NewValidationError(
				fmt.Sprintf("step %s rule %d: jump_to_chain requires target_chain", stepID, idx)))
		}
	case ActionStopChain:
		// no target
	default:
		errs = append(errs, types.NewValidationError(
			fmt.Sprintf("step %s rule %d: invalid routing action %q", stepID, idx, rule.Action)))
	}

	errs = append(errs, validateCondition(stepID, &rule.Condition)...)
	return errs
}

func validateCondition(stepID string, cond *Condition) []error {
	var errs []error

	if cond.IsGroup() {
		if cond.Logic != LogicAnd && cond.Logic != LogicOr {
			errs = append(errs, types.NewValidationError(
				fmt.Sprintf("step %s: invalid logic operator %q", stepID, cond.Logic)))
		}
		for i := range cond.Children {
			errs = append(errs, validateCondition(stepID, &cond.Children[i])...)
		}
		return errs
	}

	switch cond.Operator {
	case OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual,
		OpExists, OpNotExists:
	default:
		errs = append(errs, types.NewValidationError(
			fmt.Sprintf("step %s: invalid condition operator %q", stepID, cond.Operator)))
	}
	if cond.Field == "" {
		errs = append(errs, types.NewValidationError(
			fmt.Sprintf("step %s: condition field is required", stepID)))
	}

	return errs
}
