package chain

// NextKind 路由决策的控制流类别
type NextKind int

const (
	// NextContinue 继续执行下一个下标
	NextContinue NextKind = iota
	// NextGotoStep 跳转到指定步骤下标
	NextGotoStep
	// NextJumpChain 跳入另一条链（子链执行，输出回填本步骤）
	NextJumpChain
	// NextStop 终止本链
	NextStop
)

// NextAction 路由决策结果。
type NextAction struct {
	Kind NextKind
	// StepIndex NextGotoStep 的目标下标
	StepIndex int
	// ChainID / InputMapping NextJumpChain 的目标与输入映射
	ChainID      string
	InputMapping map[string]string
	// Reason 终止原因（NextStop）或命中说明，用于日志
	Reason string
}

// ResolveRouting 在步骤执行后评估其路由规则并决定下一步。
//
// 规则按声明顺序评估，第一条条件为真的规则生效，之后的规则不再检查；
// 每条规则的评估结果（命中与否）都追加到 result.Routing 供观测。
// 无规则命中时默认顺延，最后一个步骤则终止。
// 失败步骤同样走路由评估，规则因此有机会把失败重定向到补偿步骤。
func ResolveRouting(step *Step, result *StepResult, def *ChainDefinition, execCtx *ExecutionContext, currentIndex int) NextAction {
	matched := false
	var action NextAction

	for i := range step.Routing {
		rule := &step.Routing[i]
		trace := RoutingTrace{RuleIndex: i}

		if !matched && EvaluateCondition(&rule.Condition, execCtx.Variables) {
			matched = true
			trace.Matched = true
			trace.Action = rule.Action

			switch rule.Action {
			case ActionSkipToStep:
				trace.Target = rule.TargetStepID
				action = NextAction{
					Kind:      NextGotoStep,
					StepIndex: def.StepIndex(rule.TargetStepID),
					Reason:    "routing rule matched",
				}
			case ActionJumpToChain:
				trace.Target = rule.TargetChainID
				action = NextAction{
					Kind:         NextJumpChain,
					ChainID:      rule.TargetChainID,
					InputMapping: rule.InputMapping,
					Reason:       "routing rule matched",
				}
			case ActionStopChain:
				action = NextAction{Kind: NextStop, Reason: "stop_chain rule matched"}
			}
		}

		result.Routing = append(result.Routing, trace)
	}

	if matched {
		return action
	}

	if currentIndex+1 >= len(def.Steps) {
		return NextAction{Kind: NextStop, Reason: "end of chain"}
	}
	return NextAction{Kind: NextContinue, StepIndex: currentIndex + 1}
}
