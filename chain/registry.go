package chain

import (
	"fmt"
	"sync"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// Registry 链定义注册表。
// Runner 通过它解析 jump_to_chain 与子链步骤的目标。
type Registry struct {
	chains map[string]*ChainDefinition
	mu     sync.RWMutex
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string]*ChainDefinition)}
}

// Register 校验并注册一条链定义；定义无效时拒绝注册。
func (r *Registry) Register(def *ChainDefinition) error {
	if def == nil {
		return types.NewValidationError("chain definition is nil")
	}
	if errs := def.Validate(); len(errs) > 0 {
		return types.NewValidationError(fmt.Sprintf("chain %s: %v", def.ID, errs))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[def.ID] = def
	return nil
}

// Get 按 id 查找链定义
func (r *Registry) Get(chainID string) (*ChainDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.chains[chainID]
	return def, ok
}

// IDs 返回全部已注册链 id
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}

// ReplaceAll 用另一注册表的内容整体替换当前内容。
// 用于链定义目录重载后的原子切换，避免部分更新的中间态被执行到。
func (r *Registry) ReplaceAll(other *Registry) {
	other.mu.RLock()
	next := make(map[string]*ChainDefinition, len(other.chains))
	for id, def := range other.chains {
		next[id] = def
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.chains = next
	r.mu.Unlock()
}

// ValidateReferences 检查全部跨链引用（jump_to_chain、chain_call）
// 都指向已注册的链。应在注册完成后、首次执行前调用。
func (r *Registry) ValidateReferences() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, def := range r.chains {
		for i := range def.Steps {
			step := &def.Steps[i]
			if step.Type == StepTypeChainCall && step.Chain != nil {
				if _, ok := r.chains[step.Chain.TargetChainID]; !ok {
					errs = append(errs, types.NewValidationError(fmt.Sprintf(
						"chain %s step %s: target chain %q is not registered",
						def.ID, step.ID, step.Chain.TargetChainID)))
				}
			}
			for j := range step.Routing {
				rule := &step.Routing[j]
				if rule.Action == ActionJumpToChain {
					if _, ok := r.chains[rule.TargetChainID]; !ok {
						errs = append(errs, types.NewValidationError(fmt.Sprintf(
							"chain %s step %s rule %d: target chain %q is not registered",
							def.ID, step.ID, j, rule.TargetChainID)))
					}
				}
			}
		}
	}
	return errs
}
