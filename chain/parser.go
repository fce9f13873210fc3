package chain

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/QoobSweet/ex-nihilo-sub000/types"
)

// 链定义的 YAML 文件格式。解析分两层：
// 先按文件结构解码，再转换为运行时类型并做完整校验，
// 运行时类型因此不依赖任何序列化标签。

type chainFile struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Steps       []stepDef         `yaml:"steps"`
	Output      map[string]string `yaml:"output"`
}

type stepDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	Module *moduleCallDef `yaml:"module"`
	Chain  *chainCallDef  `yaml:"chain"`

	Timeout         string        `yaml:"timeout"`
	RetryCount      *int          `yaml:"retry_count"`
	RetryDelay      string        `yaml:"retry_delay"`
	ContinueOnError bool          `yaml:"continue_on_error"`
	Condition       *conditionDef `yaml:"condition"`
	Routing         []ruleDef     `yaml:"routing"`
}

type moduleCallDef struct {
	Target    string         `yaml:"target"`
	Operation string         `yaml:"operation"`
	Params    map[string]any `yaml:"params"`
}

type chainCallDef struct {
	TargetChainID string            `yaml:"target_chain"`
	InputMapping  map[string]string `yaml:"input_mapping"`
}

type conditionDef struct {
	Field    string         `yaml:"field"`
	Operator string         `yaml:"operator"`
	Value    any            `yaml:"value"`
	Logic    string         `yaml:"logic"`
	Children []conditionDef `yaml:"children"`
}

type ruleDef struct {
	Condition     conditionDef      `yaml:"condition"`
	Action        string            `yaml:"action"`
	TargetStepID  string            `yaml:"target_step"`
	TargetChainID string            `yaml:"target_chain"`
	InputMapping  map[string]string `yaml:"input_mapping"`
}

// ParseDefinition 从 YAML 字节解析并校验一条链定义。
func ParseDefinition(data []byte) (*ChainDefinition, error) {
	var file chainFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, types.NewValidationError(fmt.Sprintf("解析链定义失败: %v", err)).WithCause(err)
	}

	def, err := file.toDefinition()
	if err != nil {
		return nil, err
	}
	if errs := def.Validate(); len(errs) > 0 {
		return nil, joinErrors(fmt.Sprintf("链 %s 校验失败", def.ID), errs)
	}
	return def, nil
}

// ParseDefinitionFile 读取并解析一个链定义文件。
func ParseDefinitionFile(path string) (*ChainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewValidationError(fmt.Sprintf("读取链定义文件失败: %v", err)).WithCause(err)
	}
	return ParseDefinition(data)
}

// LoadDirectory 解析目录下的全部 *.yaml / *.yml 链定义并注册。
// 任何一个文件失败即整体失败，不会留下半注册状态之外的副作用。
func LoadDirectory(reg *Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return types.NewValidationError(fmt.Sprintf("读取链目录失败: %v", err)).WithCause(err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isYAMLFile(name) {
			continue
		}
		def, err := ParseDefinitionFile(dir + string(os.PathSeparator) + name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if errs := reg.ValidateReferences(); len(errs) > 0 {
		return joinErrors("链间引用校验失败", errs)
	}
	return nil
}

func isYAMLFile(name string) bool {
	for _, suffix := range []string{".yaml", ".yml"} {
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

func (f *chainFile) toDefinition() (*ChainDefinition, error) {
	def := &ChainDefinition{
		ID:             f.ID,
		Name:           f.Name,
		Description:    f.Description,
		OutputTemplate: f.Output,
	}

	for i := range f.Steps {
		step, err := f.Steps[i].toStep()
		if err != nil {
			return nil, err
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (s *stepDef) toStep() (Step, error) {
	step := Step{
		ID:              s.ID,
		Name:            s.Name,
		Type:            StepType(s.Type),
		RetryCount:      s.RetryCount,
		ContinueOnError: s.ContinueOnError,
	}

	var err error
	if step.Timeout, err = parseDuration(s.ID, "timeout", s.Timeout); err != nil {
		return Step{}, err
	}
	if step.RetryDelay, err = parseDuration(s.ID, "retry_delay", s.RetryDelay); err != nil {
		return Step{}, err
	}

	if s.Module != nil {
		step.Module = &ModuleCall{
			Target:    s.Module.Target,
			Operation: s.Module.Operation,
			Params:    s.Module.Params,
		}
	}
	if s.Chain != nil {
		step.Chain = &ChainCall{
			TargetChainID: s.Chain.TargetChainID,
			InputMapping:  s.Chain.InputMapping,
		}
	}
	if s.Condition != nil {
		cond := s.Condition.toCondition()
		step.Condition = &cond
	}
	for i := range s.Routing {
		step.Routing = append(step.Routing, s.Routing[i].toRule())
	}
	return step, nil
}

func (c *conditionDef) toCondition() Condition {
	cond := Condition{
		Field:    c.Field,
		Operator: ConditionOperator(c.Operator),
		Value:    c.Value,
		Logic:    LogicOperator(c.Logic),
	}
	for i := range c.Children {
		cond.Children = append(cond.Children, c.Children[i].toCondition())
	}
	return cond
}

func (r *ruleDef) toRule() RoutingRule {
	return RoutingRule{
		Condition:     r.Condition.toCondition(),
		Action:        RoutingAction(r.Action),
		TargetStepID:  r.TargetStepID,
		TargetChainID: r.TargetChainID,
		InputMapping:  r.InputMapping,
	}
}

func parseDuration(stepID, field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, types.NewValidationError(
			fmt.Sprintf("步骤 %s 的 %s 不是合法的持续时间: %q", stepID, field, raw)).WithCause(err)
	}
	if d < 0 {
		return 0, types.NewValidationError(
			fmt.Sprintf("步骤 %s 的 %s 不能为负: %q", stepID, field, raw))
	}
	return d, nil
}

func joinErrors(label string, errs []error) error {
	msg := label + ":"
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return types.NewValidationError(msg)
}
