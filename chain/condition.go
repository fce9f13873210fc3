package chain

import (
	"fmt"
	"strings"
)

// EvaluateCondition 对累积变量评估条件谓词，纯函数、无副作用。
//
// 叶子操作符按点号路径取值比较；路径缺失时只有 exists/not_exists
// 可能成立，其余操作符一律评估为 false，不抛错。
// AND 组遇到第一个 false 子条件短路，空子列表为 true；
// OR 组遇到第一个 true 子条件短路，空子列表为 false。
func EvaluateCondition(cond *Condition, variables map[string]any) bool {
	if cond == nil {
		return true
	}

	if cond.IsGroup() {
		switch cond.Logic {
		case LogicAnd:
			for i := range cond.Children {
				if !EvaluateCondition(&cond.Children[i], variables) {
					return false
				}
			}
			return true
		case LogicOr:
			for i := range cond.Children {
				if EvaluateCondition(&cond.Children[i], variables) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}

	value, found := LookupPath(variables, cond.Field)

	switch cond.Operator {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	}

	// 缺失字段对其余操作符一律为 false
	if !found {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return looseEqual(value, cond.Value)
	case OpNotEquals:
		return !looseEqual(value, cond.Value)
	case OpContains:
		return contains(value, cond.Value)
	case OpNotContains:
		return !contains(value, cond.Value)
	case OpGreaterThan:
		cmp, ok := compare(value, cond.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compare(value, cond.Value)
		return ok && cmp < 0
	case OpGreaterOrEqual:
		cmp, ok := compare(value, cond.Value)
		return ok && cmp >= 0
	case OpLessOrEqual:
		cmp, ok := compare(value, cond.Value)
		return ok && cmp <= 0
	default:
		return false
	}
}

// LookupPath 以点号路径在嵌套 map 中取值。
// 路径段依次下钻 map[string]any；任一段缺失或中间值不是 map 时返回 false。
func LookupPath(variables map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var current any = variables
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual 宽松相等：数值跨类型比较，其余按字符串化比较。
// 步骤输出经由 JSON/msgpack 往返，int 与 float64 必须互相可比。
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// contains 字符串包含子串；切片包含元素（按 looseEqual）。
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprintf("%v", needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		n := fmt.Sprintf("%v", needle)
		for _, item := range h {
			if item == n {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// compare 返回 a 与 b 的序关系：数值优先，否则字符串同类比较。
// 不可比时 ok 为 false，调用方评估为 false。
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
