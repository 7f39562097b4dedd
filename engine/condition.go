/*
 * Copyright 2024 The EcaFlow Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"sort"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/selector"
	"github.com/ecaflow/ecaflow/utils/str"
)

// conditionLogModule is the module slot under which condition diagnostics
// land in the invocation log.
const conditionLogModule = "Condition"

// coerce applies the condition's value type to a selected node: "value"
// parses to a float64 defaulting to 0, everything else uses the node
// verbatim.
func coerce(condType string, node interface{}) interface{} {
	if condType == "value" {
		return str.ToFloat64(node)
	}
	return node
}

var operators = map[string]func(x, y interface{}) bool{
	"<":  func(x, y interface{}) bool { return ordered(x, y) < 0 },
	"<=": func(x, y interface{}) bool { return ordered(x, y) <= 0 },
	">":  func(x, y interface{}) bool { return ordered(x, y) > 0 },
	">=": func(x, y interface{}) bool { return ordered(x, y) >= 0 },
	"==": func(x, y interface{}) bool { return looseEqual(x, y) },
	"!=": func(x, y interface{}) bool { return !looseEqual(x, y) },
	"instr": func(x, y interface{}) bool {
		return strings.Contains(str.ToString(x), str.ToString(y))
	},
}

// ordered compares two operands: numerically when both parse as numbers,
// lexicographically otherwise.
func ordered(x, y interface{}) int {
	xf, xok := asNumber(x)
	yf, yok := asNumber(y)
	if xok && yok {
		switch {
		case xf < yf:
			return -1
		case xf > yf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(str.ToString(x), str.ToString(y))
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// looseEqual matches across the int/float seam JSON decoding introduces, and
// falls back to string representations for everything else.
func looseEqual(x, y interface{}) bool {
	if xf, xok := asNumber(x); xok {
		if yf, yok := asNumber(y); yok {
			return xf == yf
		}
	}
	return str.ToString(x) == str.ToString(y)
}

// operatorNames lists the valid operators for diagnostics, expr included.
func operatorNames() string {
	names := make([]string, 0, len(operators)+1)
	for name := range operators {
		names = append(names, name)
	}
	names = append(names, "expr")
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Evaluator decides whether an event satisfies a rule's condition list.
// Diagnostics for failing or malformed conditions are appended to the rule's
// invocation log; evaluation itself never fails hard.
type Evaluator struct {
	registry types.Registry
}

// NewEvaluator creates an Evaluator logging diagnostics through the given
// registry.
func NewEvaluator(registry types.Registry) *Evaluator {
	return &Evaluator{registry: registry}
}

// Evaluate returns true when every condition of the rule passes for the
// event. An empty condition list always passes. Conditions are ANDed and
// short-circuit on the first failure.
func (e *Evaluator) Evaluate(event *types.Event, rule *types.Rule, user string) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	doc := event.Doc()
	for _, cond := range rule.Conditions {
		if !e.evaluateOne(doc, cond, user, rule.ID) {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateOne(doc map[string]interface{}, cond types.Condition, user, ruleID string) (passed bool) {
	// selection or comparison blowing up is a failed condition, never a
	// crashed dispatch loop
	defer func() {
		if caught := recover(); caught != nil {
			e.diag(user, ruleID, "Error: Selector '"+cond.Selector+"', Operator "+cond.Operator+", Compare: "+str.ToString(cond.Compare))
			passed = false
		}
	}()

	nodes, err := selector.Select(doc, cond.Selector)
	if err != nil || len(nodes) == 0 {
		e.diag(user, ruleID, "Node not found in event: "+cond.Selector)
		return false
	}
	selected := nodes[0]

	if cond.Operator == "expr" {
		return e.evaluateExpr(doc, cond, selected, user, ruleID)
	}

	op, known := operators[cond.Operator]
	if !known {
		e.diag(user, ruleID, "Unknown operator: "+cond.Operator+". Use one of "+operatorNames())
		return false
	}
	return op(coerce(cond.Type, selected), coerce(cond.Type, cond.Compare))
}

// evaluateExpr treats the compare value as an expr program over
// {event, value}. Anything but a true result fails the condition.
func (e *Evaluator) evaluateExpr(doc map[string]interface{}, cond types.Condition, selected interface{}, user, ruleID string) bool {
	program, ok := cond.Compare.(string)
	if !ok {
		e.diag(user, ruleID, "expr condition needs a string program, got: "+str.ToString(cond.Compare))
		return false
	}
	env := map[string]interface{}{
		"event": doc,
		"value": selected,
	}
	out, err := expr.Eval(program, env)
	if err != nil {
		e.diag(user, ruleID, "expr condition failed: "+err.Error())
		return false
	}
	result, isBool := out.(bool)
	return isBool && result
}

func (e *Evaluator) diag(user, ruleID, message string) {
	e.registry.AppendLog(user, ruleID, conditionLogModule, message)
}
