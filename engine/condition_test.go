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
	"strings"
	"testing"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/storage"
	"github.com/ecaflow/ecaflow/test/assert"
)

func tempEvent() *types.Event {
	return &types.Event{
		ID:   "e1",
		Name: "temp_reading",
		Body: map[string]interface{}{
			"temp":    float64(42),
			"message": "hello world",
		},
	}
}

func condRule(conds ...types.Condition) *types.Rule {
	return &types.Rule{ID: "r1", EventName: "temp_reading", Conditions: conds}
}

func TestEvaluateEmptyConditionList(t *testing.T) {
	e := NewEvaluator(storage.NewMemory())
	assert.True(t, e.Evaluate(tempEvent(), condRule(), "alice"))
}

func TestEvaluateValueComparisons(t *testing.T) {
	e := NewEvaluator(storage.NewMemory())
	cases := []struct {
		operator string
		compare  interface{}
		passes   bool
	}{
		{">", float64(30), true},
		{">", float64(50), false},
		{">=", float64(42), true},
		{"<", float64(50), true},
		{"<=", float64(41), false},
		{"==", float64(42), true},
		{"!=", float64(42), false},
	}
	for _, c := range cases {
		rule := condRule(types.Condition{Selector: "$.body.temp", Operator: c.operator, Compare: c.compare, Type: "value"})
		assert.Equal(t, c.passes, e.Evaluate(tempEvent(), rule, "alice"))
	}
}

func TestEvaluateValueCoercesStrings(t *testing.T) {
	e := NewEvaluator(storage.NewMemory())
	event := tempEvent()
	event.Body = map[string]interface{}{"temp": "42"}

	rule := condRule(types.Condition{Selector: "$.body.temp", Operator: "==", Compare: float64(42), Type: "value"})
	assert.True(t, e.Evaluate(event, rule, "alice"))

	// an unparseable value coerces to 0
	event.Body = map[string]interface{}{"temp": "warm"}
	rule = condRule(types.Condition{Selector: "$.body.temp", Operator: "==", Compare: float64(0), Type: "value"})
	assert.True(t, e.Evaluate(event, rule, "alice"))
}

func TestEvaluateInstr(t *testing.T) {
	e := NewEvaluator(storage.NewMemory())

	rule := condRule(types.Condition{Selector: "$.body.message", Operator: "instr", Compare: "wor", Type: "string"})
	assert.True(t, e.Evaluate(tempEvent(), rule, "alice"))

	rule = condRule(types.Condition{Selector: "$.body.message", Operator: "instr", Compare: "xyz", Type: "string"})
	assert.False(t, e.Evaluate(tempEvent(), rule, "alice"))
}

func TestEvaluateMissingNode(t *testing.T) {
	reg := storage.NewMemory()
	e := NewEvaluator(reg)

	rule := condRule(types.Condition{Selector: "$.body.missing", Operator: "==", Compare: "x", Type: "string"})
	assert.False(t, e.Evaluate(tempEvent(), rule, "alice"))

	log := reg.InvocationLog("alice", "r1", conditionLogModule)
	assert.True(t, strings.Contains(log, "Node not found in event: $.body.missing"))
}

func TestEvaluateUnknownOperator(t *testing.T) {
	reg := storage.NewMemory()
	e := NewEvaluator(reg)

	rule := condRule(types.Condition{Selector: "$.body.temp", Operator: "~=", Compare: "x", Type: "string"})
	assert.False(t, e.Evaluate(tempEvent(), rule, "alice"))

	log := reg.InvocationLog("alice", "r1", conditionLogModule)
	assert.True(t, strings.Contains(log, "Unknown operator: ~="))
	assert.True(t, strings.Contains(log, "instr"))
}

func TestEvaluateConditionsAreANDed(t *testing.T) {
	e := NewEvaluator(storage.NewMemory())

	rule := condRule(
		types.Condition{Selector: "$.body.temp", Operator: ">", Compare: float64(30), Type: "value"},
		types.Condition{Selector: "$.body.message", Operator: "instr", Compare: "xyz", Type: "string"},
	)
	assert.False(t, e.Evaluate(tempEvent(), rule, "alice"))

	rule.Conditions[1].Compare = "wor"
	assert.True(t, e.Evaluate(tempEvent(), rule, "alice"))
}

func TestEvaluateExprOperator(t *testing.T) {
	reg := storage.NewMemory()
	e := NewEvaluator(reg)

	rule := condRule(types.Condition{
		Selector: "$.body.temp",
		Operator: "expr",
		Compare:  `value > 40 && event.event == "temp_reading"`,
	})
	assert.True(t, e.Evaluate(tempEvent(), rule, "alice"))

	// a non-boolean result never passes
	rule = condRule(types.Condition{Selector: "$.body.temp", Operator: "expr", Compare: "value + 1"})
	assert.False(t, e.Evaluate(tempEvent(), rule, "alice"))

	// a broken program fails the condition and leaves a diagnostic
	rule = condRule(types.Condition{Selector: "$.body.temp", Operator: "expr", Compare: "value >"})
	assert.False(t, e.Evaluate(tempEvent(), rule, "alice"))
	log := reg.InvocationLog("alice", "r1", conditionLogModule)
	assert.True(t, strings.Contains(log, "expr condition failed"))
}
