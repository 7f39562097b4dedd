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

package command

import (
	"strings"
	"testing"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/storage"
	"github.com/ecaflow/ecaflow/test/assert"
	"github.com/ecaflow/ecaflow/utils/aes"
)

// fakeNotifier records the change feed the handler emits.
type fakeNotifier struct {
	changes     []*types.RuleChange
	invalidated []string
}

func (f *fakeNotifier) NotifyRuleChange(change *types.RuleChange) {
	f.changes = append(f.changes, change)
}

func (f *fakeNotifier) InvalidateModuleConfig(user, moduleID string) {
	f.invalidated = append(f.invalidated, user+"/"+moduleID)
}

func newTestHandler(opts ...types.Option) (*Handler, *storage.Memory, *fakeNotifier) {
	reg := storage.NewMemory()
	n := &fakeNotifier{}
	return NewHandler(types.NewConfig(opts...), reg, n), reg, n
}

func forgeMailer(t *testing.T, h *Handler) {
	t.Helper()
	ans := h.Process("alice", "forge_action_invoker", map[string]interface{}{
		"id":     "mailer",
		"params": []interface{}{"apikey"},
		"lang":   "javascript",
		"data":   "exports.send = function(to) { log('sent to ' + to); }; exports.$manifest = {send: ['to']};",
	})
	assert.Equal(t, 200, ans.Code)
}

func TestUnknownCommand(t *testing.T) {
	h, _, _ := newTestHandler()
	ans := h.Process("alice", "make_coffee", nil)
	assert.Equal(t, 404, ans.Code)
}

func TestForgeActionInvoker(t *testing.T) {
	h, reg, _ := newTestHandler()
	forgeMailer(t, h)

	module, err := reg.Modules(types.ActionInvoker).GetModule("mailer")
	assert.Nil(t, err)
	assert.Equal(t, "alice", module.Owner)
	assert.Equal(t, []string{"send"}, module.Functions)
	assert.Equal(t, []string{"apikey"}, module.DeclaredParams)
	assert.False(t, module.Public)
}

func TestForgeModuleMissingFields(t *testing.T) {
	h, _, _ := newTestHandler()
	ans := h.Process("alice", "forge_event_poller", map[string]interface{}{"id": "probe"})
	assert.Equal(t, 400, ans.Code)
	assert.True(t, strings.Contains(ans.Message, "params"))
	assert.True(t, strings.Contains(ans.Message, "lang"))
	assert.True(t, strings.Contains(ans.Message, "data"))
	assert.False(t, strings.Contains(ans.Message, "id,"))
}

func TestForgeModuleExistingConflict(t *testing.T) {
	h, _, _ := newTestHandler()
	forgeMailer(t, h)

	ans := h.Process("bob", "forge_action_invoker", map[string]interface{}{
		"id":     "mailer",
		"params": []interface{}{},
		"lang":   "javascript",
		"data":   "exports.other = function() {};",
	})
	assert.Equal(t, 409, ans.Code)

	// overwrite is explicit
	ans = h.Process("alice", "forge_action_invoker", map[string]interface{}{
		"id":        "mailer",
		"params":    []interface{}{},
		"lang":      "javascript",
		"data":      "exports.other = function() {};",
		"overwrite": true,
	})
	assert.Equal(t, 200, ans.Code)
}

func TestForgeModuleCompileFailure(t *testing.T) {
	h, reg, _ := newTestHandler()
	ans := h.Process("alice", "forge_action_invoker", map[string]interface{}{
		"id":     "broken",
		"params": []interface{}{},
		"lang":   "javascript",
		"data":   "exports.run = function( {",
	})
	assert.Equal(t, 400, ans.Code)
	assert.True(t, strings.Contains(ans.Message, "failed to load"))

	// a failed forge stores nothing
	_, err := reg.Modules(types.ActionInvoker).GetModule("broken")
	assert.Equal(t, types.ErrModuleNotFound, err)
}

func TestForgeModuleWithoutExports(t *testing.T) {
	h, _, _ := newTestHandler()
	ans := h.Process("alice", "forge_action_invoker", map[string]interface{}{
		"id":     "empty",
		"params": []interface{}{},
		"lang":   "javascript",
		"data":   "var x = 1;",
	})
	assert.Equal(t, 400, ans.Code)
	assert.True(t, strings.Contains(ans.Message, "exports no functions"))
}

func TestForgePublicModule(t *testing.T) {
	h, reg, _ := newTestHandler()
	ans := h.Process("alice", "forge_event_poller", map[string]interface{}{
		"id":     "probe",
		"params": []interface{}{},
		"lang":   "javascript",
		"data":   "exports.poll = function(push) { push(1); };",
		"public": true,
	})
	assert.Equal(t, 200, ans.Code)

	ids, err := reg.Modules(types.EventPoller).AvailableModuleIDs("bob")
	assert.Nil(t, err)
	assert.Equal(t, []string{"probe"}, ids)
}

func TestForgeRule(t *testing.T) {
	h, reg, n := newTestHandler()
	forgeMailer(t, h)

	ans := h.Process("alice", "forge_rule", map[string]interface{}{
		"id":    "r1",
		"event": "temp_reading",
		"conditions": []interface{}{
			map[string]interface{}{"selector": "$.body.temp", "operator": ">", "compare": float64(30), "type": "value"},
		},
		"actions": []interface{}{"mailer -> send"},
		"action_functions": map[string]interface{}{
			"mailer -> send": map[string]interface{}{"to": "#{$.body.temp}"},
		},
	})
	assert.Equal(t, 200, ans.Code)

	rule, err := reg.GetRule("alice", "r1")
	assert.Nil(t, err)
	assert.Equal(t, "temp_reading", rule.EventName)
	assert.Equal(t, 1, len(rule.Conditions))
	assert.Equal(t, []string{"mailer -> send"}, rule.Actions)

	assert.Equal(t, 1, len(n.changes))
	assert.Equal(t, types.ChangeNew, n.changes[0].Kind)
	assert.Equal(t, "alice", n.changes[0].User)

	args, err := reg.Modules(types.ActionInvoker).UserArguments("alice", "r1", "mailer", "send")
	assert.Nil(t, err)
	assert.Equal(t, "#{$.body.temp}", args["to"])
}

func TestForgeRuleMissingFields(t *testing.T) {
	h, _, n := newTestHandler()
	ans := h.Process("alice", "forge_rule", map[string]interface{}{"id": "r1"})
	assert.Equal(t, 400, ans.Code)
	assert.True(t, strings.Contains(ans.Message, "event"))
	assert.True(t, strings.Contains(ans.Message, "conditions"))
	assert.True(t, strings.Contains(ans.Message, "actions"))
	assert.Equal(t, 0, len(n.changes))
}

func TestForgeRuleEmptyConditionsAllowed(t *testing.T) {
	h, _, _ := newTestHandler()
	forgeMailer(t, h)

	ans := h.Process("alice", "forge_rule", map[string]interface{}{
		"id":         "r1",
		"event":      "temp_reading",
		"conditions": []interface{}{},
		"actions":    []interface{}{"mailer -> send"},
	})
	assert.Equal(t, 200, ans.Code)
}

func TestForgeRuleConflict(t *testing.T) {
	h, _, _ := newTestHandler()
	forgeMailer(t, h)

	payload := map[string]interface{}{
		"id":         "r1",
		"event":      "temp_reading",
		"conditions": []interface{}{},
		"actions":    []interface{}{"mailer -> send"},
	}
	assert.Equal(t, 200, h.Process("alice", "forge_rule", payload).Code)
	assert.Equal(t, 409, h.Process("alice", "forge_rule", payload).Code)

	payload["overwrite"] = true
	assert.Equal(t, 200, h.Process("alice", "forge_rule", payload).Code)
}

func TestForgeRuleEncryptsParams(t *testing.T) {
	h, reg, n := newTestHandler(types.WithSecretKey("0123456789abcdef"))
	forgeMailer(t, h)

	ans := h.Process("alice", "forge_rule", map[string]interface{}{
		"id":         "r1",
		"event":      "temp_reading",
		"conditions": []interface{}{},
		"actions":    []interface{}{"mailer -> send"},
		"action_params": map[string]interface{}{
			"mailer": map[string]interface{}{"apikey": "secret"},
		},
	})
	assert.Equal(t, 200, ans.Code)
	assert.Equal(t, []string{"alice/mailer"}, n.invalidated)

	blob, err := reg.Modules(types.ActionInvoker).UserConfig("mailer", "alice")
	assert.Nil(t, err)
	assert.False(t, strings.Contains(blob, "secret"))

	plain, err := aes.Decrypt(blob, []byte("0123456789abcdef"))
	assert.Nil(t, err)
	assert.True(t, strings.Contains(plain, "secret"))
}

func TestGetModules(t *testing.T) {
	h, _, _ := newTestHandler()
	forgeMailer(t, h)

	ans := h.Process("alice", "get_action_invokers", nil)
	assert.Equal(t, 200, ans.Code)
	assert.True(t, strings.Contains(ans.Message, `"mailer":["send"]`))

	// private modules stay invisible to others
	ans = h.Process("bob", "get_action_invokers", nil)
	assert.Equal(t, 200, ans.Code)
	assert.Equal(t, "{}", ans.Message)
}

func TestGetModuleParams(t *testing.T) {
	h, _, _ := newTestHandler()
	forgeMailer(t, h)

	ans := h.Process("alice", "get_action_invoker_params", map[string]interface{}{"id": "mailer"})
	assert.Equal(t, 200, ans.Code)
	assert.Equal(t, `["apikey"]`, ans.Message)

	ans = h.Process("alice", "get_action_invoker_params", map[string]interface{}{"id": "ghost"})
	assert.Equal(t, 404, ans.Code)

	ans = h.Process("alice", "get_action_invoker_params", map[string]interface{}{})
	assert.Equal(t, 400, ans.Code)
}
