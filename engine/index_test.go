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
	"github.com/ecaflow/ecaflow/sandbox"
	"github.com/ecaflow/ecaflow/storage"
	"github.com/ecaflow/ecaflow/test/assert"
)

const mailerSource = `
exports.send = function(to) {
	log('sent to ' + to);
};
exports.$manifest = {send: ['to']};
`

func newTestIndex(reg types.Registry) *Index {
	config := types.NewConfig()
	return NewIndex(config, reg, sandbox.NewLoader(config))
}

func storeMailer(t *testing.T, reg types.Registry) {
	t.Helper()
	err := reg.Modules(types.ActionInvoker).StoreModule("alice", &types.Module{
		ID:       "mailer",
		Source:   mailerSource,
		Language: types.LangJavaScript,
	}, false)
	assert.Nil(t, err)
}

func mailerRule(id string) *types.Rule {
	return &types.Rule{ID: id, EventName: "temp_reading", Actions: []string{"mailer -> send"}}
}

func newChange(user string, rule *types.Rule) *types.RuleChange {
	return &types.RuleChange{Kind: types.ChangeNew, User: user, Rule: rule}
}

func TestIndexApplyNewLoadsActions(t *testing.T) {
	reg := storage.NewMemory()
	storeMailer(t, reg)
	idx := newTestIndex(reg)

	idx.Apply(newChange("alice", mailerRule("r1")))

	snapshot := idx.Snapshot()
	entry := snapshot["alice"]["r1"]
	assert.NotNil(t, entry)
	handle := entry.Actions["mailer"]
	assert.NotNil(t, handle)
	assert.True(t, handle.Module.Has("send"))
	assert.Equal(t, []string{"to"}, handle.Module.ParamNames("send"))
}

func TestIndexInitSkipsIndexedRule(t *testing.T) {
	reg := storage.NewMemory()
	storeMailer(t, reg)
	idx := newTestIndex(reg)

	idx.Apply(newChange("alice", mailerRule("r1")))
	first := idx.Snapshot()["alice"]["r1"].Actions["mailer"]

	idx.Apply(&types.RuleChange{Kind: types.ChangeInit, User: "alice", Rule: mailerRule("r1")})
	assert.Equal(t, first == idx.Snapshot()["alice"]["r1"].Actions["mailer"], true)

	// a New change for the same rule always recompiles
	idx.Apply(newChange("alice", mailerRule("r1")))
	assert.Equal(t, first == idx.Snapshot()["alice"]["r1"].Actions["mailer"], false)
}

func TestIndexNewLeavesOtherRulesAlone(t *testing.T) {
	reg := storage.NewMemory()
	storeMailer(t, reg)
	idx := newTestIndex(reg)

	idx.Apply(newChange("alice", mailerRule("r1")))
	r1Handle := idx.Snapshot()["alice"]["r1"].Actions["mailer"]

	idx.Apply(newChange("alice", mailerRule("r2")))
	snapshot := idx.Snapshot()
	assert.Equal(t, r1Handle == snapshot["alice"]["r1"].Actions["mailer"], true)
	// rules never share instances
	assert.Equal(t, r1Handle == snapshot["alice"]["r2"].Actions["mailer"], false)
}

func TestIndexDeleteRemovesUser(t *testing.T) {
	reg := storage.NewMemory()
	storeMailer(t, reg)
	idx := newTestIndex(reg)

	idx.Apply(newChange("alice", mailerRule("r1")))
	idx.Apply(&types.RuleChange{Kind: types.ChangeDelete, User: "alice", RuleID: "r1"})

	snapshot := idx.Snapshot()
	_, exists := snapshot["alice"]
	assert.False(t, exists)
}

func TestIndexMissingModuleLeavesActionAbsent(t *testing.T) {
	reg := storage.NewMemory()
	idx := newTestIndex(reg)

	rule := &types.Rule{ID: "r1", EventName: "temp_reading", Actions: []string{"ghost -> run"}}
	idx.Apply(newChange("alice", rule))

	entry := idx.Snapshot()["alice"]["r1"]
	assert.NotNil(t, entry)
	assert.Equal(t, 0, len(entry.Actions))
}

func TestIndexCompileFailureLogged(t *testing.T) {
	reg := storage.NewMemory()
	err := reg.Modules(types.ActionInvoker).StoreModule("alice", &types.Module{
		ID:       "broken",
		Source:   "exports.run = function( {",
		Language: types.LangJavaScript,
	}, false)
	assert.Nil(t, err)
	idx := newTestIndex(reg)

	rule := &types.Rule{ID: "r1", EventName: "temp_reading", Actions: []string{"broken -> run"}}
	idx.Apply(newChange("alice", rule))

	assert.Equal(t, 0, len(idx.Snapshot()["alice"]["r1"].Actions))
	log := reg.InvocationLog("alice", "r1", "broken")
	assert.True(t, strings.Contains(log, "compilation failed at line"))
}

func TestIndexReconcileDropsStaleModules(t *testing.T) {
	reg := storage.NewMemory()
	storeMailer(t, reg)
	err := reg.Modules(types.ActionInvoker).StoreModule("alice", &types.Module{
		ID:       "probe",
		Source:   "exports.run = function() {};",
		Language: types.LangJavaScript,
	}, false)
	assert.Nil(t, err)
	idx := newTestIndex(reg)

	rule := &types.Rule{ID: "r1", EventName: "temp_reading", Actions: []string{"mailer -> send", "probe -> run"}}
	idx.Apply(newChange("alice", rule))
	assert.Equal(t, 2, len(idx.Snapshot()["alice"]["r1"].Actions))

	idx.Apply(newChange("alice", mailerRule("r1")))
	entry := idx.Snapshot()["alice"]["r1"]
	assert.Equal(t, 1, len(entry.Actions))
	assert.NotNil(t, entry.Actions["mailer"])
}

func TestIndexUserConfigParams(t *testing.T) {
	reg := storage.NewMemory()
	store := reg.Modules(types.ActionInvoker)
	err := store.StoreModule("alice", &types.Module{
		ID:       "probe",
		Source:   "exports.check = function() { log(params.apikey); };",
		Language: types.LangJavaScript,
	}, false)
	assert.Nil(t, err)
	// no secret configured, the blob is stored plaintext
	assert.Nil(t, store.StoreUserConfig("probe", "alice", `{"apikey":"secret"}`))
	idx := newTestIndex(reg)

	rule := &types.Rule{ID: "r1", EventName: "temp_reading", Actions: []string{"probe -> check"}}
	idx.Apply(newChange("alice", rule))

	handle := idx.Snapshot()["alice"]["r1"].Actions["probe"]
	assert.NotNil(t, handle)
	_, err = handle.Module.Invoke("check")
	assert.Nil(t, err)
	assert.True(t, strings.Contains(reg.InvocationLog("alice", "r1", "probe"), "secret"))
}

func TestInvalidateModuleConfig(t *testing.T) {
	reg := storage.NewMemory()
	store := reg.Modules(types.ActionInvoker)
	err := store.StoreModule("alice", &types.Module{
		ID:       "probe",
		Source:   "exports.check = function() { log(params.apikey); };",
		Language: types.LangJavaScript,
	}, false)
	assert.Nil(t, err)
	assert.Nil(t, store.StoreUserConfig("probe", "alice", `{"apikey":"one"}`))
	idx := newTestIndex(reg)

	rule := &types.Rule{ID: "r1", EventName: "temp_reading", Actions: []string{"probe -> check"}}
	idx.Apply(newChange("alice", rule))
	stale := idx.Snapshot()["alice"]["r1"].Actions["probe"]

	assert.Nil(t, store.StoreUserConfig("probe", "alice", `{"apikey":"two"}`))
	idx.InvalidateModuleConfig("alice", "probe")

	fresh := idx.Snapshot()["alice"]["r1"].Actions["probe"]
	assert.Equal(t, stale == fresh, false)
	_, err = fresh.Module.Invoke("check")
	assert.Nil(t, err)
	assert.True(t, strings.Contains(reg.InvocationLog("alice", "r1", "probe"), "two"))
}
