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
	"sync"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/sandbox"
)

// ActionHandle is one compiled action module instance bound to a single
// (user, rule, module) triple, together with its log sink.
type ActionHandle struct {
	Module  *sandbox.CompiledModule
	LogSink func(message string)
}

// RuntimeEntry is the in-memory runtime state of one rule: the parsed rule
// and the compiled handles of the action modules it references. It is never
// persisted and fully reconstructable from the registry plus the set of
// active rules.
type RuntimeEntry struct {
	Rule *types.Rule
	// Actions maps module ids to compiled handles. The key set is always
	// a subset of the rule's action module ids; a module missing here
	// failed to load or is not loaded yet.
	Actions map[string]*ActionHandle
}

// Index is the per-user, per-rule dispatch table. All mutations flow through
// Apply on a single logical owner; readers take a consistent Snapshot per
// event so in-flight reconciliation never corrupts a match pass.
type Index struct {
	config   types.Config
	registry types.Registry
	loader   *sandbox.Loader

	mu    sync.RWMutex
	users map[string]map[string]*RuntimeEntry
}

// NewIndex creates an empty index compiling modules through the given
// loader.
func NewIndex(config types.Config, registry types.Registry, loader *sandbox.Loader) *Index {
	return &Index{
		config:   config,
		registry: registry,
		loader:   loader,
		users:    make(map[string]map[string]*RuntimeEntry),
	}
}

// Apply consumes one rule-change notification.
//
// Init and New insert a fresh entry with an empty action map and trigger a
// reconciliation pass; Init leaves an already-indexed rule untouched. Delete
// removes the rule's entry and, when it was the user's last rule, the user
// key itself.
func (idx *Index) Apply(change *types.RuleChange) {
	if change == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch change.Kind {
	case types.ChangeInit, types.ChangeNew:
		if change.Rule == nil {
			return
		}
		userRules := idx.users[change.User]
		if userRules == nil {
			userRules = make(map[string]*RuntimeEntry)
			idx.users[change.User] = userRules
		}
		if change.Kind == types.ChangeInit {
			if _, indexed := userRules[change.Rule.ID]; indexed {
				return
			}
		}
		userRules[change.Rule.ID] = &RuntimeEntry{
			Rule:    change.Rule,
			Actions: make(map[string]*ActionHandle),
		}
		idx.reconcile(change.Rule.ID)

	case types.ChangeDelete:
		userRules := idx.users[change.User]
		if userRules == nil {
			return
		}
		delete(userRules, change.RuleID)
		if len(userRules) == 0 {
			delete(idx.users, change.User)
		}
	}
}

// Snapshot returns a copy of the dispatch table deep enough that a match
// pass can run while Apply keeps mutating: the two map levels and each
// entry's action map are copied, handles are shared.
func (idx *Index) Snapshot() map[string]map[string]*RuntimeEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	snapshot := make(map[string]map[string]*RuntimeEntry, len(idx.users))
	for user, userRules := range idx.users {
		rules := make(map[string]*RuntimeEntry, len(userRules))
		for ruleID, entry := range userRules {
			actions := make(map[string]*ActionHandle, len(entry.Actions))
			for moduleID, handle := range entry.Actions {
				actions[moduleID] = handle
			}
			rules[ruleID] = &RuntimeEntry{Rule: entry.Rule, Actions: actions}
		}
		snapshot[user] = rules
	}
	return snapshot
}

// InvalidateModuleConfig recompiles every runtime entry of the user that
// references the module, so edited module configuration takes effect without
// a rule change.
func (idx *Index) InvalidateModuleConfig(user, moduleID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for ruleID, entry := range idx.users[user] {
		if _, loaded := entry.Actions[moduleID]; loaded {
			idx.loadAction(user, ruleID, entry, moduleID)
		}
	}
}

// reconcile aligns loaded action modules with the rule set after the rule
// updatedRuleID was added or replaced. The updated rule drops handles for
// modules it no longer references and recompiles everything it does; other
// rules only gain modules they reference but never loaded. Handles are never
// shared across rules because argument bindings are rule scoped.
func (idx *Index) reconcile(updatedRuleID string) {
	for _, userRules := range idx.users {
		entry, affected := userRules[updatedRuleID]
		if !affected {
			continue
		}
		for moduleID := range entry.Actions {
			if !referencesModule(entry.Rule, moduleID) {
				delete(entry.Actions, moduleID)
			}
		}
	}

	for user, userRules := range idx.users {
		for ruleID, entry := range userRules {
			for _, ref := range entry.Rule.Actions {
				moduleID, _ := types.SplitActionRef(ref)
				if _, loaded := entry.Actions[moduleID]; !loaded || ruleID == updatedRuleID {
					idx.loadAction(user, ruleID, entry, moduleID)
				}
			}
		}
	}
}

func referencesModule(rule *types.Rule, moduleID string) bool {
	for _, ref := range rule.Actions {
		if id, _ := types.SplitActionRef(ref); id == moduleID {
			return true
		}
	}
	return false
}

// loadAction compiles one action module for one rule and installs the
// handle. A failure leaves the module absent from the entry; it is retried
// on the next rule-change notification referencing it, not automatically.
func (idx *Index) loadAction(user, ruleID string, entry *RuntimeEntry, moduleID string) {
	store := idx.registry.Modules(types.ActionInvoker)
	module, err := store.GetModule(moduleID)
	if err != nil || module == nil {
		idx.config.Logger.Printf("EN | %s not found for %s!", moduleID, ruleID)
		return
	}

	idx.registry.ResetLog(user, ruleID)
	sink := func(message string) {
		idx.registry.AppendLog(user, ruleID, moduleID, message)
	}
	params := userModuleParams(idx.config, store, moduleID, user, ruleID)

	compiled, err := idx.loader.Compile(module.Source, module.Language, idx.loader.DefaultCapabilities(params, sink))
	if err != nil {
		idx.config.Logger.Printf("EN | Compilation of code failed! %s, %s, %s: %s", user, ruleID, moduleID, err.Error())
		sink(err.Error())
		return
	}
	entry.Actions[moduleID] = &ActionHandle{Module: compiled, LogSink: sink}
	idx.config.Logger.Printf("EN | Module '%s' successfully loaded for user '%s' in rule '%s'", moduleID, user, ruleID)
}
