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

// Package storage provides the module registry and event queue backends: an
// in-memory one for tests and single-process deployments, and a database/sql
// one for persistence.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ecaflow/ecaflow/api/types"
)

// maxLogLines bounds the invocation log of one (user, rule, module) slot;
// older lines are dropped first.
const maxLogLines = 200

// Memory is an in-process Registry and EventQueue. All state is lost on
// restart, which is exactly what the engine's init replay is built to
// survive.
type Memory struct {
	mu      sync.Mutex
	actions *memModules
	pollers *memModules
	rules   map[string]map[string]*types.Rule
	logs    map[string]map[string]map[string][]string
	events  []*types.Event
}

// NewMemory creates an empty in-memory registry and queue.
func NewMemory() *Memory {
	m := &Memory{
		rules: make(map[string]map[string]*types.Rule),
		logs:  make(map[string]map[string]map[string][]string),
	}
	m.actions = newMemModules(&m.mu)
	m.pollers = newMemModules(&m.mu)
	return m
}

// Modules returns the namespace store for the given module type.
func (m *Memory) Modules(moduleType types.ModuleType) types.ModuleStore {
	if moduleType == types.EventPoller {
		return m.pollers
	}
	return m.actions
}

func (m *Memory) GetRule(user, ruleID string) (*types.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule := m.rules[user][ruleID]
	if rule == nil {
		return nil, types.ErrRuleNotFound
	}
	return rule, nil
}

func (m *Memory) StoreRule(user string, rule *types.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	userRules := m.rules[user]
	if userRules == nil {
		userRules = make(map[string]*types.Rule)
		m.rules[user] = userRules
	}
	userRules[rule.ID] = rule
	return nil
}

func (m *Memory) DeleteRule(user, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	userRules := m.rules[user]
	if _, exists := userRules[ruleID]; !exists {
		return types.ErrRuleNotFound
	}
	delete(userRules, ruleID)
	if len(userRules) == 0 {
		delete(m.rules, user)
	}
	return nil
}

// ActiveRules returns every stored rule grouped by user. The deadline check
// is trivial here but keeps the contract uniform with slower backends.
func (m *Memory) ActiveRules(ctx context.Context) (map[string][]*types.Rule, error) {
	if ctx.Err() != nil {
		return nil, types.ErrQueueTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string][]*types.Rule, len(m.rules))
	for user, userRules := range m.rules {
		rules := make([]*types.Rule, 0, len(userRules))
		for _, rule := range userRules {
			rules = append(rules, rule)
		}
		sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
		active[user] = rules
	}
	return active, nil
}

func (m *Memory) AppendLog(user, ruleID, moduleID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userLogs := m.logs[user]
	if userLogs == nil {
		userLogs = make(map[string]map[string][]string)
		m.logs[user] = userLogs
	}
	ruleLogs := userLogs[ruleID]
	if ruleLogs == nil {
		ruleLogs = make(map[string][]string)
		userLogs[ruleID] = ruleLogs
	}
	lines := append(ruleLogs[moduleID], time.Now().UTC().Format(time.RFC3339)+": "+message)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	ruleLogs[moduleID] = lines
}

// ResetLog clears the logs of every module under the rule, typically right
// before the rule's modules are recompiled.
func (m *Memory) ResetLog(user, ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs[user], ruleID)
}

func (m *Memory) InvocationLog(user, ruleID, moduleID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := m.logs[user][ruleID][moduleID]
	if len(lines) == 0 {
		return ""
	}
	out := lines[0]
	for _, line := range lines[1:] {
		out += "\n" + line
	}
	return out
}

func (m *Memory) PushEvent(event *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) PopEvent() (*types.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil, nil
	}
	event := m.events[0]
	m.events = m.events[1:]
	return event, nil
}

// memModules is one module namespace. It shares the parent's lock so a
// registry-wide operation sees a consistent view.
type memModules struct {
	mu      *sync.Mutex
	modules map[string]*types.Module
	// configs maps moduleID -> user -> encrypted blob.
	configs map[string]map[string]string
	// args maps "user|ruleID|moduleID|funcName" -> argument name -> blob.
	args map[string]map[string]string
}

func newMemModules(mu *sync.Mutex) *memModules {
	return &memModules{
		mu:      mu,
		modules: make(map[string]*types.Module),
		configs: make(map[string]map[string]string),
		args:    make(map[string]map[string]string),
	}
}

func (s *memModules) GetModule(moduleID string) (*types.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	module := s.modules[moduleID]
	if module == nil {
		return nil, types.ErrModuleNotFound
	}
	return module, nil
}

func (s *memModules) StoreModule(owner string, module *types.Module, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.modules[module.ID]; exists && !overwrite {
		return types.ErrModuleExists
	}
	stored := *module
	stored.Owner = owner
	s.modules[module.ID] = &stored
	return nil
}

func (s *memModules) DeleteModule(moduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.modules[moduleID]; !exists {
		return types.ErrModuleNotFound
	}
	delete(s.modules, moduleID)
	delete(s.configs, moduleID)
	return nil
}

func (s *memModules) Publish(moduleID string) error {
	return s.setPublic(moduleID, true)
}

func (s *memModules) Unpublish(moduleID string) error {
	return s.setPublic(moduleID, false)
}

func (s *memModules) setPublic(moduleID string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	module := s.modules[moduleID]
	if module == nil {
		return types.ErrModuleNotFound
	}
	module.Public = public
	return nil
}

func (s *memModules) AvailableModuleIDs(user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, module := range s.modules {
		if module.Owner == user || module.Public {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memModules) StoreUserConfig(moduleID, user, encrypted string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.configs[moduleID]
	if users == nil {
		users = make(map[string]string)
		s.configs[moduleID] = users
	}
	users[user] = encrypted
	return nil
}

func (s *memModules) UserConfig(moduleID, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[moduleID][user], nil
}

func argsKey(user, ruleID, moduleID, funcName string) string {
	return user + "|" + ruleID + "|" + moduleID + "|" + funcName
}

func (s *memModules) StoreUserArguments(user, ruleID, moduleID, funcName string, args map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make(map[string]string, len(args))
	for name, blob := range args {
		stored[name] = blob
	}
	s.args[argsKey(user, ruleID, moduleID, funcName)] = stored
	return nil
}

func (s *memModules) UserArguments(user, ruleID, moduleID, funcName string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.args[argsKey(user, ruleID, moduleID, funcName)]
	out := make(map[string]string, len(stored))
	for name, blob := range stored {
		out[name] = blob
	}
	return out, nil
}
