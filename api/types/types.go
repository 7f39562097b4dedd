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

// Package types defines the data model and collaborator contracts of the
// EcaFlow event-condition-action platform.
//
// The core entities are Rule (an event-condition-action binding owned by one
// user), Module (a user-authored script, either an action invoker or an event
// poller) and Event (a structured payload travelling through the queue).
// External collaborators - the module registry and the persisted event
// queue - are consumed exclusively through the narrow interfaces declared
// here; the engine never talks to a concrete store.
package types

import (
	"context"
	"strings"
)

// ModuleType selects one of the two disjoint module namespaces.
type ModuleType string

const (
	// ActionInvoker modules are invoked when a rule's conditions are met.
	ActionInvoker ModuleType = "action_invoker"
	// EventPoller modules are invoked periodically to synthesize events.
	EventPoller ModuleType = "event_poller"
)

// LangJavaScript is the host dialect executed by the sandbox; any other
// language must have a Transpiler registered in the Config.
const LangJavaScript = "javascript"

// ActionRefSeparator joins a module id and a function name in rule action
// references and in module-qualified event names: "<moduleId> -> <function>".
const ActionRefSeparator = " -> "

// SplitActionRef splits an "<moduleId> -> <functionName>" reference.
// The function name is empty when the reference carries no separator.
func SplitActionRef(ref string) (moduleID, funcName string) {
	parts := strings.SplitN(ref, ActionRefSeparator, 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(ref), ""
}

// Event is a single occurrence travelling through the event queue.
// An empty Username broadcasts the event to every user's rules.
type Event struct {
	ID        string `json:"eventid"`
	Name      string `json:"event"`
	Username  string `json:"username,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	// Body is the decoded JSON payload: nil, bool, float64, string,
	// []interface{} or map[string]interface{}. Selectors operate over
	// exactly this value domain.
	Body interface{} `json:"body"`
}

// Doc returns the event as the structured value selectors query: the same
// shape the event has on the wire, so "$.body.temp" addresses the payload and
// "$.event" the name.
func (e *Event) Doc() map[string]interface{} {
	doc := map[string]interface{}{
		"eventid": e.ID,
		"event":   e.Name,
		"body":    e.Body,
	}
	if e.Username != "" {
		doc["username"] = e.Username
	}
	if e.Timestamp != "" {
		doc["timestamp"] = e.Timestamp
	}
	return doc
}

// Condition is one entry of a rule's condition list. All conditions of a rule
// must pass for the rule to fire.
type Condition struct {
	// Selector is a path query over the event, e.g. "$.body.temp".
	Selector string `json:"selector"`
	// Operator is one of < <= > >= == != instr expr.
	Operator string `json:"operator"`
	// Compare is the right-hand operand (or the expr program source).
	Compare interface{} `json:"compare"`
	// Type controls coercion of the selected value: "value" parses to a
	// float64 (0 on failure), "string" and "bool" use the node verbatim.
	Type string `json:"type"`
}

// Rule is an event-condition-action binding. Rules are immutable once stored;
// a re-creation replaces the whole rule.
type Rule struct {
	ID string `json:"id"`
	// EventName is the trigger event, optionally module-qualified as
	// "<pollerModuleId> -> <pollFunction>".
	EventName  string      `json:"event"`
	Conditions []Condition `json:"conditions"`
	// Actions are ordered "<moduleId> -> <functionName>" references.
	Actions []string `json:"actions"`
	// Timestamp disambiguates re-created rules sharing an id and event
	// name; when set, the effective trigger name gets a
	// "_created:<timestamp>" suffix.
	Timestamp string `json:"timestamp,omitempty"`
}

// TriggerName returns the event name this rule reacts to.
func (r *Rule) TriggerName() string {
	if r.Timestamp != "" {
		return r.EventName + "_created:" + r.Timestamp
	}
	return r.EventName
}

// PollerRef reports whether the rule's trigger is module-qualified, and if
// so, which poller module and function drive it.
func (r *Rule) PollerRef() (moduleID, pollFunc string, ok bool) {
	if !strings.Contains(r.EventName, ActionRefSeparator) {
		return "", "", false
	}
	moduleID, pollFunc = SplitActionRef(r.EventName)
	return moduleID, pollFunc, true
}

// Module is a stored user script. Source is never mutated in place; re-forging
// an existing id is rejected unless an explicit overwrite flag is set.
type Module struct {
	ID string `json:"id"`
	// Source is the script text in Language.
	Source string `json:"data"`
	// Language is the source dialect, LangJavaScript or a registered
	// guest dialect.
	Language string `json:"lang"`
	// DeclaredParams names the user-configurable settings the module
	// expects in its params capability.
	DeclaredParams []string `json:"params"`
	// Functions lists the exported entry points, discovered at forge time.
	Functions []string `json:"functions,omitempty"`
	Owner     string   `json:"owner,omitempty"`
	Public    bool     `json:"public,omitempty"`
}

// ChangeKind discriminates rule-change feed notifications.
type ChangeKind string

const (
	// ChangeInit replays an already-activated rule at process start.
	ChangeInit ChangeKind = "init"
	// ChangeNew announces a freshly created or activated rule.
	ChangeNew ChangeKind = "new"
	// ChangeDelete announces a deactivated or removed rule.
	ChangeDelete ChangeKind = "del"
)

// RuleChange is one notification of the rule-change feed. Rule is set for
// Init/New, RuleID for Delete.
type RuleChange struct {
	Kind   ChangeKind `json:"intevent"`
	User   string     `json:"user"`
	Rule   *Rule      `json:"rule,omitempty"`
	RuleID string     `json:"ruleId,omitempty"`
}

// Answer is the structured reply of the command surface.
type Answer struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Transpiler converts a guest dialect source string into the host dialect.
// A failure must be returned as a *CompileError of KindSyntax so the loader
// can surface the offending line.
type Transpiler interface {
	Transpile(source string) (string, error)
}

// ModuleStore is one module namespace of the registry (action invokers or
// event pollers). User config and function arguments are stored encrypted and
// only decrypted just-in-time by the loader and the argument resolver.
type ModuleStore interface {
	GetModule(moduleID string) (*Module, error)
	StoreModule(owner string, module *Module, overwrite bool) error
	DeleteModule(moduleID string) error
	Publish(moduleID string) error
	Unpublish(moduleID string) error
	// AvailableModuleIDs lists the ids visible to a user: own plus public.
	AvailableModuleIDs(user string) ([]string, error)

	StoreUserConfig(moduleID, user, encrypted string) error
	// UserConfig returns the encrypted config blob, or "" when absent.
	UserConfig(moduleID, user string) (string, error)

	StoreUserArguments(user, ruleID, moduleID, funcName string, args map[string]string) error
	// UserArguments returns encrypted argument templates by argument name,
	// or an empty map when absent.
	UserArguments(user, ruleID, moduleID, funcName string) (map[string]string, error)
}

// Registry is the module registry collaborator: modules in two namespaces,
// stored rules, and the per-(user, rule, module) invocation logs.
type Registry interface {
	Modules(moduleType ModuleType) ModuleStore

	GetRule(user, ruleID string) (*Rule, error)
	StoreRule(user string, rule *Rule) error
	DeleteRule(user, ruleID string) error
	// ActiveRules returns every user's activated rules for index
	// reconstruction. Implementations must honor the context deadline and
	// return ErrQueueTimeout when it expires.
	ActiveRules(ctx context.Context) (map[string][]*Rule, error)

	AppendLog(user, ruleID, moduleID, message string)
	ResetLog(user, ruleID string)
	// InvocationLog returns the accumulated log text for one module under
	// one rule.
	InvocationLog(user, ruleID, moduleID string) string
}

// EventQueue is the persisted FIFO event queue collaborator.
type EventQueue interface {
	PushEvent(event *Event) error
	// PopEvent returns the oldest event, or nil when the queue is empty.
	PopEvent() (*Event, error)
}
