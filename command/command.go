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

// Package command implements the user-facing command surface: forging rules
// and modules, listing modules, and reading declared parameters. Every
// command answers with a code and a message, mirroring HTTP semantics so the
// endpoints can pass answers through unchanged.
package command

import (
	"sort"
	"strings"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/sandbox"
	"github.com/ecaflow/ecaflow/utils/aes"
	"github.com/ecaflow/ecaflow/utils/json"
	"github.com/ecaflow/ecaflow/utils/maps"
)

// encryptBlob protects user params and argument templates at rest. Without a
// configured secret the blob is stored plaintext.
func encryptBlob(config types.Config, plaintext string) (string, error) {
	if config.SecretKey == "" {
		return plaintext, nil
	}
	return aes.Encrypt(plaintext, []byte(config.SecretKey))
}

// RuleNotifier is the engine-side sink for rule and config changes.
type RuleNotifier interface {
	NotifyRuleChange(change *types.RuleChange)
	InvalidateModuleConfig(user, moduleID string)
}

// Handler processes user commands against the registry and notifies the
// engine about activations.
type Handler struct {
	config   types.Config
	registry types.Registry
	notifier RuleNotifier
	loader   *sandbox.Loader
}

// NewHandler creates a command handler. The loader is only used to compile
// forged modules once, to validate them and discover their exports.
func NewHandler(config types.Config, registry types.Registry, notifier RuleNotifier) *Handler {
	return &Handler{
		config:   config,
		registry: registry,
		notifier: notifier,
		loader:   sandbox.NewLoader(config),
	}
}

func answer(code int, message string) *types.Answer {
	return &types.Answer{Code: code, Message: message}
}

// Process executes one command on behalf of a user. Unknown commands answer
// 404; malformed payloads answer 400 and never panic.
func (h *Handler) Process(user, command string, payload map[string]interface{}) *types.Answer {
	switch command {
	case "forge_rule":
		return h.forgeRule(user, payload)
	case "forge_event_poller":
		return h.forgeModule(user, types.EventPoller, "Event Poller", payload)
	case "forge_action_invoker":
		return h.forgeModule(user, types.ActionInvoker, "Action Invoker", payload)
	case "get_event_pollers":
		return h.getModules(user, types.EventPoller)
	case "get_action_invokers":
		return h.getModules(user, types.ActionInvoker)
	case "get_event_poller_params":
		return h.getModuleParams(types.EventPoller, payload)
	case "get_action_invoker_params":
		return h.getModuleParams(types.ActionInvoker, payload)
	default:
		return answer(404, "Command '"+command+"' not found")
	}
}

// forgeRulePayload is the expected shape of a forge_rule command.
type forgeRulePayload struct {
	ID         string                       `mapstructure:"id"`
	Event      string                       `mapstructure:"event"`
	Conditions []types.Condition            `mapstructure:"conditions"`
	Actions    []string                     `mapstructure:"actions"`
	Overwrite  bool                         `mapstructure:"overwrite"`
	Timestamp  string                       `mapstructure:"timestamp"`
	// EventParams is the user's configuration for the poller module driving
	// the trigger, when the trigger is module-qualified.
	EventParams map[string]interface{} `mapstructure:"event_params"`
	// ActionParams maps action module ids to the user's configuration.
	ActionParams map[string]map[string]interface{} `mapstructure:"action_params"`
	// ActionFunctions maps full action references to argument templates by
	// argument name.
	ActionFunctions map[string]map[string]string `mapstructure:"action_functions"`
}

func (h *Handler) forgeRule(user string, payload map[string]interface{}) *types.Answer {
	var p forgeRulePayload
	if err := maps.Map2Struct(payload, &p); err != nil {
		return answer(400, "Malformed rule payload: "+err.Error())
	}

	var missing []string
	if p.ID == "" {
		missing = append(missing, "id")
	}
	if p.Event == "" {
		missing = append(missing, "event")
	}
	if _, given := payload["conditions"]; !given {
		missing = append(missing, "conditions")
	}
	if len(p.Actions) == 0 {
		missing = append(missing, "actions")
	}
	if len(missing) > 0 {
		return answer(400, "Missing properties in rule: "+strings.Join(missing, ", "))
	}

	if _, err := h.registry.GetRule(user, p.ID); err == nil && !p.Overwrite {
		return answer(409, "Rule name already existing: "+p.ID)
	}

	rule := &types.Rule{
		ID:         p.ID,
		EventName:  p.Event,
		Conditions: p.Conditions,
		Actions:    p.Actions,
		Timestamp:  p.Timestamp,
	}

	if pollerID, _, isPoller := rule.PollerRef(); isPoller && p.EventParams != nil {
		if ans := h.storeConfig(types.EventPoller, pollerID, user, p.EventParams); ans != nil {
			return ans
		}
	}
	for moduleID, params := range p.ActionParams {
		if ans := h.storeConfig(types.ActionInvoker, moduleID, user, params); ans != nil {
			return ans
		}
	}
	actionStore := h.registry.Modules(types.ActionInvoker)
	for ref, args := range p.ActionFunctions {
		moduleID, funcName := types.SplitActionRef(ref)
		encrypted := make(map[string]string, len(args))
		for name, template := range args {
			blob, err := encryptBlob(h.config, template)
			if err != nil {
				return answer(500, "Failed to protect arguments for "+ref)
			}
			encrypted[name] = blob
		}
		if err := actionStore.StoreUserArguments(user, p.ID, moduleID, funcName, encrypted); err != nil {
			return answer(500, "Failed to store arguments for "+ref)
		}
	}

	if err := h.registry.StoreRule(user, rule); err != nil {
		return answer(500, "Failed to store rule: "+err.Error())
	}
	h.notifier.NotifyRuleChange(&types.RuleChange{Kind: types.ChangeNew, User: user, Rule: rule})
	return answer(200, "Rule '"+p.ID+"' stored and activated!")
}

// storeConfig encrypts and stores one user module configuration, then makes
// sure running instances pick it up.
func (h *Handler) storeConfig(moduleType types.ModuleType, moduleID, user string, params map[string]interface{}) *types.Answer {
	plaintext, err := json.Marshal(params)
	if err != nil {
		return answer(400, "Malformed params for module "+moduleID)
	}
	blob, err := encryptBlob(h.config, string(plaintext))
	if err != nil {
		return answer(500, "Failed to protect params for module "+moduleID)
	}
	if err := h.registry.Modules(moduleType).StoreUserConfig(moduleID, user, blob); err != nil {
		return answer(500, "Failed to store params for module "+moduleID)
	}
	if moduleType == types.ActionInvoker {
		h.notifier.InvalidateModuleConfig(user, moduleID)
	}
	return nil
}

// forgeModulePayload is the expected shape of the two forge module commands.
type forgeModulePayload struct {
	ID        string   `mapstructure:"id"`
	Params    []string `mapstructure:"params"`
	Lang      string   `mapstructure:"lang"`
	Data      string   `mapstructure:"data"`
	Public    bool     `mapstructure:"public"`
	Overwrite bool     `mapstructure:"overwrite"`
}

func (h *Handler) forgeModule(user string, moduleType types.ModuleType, label string, payload map[string]interface{}) *types.Answer {
	var p forgeModulePayload
	if err := maps.Map2Struct(payload, &p); err != nil {
		return answer(400, "Malformed module payload: "+err.Error())
	}

	var missing []string
	if p.ID == "" {
		missing = append(missing, "id")
	}
	if _, given := payload["params"]; !given {
		missing = append(missing, "params")
	}
	if p.Lang == "" {
		missing = append(missing, "lang")
	}
	if p.Data == "" {
		missing = append(missing, "data")
	}
	if len(missing) > 0 {
		return answer(400, "Missing properties in module: "+strings.Join(missing, ", "))
	}

	store := h.registry.Modules(moduleType)
	if _, err := store.GetModule(p.ID); err == nil && !p.Overwrite {
		return answer(409, label+" module name already existing: "+p.ID)
	}

	// a forged module has to compile before it is stored; its exports become
	// the selectable functions
	compiled, err := h.loader.Compile(p.Data, p.Lang, h.loader.DefaultCapabilities(nil, nil))
	if err != nil {
		return answer(400, "Your module failed to load: "+err.Error())
	}
	functions := compiled.Functions()
	if len(functions) == 0 {
		return answer(400, "Your module exports no functions")
	}
	sort.Strings(functions)

	module := &types.Module{
		ID:             p.ID,
		Source:         p.Data,
		Language:       p.Lang,
		DeclaredParams: p.Params,
		Functions:      functions,
		Public:         p.Public,
	}
	if err := store.StoreModule(user, module, p.Overwrite); err != nil {
		if err == types.ErrModuleExists {
			return answer(409, label+" module name already existing: "+p.ID)
		}
		return answer(500, "Failed to store module: "+err.Error())
	}
	if p.Public {
		if err := store.Publish(p.ID); err != nil {
			return answer(500, "Failed to publish module: "+err.Error())
		}
	}
	return answer(200, label+" module '"+p.ID+"' stored")
}

// getModules answers with a JSON object mapping the user's visible module
// ids to their exported functions.
func (h *Handler) getModules(user string, moduleType types.ModuleType) *types.Answer {
	store := h.registry.Modules(moduleType)
	ids, err := store.AvailableModuleIDs(user)
	if err != nil {
		return answer(500, "Failed to list modules: "+err.Error())
	}
	listing := make(map[string][]string, len(ids))
	for _, id := range ids {
		module, err := store.GetModule(id)
		if err != nil {
			continue
		}
		listing[id] = module.Functions
	}
	doc, err := json.Marshal(listing)
	if err != nil {
		return answer(500, "Failed to render module listing")
	}
	return answer(200, string(doc))
}

// getModuleParams answers with the JSON list of parameter names the module
// declares, so a frontend can render the config form.
func (h *Handler) getModuleParams(moduleType types.ModuleType, payload map[string]interface{}) *types.Answer {
	id, _ := payload["id"].(string)
	if id == "" {
		return answer(400, "Missing properties in request: id")
	}
	module, err := h.registry.Modules(moduleType).GetModule(id)
	if err != nil {
		return answer(404, "Module not found: "+id)
	}
	params := module.DeclaredParams
	if params == nil {
		params = []string{}
	}
	doc, err := json.Marshal(params)
	if err != nil {
		return answer(500, "Failed to render module params")
	}
	return answer(200, string(doc))
}
