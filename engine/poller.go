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
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/sandbox"
)

// pollerEntry is one scheduled poll: a compiled event poller instance bound
// to the rule whose trigger references it.
type pollerEntry struct {
	// TriggerName is the event name synthesized events carry, so they match
	// the owning rule in dispatch.
	TriggerName string
	PollFunc    string
	Module      *sandbox.CompiledModule
	LogSink     func(message string)
}

// PollerScheduler drives event poller modules on a fixed cron tick. Rules
// whose trigger is module-qualified ("<pollerModuleId> -> <pollFunction>")
// get a dedicated compiled instance here; every tick invokes the poll
// function with a push callback that feeds synthesized events into the
// queue.
type PollerScheduler struct {
	config   types.Config
	registry types.Registry
	queue    types.EventQueue
	loader   *sandbox.Loader

	cron *cron.Cron
	mu   sync.Mutex
	// users maps user -> ruleID -> entry. One rule drives at most one
	// poller.
	users map[string]map[string]*pollerEntry
}

// NewPollerScheduler creates a stopped scheduler; Start arms the tick.
func NewPollerScheduler(config types.Config, registry types.Registry, queue types.EventQueue, loader *sandbox.Loader) *PollerScheduler {
	return &PollerScheduler{
		config:   config,
		registry: registry,
		queue:    queue,
		loader:   loader,
		cron:     cron.New(),
		users:    make(map[string]map[string]*pollerEntry),
	}
}

// Start schedules the poll tick at the configured interval.
func (p *PollerScheduler) Start() error {
	spec := fmt.Sprintf("@every %s", p.config.PollInterval)
	if _, err := p.cron.AddFunc(spec, p.tick); err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the tick and waits for running poll jobs started by cron to
// finish.
func (p *PollerScheduler) Stop() {
	<-p.cron.Stop().Done()
}

// Apply consumes one rule-change notification, ignoring rules whose trigger
// is a plain event name. New always recompiles; Init skips a rule that is
// already scheduled, so a start-time replay never doubles running pollers.
func (p *PollerScheduler) Apply(change *types.RuleChange) {
	if change == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch change.Kind {
	case types.ChangeInit, types.ChangeNew:
		if change.Rule == nil {
			return
		}
		moduleID, pollFunc, isPoller := change.Rule.PollerRef()
		if !isPoller {
			return
		}
		if change.Kind == types.ChangeInit {
			if _, scheduled := p.users[change.User][change.Rule.ID]; scheduled {
				return
			}
		}
		p.load(change.User, change.Rule, moduleID, pollFunc)

	case types.ChangeDelete:
		userEntries := p.users[change.User]
		if userEntries == nil {
			return
		}
		delete(userEntries, change.RuleID)
		if len(userEntries) == 0 {
			delete(p.users, change.User)
		}
	}
}

// load compiles the poller module for one rule and installs the entry,
// replacing any previous instance for the same rule.
func (p *PollerScheduler) load(user string, rule *types.Rule, moduleID, pollFunc string) {
	store := p.registry.Modules(types.EventPoller)
	module, err := store.GetModule(moduleID)
	if err != nil || module == nil {
		p.config.Logger.Printf("PL | Event poller %s not found for %s!", moduleID, rule.ID)
		return
	}

	sink := func(message string) {
		p.registry.AppendLog(user, rule.ID, moduleID, message)
	}
	params := userModuleParams(p.config, store, moduleID, user, rule.ID)

	compiled, err := p.loader.Compile(module.Source, module.Language, p.loader.DefaultCapabilities(params, sink))
	if err != nil {
		p.config.Logger.Printf("PL | Compilation of event poller failed! %s, %s, %s: %s", user, rule.ID, moduleID, err.Error())
		sink(err.Error())
		return
	}
	if !compiled.Has(pollFunc) {
		sink("No function '" + pollFunc + "' exported by event poller " + moduleID)
		return
	}

	userEntries := p.users[user]
	if userEntries == nil {
		userEntries = make(map[string]*pollerEntry)
		p.users[user] = userEntries
	}
	userEntries[rule.ID] = &pollerEntry{
		TriggerName: rule.TriggerName(),
		PollFunc:    pollFunc,
		Module:      compiled,
		LogSink:     sink,
	}
	p.config.Logger.Printf("PL | Event poller '%s' scheduled for user '%s' in rule '%s'", moduleID, user, rule.ID)
}

// tick fires every scheduled poll concurrently. The entry set is copied
// under the lock; poll jobs run against the copy and re-check liveness
// before pushing.
func (p *PollerScheduler) tick() {
	type job struct {
		user, ruleID string
		entry        *pollerEntry
	}
	p.mu.Lock()
	var jobs []job
	for user, userEntries := range p.users {
		for ruleID, entry := range userEntries {
			jobs = append(jobs, job{user, ruleID, entry})
		}
	}
	p.mu.Unlock()

	for _, j := range jobs {
		j := j
		go p.poll(j.user, j.ruleID, j.entry)
	}
}

// poll invokes one poll function. The push callback handed to the guest
// synthesizes a broadcast event; a poller whose rule was deleted or reloaded
// mid-poll pushes into the void.
func (p *PollerScheduler) poll(user, ruleID string, entry *pollerEntry) {
	push := func(body interface{}) {
		if !p.live(user, ruleID, entry) {
			return
		}
		now := time.Now().UTC().Format(time.RFC3339)
		event := &types.Event{
			ID:        "polled " + entry.TriggerName + " " + user + "_" + now,
			Name:      entry.TriggerName,
			Timestamp: now,
			Body:      body,
		}
		if err := p.queue.PushEvent(event); err != nil {
			entry.LogSink("Failed to push polled event: " + err.Error())
		}
	}
	if _, err := entry.Module.Invoke(entry.PollFunc, push); err != nil {
		entry.LogSink("Error during polling '" + entry.PollFunc + "': " + err.Error())
	}
}

// live reports whether the exact entry instance is still scheduled.
func (p *PollerScheduler) live(user, ruleID string, entry *pollerEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[user][ruleID] == entry
}
