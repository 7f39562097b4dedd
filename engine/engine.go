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

// Package engine wires the rule index, the dispatch loop, the condition
// evaluator and the poller scheduler into one event-condition-action engine.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/sandbox"
	"github.com/ecaflow/ecaflow/utils/str"
)

// Engine is the process-wide ECA runtime. It owns the rule index and the
// background loops; collaborators reach it through SubmitEvent and
// NotifyRuleChange.
type Engine struct {
	config     types.Config
	registry   types.Registry
	queue      types.EventQueue
	index      *Index
	dispatcher *Dispatcher
	poller     *PollerScheduler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New assembles an engine on top of a module registry and a persisted event
// queue. Nothing runs until Start.
func New(config types.Config, registry types.Registry, queue types.EventQueue) *Engine {
	loader := sandbox.NewLoader(config)
	index := NewIndex(config, registry, loader)
	return &Engine{
		config:     config,
		registry:   registry,
		queue:      queue,
		index:      index,
		dispatcher: NewDispatcher(config, registry, queue, index),
		poller:     NewPollerScheduler(config, registry, queue, loader),
	}
}

// Start rebuilds the runtime state by replaying every activated rule as an
// init change, then starts the dispatch loop and the poller tick. The
// context bounds the replay; a registry that cannot deliver the active rules
// in time fails the start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	active, err := e.registry.ActiveRules(ctx)
	if err != nil {
		return err
	}
	for user, rules := range active {
		for _, rule := range rules {
			change := &types.RuleChange{Kind: types.ChangeInit, User: user, Rule: rule}
			e.index.Apply(change)
			e.poller.Apply(change)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.dispatcher.Run(runCtx)
	}()
	if err := e.poller.Start(); err != nil {
		cancel()
		<-e.done
		return err
	}
	e.cancel = cancel
	e.started = true
	e.config.Logger.Printf("EN | Engine started, %d user(s) with active rules", len(active))
	return nil
}

// Stop halts the poller tick and the dispatch loop and waits for in-flight
// invocations to drain. Stopping an engine that never started is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.poller.Stop()
	e.cancel()
	<-e.done
	e.started = false
	e.config.Logger.Printf("EN | Engine stopped")
}

// SubmitEvent validates and enqueues an external event, returning the event
// id. A missing id is synthesized as "<name>_<timestamp>_<unique>" so every
// queued event is traceable.
func (e *Engine) SubmitEvent(event *types.Event) (string, error) {
	if event == nil || event.Name == "" {
		return "", errors.New("event is missing an event name")
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if event.ID == "" {
		event.ID = event.Name + "_" + event.Timestamp + "_" + uniqueSuffix()
	}
	if err := e.queue.PushEvent(event); err != nil {
		return "", err
	}
	return event.ID, nil
}

func uniqueSuffix() string {
	id, err := uuid.NewV4()
	if err != nil {
		return str.RandomStr(12)
	}
	return id.String()
}

// NotifyRuleChange feeds one rule-change notification to the index and the
// poller scheduler.
func (e *Engine) NotifyRuleChange(change *types.RuleChange) {
	e.index.Apply(change)
	e.poller.Apply(change)
}

// InvalidateModuleConfig recompiles the user's loaded instances of the
// module so edited configuration takes effect without a rule change.
func (e *Engine) InvalidateModuleConfig(user, moduleID string) {
	e.index.InvalidateModuleConfig(user, moduleID)
}

// InvocationLog returns the accumulated log text of one module under one
// rule.
func (e *Engine) InvocationLog(user, ruleID, moduleID string) string {
	return e.registry.InvocationLog(user, ruleID, moduleID)
}
