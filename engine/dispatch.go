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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecaflow/ecaflow/api/types"
)

// Dispatcher runs the main loop: pop an event, match it against the index
// snapshot, and fire the matched actions asynchronously. The pause between
// pop attempts grows linearly with the number of in-flight invocations, so a
// slow or stuck action module slows intake instead of piling up goroutines.
type Dispatcher struct {
	config    types.Config
	registry  types.Registry
	queue     types.EventQueue
	index     *Index
	evaluator *Evaluator

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher matching events against the given
// index.
func NewDispatcher(config types.Config, registry types.Registry, queue types.EventQueue, index *Index) *Dispatcher {
	return &Dispatcher{
		config:    config,
		registry:  registry,
		queue:     queue,
		index:     index,
		evaluator: NewEvaluator(registry),
	}
}

// Run drives the dispatch loop until ctx is cancelled, then waits for the
// in-flight invocations to drain before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.wg.Wait()
	for {
		event, err := d.queue.PopEvent()
		if err != nil {
			d.config.Logger.Printf("DM | Failed to fetch event from queue: %s", err.Error())
		}
		if event != nil {
			d.process(event)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.backoff()):
		}
	}
}

// backoff is BaseDispatchInterval scaled by the in-flight count, never less
// than one base interval.
func (d *Dispatcher) backoff() time.Duration {
	n := d.inFlight.Load()
	if n < 1 {
		n = 1
	}
	return d.config.BaseDispatchInterval * time.Duration(n)
}

// process matches one event against a consistent snapshot of the dispatch
// table. An addressed event only sees its user's rules; a broadcast event
// sees everyone's.
func (d *Dispatcher) process(event *types.Event) {
	snapshot := d.index.Snapshot()
	if event.Username != "" {
		d.matchUser(event, event.Username, snapshot[event.Username])
		return
	}
	for user, rules := range snapshot {
		d.matchUser(event, user, rules)
	}
}

func (d *Dispatcher) matchUser(event *types.Event, user string, rules map[string]*RuntimeEntry) {
	for _, entry := range rules {
		if entry.Rule.TriggerName() != event.Name {
			continue
		}
		if !d.evaluator.Evaluate(event, entry.Rule, user) {
			continue
		}
		for _, ref := range entry.Rule.Actions {
			moduleID, funcName := types.SplitActionRef(ref)
			handle := entry.Actions[moduleID]
			if handle == nil {
				// the module failed to load or vanished; the rule's
				// other actions still run
				d.registry.AppendLog(user, entry.Rule.ID, moduleID, "Module not loaded, skipping action: "+ref)
				continue
			}
			d.spawn(event, user, entry.Rule.ID, moduleID, funcName, handle)
		}
	}
}

// spawn fires one action invocation without waiting for it. The in-flight
// counter feeds the dispatch backoff; a warning every hundred concurrent
// invocations makes saturation visible.
func (d *Dispatcher) spawn(event *types.Event, user, ruleID, moduleID, funcName string, handle *ActionHandle) {
	n := d.inFlight.Add(1)
	if n%100 == 0 {
		d.config.Logger.Printf("DM | %d action invocations in flight, throttling event intake", n)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)
		d.invoke(event, user, ruleID, moduleID, funcName, handle)
	}()
}

// invoke resolves the rule's bound arguments against the event and calls the
// action function. All failures end up in the invocation log; nothing
// propagates to the dispatch loop.
func (d *Dispatcher) invoke(event *types.Event, user, ruleID, moduleID, funcName string, handle *ActionHandle) {
	if !handle.Module.Has(funcName) {
		handle.LogSink("No function '" + funcName + "' exported by module " + moduleID)
		return
	}
	args := d.arguments(event, user, ruleID, moduleID, funcName, handle)
	if _, err := handle.Module.Invoke(funcName, args...); err != nil {
		handle.LogSink("Error during execution of function '" + funcName + "': " + err.Error())
	}
}

// arguments fetches the stored argument templates, decrypts them and
// resolves them against the event. Templates are consumed at invocation
// time, so edits to stored arguments apply to the very next firing.
func (d *Dispatcher) arguments(event *types.Event, user, ruleID, moduleID, funcName string, handle *ActionHandle) []interface{} {
	store := d.registry.Modules(types.ActionInvoker)
	encrypted, err := store.UserArguments(user, ruleID, moduleID, funcName)
	if err != nil {
		handle.LogSink("Failed to fetch arguments for function '" + funcName + "': " + err.Error())
	}

	templates := make(map[string]string, len(encrypted))
	for name, blob := range encrypted {
		plain, err := decryptBlob(d.config, blob)
		if err != nil {
			handle.LogSink("Failed to decrypt argument '" + name + "' for function '" + funcName + "'")
			continue
		}
		templates[name] = plain
	}
	return BuildArgs(handle.Module.ParamNames(funcName), ResolveArguments(event, templates))
}
