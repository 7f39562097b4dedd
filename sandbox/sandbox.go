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

// Package sandbox compiles and executes user-authored scripts in isolated
// goja runtimes.
//
// Guest code sees exactly three host capabilities and nothing else:
//
//	params   the user's decrypted module configuration
//	log      appends to the invocation log of the owning (user, rule, module)
//	apicall  an outbound HTTP proxy: apicall(method, url, data, callback)
//
// There is no filesystem, process or unrestricted network access reachable
// from a module. A module populates its export table by assigning functions
// to `exports`; the optional `exports.$manifest` object declares the
// parameter names of each exported function.
//
// Every compilation yields an independent runtime: two rules referencing the
// same module id get separate instances because argument bindings and log
// sinks are rule scoped.
package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/ecaflow/ecaflow/api/types"
)

// ManifestKey is the export under which a module may declare its functions'
// parameter names: exports.$manifest = {send: ["to", "subject"]}.
const ManifestKey = "$manifest"

// Capabilities is the enumerated host surface granted to one compiled module
// instance.
type Capabilities struct {
	// Params is the decrypted user module configuration, exposed verbatim
	// as the global `params`.
	Params map[string]interface{}
	// Log receives guest log lines; nil discards them.
	Log func(message string)
	// HTTP issues outbound calls for the `apicall` capability; nil
	// disables outbound access entirely.
	HTTP *APICaller
}

// Loader compiles module source into sandboxed instances. It performs no
// retries; callers decide whether to retry on a *types.CompileError.
type Loader struct {
	config types.Config
	api    *APICaller
}

// NewLoader creates a Loader. The shared APICaller backs the apicall
// capability of every module that does not bring its own.
func NewLoader(config types.Config) *Loader {
	return &Loader{config: config, api: NewAPICaller(config)}
}

// DefaultCapabilities returns capabilities with the loader's shared HTTP
// caller and the given log sink.
func (l *Loader) DefaultCapabilities(params map[string]interface{}, log func(string)) Capabilities {
	return Capabilities{Params: params, Log: log, HTTP: l.api}
}

// goja reports syntax positions as "... Line 3:14 ..."
var lineRegexp = regexp.MustCompile(`Line (\d+)`)

// Compile transpiles (when language is a guest dialect), parses and executes
// the module body once, returning its export table. Failures are reported as
// *types.CompileError: KindSyntax before any sandbox exists, KindRuntime when
// the body throws. Partially populated exports of a failed load are
// discarded.
func (l *Loader) Compile(source, language string, caps Capabilities) (*CompiledModule, error) {
	src, err := l.transpile(source, language)
	if err != nil {
		return nil, err
	}

	program, err := goja.Compile("", src, true)
	if err != nil {
		return nil, types.NewSyntaxError(parseLine(err), err.Error())
	}

	vm := goja.New()
	exports := vm.NewObject()
	params := caps.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	_ = vm.Set("exports", exports)
	_ = vm.Set("params", params)
	_ = vm.Set("log", func(message string) {
		if caps.Log != nil {
			caps.Log(message)
		}
	})
	http := caps.HTTP
	if http == nil {
		http = l.api
	}
	_ = vm.Set("apicall", apicallCapability(vm, http, caps.Log))

	if err := l.runBody(vm, program); err != nil {
		return nil, err
	}

	module := &CompiledModule{
		vm:      vm,
		exports: exports,
		maxExec: l.config.ScriptMaxExecutionTime,
	}
	for _, key := range exports.Keys() {
		if key == ManifestKey {
			continue
		}
		if _, ok := goja.AssertFunction(exports.Get(key)); ok {
			module.functions = append(module.functions, key)
		}
	}
	module.params = readManifest(exports)
	for _, fn := range module.functions {
		if _, declared := module.params[fn]; !declared {
			// no manifest entry: the function is callable but takes
			// an empty parameter list
			l.config.Logger.Printf("SB | no manifest entry for exported function '%s'", fn)
			module.params[fn] = nil
		}
	}
	return module, nil
}

// runBody executes the module top level under the configured interrupt
// timeout. Guest panics surface as runtime compile errors.
func (l *Loader) runBody(vm *goja.Runtime, program *goja.Program) (err error) {
	defer func() {
		if caught := recover(); caught != nil {
			err = types.NewRuntimeError(fmt.Sprintf("%v", caught))
		}
	}()
	timer := startInterrupt(vm, l.config.ScriptMaxExecutionTime)
	defer stopInterrupt(vm, timer)
	if _, runErr := vm.RunProgram(program); runErr != nil {
		return types.NewRuntimeError(runErr.Error())
	}
	return nil
}

// transpile converts a guest dialect source to the host dialect. JavaScript
// passes through; an unregistered language is a syntax-class failure.
func (l *Loader) transpile(source, language string) (string, error) {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" || lang == types.LangJavaScript || lang == "js" {
		return source, nil
	}
	transpiler, ok := l.config.Transpilers[lang]
	if !ok {
		return "", types.NewSyntaxError(0, "no transpiler registered for language "+language)
	}
	out, err := transpiler.Transpile(source)
	if err != nil {
		if ce, isCompile := types.AsCompileError(err); isCompile {
			return "", ce
		}
		return "", types.NewSyntaxError(parseLine(err), err.Error())
	}
	return out, nil
}

func parseLine(err error) int {
	if match := lineRegexp.FindStringSubmatch(err.Error()); match != nil {
		line, _ := strconv.Atoi(match[1])
		return line
	}
	return 0
}

func readManifest(exports *goja.Object) map[string][]string {
	params := make(map[string][]string)
	value := exports.Get(ManifestKey)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return params
	}
	manifest, ok := value.Export().(map[string]interface{})
	if !ok {
		return params
	}
	for fn, raw := range manifest {
		names, isList := raw.([]interface{})
		if !isList {
			continue
		}
		list := make([]string, 0, len(names))
		for _, name := range names {
			if s, isStr := name.(string); isStr {
				list = append(list, s)
			}
		}
		params[fn] = list
	}
	return params
}

// CompiledModule is one isolated module instance: its runtime, export table
// and declared parameter names. A goja runtime is not safe for concurrent
// use, so invocations on the same instance are serialized.
type CompiledModule struct {
	vm        *goja.Runtime
	exports   *goja.Object
	functions []string
	params    map[string][]string
	maxExec   time.Duration
	mu        sync.Mutex
}

// Functions lists the exported callable entry points.
func (m *CompiledModule) Functions() []string {
	return m.functions
}

// ParamNames returns the declared parameter names of an exported function.
// Functions absent from the manifest declare no parameters.
func (m *CompiledModule) ParamNames(funcName string) []string {
	return m.params[funcName]
}

// Has reports whether funcName is an exported callable.
func (m *CompiledModule) Has(funcName string) bool {
	for _, fn := range m.functions {
		if fn == funcName {
			return true
		}
	}
	return false
}

// Invoke calls an exported entry point with the given arguments. Guest
// exceptions and interrupt expiries return as errors, never panic into the
// caller.
func (m *CompiledModule) Invoke(funcName string, args ...interface{}) (out interface{}, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("%v", caught)
		}
	}()

	fn, ok := goja.AssertFunction(m.exports.Get(funcName))
	if !ok {
		return nil, fmt.Errorf("%s is not an exported function", funcName)
	}

	timer := startInterrupt(m.vm, m.maxExec)
	defer stopInterrupt(m.vm, timer)

	values := make([]goja.Value, len(args))
	for i, arg := range args {
		values[i] = m.vm.ToValue(arg)
	}
	res, err := fn(goja.Undefined(), values...)
	if err != nil {
		return nil, err
	}
	return res.Export(), nil
}

// startInterrupt arms the wall-clock bound on script execution using
// time.AfterFunc, avoiding a watchdog goroutine per call. Returns nil when no
// bound is configured.
func startInterrupt(vm *goja.Runtime, max time.Duration) *time.Timer {
	if max <= 0 {
		return nil
	}
	return time.AfterFunc(max, func() {
		vm.Interrupt("execution timeout")
	})
}

// stopInterrupt disarms the bound and clears any interrupt already
// delivered, so the runtime stays usable for the next invocation.
func stopInterrupt(vm *goja.Runtime, timer *time.Timer) {
	if timer != nil {
		timer.Stop()
		vm.ClearInterrupt()
	}
}
