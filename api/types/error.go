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

package types

import (
	"errors"
	"fmt"
)

var (
	// ErrModuleExists is returned when forging over an existing module id
	// without the overwrite flag.
	ErrModuleExists = errors.New("module id already existing")
	// ErrModuleNotFound is returned when a referenced module is absent
	// from its namespace.
	ErrModuleNotFound = errors.New("module not found")
	// ErrRuleExists is returned when forging a rule whose id is taken.
	ErrRuleExists = errors.New("rule id already existing")
	// ErrRuleNotFound is returned for lookups of unknown rules.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrQueueTimeout is returned when a bulk registry fetch exceeds its
	// deadline. It is surfaced to the caller, never retried internally.
	ErrQueueTimeout = errors.New("registry bulk fetch exceeded deadline")
)

// CompileErrorKind distinguishes the two failure classes of the sandbox
// loader.
type CompileErrorKind string

const (
	// KindSyntax covers transpile and parse failures, reported before any
	// sandbox is instantiated.
	KindSyntax CompileErrorKind = "syntax"
	// KindRuntime covers exceptions thrown while the module body executes
	// to populate its export table.
	KindRuntime CompileErrorKind = "runtime"
)

// CompileError is the structured failure of Loader.Compile. Line is only
// meaningful for KindSyntax and is 0 when unknown.
type CompileError struct {
	Kind    CompileErrorKind
	Line    int
	Message string
}

func (e *CompileError) Error() string {
	if e.Kind == KindSyntax && e.Line > 0 {
		return fmt.Sprintf("compilation failed at line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("loading module failed: %s", e.Message)
}

// NewSyntaxError builds a syntax-class compile error.
func NewSyntaxError(line int, message string) *CompileError {
	return &CompileError{Kind: KindSyntax, Line: line, Message: message}
}

// NewRuntimeError builds a runtime-class compile error.
func NewRuntimeError(message string) *CompileError {
	return &CompileError{Kind: KindRuntime, Message: message}
}

// AsCompileError unwraps err into a *CompileError if it is one.
func AsCompileError(err error) (*CompileError, bool) {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
