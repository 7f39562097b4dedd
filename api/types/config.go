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

import "time"

// Config carries the engine-wide settings. Build it with NewConfig and the
// With* options; the zero value is not usable.
type Config struct {
	// Logger is the process logging interface, defaulting to
	// DefaultLogger(). Invocation logs of guest modules are data and go
	// through the Registry instead.
	Logger Logger
	// SecretKey derives the AES-256 key protecting user module config and
	// function arguments at rest. Decryption happens just-in-time; the
	// plaintext is never persisted.
	SecretKey string
	// ScriptMaxExecutionTime bounds both the one-off module body execution
	// at compile time and each entry point invocation, defaulting to 2000
	// milliseconds. Expiry interrupts the sandbox and is reported as a
	// normal error, never left hanging.
	ScriptMaxExecutionTime time.Duration
	// BaseDispatchInterval is the pause between queue pop attempts when a
	// single invocation is in flight; the effective delay is
	// BaseDispatchInterval * max(1, inFlight). Defaults to 20ms.
	BaseDispatchInterval time.Duration
	// PollInterval is the poller scheduler tick, defaulting to 10s.
	PollInterval time.Duration
	// Transpilers maps guest dialect names to their transpiler.
	// JavaScript needs none.
	Transpilers map[string]Transpiler
	// HTTPTimeout bounds outbound calls issued through the sandbox apicall
	// capability, defaulting to 30s.
	HTTPTimeout time.Duration
	// ProxyAddress optionally routes apicall traffic through a SOCKS5
	// proxy, "host:port".
	ProxyAddress string
}

// NewConfig creates a new Config with default values and applies the provided
// options.
func NewConfig(opts ...Option) Config {
	c := &Config{
		Logger:                 DefaultLogger(),
		ScriptMaxExecutionTime: time.Millisecond * 2000,
		BaseDispatchInterval:   time.Millisecond * 20,
		PollInterval:           time.Second * 10,
		HTTPTimeout:            time.Second * 30,
		Transpilers:            make(map[string]Transpiler),
	}
	for _, opt := range opts {
		_ = opt(c)
	}
	return *c
}
