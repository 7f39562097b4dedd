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

// Option is a function type that modifies the Config.
type Option func(*Config) error

// WithLogger is an option that sets the logger of the Config.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// WithSecretKey is an option that sets the secret key of the Config.
func WithSecretKey(secretKey string) Option {
	return func(c *Config) error {
		c.SecretKey = secretKey
		return nil
	}
}

// WithScriptMaxExecutionTime is an option that sets the script max execution
// time of the Config.
func WithScriptMaxExecutionTime(scriptMaxExecutionTime time.Duration) Option {
	return func(c *Config) error {
		c.ScriptMaxExecutionTime = scriptMaxExecutionTime
		return nil
	}
}

// WithBaseDispatchInterval is an option that sets the base delay between
// event queue pop attempts.
func WithBaseDispatchInterval(interval time.Duration) Option {
	return func(c *Config) error {
		c.BaseDispatchInterval = interval
		return nil
	}
}

// WithPollInterval is an option that sets the poller scheduler tick.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) error {
		c.PollInterval = interval
		return nil
	}
}

// WithTranspiler registers a guest dialect transpiler under its language
// name.
func WithTranspiler(language string, transpiler Transpiler) Option {
	return func(c *Config) error {
		if c.Transpilers == nil {
			c.Transpilers = make(map[string]Transpiler)
		}
		c.Transpilers[language] = transpiler
		return nil
	}
}

// WithHTTPTimeout is an option that bounds outbound apicall requests.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.HTTPTimeout = timeout
		return nil
	}
}

// WithProxyAddress routes outbound apicall requests through a SOCKS5 proxy.
func WithProxyAddress(addr string) Option {
	return func(c *Config) error {
		c.ProxyAddress = addr
		return nil
	}
}
