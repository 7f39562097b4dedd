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

package sandbox

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/proxy"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/utils/json"
)

// APICaller is the outbound HTTP capability behind the guest `apicall`
// function. It is the only network path reachable from module code.
type APICaller struct {
	client *http.Client
	logger types.Logger
}

// NewAPICaller builds the capability from the platform config, honoring the
// request timeout and the optional SOCKS5 proxy.
func NewAPICaller(config types.Config) *APICaller {
	transport := http.DefaultTransport
	if config.ProxyAddress != "" {
		if dialer, err := proxy.SOCKS5("tcp", config.ProxyAddress, nil, proxy.Direct); err == nil {
			transport = &http.Transport{
				Dial: func(network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				},
			}
		} else {
			config.Logger.Printf("SB | proxy %s unusable, falling back to direct: %s", config.ProxyAddress, err.Error())
		}
	}
	return &APICaller{
		client: &http.Client{Timeout: config.HTTPTimeout, Transport: transport},
		logger: config.Logger,
	}
}

// Call issues one HTTP request. GET sends no body; every other method sends
// payload as JSON. The response body is returned as text regardless of
// status.
func (a *APICaller) Call(method, url string, payload interface{}) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// apicallCapability adapts the caller to the guest signature
// apicall(method, url, data, callback): the callback receives the response
// body, or no argument when the call failed. The call happens synchronously
// on the invoking goroutine, so callback execution stays inside the module's
// serialization.
func apicallCapability(vm *goja.Runtime, api *APICaller, log func(string)) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		method := call.Argument(0).String()
		url := call.Argument(1).String()
		payload := call.Argument(2).Export()
		callback, hasCallback := goja.AssertFunction(call.Argument(3))

		body, err := api.Call(method, url, payload)
		if err != nil {
			if log != nil {
				log("apicall " + method + " " + url + " failed: " + err.Error())
			}
			if hasCallback {
				_, _ = callback(goja.Undefined())
			}
			return goja.Undefined()
		}
		if hasCallback {
			_, _ = callback(goja.Undefined(), vm.ToValue(body))
		}
		return vm.ToValue(body)
	}
}
