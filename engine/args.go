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
	"regexp"
	"strings"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/selector"
	"github.com/ecaflow/ecaflow/utils/str"
)

// placeholderRegexp matches #{<selector>} occurrences in argument templates.
var placeholderRegexp = regexp.MustCompile(`#\{(.*?)\}`)

// ResolveArguments turns argument templates into concrete call arguments for
// one invocation, substituting selector matches against the triggering
// event.
//
// A template that is exactly one placeholder resolves to the raw selected
// node, preserving its type. A template mixing placeholders with literal
// text resolves to the concatenated string, placeholders replaced by the
// selected value's string representation. A selector without a match yields
// nil respectively an empty substitution; one argument failing never aborts
// the others.
func ResolveArguments(event *types.Event, templates map[string]string) map[string]interface{} {
	doc := event.Doc()
	resolved := make(map[string]interface{}, len(templates))
	for name, template := range templates {
		resolved[name] = resolveTemplate(doc, template)
	}
	return resolved
}

func resolveTemplate(doc map[string]interface{}, template string) interface{} {
	placeholders := placeholderRegexp.FindAllStringSubmatch(template, -1)
	if len(placeholders) == 0 {
		return template
	}

	// whole-placeholder template: hand over the raw node
	if len(placeholders) == 1 && placeholders[0][0] == template {
		node, _ := selector.First(doc, placeholders[0][1])
		return node
	}

	result := template
	for _, match := range placeholders {
		node, _ := selector.First(doc, match[1])
		result = strings.Replace(result, match[0], str.ToString(node), 1)
	}
	return result
}

// BuildArgs orders resolved arguments positionally by the function's
// declared parameter names. A parameter with no bound argument falls back to
// the empty string; that is a default, not a failure.
func BuildArgs(paramNames []string, resolved map[string]interface{}) []interface{} {
	args := make([]interface{}, len(paramNames))
	for i, name := range paramNames {
		if value, bound := resolved[name]; bound {
			args[i] = value
		} else {
			args[i] = ""
		}
	}
	return args
}
