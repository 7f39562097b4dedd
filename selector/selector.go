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

// Package selector implements the path query mini-language used by rule
// conditions and argument templates to extract nodes from structured event
// payloads.
//
// The grammar is a JSONPath subset:
//
//	$            the root (optional prefix)
//	.name        child member
//	..name       recursive descent, every descendant member called name
//	.*           every child member or element
//	[3]          array index
//	[*]          every array element
//	['name']     child member, quoted form
//
// Selectors operate over the decoded-JSON value domain: nil, bool, float64,
// string, []interface{} and map[string]interface{}. A query returns zero or
// more matching nodes; querying past a scalar simply matches nothing.
package selector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type segmentKind int

const (
	segChild segmentKind = iota
	segChildWildcard
	segIndex
	segIndexWildcard
	segRecursive
)

type segment struct {
	kind  segmentKind
	name  string
	index int
}

// Select applies the path query to root and returns all matching nodes.
// A malformed path yields an error; a well-formed path that matches nothing
// yields an empty result.
func Select(root interface{}, path string) ([]interface{}, error) {
	segments, err := parse(path)
	if err != nil {
		return nil, err
	}
	nodes := []interface{}{root}
	for _, seg := range segments {
		var next []interface{}
		for _, node := range nodes {
			next = apply(node, seg, next)
		}
		nodes = next
		if len(nodes) == 0 {
			break
		}
	}
	return nodes, nil
}

// First returns the first match of the path query, or nil and false when
// nothing matches.
func First(root interface{}, path string) (interface{}, bool) {
	nodes, err := Select(root, path)
	if err != nil || len(nodes) == 0 {
		return nil, false
	}
	return nodes[0], true
}

func parse(path string) ([]segment, error) {
	s := strings.TrimSpace(path)
	s = strings.TrimPrefix(s, "$")
	var segments []segment
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, ".."):
			rest := s[2:]
			name, remainder := readName(rest)
			if name == "" {
				return nil, fmt.Errorf("selector: missing name after '..' in %q", path)
			}
			segments = append(segments, segment{kind: segRecursive, name: name})
			s = remainder
		case strings.HasPrefix(s, "."):
			rest := s[1:]
			if strings.HasPrefix(rest, "*") {
				segments = append(segments, segment{kind: segChildWildcard})
				s = rest[1:]
				continue
			}
			name, remainder := readName(rest)
			if name == "" {
				return nil, fmt.Errorf("selector: missing name after '.' in %q", path)
			}
			segments = append(segments, segment{kind: segChild, name: name})
			s = remainder
		case strings.HasPrefix(s, "["):
			end := strings.Index(s, "]")
			if end < 0 {
				return nil, fmt.Errorf("selector: unterminated '[' in %q", path)
			}
			inner := strings.TrimSpace(s[1:end])
			s = s[end+1:]
			switch {
			case inner == "*":
				segments = append(segments, segment{kind: segIndexWildcard})
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"'):
				if inner[len(inner)-1] != inner[0] {
					return nil, fmt.Errorf("selector: unterminated quote in %q", path)
				}
				segments = append(segments, segment{kind: segChild, name: inner[1 : len(inner)-1]})
			default:
				idx, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("selector: bad index %q in %q", inner, path)
				}
				segments = append(segments, segment{kind: segIndex, index: idx})
			}
		default:
			// bare leading name, e.g. "body.temp"
			name, remainder := readName(s)
			if name == "" {
				return nil, fmt.Errorf("selector: unexpected character in %q", path)
			}
			segments = append(segments, segment{kind: segChild, name: name})
			s = remainder
		}
	}
	return segments, nil
}

func readName(s string) (name, remainder string) {
	end := strings.IndexAny(s, ".[")
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}

func apply(node interface{}, seg segment, out []interface{}) []interface{} {
	switch seg.kind {
	case segChild:
		if m, ok := node.(map[string]interface{}); ok {
			if v, present := m[seg.name]; present {
				out = append(out, v)
			}
		}
	case segChildWildcard:
		switch v := node.(type) {
		case map[string]interface{}:
			for _, key := range sortedKeys(v) {
				out = append(out, v[key])
			}
		case []interface{}:
			out = append(out, v...)
		}
	case segIndex:
		if arr, ok := node.([]interface{}); ok {
			idx := seg.index
			if idx < 0 {
				idx += len(arr)
			}
			if idx >= 0 && idx < len(arr) {
				out = append(out, arr[idx])
			}
		}
	case segIndexWildcard:
		if arr, ok := node.([]interface{}); ok {
			out = append(out, arr...)
		}
	case segRecursive:
		out = descend(node, seg.name, out)
	}
	return out
}

// descend collects every member named name at any depth, shallowest first.
func descend(node interface{}, name string, out []interface{}) []interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		if match, present := v[name]; present {
			out = append(out, match)
		}
		for _, key := range sortedKeys(v) {
			out = descend(v[key], name, out)
		}
	case []interface{}:
		for _, item := range v {
			out = descend(item, name, out)
		}
	}
	return out
}

// map iteration order is randomized; sort keys so repeated queries over the
// same event return matches in a stable order.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
