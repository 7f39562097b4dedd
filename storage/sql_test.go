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

package storage

import (
	"testing"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/test/assert"
)

func TestNewSQLUnsupportedType(t *testing.T) {
	_, err := NewSQL("sqlite", "file::memory:")
	assert.NotNil(t, err)
}

func TestNewSQLNamespaces(t *testing.T) {
	s, err := NewSQL("mysql", "user:pass@/ecaflow")
	assert.Nil(t, err)
	defer s.Close()

	actions := s.Modules(types.ActionInvoker)
	pollers := s.Modules(types.EventPoller)
	assert.NotNil(t, actions)
	assert.NotNil(t, pollers)
	assert.NotEqual(t, actions, pollers)
}
