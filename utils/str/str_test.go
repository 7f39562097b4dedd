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

package str

import (
	"testing"

	"github.com/ecaflow/ecaflow/test/assert"
)

func TestToString(t *testing.T) {
	assert.Equal(t, "", ToString(nil))
	assert.Equal(t, "hello", ToString("hello"))
	assert.Equal(t, "true", ToString(true))
	assert.Equal(t, "42", ToString(float64(42)))
	assert.Equal(t, "42.5", ToString(42.5))
	assert.Equal(t, "7", ToString(7))
	assert.Equal(t, `{"a":1}`, ToString(map[string]interface{}{"a": 1}))
	assert.Equal(t, `[1,2]`, ToString([]interface{}{1, 2}))
}

func TestToFloat64(t *testing.T) {
	assert.Equal(t, 35.0, ToFloat64(35.0))
	assert.Equal(t, 35.0, ToFloat64("35"))
	assert.Equal(t, 35.5, ToFloat64(" 35.5 "))
	assert.Equal(t, 0.0, ToFloat64("not a number"))
	assert.Equal(t, 0.0, ToFloat64(nil))
	assert.Equal(t, 1.0, ToFloat64(true))
}

func TestRandomStr(t *testing.T) {
	assert.Equal(t, 16, len(RandomStr(16)))
	assert.NotEqual(t, RandomStr(16), RandomStr(16))
}

func TestConvertDollarPlaceholder(t *testing.T) {
	assert.Equal(t, "select * from t where a=? and b=?",
		ConvertDollarPlaceholder("select * from t where a=? and b=?", "mysql"))
	assert.Equal(t, "select * from t where a=$1 and b=$2",
		ConvertDollarPlaceholder("select * from t where a=? and b=?", "postgres"))
}
