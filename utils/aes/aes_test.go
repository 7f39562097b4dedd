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

package aes

import (
	"testing"

	"github.com/ecaflow/ecaflow/test/assert"
)

func TestDeriveKey(t *testing.T) {
	key := deriveKey([]byte("secret"))
	assert.Equal(t, 32, len(key))
	// derivation must be deterministic across restarts
	assert.Equal(t, string(key), string(deriveKey([]byte("secret"))))
	assert.NotEqual(t, string(key), string(deriveKey([]byte("other"))))
}

func TestRoundTrip(t *testing.T) {
	secret := []byte("platform-secret")
	plaintext := `{"apikey":"secret"}`

	encrypted, err := Encrypt(plaintext, secret)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := Decrypt(encrypted, secret)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, plaintext, decrypted)
}

func TestRoundTripEmptyAndLong(t *testing.T) {
	secret := []byte("k")
	for _, plaintext := range []string{"", "a", "exactly sixteen!", string(make([]byte, 1000))} {
		encrypted, err := Encrypt(plaintext, secret)
		if err != nil {
			t.Fatal(err)
		}
		decrypted, err := Decrypt(encrypted, secret)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	encrypted, err := Encrypt("payload", []byte("right"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Decrypt(encrypted, []byte("wrong"))
	assert.NotNil(t, err)
}

func TestDecryptMalformed(t *testing.T) {
	_, err := Decrypt("not-hex", []byte("k"))
	assert.NotNil(t, err)

	_, err = Decrypt("abcd", []byte("k"))
	assert.NotNil(t, err)
}
