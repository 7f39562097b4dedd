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

// Package aes protects user module configuration and function arguments at
// rest. Values are AES-256-CBC encrypted with a key derived from the
// platform secret via PBKDF2 and hex encoded for storage.
package aes

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var errMalformedCiphertext = errors.New("malformed ciphertext")

// keySalt is fixed: the secret key itself is the only configured input, and
// ciphertexts must stay decryptable across restarts.
var keySalt = []byte("ecaflow.module.params")

const keyIterations = 4096

// deriveKey stretches the platform secret into an AES-256 key.
func deriveKey(secret []byte) []byte {
	return pbkdf2.Key(secret, keySalt, keyIterations, 32, sha256.New)
}

// Encrypt encrypts plaintext with AES-256-CBC under a key derived from
// secret and returns the hex encoded IV+ciphertext.
func Encrypt(plaintext string, secret []byte) (string, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", err
	}

	// PKCS#7 padding
	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padtext := make([]byte, padding)
	for i := range padtext {
		padtext[i] = byte(padding)
	}
	plaintext += string(padtext)

	ciphertext := make([]byte, aes.BlockSize+len(plaintext))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext[aes.BlockSize:], []byte(plaintext))

	return hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. A wrong key or tampered input yields an error,
// never a silent garbage plaintext.
func Decrypt(encrypted string, secret []byte) (string, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", err
	}

	ciphertext, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return "", errMalformedCiphertext
	}
	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(ciphertext, ciphertext)

	padding := int(ciphertext[len(ciphertext)-1])
	if padding < 1 || padding > aes.BlockSize || padding > len(ciphertext) {
		return "", errMalformedCiphertext
	}
	for i := len(ciphertext) - padding; i < len(ciphertext); i++ {
		if ciphertext[i] != byte(padding) {
			return "", errMalformedCiphertext
		}
	}

	return string(ciphertext[:len(ciphertext)-padding]), nil
}
