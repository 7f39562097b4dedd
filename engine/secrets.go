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
	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/utils/aes"
	"github.com/ecaflow/ecaflow/utils/json"
)

// decryptBlob reverses the at-rest encryption of user module config and
// argument templates. Without a configured secret the platform stores
// plaintext, so the blob passes through.
func decryptBlob(config types.Config, blob string) (string, error) {
	if blob == "" {
		return "", nil
	}
	if config.SecretKey == "" {
		return blob, nil
	}
	return aes.Decrypt(blob, []byte(config.SecretKey))
}

// encryptBlob is the storing-side counterpart of decryptBlob.
func encryptBlob(config types.Config, plaintext string) (string, error) {
	if config.SecretKey == "" {
		return plaintext, nil
	}
	return aes.Encrypt(plaintext, []byte(config.SecretKey))
}

// userModuleParams decrypts and parses the user's stored module configuration
// just-in-time. Any failure degrades to empty params and never blocks a
// module load.
func userModuleParams(config types.Config, store types.ModuleStore, moduleID, user, ruleID string) map[string]interface{} {
	encrypted, err := store.UserConfig(moduleID, user)
	if err != nil || encrypted == "" {
		return map[string]interface{}{}
	}
	plaintext, err := decryptBlob(config, encrypted)
	if err != nil {
		config.Logger.Printf("EN | Error during parsing of user defined params for %s, %s, %s", user, ruleID, moduleID)
		return map[string]interface{}{}
	}
	params := map[string]interface{}{}
	if err := json.Unmarshal([]byte(plaintext), &params); err != nil {
		config.Logger.Printf("EN | Error during parsing of user defined params for %s, %s, %s", user, ruleID, moduleID)
		return map[string]interface{}{}
	}
	return params
}
