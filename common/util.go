// Copyright 2021-2022 The gqlgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"os"
	"time"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// GetUnitTestEnv read a unit test setting from the environment
//
// Returns an empty string if the setting is not defined, in which case the
// test depending on the live server should be skipped.
func GetUnitTestEnv(name string) string {
	return os.Getenv(name)
}

// Clock returns the current time. Replaced in tests to control TTL expiry.
type Clock func() time.Time

// SystemClock the default Clock
func SystemClock() time.Time {
	return time.Now().UTC()
}
