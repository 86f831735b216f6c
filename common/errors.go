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
	"errors"
	"fmt"
)

// ErrConnectionGone the push channel reports the client is no longer connected
var ErrConnectionGone = errors.New("connection is gone")

// ConnectionNotFoundError connection record does not exist
type ConnectionNotFoundError struct {
	ConnectionID string
}

func (e ConnectionNotFoundError) Error() string {
	return fmt.Sprintf("Connection %s not found", e.ConnectionID)
}

// InvalidOperationError a client frame does not carry a usable operation
type InvalidOperationError struct {
	Reason string
}

func (e InvalidOperationError) Error() string {
	return fmt.Sprintf("Invalid operation: %s", e.Reason)
}

// MalformedOperationError a client frame could not be decoded
type MalformedOperationError struct {
	Reason string
}

func (e MalformedOperationError) Error() string {
	return fmt.Sprintf("Malformed operation: %s", e.Reason)
}

// UnsupportedOperationError the requested execution mode is not available on the channel
type UnsupportedOperationError struct {
	Reason string
}

func (e UnsupportedOperationError) Error() string {
	return e.Reason
}

// InvalidSubscriptionError subscription request rejected by the registry
type InvalidSubscriptionError struct {
	Reason string
}

func (e InvalidSubscriptionError) Error() string {
	return fmt.Sprintf("Invalid subscription: %s", e.Reason)
}

// IsConnectionNotFound whether the error is a ConnectionNotFoundError
func IsConnectionNotFound(err error) bool {
	var target ConnectionNotFoundError
	return errors.As(err, &target)
}
