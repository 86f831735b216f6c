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
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVariant selects the wire vocabulary spoken on a connection
type ProtocolVariant string

const (
	// ProtocolCurrent the current wire vocabulary
	ProtocolCurrent ProtocolVariant = "current"
	// ProtocolLegacy the older wire vocabulary kept for backward compatibility
	ProtocolLegacy ProtocolVariant = "legacy"
)

// ConnectionData mutable portion of a connection record
type ConnectionData struct {
	// Endpoint is the transport endpoint which accepted the connection
	Endpoint string `json:"endpoint"`
	// Context is the connection context established on connection init
	Context map[string]interface{} `json:"context"`
	// IsInitialized whether the connection completed connection init
	IsInitialized bool `json:"isInitialized"`
	// Protocol is the wire vocabulary used on this connection
	Protocol ProtocolVariant `json:"protocol"`
}

// Connection a client connection record
type Connection struct {
	// ID is the transport assigned connection ID
	ID string `json:"id" validate:"required"`
	// Data is the connection data
	Data ConnectionData `json:"data"`
	// CreatedAt when the connection was registered
	CreatedAt time.Time `json:"createdAt"`
}

// OperationRequest a GraphQL operation submitted by a client
type OperationRequest struct {
	Query         string                 `json:"query" validate:"required"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

// IdentifiedOperationRequest an OperationRequest with the client supplied correlation ID
type IdentifiedOperationRequest struct {
	OperationRequest
	OperationID string `json:"operationId" validate:"required"`
}

// Subscriber one registration of a connection operation against one event name
type Subscriber struct {
	Event          string           `json:"event"`
	Connection     Connection       `json:"connection"`
	Operation      OperationRequest `json:"operation"`
	OperationID    string           `json:"operationId"`
	SubscriptionID string           `json:"subscriptionId"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty"`
}

// IsExpired whether the subscriber's TTL has passed
func (s Subscriber) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// SubscriptionID compute the subscription ID of a connection operation
func SubscriptionID(connectionID, operationID string) string {
	return fmt.Sprintf("%s:%s", connectionID, operationID)
}

// SubscriptionEvent a published named event
type SubscriptionEvent struct {
	Event   string          `json:"event" validate:"required"`
	Payload json.RawMessage `json:"payload"`
	// TTL is an optional unix-seconds expiry of the event record
	TTL *int64 `json:"ttl,omitempty"`
}

// ChangeType the change stream type of an event record
type ChangeType string

const (
	// ChangeInsert a new record was appended
	ChangeInsert ChangeType = "INSERT"
	// ChangeModify an existing record was modified
	ChangeModify ChangeType = "MODIFY"
	// ChangeRemove an existing record was removed
	ChangeRemove ChangeType = "REMOVE"
)

// EventRecord one change stream record carrying a published event
type EventRecord struct {
	ChangeType ChangeType        `json:"changeType"`
	Event      SubscriptionEvent `json:"event"`
}
