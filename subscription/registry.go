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

package subscription

import (
	"context"
	"time"

	"github.com/alwitt/gqlgate/common"
)

// DefaultPageSize the number of subscribers fetched per page by default
const DefaultPageSize = 50

// Page one page of subscribers of an event
type Page struct {
	// Subscribers the live subscribers in this page
	Subscribers []common.Subscriber
	// NextCursor is where the next page starts. Nil when there are no more pages.
	NextCursor *string
}

// Registry tracks which connection operations are subscribed to which events
//
// Every implementation keeps three access paths over the same relation in
// sync: by event name (for fan-out), by subscription ID (for unsubscribing
// one operation), and by connection ID (for teardown). Subscribers past
// their ExpiresAt are never returned, even if still physically stored.
type Registry interface {
	// SubscribersByEventName fetch one page of subscribers of an event, starting after cursor
	SubscribersByEventName(ctxt context.Context, name string, cursor *string) (Page, error)
	// Subscribe register a connection operation against event names
	Subscribe(
		ctxt context.Context,
		names []string,
		connection common.Connection,
		operation common.IdentifiedOperationRequest,
	) error
	// Unsubscribe remove one subscriber. Removing a missing subscriber is not an error.
	Unsubscribe(ctxt context.Context, subscriber common.Subscriber) error
	// UnsubscribeOperation remove the subscribers of one connection operation
	UnsubscribeOperation(ctxt context.Context, connectionID, operationID string) error
	// UnsubscribeAllByConnectionID remove every subscriber of a connection
	UnsubscribeAllByConnectionID(ctxt context.Context, connectionID string) error
}

// PageHandler processes one non-empty page of subscribers
type PageHandler func(ctxt context.Context, subscribers []common.Subscriber) error

// ForEachPage walk every page of subscribers of an event in order
//
// The next page is only fetched after handler returns. Empty pages are not
// passed to handler.
func ForEachPage(
	ctxt context.Context, registry Registry, name string, handler PageHandler,
) error {
	var cursor *string
	for {
		page, err := registry.SubscribersByEventName(ctxt, name, cursor)
		if err != nil {
			return err
		}
		if len(page.Subscribers) > 0 {
			if err := handler(ctxt, page.Subscribers); err != nil {
				return err
			}
		}
		if page.NextCursor == nil {
			return nil
		}
		cursor = page.NextCursor
	}
}

func newSubscriber(
	name string,
	connection common.Connection,
	operation common.IdentifiedOperationRequest,
	expiresAt *time.Time,
) common.Subscriber {
	return common.Subscriber{
		Event:          name,
		Connection:     connection,
		Operation:      operation.OperationRequest,
		OperationID:    operation.OperationID,
		SubscriptionID: common.SubscriptionID(connection.ID, operation.OperationID),
		ExpiresAt:      expiresAt,
	}
}

// expiryFrom compute the expiry of a record written now with a TTL. Zero TTL never expires.
func expiryFrom(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	expires := now.Add(ttl)
	return &expires
}
