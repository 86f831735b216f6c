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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

const (
	eventPartitionPrefix        = "event#"
	subscriptionPartitionPrefix = "subscription#"
	connectionPartitionPrefix   = "connection-subscriptions#"
	subscriptionMetaSort        = "meta"
)

// DurableRegistryParams parameters for a Registry kept in a storage.Table
type DurableRegistryParams struct {
	// Table is where subscriber records are written
	Table storage.Table `validate:"required"`
	// PageSize is the number of subscribers per page
	PageSize int `validate:"gte=1"`
	// BatchSize is the max number of records deleted per batch during a purge
	BatchSize int `validate:"gte=3,lte=25"`
	// TTL is how long a subscriber lives. Zero disables expiry.
	TTL time.Duration
	// Clock overrides the system clock
	Clock common.Clock
}

// connectionIndexEntry value of a connection index record
type connectionIndexEntry struct {
	Event       string `json:"event"`
	OperationID string `json:"operationId"`
}

// durableRegistry Registry over a storage.Table
//
// One subscriber is three records:
//   - forward  "event#<name>" / <subscriptionID>, holding the subscriber
//   - reverse  "subscription#<subscriptionID>" / "meta", holding the subscriber
//   - connection "connection-subscriptions#<connectionID>" / <subscriptionID>,
//     holding the event name
//
// Each subscribed operation may only name one event.
type durableRegistry struct {
	common.Component
	table     storage.Table
	pageSize  int
	batchSize int
	ttl       time.Duration
	now       common.Clock
}

// GetDurableRegistry define a Registry over a storage.Table
func GetDurableRegistry(params DurableRegistryParams) (Registry, error) {
	if params.PageSize == 0 {
		params.PageSize = DefaultPageSize
	}
	if params.BatchSize == 0 {
		params.BatchSize = storage.MaxBatchSize
	}
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	if params.Clock == nil {
		params.Clock = common.SystemClock
	}
	logTags := log.Fields{"module": "subscription", "component": "durable-registry"}
	return &durableRegistry{
		Component: common.Component{LogTags: logTags},
		table:     params.Table,
		pageSize:  params.PageSize,
		batchSize: params.BatchSize,
		ttl:       params.TTL,
		now:       params.Clock,
	}, nil
}

func forwardKey(name, subID string) storage.Key {
	return storage.Key{Partition: eventPartitionPrefix + name, Sort: subID}
}

func reverseKey(subID string) storage.Key {
	return storage.Key{Partition: subscriptionPartitionPrefix + subID, Sort: subscriptionMetaSort}
}

func connectionKey(connectionID, subID string) storage.Key {
	return storage.Key{Partition: connectionPartitionPrefix + connectionID, Sort: subID}
}

func subscriberKeys(connectionID, subID, name string) []storage.Key {
	return []storage.Key{
		forwardKey(name, subID), reverseKey(subID), connectionKey(connectionID, subID),
	}
}

// SubscribersByEventName fetch one page of subscribers of an event
func (r *durableRegistry) SubscribersByEventName(
	ctxt context.Context, name string, cursor *string,
) (Page, error) {
	result, err := r.table.Query(ctxt, eventPartitionPrefix+name, cursor, r.pageSize)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to query subscribers of %s", name)
		return Page{}, err
	}
	now := r.now()
	page := Page{Subscribers: make([]common.Subscriber, 0, len(result.Items)), NextCursor: result.NextCursor}
	for _, item := range result.Items {
		if item.IsExpired(now) {
			continue
		}
		var sub common.Subscriber
		if err := json.Unmarshal(item.Value, &sub); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Skipping unreadable subscriber %s", item.Key)
			continue
		}
		if sub.IsExpired(now) {
			continue
		}
		page.Subscribers = append(page.Subscribers, sub)
	}
	return page, nil
}

// Subscribe register a connection operation against one event name
func (r *durableRegistry) Subscribe(
	ctxt context.Context,
	names []string,
	connection common.Connection,
	operation common.IdentifiedOperationRequest,
) error {
	if len(names) != 1 {
		err := common.InvalidSubscriptionError{
			Reason: fmt.Sprintf("only one event per operation is supported, got %d", len(names)),
		}
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Rejected subscription of %s/%s", connection.ID, operation.OperationID,
		)
		return err
	}
	name := names[0]
	expiresAt := expiryFrom(r.now(), r.ttl)
	sub := newSubscriber(name, connection, operation, expiresAt)
	serialized, err := json.Marshal(&sub)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serialize %s", sub.SubscriptionID)
		return err
	}
	indexEntry, err := json.Marshal(&connectionIndexEntry{Event: name, OperationID: operation.OperationID})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to serialize %s", sub.SubscriptionID)
		return err
	}
	items := []storage.Item{
		{Key: forwardKey(name, sub.SubscriptionID), Value: serialized, ExpiresAt: expiresAt},
		{Key: reverseKey(sub.SubscriptionID), Value: serialized, ExpiresAt: expiresAt},
		{Key: connectionKey(connection.ID, sub.SubscriptionID), Value: indexEntry, ExpiresAt: expiresAt},
	}
	if err := r.table.BatchWrite(ctxt, items); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to record subscriber %s", sub.SubscriptionID)
		return err
	}
	log.WithFields(r.LogTags).Debugf("Subscribed %s to %s", sub.SubscriptionID, name)
	return nil
}

// Unsubscribe remove one subscriber
func (r *durableRegistry) Unsubscribe(ctxt context.Context, subscriber common.Subscriber) error {
	keys := subscriberKeys(subscriber.Connection.ID, subscriber.SubscriptionID, subscriber.Event)
	if err := r.table.TransactionalDelete(ctxt, keys); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to remove subscriber %s", subscriber.SubscriptionID,
		)
		return err
	}
	return nil
}

// UnsubscribeOperation remove the subscriber of one connection operation
func (r *durableRegistry) UnsubscribeOperation(
	ctxt context.Context, connectionID, operationID string,
) error {
	subID := common.SubscriptionID(connectionID, operationID)
	item, err := r.table.Get(ctxt, reverseKey(subID))
	if err != nil {
		if errors.Is(err, storage.ErrItemNotFound) {
			return nil
		}
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to look up subscriber %s", subID)
		return err
	}
	var sub common.Subscriber
	if err := json.Unmarshal(item.Value, &sub); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to parse subscriber %s", subID)
		return err
	}
	return r.Unsubscribe(ctxt, sub)
}

// UnsubscribeAllByConnectionID remove every subscriber of a connection
//
// Records are removed in batches, re-reading the connection index until no
// page remains. An interrupted purge leaves a subset removed and is safe to repeat.
func (r *durableRegistry) UnsubscribeAllByConnectionID(
	ctxt context.Context, connectionID string,
) error {
	perBatch := r.batchSize / 3
	removed := 0
	var cursor *string
	for {
		result, err := r.table.Query(ctxt, connectionPartitionPrefix+connectionID, cursor, perBatch)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to list subscribers of %s", connectionID,
			)
			return err
		}
		if len(result.Items) == 0 {
			// a page of vanished records can still be followed by live ones
			if result.NextCursor == nil {
				break
			}
			cursor = result.NextCursor
			continue
		}
		keys := make([]storage.Key, 0, len(result.Items)*3)
		for _, item := range result.Items {
			var entry connectionIndexEntry
			if err := json.Unmarshal(item.Value, &entry); err != nil {
				// Still remove the index record so the purge can progress
				log.WithError(err).WithFields(r.LogTags).Errorf("Unreadable index record %s", item.Key)
				keys = append(keys, item.Key, reverseKey(item.Sort))
				continue
			}
			keys = append(keys, subscriberKeys(connectionID, item.Sort, entry.Event)...)
		}
		if err := r.table.BatchDelete(ctxt, keys); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to remove subscribers of %s", connectionID,
			)
			return err
		}
		removed += len(result.Items)
	}
	log.WithFields(r.LogTags).Debugf("Removed %d subscribers of %s", removed, connectionID)
	return nil
}
