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
	"sort"
	"sync"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/apex/log"
)

// memoryRegistry process local Registry
type memoryRegistry struct {
	common.Component
	lock     sync.RWMutex
	pageSize int
	ttl      time.Duration
	now      common.Clock
	// subscription ID => event name => subscriber
	bySubscription map[string]map[string]common.Subscriber
	// event name => subscription IDs
	byEvent map[string]map[string]bool
	// connection ID => subscription IDs
	byConnection map[string]map[string]bool
}

// GetMemoryRegistry define a process local Registry
//
// A zero ttl disables subscriber expiry. A nil clock uses the system clock.
func GetMemoryRegistry(pageSize int, ttl time.Duration, clock common.Clock) Registry {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if clock == nil {
		clock = common.SystemClock
	}
	logTags := log.Fields{"module": "subscription", "component": "memory-registry"}
	return &memoryRegistry{
		Component:      common.Component{LogTags: logTags},
		pageSize:       pageSize,
		ttl:            ttl,
		now:            clock,
		bySubscription: make(map[string]map[string]common.Subscriber),
		byEvent:        make(map[string]map[string]bool),
		byConnection:   make(map[string]map[string]bool),
	}
}

func addToIndex(index map[string]map[string]bool, key, member string) {
	entries, ok := index[key]
	if !ok {
		entries = make(map[string]bool)
		index[key] = entries
	}
	entries[member] = true
}

func removeFromIndex(index map[string]map[string]bool, key, member string) {
	if entries, ok := index[key]; ok {
		delete(entries, member)
		if len(entries) == 0 {
			delete(index, key)
		}
	}
}

// SubscribersByEventName fetch one page of subscribers of an event
func (r *memoryRegistry) SubscribersByEventName(
	_ context.Context, name string, cursor *string,
) (Page, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	now := r.now()
	subIDs := make([]string, 0, len(r.byEvent[name]))
	for subID := range r.byEvent[name] {
		if cursor == nil || subID > *cursor {
			subIDs = append(subIDs, subID)
		}
	}
	sort.Strings(subIDs)
	page := Page{Subscribers: []common.Subscriber{}}
	for idx, subID := range subIDs {
		if idx == r.pageSize {
			last := subIDs[r.pageSize-1]
			page.NextCursor = &last
			break
		}
		sub := r.bySubscription[subID][name]
		if sub.IsExpired(now) {
			continue
		}
		page.Subscribers = append(page.Subscribers, sub)
	}
	return page, nil
}

// Subscribe register a connection operation against event names
func (r *memoryRegistry) Subscribe(
	_ context.Context,
	names []string,
	connection common.Connection,
	operation common.IdentifiedOperationRequest,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	expiresAt := expiryFrom(r.now(), r.ttl)
	subID := common.SubscriptionID(connection.ID, operation.OperationID)
	byName, ok := r.bySubscription[subID]
	if !ok {
		byName = make(map[string]common.Subscriber)
		r.bySubscription[subID] = byName
	}
	for _, name := range names {
		if existing, ok := byName[name]; ok && !existing.IsExpired(r.now()) {
			log.WithFields(r.LogTags).Debugf("Subscriber %s already on %s", subID, name)
			continue
		}
		byName[name] = newSubscriber(name, connection, operation, expiresAt)
		addToIndex(r.byEvent, name, subID)
		addToIndex(r.byConnection, connection.ID, subID)
	}
	return nil
}

func (r *memoryRegistry) removeSubscriber(connectionID, subID, name string) {
	if byName, ok := r.bySubscription[subID]; ok {
		delete(byName, name)
		if len(byName) == 0 {
			delete(r.bySubscription, subID)
			removeFromIndex(r.byConnection, connectionID, subID)
		}
	}
	removeFromIndex(r.byEvent, name, subID)
}

// Unsubscribe remove one subscriber
func (r *memoryRegistry) Unsubscribe(_ context.Context, subscriber common.Subscriber) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.removeSubscriber(subscriber.Connection.ID, subscriber.SubscriptionID, subscriber.Event)
	return nil
}

// UnsubscribeOperation remove the subscribers of one connection operation
func (r *memoryRegistry) UnsubscribeOperation(
	_ context.Context, connectionID, operationID string,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	subID := common.SubscriptionID(connectionID, operationID)
	for name := range r.bySubscription[subID] {
		r.removeSubscriber(connectionID, subID, name)
	}
	return nil
}

// UnsubscribeAllByConnectionID remove every subscriber of a connection
func (r *memoryRegistry) UnsubscribeAllByConnectionID(
	_ context.Context, connectionID string,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	removed := 0
	for subID := range r.byConnection[connectionID] {
		for name := range r.bySubscription[subID] {
			r.removeSubscriber(connectionID, subID, name)
			removed++
		}
	}
	log.WithFields(r.LogTags).Debugf("Removed %d subscribers of %s", removed, connectionID)
	return nil
}
