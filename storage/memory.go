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

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/apex/log"
)

// MemoryTable process local Table
//
// Expired items are kept until Reap is called, mirroring backends whose
// TTL expiry is eventually consistent.
type MemoryTable struct {
	common.Component
	lock       sync.RWMutex
	partitions map[string]map[string]Item
}

// NewMemoryTable define a new process local table
func NewMemoryTable(name string) *MemoryTable {
	logTags := log.Fields{
		"module": "storage", "component": "memory-table", "instance": name,
	}
	return &MemoryTable{
		Component:  common.Component{LogTags: logTags},
		partitions: make(map[string]map[string]Item),
	}
}

func copyItem(item Item) Item {
	dup := item
	if item.Value != nil {
		dup.Value = append([]byte(nil), item.Value...)
	}
	if item.ExpiresAt != nil {
		exp := *item.ExpiresAt
		dup.ExpiresAt = &exp
	}
	return dup
}

// Get read one item
func (t *MemoryTable) Get(_ context.Context, key Key) (Item, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if part, ok := t.partitions[key.Partition]; ok {
		if item, ok := part[key.Sort]; ok {
			return copyItem(item), nil
		}
	}
	return Item{}, ErrItemNotFound
}

func (t *MemoryTable) put(item Item) {
	part, ok := t.partitions[item.Partition]
	if !ok {
		part = make(map[string]Item)
		t.partitions[item.Partition] = part
	}
	part[item.Sort] = copyItem(item)
}

func (t *MemoryTable) delete(key Key) {
	if part, ok := t.partitions[key.Partition]; ok {
		delete(part, key.Sort)
		if len(part) == 0 {
			delete(t.partitions, key.Partition)
		}
	}
}

// Put write one item
func (t *MemoryTable) Put(_ context.Context, item Item) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.put(item)
	return nil
}

// Delete remove one item
func (t *MemoryTable) Delete(_ context.Context, key Key) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.delete(key)
	return nil
}

// BatchWrite write items together
func (t *MemoryTable) BatchWrite(_ context.Context, items []Item) error {
	if err := checkBatchSize(len(items)); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Batch write rejected")
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, item := range items {
		t.put(item)
	}
	return nil
}

// BatchDelete remove items together
func (t *MemoryTable) BatchDelete(_ context.Context, keys []Key) error {
	if err := checkBatchSize(len(keys)); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Batch delete rejected")
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, key := range keys {
		t.delete(key)
	}
	return nil
}

// TransactionalDelete remove items in one step
func (t *MemoryTable) TransactionalDelete(ctxt context.Context, keys []Key) error {
	return t.BatchDelete(ctxt, keys)
}

// Query read a page of a partition
func (t *MemoryTable) Query(
	_ context.Context, partition string, cursor *string, limit int,
) (QueryResult, error) {
	if err := checkQueryLimit(limit); err != nil {
		return QueryResult{}, err
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	part := t.partitions[partition]
	sortKeys := make([]string, 0, len(part))
	for sortKey := range part {
		if cursor == nil || sortKey > *cursor {
			sortKeys = append(sortKeys, sortKey)
		}
	}
	sort.Strings(sortKeys)
	result := QueryResult{Items: []Item{}}
	for idx, sortKey := range sortKeys {
		if idx == limit {
			last := sortKeys[limit-1]
			result.NextCursor = &last
			break
		}
		result.Items = append(result.Items, copyItem(part[sortKey]))
	}
	return result, nil
}

// Reap physically remove every item expired at the given time
func (t *MemoryTable) Reap(now time.Time) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	removed := 0
	for partition, part := range t.partitions {
		for sortKey, item := range part {
			if item.IsExpired(now) {
				delete(part, sortKey)
				removed++
			}
		}
		if len(part) == 0 {
			delete(t.partitions, partition)
		}
	}
	if removed > 0 {
		log.WithFields(t.LogTags).Debugf("Reaped %d expired items", removed)
	}
	return removed
}

// Close no-op
func (t *MemoryTable) Close() error {
	return nil
}
