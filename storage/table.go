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
	"errors"
	"fmt"
	"time"
)

// MaxBatchSize the max number of items touched by one batch or transactional mutation
const MaxBatchSize = 25

// ErrItemNotFound the requested item does not exist
var ErrItemNotFound = errors.New("item not found")

// Key composite key of a table item
type Key struct {
	// Partition groups items which are queried together
	Partition string `json:"partition" validate:"required"`
	// Sort orders items within a partition
	Sort string `json:"sort" validate:"required"`
}

// String human readable key
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Partition, k.Sort)
}

// Item one table item
type Item struct {
	Key
	// Value is the opaque item content
	Value []byte `json:"value"`
	// ExpiresAt when the item should be considered deleted. The backend reaps
	// expired items on a best-effort basis, so readers must check it as well.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// IsExpired whether the item's TTL has passed
func (i Item) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// QueryResult one page of a partition query
type QueryResult struct {
	// Items the items in sort key order
	Items []Item
	// NextCursor is the sort key to continue after. Nil when the partition is exhausted.
	NextCursor *string
}

// Table a partitioned key-value table offering per-item atomicity, bounded batch
// mutation, paginated range queries and TTL
type Table interface {
	// Get read one item. Returns ErrItemNotFound if it does not exist.
	Get(ctxt context.Context, key Key) (Item, error)
	// Put write one item
	Put(ctxt context.Context, item Item) error
	// Delete remove one item. Removing a missing item is not an error.
	Delete(ctxt context.Context, key Key) error
	// BatchWrite write up to MaxBatchSize items together
	BatchWrite(ctxt context.Context, items []Item) error
	// BatchDelete remove up to MaxBatchSize items together
	BatchDelete(ctxt context.Context, keys []Key) error
	// Query read up to limit items of a partition in sort key order, starting
	// after cursor when one is given
	Query(ctxt context.Context, partition string, cursor *string, limit int) (QueryResult, error)
	// TransactionalDelete remove up to MaxBatchSize items in one all-or-nothing step
	TransactionalDelete(ctxt context.Context, keys []Key) error
	// Close release the backend connection
	Close() error
}

// checkBatchSize verify a batch mutation respects the batch limit
func checkBatchSize(size int) error {
	if size > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit of %d", size, MaxBatchSize)
	}
	return nil
}

// checkQueryLimit verify a query limit is usable
func checkQueryLimit(limit int) error {
	if limit < 1 {
		return fmt.Errorf("query limit must be positive: %d", limit)
	}
	return nil
}

// record serialized form of an Item value for backends storing opaque bytes
type record struct {
	Value     []byte     `json:"v"`
	ExpiresAt *time.Time `json:"e,omitempty"`
}
