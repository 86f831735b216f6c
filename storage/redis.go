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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/gqlgate/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// redisTable Table backed by Redis
//
// Each partition is a sorted set of sort keys, all scored 0 so ZRANGEBYLEX
// pages through them in key order. Each item value lives in its own string
// key carrying the item TTL. A sort key whose value key has expired is an
// orphan, and is pruned the next time a query runs into it.
type redisTable struct {
	common.Component
	client redis.UniversalClient
	prefix string
}

// NewRedisTable define a Table over a Redis client
func NewRedisTable(client redis.UniversalClient, keyPrefix string) (Table, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client not provided")
	}
	logTags := log.Fields{
		"module": "storage", "component": "redis-table", "instance": keyPrefix,
	}
	return &redisTable{
		Component: common.Component{LogTags: logTags},
		client:    client,
		prefix:    keyPrefix,
	}, nil
}

func (t *redisTable) partitionKey(partition string) string {
	return fmt.Sprintf("%s:part:%s", t.prefix, partition)
}

// itemKey the value key. The partition length keeps the composite unambiguous.
func (t *redisTable) itemKey(key Key) string {
	return fmt.Sprintf("%s:item:%d:%s:%s", t.prefix, len(key.Partition), key.Partition, key.Sort)
}

func (t *redisTable) queueWrite(ctxt context.Context, pipe redis.Pipeliner, item Item) error {
	serialized, err := json.Marshal(&record{Value: item.Value, ExpiresAt: item.ExpiresAt})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to serialize %s", item.Key)
		return err
	}
	itemKey := t.itemKey(item.Key)
	pipe.Set(ctxt, itemKey, serialized, 0)
	if item.ExpiresAt != nil {
		pipe.PExpireAt(ctxt, itemKey, *item.ExpiresAt)
	}
	pipe.ZAdd(ctxt, t.partitionKey(item.Partition), redis.Z{Score: 0, Member: item.Sort})
	return nil
}

func (t *redisTable) queueDelete(ctxt context.Context, pipe redis.Pipeliner, key Key) {
	pipe.Del(ctxt, t.itemKey(key))
	pipe.ZRem(ctxt, t.partitionKey(key.Partition), key.Sort)
}

func decodeRecord(key Key, raw []byte) (Item, error) {
	var stored record
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Item{}, err
	}
	return Item{Key: key, Value: stored.Value, ExpiresAt: stored.ExpiresAt}, nil
}

// Get read one item
func (t *redisTable) Get(ctxt context.Context, key Key) (Item, error) {
	raw, err := t.client.Get(ctxt, t.itemKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Item{}, ErrItemNotFound
		}
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to GET %s", key)
		return Item{}, err
	}
	item, err := decodeRecord(key, raw)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to parse %s", key)
		return Item{}, err
	}
	return item, nil
}

// Put write one item
func (t *redisTable) Put(ctxt context.Context, item Item) error {
	return t.BatchWrite(ctxt, []Item{item})
}

// Delete remove one item
func (t *redisTable) Delete(ctxt context.Context, key Key) error {
	return t.BatchDelete(ctxt, []Key{key})
}

// BatchWrite write items in one MULTI/EXEC
func (t *redisTable) BatchWrite(ctxt context.Context, items []Item) error {
	if err := checkBatchSize(len(items)); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Batch write rejected")
		return err
	}
	if len(items) == 0 {
		return nil
	}
	_, err := t.client.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		for _, item := range items {
			if err := t.queueWrite(ctxt, pipe, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to write %d items", len(items))
	}
	return err
}

// BatchDelete remove items in one MULTI/EXEC
func (t *redisTable) BatchDelete(ctxt context.Context, keys []Key) error {
	if err := checkBatchSize(len(keys)); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Batch delete rejected")
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err := t.client.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			t.queueDelete(ctxt, pipe, key)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to delete %d items", len(keys))
	}
	return err
}

// TransactionalDelete remove items in one MULTI/EXEC
func (t *redisTable) TransactionalDelete(ctxt context.Context, keys []Key) error {
	return t.BatchDelete(ctxt, keys)
}

// Query read a page of a partition
func (t *redisTable) Query(
	ctxt context.Context, partition string, cursor *string, limit int,
) (QueryResult, error) {
	if err := checkQueryLimit(limit); err != nil {
		return QueryResult{}, err
	}
	partKey := t.partitionKey(partition)
	minBound := "-"
	if cursor != nil {
		minBound = "(" + *cursor
	}
	// Read one extra to learn whether another page exists
	members, err := t.client.ZRangeByLex(ctxt, partKey, &redis.ZRangeBy{
		Min: minBound, Max: "+", Offset: 0, Count: int64(limit + 1),
	}).Result()
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to query partition %s", partition)
		return QueryResult{}, err
	}
	result := QueryResult{Items: []Item{}}
	if len(members) > limit {
		members = members[:limit]
		last := members[limit-1]
		result.NextCursor = &last
	}
	if len(members) == 0 {
		return result, nil
	}

	itemKeys := make([]string, len(members))
	for idx, member := range members {
		itemKeys[idx] = t.itemKey(Key{Partition: partition, Sort: member})
	}
	values, err := t.client.MGet(ctxt, itemKeys...).Result()
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to read partition %s", partition)
		return QueryResult{}, err
	}

	orphans := []interface{}{}
	for idx, value := range values {
		key := Key{Partition: partition, Sort: members[idx]}
		raw, ok := value.(string)
		if !ok {
			orphans = append(orphans, members[idx])
			continue
		}
		item, err := decodeRecord(key, []byte(raw))
		if err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf("Unable to parse %s", key)
			return QueryResult{}, err
		}
		result.Items = append(result.Items, item)
	}
	if len(orphans) > 0 {
		if err := t.client.ZRem(ctxt, partKey, orphans...).Err(); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Failed to prune %d orphans of %s", len(orphans), partition,
			)
		} else {
			log.WithFields(t.LogTags).Debugf("Pruned %d orphans of %s", len(orphans), partition)
		}
	}
	return result, nil
}

// Close close the Redis client
func (t *redisTable) Close() error {
	if err := t.client.Close(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Failed to close driver")
		return err
	}
	return nil
}
