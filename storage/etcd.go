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
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/apex/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdTable Table backed by an etcd cluster
//
// Items are stored at "<prefix>/<partition>/<sort>" with both key parts path
// escaped, so a partition is a contiguous key range. TTL is enforced by a
// lease attached to the item.
type etcdTable struct {
	common.Component
	client *clientv3.Client
	prefix string
	now    common.Clock
}

// NewEtcdTable define a Table over an etcd client
func NewEtcdTable(client *clientv3.Client, keyPrefix string, clock common.Clock) (Table, error) {
	if client == nil {
		return nil, fmt.Errorf("etcd client not provided")
	}
	if clock == nil {
		clock = common.SystemClock
	}
	logTags := log.Fields{
		"module": "storage", "component": "etcd-table", "instance": keyPrefix,
	}
	return &etcdTable{
		Component: common.Component{LogTags: logTags},
		client:    client,
		prefix:    strings.TrimSuffix(keyPrefix, "/"),
		now:       clock,
	}, nil
}

func (t *etcdTable) partitionPrefix(partition string) string {
	return fmt.Sprintf("%s/%s/", t.prefix, url.PathEscape(partition))
}

func (t *etcdTable) itemKey(key Key) string {
	return t.partitionPrefix(key.Partition) + url.PathEscape(key.Sort)
}

func (t *etcdTable) decodeItem(partition string, rawKey, rawValue []byte) (Item, error) {
	sortKey, err := url.PathUnescape(strings.TrimPrefix(string(rawKey), t.partitionPrefix(partition)))
	if err != nil {
		return Item{}, err
	}
	var stored record
	if err := json.Unmarshal(rawValue, &stored); err != nil {
		return Item{}, err
	}
	return Item{
		Key:       Key{Partition: partition, Sort: sortKey},
		Value:     stored.Value,
		ExpiresAt: stored.ExpiresAt,
	}, nil
}

// putOp build the PUT operation for an item, granting a lease when it has a TTL
func (t *etcdTable) putOp(ctxt context.Context, item Item) (clientv3.Op, error) {
	serialized, err := json.Marshal(&record{Value: item.Value, ExpiresAt: item.ExpiresAt})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to serialize %s", item.Key)
		return clientv3.Op{}, err
	}
	opts := []clientv3.OpOption{}
	if item.ExpiresAt != nil {
		lease, err := t.client.Grant(ctxt, leaseTTL(*item.ExpiresAt, t.now()))
		if err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf("Unable to grant lease for %s", item.Key)
			return clientv3.Op{}, err
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	return clientv3.OpPut(t.itemKey(item.Key), string(serialized), opts...), nil
}

// Get read one item
func (t *etcdTable) Get(ctxt context.Context, key Key) (Item, error) {
	resp, err := t.client.Get(ctxt, t.itemKey(key))
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to GET %s", key)
		return Item{}, err
	}
	if len(resp.Kvs) != 1 {
		return Item{}, ErrItemNotFound
	}
	item, err := t.decodeItem(key.Partition, resp.Kvs[0].Key, resp.Kvs[0].Value)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to parse %s", key)
		return Item{}, err
	}
	return item, nil
}

// Put write one item
func (t *etcdTable) Put(ctxt context.Context, item Item) error {
	op, err := t.putOp(ctxt, item)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(ctxt, op)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to PUT %s", item.Key)
		return err
	}
	if put := resp.Put(); put != nil && put.Header != nil {
		log.WithFields(t.LogTags).Debugf("PUT %s@%d", item.Key, put.Header.Revision)
	}
	return nil
}

// Delete remove one item
func (t *etcdTable) Delete(ctxt context.Context, key Key) error {
	if _, err := t.client.Delete(ctxt, t.itemKey(key)); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to DELETE %s", key)
		return err
	}
	return nil
}

// commit apply a group of operations in one transaction
func (t *etcdTable) commit(ctxt context.Context, ops []clientv3.Op) error {
	if len(ops) == 0 {
		return nil
	}
	resp, err := t.client.Txn(ctxt).Then(ops...).Commit()
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to commit %d ops", len(ops))
		return err
	}
	if !resp.Succeeded {
		err := fmt.Errorf("transaction of %d ops not applied", len(ops))
		log.WithError(err).WithFields(t.LogTags).Error("Commit failed")
		return err
	}
	return nil
}

// BatchWrite write items together
func (t *etcdTable) BatchWrite(ctxt context.Context, items []Item) error {
	if err := checkBatchSize(len(items)); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Batch write rejected")
		return err
	}
	ops := make([]clientv3.Op, 0, len(items))
	for _, item := range items {
		op, err := t.putOp(ctxt, item)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	return t.commit(ctxt, ops)
}

func (t *etcdTable) deleteOps(keys []Key) []clientv3.Op {
	ops := make([]clientv3.Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, clientv3.OpDelete(t.itemKey(key)))
	}
	return ops
}

// BatchDelete remove items together
func (t *etcdTable) BatchDelete(ctxt context.Context, keys []Key) error {
	if err := checkBatchSize(len(keys)); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Batch delete rejected")
		return err
	}
	return t.commit(ctxt, t.deleteOps(keys))
}

// TransactionalDelete remove items in one transaction
func (t *etcdTable) TransactionalDelete(ctxt context.Context, keys []Key) error {
	if err := checkBatchSize(len(keys)); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Transactional delete rejected")
		return err
	}
	return t.commit(ctxt, t.deleteOps(keys))
}

// Query read a page of a partition
func (t *etcdTable) Query(
	ctxt context.Context, partition string, cursor *string, limit int,
) (QueryResult, error) {
	if err := checkQueryLimit(limit); err != nil {
		return QueryResult{}, err
	}
	partPrefix := t.partitionPrefix(partition)
	start := partPrefix
	if cursor != nil {
		// first key strictly after the cursor
		start = partPrefix + url.PathEscape(*cursor) + "\x00"
	}
	resp, err := t.client.Get(
		ctxt,
		start,
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(partPrefix)),
		clientv3.WithLimit(int64(limit)),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to query partition %s", partition)
		return QueryResult{}, err
	}
	result := QueryResult{Items: make([]Item, 0, len(resp.Kvs))}
	for _, kv := range resp.Kvs {
		item, err := t.decodeItem(partition, kv.Key, kv.Value)
		if err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf("Unable to parse %s", kv.Key)
			return QueryResult{}, err
		}
		result.Items = append(result.Items, item)
	}
	if resp.More && len(result.Items) > 0 {
		last := result.Items[len(result.Items)-1].Sort
		result.NextCursor = &last
	}
	return result, nil
}

// Close close the etcd client
func (t *etcdTable) Close() error {
	if err := t.client.Close(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Failed to close driver")
		return err
	}
	return nil
}

// leaseTTL the lease TTL in seconds for an expiry. etcd leases are at least one second.
func leaseTTL(expiresAt time.Time, now time.Time) int64 {
	ttl := int64(math.Ceil(expiresAt.Sub(now).Seconds()))
	if ttl < 1 {
		return 1
	}
	return ttl
}
