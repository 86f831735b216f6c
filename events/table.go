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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/alwitt/gqlgate/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// eventLogPartition the table partition holding the event log
const eventLogPartition = "events"

// tableStore Store which appends events to a storage.Table before notifying a Sink
type tableStore struct {
	common.Component
	table   storage.Table
	sink    Sink
	ttl     time.Duration
	now     common.Clock
	metrics *metrics.Collector
	seq     atomic.Uint64
}

// GetTableStore define a Store appending to a table log
//
// Events without their own TTL expire after ttl. A zero ttl keeps them.
func GetTableStore(
	table storage.Table, sink Sink, ttl time.Duration, clock common.Clock, collector *metrics.Collector,
) (Store, error) {
	if table == nil || sink == nil {
		return nil, fmt.Errorf("table event store requires a table and a sink")
	}
	if clock == nil {
		clock = common.SystemClock
	}
	logTags := log.Fields{"module": "events", "component": "table-store"}
	return &tableStore{
		Component: common.Component{LogTags: logTags},
		table:     table,
		sink:      sink,
		ttl:       ttl,
		now:       clock,
		metrics:   collector,
	}, nil
}

// Publish append the event then notify the sink
func (s *tableStore) Publish(ctxt context.Context, event common.SubscriptionEvent) error {
	logTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := validateEvent(event); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid event")
		return err
	}
	now := s.now()
	if event.TTL == nil && s.ttl > 0 {
		expiry := now.Add(s.ttl).Unix()
		event.TTL = &expiry
	}
	serialized, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize event")
		return err
	}
	item := storage.Item{
		Key: storage.Key{
			Partition: eventLogPartition,
			// time ordered, unique per publish
			Sort: fmt.Sprintf(
				"%020d-%010d-%s", now.UnixNano(), s.seq.Add(1), uuid.New().String(),
			),
		},
		Value: serialized,
	}
	if event.TTL != nil {
		expires := time.Unix(*event.TTL, 0).UTC()
		item.ExpiresAt = &expires
	}
	if err := s.table.Put(ctxt, item); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to append event %s", event.Event)
		return err
	}
	s.metrics.EventPublished(event.Event)
	if err := s.sink.ProcessBatch(
		ctxt, []common.EventRecord{{ChangeType: common.ChangeInsert, Event: event}},
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to process event %s", event.Event)
		return err
	}
	return nil
}
