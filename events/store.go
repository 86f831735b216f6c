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

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Sink receives batches of newly published event records, in publish order
type Sink interface {
	ProcessBatch(ctxt context.Context, records []common.EventRecord) error
}

// Store append-only publish of named events
type Store interface {
	// Publish record a new event for delivery to its subscribers
	Publish(ctxt context.Context, event common.SubscriptionEvent) error
}

func validateEvent(event common.SubscriptionEvent) error {
	return validator.New().Struct(&event)
}

// memoryStore Store which hands events straight to a Sink
type memoryStore struct {
	common.Component
	sink    Sink
	metrics *metrics.Collector
}

// GetMemoryStore define a Store delivering each event to sink before Publish returns
func GetMemoryStore(sink Sink, collector *metrics.Collector) Store {
	logTags := log.Fields{"module": "events", "component": "memory-store"}
	return &memoryStore{
		Component: common.Component{LogTags: logTags}, sink: sink, metrics: collector,
	}
}

// Publish deliver the event to the sink
func (s *memoryStore) Publish(ctxt context.Context, event common.SubscriptionEvent) error {
	logTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := validateEvent(event); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid event")
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
