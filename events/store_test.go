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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/core"
	"github.com/alwitt/gqlgate/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	lock    sync.Mutex
	records []common.EventRecord
}

func (s *recordingSink) ProcessBatch(_ context.Context, records []common.EventRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *recordingSink) events() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := []string{}
	for _, record := range s.records {
		result = append(result, record.Event.Event)
	}
	return result
}

func TestMemoryStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctxt := context.Background()

	sink := &recordingSink{}
	uut := GetMemoryStore(sink, nil)

	// Case 0: invalid event
	assert.NotNil(uut.Publish(ctxt, common.SubscriptionEvent{}))

	// Case 1: events reach the sink in order
	for _, name := range []string{"a", "b", "c"} {
		assert.Nil(uut.Publish(ctxt, common.SubscriptionEvent{
			Event: name, Payload: json.RawMessage(`{"n":1}`),
		}))
	}
	assert.Equal([]string{"a", "b", "c"}, sink.events())
	for _, record := range sink.records {
		assert.Equal(common.ChangeInsert, record.ChangeType)
	}
}

func TestTableStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctxt := context.Background()

	now := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return now }
	table := storage.NewMemoryTable("events")
	sink := &recordingSink{}

	_, err := GetTableStore(nil, sink, time.Minute, clock, nil)
	assert.NotNil(err)

	uut, err := GetTableStore(table, sink, time.Minute, clock, nil)
	assert.Nil(err)

	// Case 0: event without TTL gets the store default
	assert.Nil(uut.Publish(ctxt, common.SubscriptionEvent{
		Event: "test", Payload: json.RawMessage(`{"text":"hi"}`),
	}))
	{
		page, err := table.Query(ctxt, eventLogPartition, nil, 10)
		assert.Nil(err)
		assert.Len(page.Items, 1)
		assert.NotNil(page.Items[0].ExpiresAt)
		assert.Equal(now.Add(time.Minute), *page.Items[0].ExpiresAt)
		var stored common.SubscriptionEvent
		assert.Nil(json.Unmarshal(page.Items[0].Value, &stored))
		assert.Equal("test", stored.Event)
		assert.JSONEq(`{"text":"hi"}`, string(stored.Payload))
	}

	// Case 1: event with its own TTL
	ttl := now.Add(time.Hour).Unix()
	assert.Nil(uut.Publish(ctxt, common.SubscriptionEvent{
		Event: "other", Payload: json.RawMessage(`1`), TTL: &ttl,
	}))
	{
		page, err := table.Query(ctxt, eventLogPartition, nil, 10)
		assert.Nil(err)
		assert.Len(page.Items, 2)
		assert.Equal(now.Add(time.Hour), *page.Items[1].ExpiresAt)
	}
	assert.Equal([]string{"test", "other"}, sink.events())

	// Case 2: the log expires
	assert.Equal(2, table.Reap(now.Add(2*time.Hour)))
}

func TestEventNames(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("gqlgate.events.test", EventSubject("gqlgate.events", "test"))
	assert.Nil(ValidateEventName("test-event_1"))
	assert.NotNil(ValidateEventName(""))
	assert.NotNil(ValidateEventName("a.b"))
	assert.NotNil(ValidateEventName("a*"))
	assert.NotNil(ValidateEventName("a b"))
}

func TestJetStreamStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	natsURL := common.GetUnitTestEnv("UNITTEST_NATS_URL")
	if natsURL == "" {
		t.Skip("UNITTEST_NATS_URL not set")
	}
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	client, err := core.GetJetStream(core.NATSConnectParams{
		ServerURI: natsURL, ConnectTimeout: time.Second, MaxReconnectAttempt: 0,
	})
	assert.Nil(err)
	defer client.Close(ctxt)

	_, err = GetJetStreamStore(nil, "unit", nil)
	assert.NotNil(err)

	uut, err := GetJetStreamStore(&client, "gqlgate-unittest", nil)
	assert.Nil(err)

	// Case 0: invalid subject token
	assert.NotNil(uut.Publish(ctxt, common.SubscriptionEvent{Event: "a.b"}))
}
