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

package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/connection"
	"github.com/alwitt/gqlgate/demo"
	"github.com/alwitt/gqlgate/executor"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/alwitt/gqlgate/protocol"
	"github.com/alwitt/gqlgate/storage"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fanoutFixture struct {
	registry    subscription.Registry
	push        *connection.LoopbackPushChannel
	connections connection.Manager
	collector   *metrics.Collector
	uut         EventProcessor
}

func newFanoutFixture(t *testing.T, pageSize int) fanoutFixture {
	schema, err := demo.NewSchema(nil)
	require.Nil(t, err)
	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	require.Nil(t, err)
	registry := subscription.GetMemoryRegistry(pageSize, 0, nil)
	push := connection.NewLoopbackPushChannel()
	connections, err := connection.GetManager(connection.ManagerParams{
		Table:    storage.NewMemoryTable("connections"),
		Registry: registry,
		Push:     push,
	})
	require.Nil(t, err)
	exec, err := executor.GetExecutor(executor.Params{
		Engine:      executor.NewGraphQLGoEngine(schema),
		Registry:    registry,
		Connections: connections,
	})
	require.Nil(t, err)
	uut, err := GetEventProcessor(ProcessorParams{
		Registry:    registry,
		Executor:    exec,
		Connections: connections,
		Concurrency: pageSize,
		Metrics:     collector,
	})
	require.Nil(t, err)
	return fanoutFixture{
		registry: registry, push: push, connections: connections, collector: collector, uut: uut,
	}
}

// subscribe register and open a connection subscribed to the message feed
func (f fanoutFixture) subscribe(
	t *testing.T, connID, opID, authorID string, variant common.ProtocolVariant, open bool,
) {
	ctxt := context.Background()
	conn, err := f.connections.RegisterConnection(ctxt, connection.RegisterParams{
		ConnectionID: connID, Endpoint: "unit-test", Protocol: variant,
	})
	require.Nil(t, err)
	if open {
		f.push.Open(connID)
	}
	variables := map[string]interface{}{}
	if authorID != "" {
		variables["authorId"] = authorID
	}
	require.Nil(t, f.registry.Subscribe(ctxt, []string{demo.MessageEvent}, conn,
		common.IdentifiedOperationRequest{
			OperationRequest: common.OperationRequest{
				Query: demo.FeedSubscription, Variables: variables,
			},
			OperationID: opID,
		},
	))
}

func messageRecord(t *testing.T, authorID, text string) common.EventRecord {
	event, err := demo.MessageEventOf(demo.Message{AuthorID: authorID, Text: text})
	require.Nil(t, err)
	return common.EventRecord{ChangeType: common.ChangeInsert, Event: event}
}

// received decode the feed texts pushed to a connection
func received(
	t *testing.T, push *connection.LoopbackPushChannel, connID string, variant common.ProtocolVariant,
) ([]string, []string) {
	codec, err := protocol.GetCodec(variant)
	require.Nil(t, err)
	texts := []string{}
	opIDs := []string{}
	for _, raw := range push.Messages(connID) {
		frame, err := codec.ParseFrame(raw)
		require.Nil(t, err)
		require.Equal(t, protocol.KindData, codec.Kind(frame.Type))
		var result struct {
			Data struct {
				MessageFeed demo.Message `json:"messageFeed"`
			} `json:"data"`
		}
		require.Nil(t, json.Unmarshal(frame.Payload, &result))
		texts = append(texts, result.Data.MessageFeed.Text)
		opIDs = append(opIDs, frame.ID)
	}
	return texts, opIDs
}

func TestProcessorFilteredDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	fixture := newFanoutFixture(t, 50)
	fixture.subscribe(t, "conn-1", "op-a", "1", common.ProtocolCurrent, true)
	fixture.subscribe(t, "conn-2", "op-b", "2", common.ProtocolLegacy, true)

	// Case 0: A/C to author 1, B/D to author 2, in order
	{
		assert.Nil(fixture.uut.ProcessBatch(utCtxt, []common.EventRecord{
			messageRecord(t, "1", "A"),
			messageRecord(t, "2", "B"),
			messageRecord(t, "1", "C"),
			messageRecord(t, "2", "D"),
		}))
		texts, opIDs := received(t, fixture.push, "conn-1", common.ProtocolCurrent)
		assert.Equal([]string{"A", "C"}, texts)
		assert.Equal([]string{"op-a", "op-a"}, opIDs)
		texts, opIDs = received(t, fixture.push, "conn-2", common.ProtocolLegacy)
		assert.Equal([]string{"B", "D"}, texts)
		assert.Equal([]string{"op-b", "op-b"}, opIDs)
		assert.Equal(4.0, testutil.ToFloat64(fixture.collector.DeliveryCounter(metrics.DeliveryOK)))
		assert.Equal(4.0, testutil.ToFloat64(fixture.collector.DeliveryCounter(metrics.DeliveryNoMatch)))
	}

	// Case 1: non insert records and markers are skipped
	{
		modify := messageRecord(t, "1", "modified")
		modify.ChangeType = common.ChangeModify
		remove := messageRecord(t, "1", "removed")
		remove.ChangeType = common.ChangeRemove
		marker := messageRecord(t, "1", "marker")
		marker.Event.Event = InsertMarkerEvent
		assert.Nil(fixture.uut.ProcessBatch(utCtxt, []common.EventRecord{modify, remove, marker}))
		texts, _ := received(t, fixture.push, "conn-1", common.ProtocolCurrent)
		assert.Equal([]string{"A", "C"}, texts)
	}

	// Case 2: event without subscribers
	{
		assert.Nil(fixture.uut.ProcessBatch(utCtxt, []common.EventRecord{
			{ChangeType: common.ChangeInsert, Event: common.SubscriptionEvent{Event: "nobody"}},
		}))
	}
}

func TestProcessorEveryPageDelivered(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	fixture := newFanoutFixture(t, 3)
	subscribers := 10
	for itr := 0; itr < subscribers; itr++ {
		fixture.subscribe(
			t, fmt.Sprintf("conn-%d", itr), fmt.Sprintf("op-%d", itr), "", common.ProtocolCurrent, true,
		)
	}

	// Case 0: every subscriber receives exactly one delivery tagged with its operation
	assert.Nil(fixture.uut.ProcessBatch(utCtxt, []common.EventRecord{messageRecord(t, "9", "hi")}))
	for itr := 0; itr < subscribers; itr++ {
		texts, opIDs := received(t, fixture.push, fmt.Sprintf("conn-%d", itr), common.ProtocolCurrent)
		assert.Equal([]string{"hi"}, texts)
		assert.Equal([]string{fmt.Sprintf("op-%d", itr)}, opIDs)
	}
}

func TestProcessorGoneConnection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	fixture := newFanoutFixture(t, 10)
	fixture.subscribe(t, "live", "op-1", "", common.ProtocolCurrent, true)
	fixture.subscribe(t, "gone", "op-1", "", common.ProtocolCurrent, false)

	// Case 0: the gone connection does not stop the live one
	assert.Nil(fixture.uut.ProcessBatch(utCtxt, []common.EventRecord{messageRecord(t, "1", "first")}))
	texts, _ := received(t, fixture.push, "live", common.ProtocolCurrent)
	assert.Equal([]string{"first"}, texts)

	// Case 1: the gone connection was torn down
	{
		_, err := fixture.connections.HydrateConnection(utCtxt, "gone")
		assert.True(common.IsConnectionNotFound(err))
		page, err := fixture.registry.SubscribersByEventName(utCtxt, demo.MessageEvent, nil)
		assert.Nil(err)
		assert.Len(page.Subscribers, 1)
		assert.Equal("live", page.Subscribers[0].Connection.ID)
	}
}

func TestProcessorParams(t *testing.T) {
	assert := assert.New(t)
	_, err := GetEventProcessor(ProcessorParams{})
	assert.NotNil(err)
}
