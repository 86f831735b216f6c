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

package connection

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/storage"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type managerFixture struct {
	uut      Manager
	table    *storage.MemoryTable
	registry subscription.Registry
	push     *LoopbackPushChannel
	now      time.Time
}

func newManagerFixture(t *testing.T, ttl time.Duration) *managerFixture {
	fixture := &managerFixture{
		table:    storage.NewMemoryTable("testing"),
		registry: subscription.GetMemoryRegistry(10, 0, nil),
		push:     NewLoopbackPushChannel(),
		now:      time.Now().UTC(),
	}
	uut, err := GetManager(ManagerParams{
		Table:    fixture.table,
		Registry: fixture.registry,
		Push:     fixture.push,
		TTL:      ttl,
		PageSize: 2,
		Clock:    func() time.Time { return fixture.now },
	})
	require.Nil(t, err)
	fixture.uut = uut
	return fixture
}

func (f *managerFixture) subscriberCount(t *testing.T, event string) int {
	count := 0
	assert.Nil(t, subscription.ForEachPage(
		context.Background(), f.registry, event,
		func(_ context.Context, subs []common.Subscriber) error {
			count += len(subs)
			return nil
		},
	))
	return count
}

func TestManagerParams(t *testing.T) {
	assert := assert.New(t)
	_, err := GetManager(ManagerParams{})
	assert.NotNil(err)
	_, err = GetManager(ManagerParams{Table: storage.NewMemoryTable("testing")})
	assert.NotNil(err)
}

func TestConnectionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()
	fixture := newManagerFixture(t, 0)
	uut := fixture.uut

	connID := uuid.New().String()
	fixture.push.Open(connID)

	// Case 0: unknown connection
	{
		_, err := uut.HydrateConnection(utCtxt, connID)
		assert.NotNil(err)
		assert.True(common.IsConnectionNotFound(err))
	}

	// Case 1: invalid register
	{
		_, err := uut.RegisterConnection(utCtxt, RegisterParams{ConnectionID: connID, Protocol: "v9"})
		assert.NotNil(err)
	}

	// Case 2: register
	var conn common.Connection
	{
		var err error
		conn, err = uut.RegisterConnection(utCtxt, RegisterParams{
			ConnectionID: connID, Endpoint: "ws://unittest", Protocol: common.ProtocolLegacy,
		})
		assert.Nil(err)
		assert.False(conn.Data.IsInitialized)
		read, err := uut.HydrateConnection(utCtxt, connID)
		assert.Nil(err)
		assert.Equal(connID, read.ID)
		assert.Equal(common.ProtocolLegacy, read.Data.Protocol)
		assert.False(read.Data.IsInitialized)
		assert.Empty(read.Data.Context)
	}

	// Case 3: initialize
	{
		updated, err := uut.SetConnectionContext(utCtxt, conn, map[string]interface{}{"user": "alice"})
		assert.Nil(err)
		assert.True(updated.Data.IsInitialized)
		read, err := uut.HydrateConnection(utCtxt, connID)
		assert.Nil(err)
		assert.True(read.Data.IsInitialized)
		assert.Equal("alice", read.Data.Context["user"])
		conn = read
	}

	// Case 4: send
	{
		assert.Nil(uut.SendToConnection(utCtxt, conn, []byte("hello")))
		assert.Equal([][]byte{[]byte("hello")}, fixture.push.Messages(connID))
	}

	// Case 5: send to a gone connection tears it down
	{
		op := common.IdentifiedOperationRequest{
			OperationRequest: common.OperationRequest{Query: "subscription { a }"}, OperationID: "1",
		}
		assert.Nil(fixture.registry.Subscribe(utCtxt, []string{"test"}, conn, op))
		assert.Equal(1, fixture.subscriberCount(t, "test"))
		assert.Nil(fixture.push.Close(utCtxt, connID))
		assert.Nil(uut.SendToConnection(utCtxt, conn, []byte("lost")))
		_, err := uut.HydrateConnection(utCtxt, connID)
		assert.True(common.IsConnectionNotFound(err))
		assert.Equal(0, fixture.subscriberCount(t, "test"))
	}

	// Case 6: unregister is idempotent, close of a gone connection is not an error
	{
		assert.Nil(uut.UnregisterConnection(utCtxt, conn))
		assert.Nil(uut.UnregisterConnection(utCtxt, conn))
		assert.Nil(uut.CloseConnection(utCtxt, conn))
	}
}

func TestConnectionTTL(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	fixture := newManagerFixture(t, time.Minute)

	connID := uuid.New().String()
	_, err := fixture.uut.RegisterConnection(utCtxt, RegisterParams{
		ConnectionID: connID, Protocol: common.ProtocolCurrent,
	})
	assert.Nil(err)
	_, err = fixture.uut.HydrateConnection(utCtxt, connID)
	assert.Nil(err)

	fixture.now = fixture.now.Add(time.Minute * 2)
	_, err = fixture.uut.HydrateConnection(utCtxt, connID)
	assert.True(common.IsConnectionNotFound(err))
}

func TestClearStaleConnections(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	fixture := newManagerFixture(t, 0)

	oldIDs := []string{}
	for itr := 0; itr < 3; itr++ {
		connID := uuid.New().String()
		fixture.push.Open(connID)
		_, err := fixture.uut.RegisterConnection(utCtxt, RegisterParams{
			ConnectionID: connID, Protocol: common.ProtocolCurrent,
		})
		assert.Nil(err)
		oldIDs = append(oldIDs, connID)
	}
	fixture.now = fixture.now.Add(time.Hour)
	freshID := uuid.New().String()
	fixture.push.Open(freshID)
	_, err := fixture.uut.RegisterConnection(utCtxt, RegisterParams{
		ConnectionID: freshID, Protocol: common.ProtocolCurrent,
	})
	assert.Nil(err)

	// Case 1: sweep
	{
		cleared, err := fixture.uut.ClearStaleConnections(utCtxt, time.Minute*30)
		assert.Nil(err)
		assert.Equal(3, cleared)
		for _, connID := range oldIDs {
			_, err := fixture.uut.HydrateConnection(utCtxt, connID)
			assert.True(common.IsConnectionNotFound(err))
			assert.False(fixture.push.IsOpen(connID))
		}
		_, err = fixture.uut.HydrateConnection(utCtxt, freshID)
		assert.Nil(err)
		assert.True(fixture.push.IsOpen(freshID))
	}

	// Case 2: nothing left to sweep
	{
		cleared, err := fixture.uut.ClearStaleConnections(utCtxt, time.Minute*30)
		assert.Nil(err)
		assert.Equal(0, cleared)
	}
}
