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

package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/gqlgate/common"
	"github.com/stretchr/testify/assert"
)

func TestGetRedisClient(t *testing.T) {
	assert := assert.New(t)
	server := miniredis.RunT(t)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	// Case 1: reachable server
	{
		client, err := GetRedisClient(utCtxt, common.RedisConfig{
			Address: server.Addr(), KeyPrefix: "unittest",
		})
		assert.Nil(err)
		assert.Nil(client.Set(utCtxt, "hello", "world", 0).Err())
		assert.Nil(client.Close())
		value, err := server.Get("hello")
		assert.Nil(err)
		assert.Equal("world", value)
	}

	// Case 2: unreachable server
	{
		addr := server.Addr()
		server.Close()
		_, err := GetRedisClient(utCtxt, common.RedisConfig{Address: addr, KeyPrefix: "unittest"})
		assert.NotNil(err)
	}
}

func TestNATSConnectParamsFromConfig(t *testing.T) {
	assert := assert.New(t)
	params := NATSConnectParamsFromConfig(common.NATSConfig{
		ServerURI:      "nats://127.0.0.1:4222",
		ConnectTimeout: 15,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 3},
	})
	assert.Equal(time.Second*15, params.ConnectTimeout)
	assert.Equal(-1, params.MaxReconnectAttempt)
	assert.Equal(time.Second*3, params.ReconnectWait)
	assert.NotNil(params.OnCloseCallback)
}
