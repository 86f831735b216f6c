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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/demo"
	"github.com/alwitt/gqlgate/protocol"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryConfig a complete config using only in-process backends
func memoryConfig() common.SystemConfig {
	return common.SystemConfig{
		NATS: common.NATSConfig{
			ServerURI:      "nats://127.0.0.1:4222",
			ConnectTimeout: 1,
			Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
		},
		Store: common.StoreConfig{
			Backend:                      "memory",
			Registry:                     "durable",
			PageSize:                     50,
			BatchSize:                    25,
			SubscriptionTTL:              3600,
			ConnectionTTL:                3600,
			EventTTL:                     600,
			StaleConnectionCheckInterval: 0,
			StaleConnectionAge:           3600,
		},
		Events: common.EventsConfig{
			Backend:          "table",
			StreamName:       "gqlgate-events",
			SubjectPrefix:    "gqlgate.events",
			ConsumerName:     "gqlgate-fanout",
			MaxAge:           600,
			ProcessingBuffer: 8,
		},
		Protocol: common.ProtocolConfig{
			Variant: "current", InitWaitRetries: 5, InitWaitDelay: 10,
		},
		Gateway: common.GatewayServerConfig{
			HTTPSetting: common.HTTPConfig{
				Server: common.HTTPServerConfig{ListenOn: "127.0.0.1", Port: 4000},
				Logging: common.HTTPRequestLogging{
					RequestIDHeader: "Gqlgate-Request-ID",
				},
			},
			Endpoints: common.GatewayEndpointConfig{
				PathPrefix: "/", WebSocketPath: "/graphql/ws", WriteTimeout: 5,
			},
			EnableMetrics: true,
		},
	}
}

// subscriberCount number of live subscribers of an event
func subscriberCount(t *testing.T, registry subscription.Registry, event string) int {
	count := 0
	err := subscription.ForEachPage(
		context.Background(), registry, event,
		func(_ context.Context, subscribers []common.Subscriber) error {
			count += len(subscribers)
			return nil
		},
	)
	require.Nil(t, err)
	return count
}

func TestGatewayEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	config := memoryConfig()
	registry := prometheus.NewRegistry()
	gw, err := BuildGateway(ctxt, config, "ut", nil, registry)
	require.Nil(t, err)

	server := httptest.NewServer(gw.Router)
	defer server.Close()
	defer gw.Close(context.Background())

	wg := sync.WaitGroup{}
	sweeper, err := gw.Start(ctxt, config, &wg)
	assert.Nil(err)
	assert.Nil(sweeper)

	wsURL := fmt.Sprintf(
		"ws%s/graphql/ws?protocol=current", strings.TrimPrefix(server.URL, "http"),
	)
	codec, err := protocol.GetCodec(common.ProtocolCurrent)
	require.Nil(t, err)

	conn, _, err := websocket.DefaultDialer.DialContext(ctxt, wsURL, nil)
	require.Nil(t, err)
	defer conn.Close()

	readFrame := func() protocol.Frame {
		require.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*5)))
		_, raw, err := conn.ReadMessage()
		require.Nil(t, err)
		frame, err := codec.ParseFrame(raw)
		require.Nil(t, err)
		return frame
	}
	writeFrame := func(frame protocol.Frame) {
		raw, err := codec.FormatMessage(frame)
		require.Nil(t, err)
		require.Nil(t, conn.WriteMessage(websocket.TextMessage, raw))
	}

	// Case 0: initialize
	{
		init, err := codec.ConnectionInitFrame(map[string]interface{}{})
		require.Nil(t, err)
		writeFrame(init)
		frame := readFrame()
		assert.Equal(protocol.KindConnectionAck, codec.Kind(frame.Type))
	}

	// Case 1: subscribe to author 1
	{
		start, err := codec.StartFrame(common.IdentifiedOperationRequest{
			OperationID: "feed",
			OperationRequest: common.OperationRequest{
				Query:     demo.FeedSubscription,
				Variables: map[string]interface{}{"authorId": "1"},
			},
		})
		require.Nil(t, err)
		writeFrame(start)
		assert.Eventually(func() bool {
			return subscriberCount(t, gw.Registry, demo.MessageEvent) == 1
		}, time.Second*5, time.Millisecond*20)
	}

	// Case 2: publish through the REST API
	{
		for _, msg := range []demo.Message{
			{AuthorID: "1", Text: "Test1"},
			{AuthorID: "2", Text: "Test2"},
			{AuthorID: "1", Text: "Test3"},
		} {
			payload, err := json.Marshal(&msg)
			require.Nil(t, err)
			assert.Nil(PublishEvent(ctxt, PublishCLIArgs{
				GatewayURL: server.URL,
				EventName:  demo.MessageEvent,
				Payload:    string(payload),
				TTL:        60,
			}, server.Client()))
		}
		texts := []string{}
		for i := 0; i < 2; i++ {
			frame := readFrame()
			assert.Equal(protocol.KindData, codec.Kind(frame.Type))
			assert.Equal("feed", frame.ID)
			var result struct {
				Data struct {
					MessageFeed demo.Message `json:"messageFeed"`
				} `json:"data"`
			}
			require.Nil(t, json.Unmarshal(frame.Payload, &result))
			texts = append(texts, result.Data.MessageFeed.Text)
		}
		assert.Equal([]string{"Test1", "Test3"}, texts)
	}

	// Case 3: request / response GraphQL
	{
		resp, err := server.Client().Post(
			server.URL+"/v1/graphql", "application/json",
			strings.NewReader(`{"query":"{ hello }"}`),
		)
		require.Nil(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.Nil(t, err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Contains(string(body), "hello world")
	}

	// Case 4: health and metrics
	{
		for _, path := range []string{"/alive", "/ready", "/metrics"} {
			resp, err := server.Client().Get(server.URL + path)
			require.Nil(t, err)
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			require.Nil(t, err)
			assert.Equal(http.StatusOK, resp.StatusCode, path)
			if path == "/metrics" {
				assert.Contains(string(body), "gqlgate_")
			}
		}
	}

	// Case 5: publish is refused for an invalid payload
	{
		err := PublishEvent(ctxt, PublishCLIArgs{
			GatewayURL: server.URL, EventName: demo.MessageEvent, Payload: "not-json",
		}, server.Client())
		assert.NotNil(err)
	}

	// Case 6: disconnect purges the subscription
	{
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		assert.Eventually(func() bool {
			return subscriberCount(t, gw.Registry, demo.MessageEvent) == 0
		}, time.Second*5, time.Millisecond*20)
	}

	cancel()
	wg.Wait()
}

func TestGatewaySweep(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	config := memoryConfig()
	config.Store.StaleConnectionCheckInterval = 1
	config.Store.StaleConnectionAge = 1
	gw, err := BuildGateway(ctxt, config, "ut-sweep", nil, nil)
	require.Nil(t, err)
	defer gw.Close(context.Background())

	server := httptest.NewServer(gw.Router)
	defer server.Close()

	wg := sync.WaitGroup{}
	sweeper, err := gw.Start(ctxt, config, &wg)
	require.Nil(t, err)
	require.NotNil(t, sweeper)

	wsURL := fmt.Sprintf("ws%s/graphql/ws", strings.TrimPrefix(server.URL, "http"))
	conn, _, err := websocket.DefaultDialer.DialContext(ctxt, wsURL, nil)
	require.Nil(t, err)
	defer conn.Close()

	// Case 0: the connection is closed by the sweep once stale
	{
		assert.Eventually(func() bool {
			return gw.Transport.ActiveConnections() == 0
		}, time.Second*8, time.Millisecond*100)
	}

	assert.Nil(sweeper.Stop())
	cancel()
	wg.Wait()
}

func TestBuildGatewayInvalid(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	// Case 0: invalid config
	{
		config := memoryConfig()
		config.Store.Backend = "unknown"
		_, err := BuildGateway(ctxt, config, "ut", nil, nil)
		assert.NotNil(err)
	}

	// Case 1: backend config missing
	{
		config := memoryConfig()
		config.Store.Backend = "etcd"
		_, err := BuildGateway(ctxt, config, "ut", nil, nil)
		assert.NotNil(err)
	}

	// Case 2: JetStream events without a NATS client
	{
		config := memoryConfig()
		config.Events.Backend = "jetstream"
		_, err := BuildGateway(ctxt, config, "ut", nil, nil)
		assert.NotNil(err)
	}
}

func TestPublishURL(t *testing.T) {
	assert := assert.New(t)
	now := time.Unix(1000, 0)

	// Case 0: no TTL
	{
		target, err := PublishCLIArgs{
			GatewayURL: "http://localhost:4000", EventName: "test",
		}.publishURL(now)
		assert.Nil(err)
		assert.Equal("http://localhost:4000/v1/event/test", target)
	}

	// Case 1: TTL becomes an absolute expiry
	{
		target, err := PublishCLIArgs{
			GatewayURL: "http://localhost:4000/base", EventName: "test", TTL: 60,
		}.publishURL(now)
		assert.Nil(err)
		assert.Equal("http://localhost:4000/base/v1/event/test?ttl=1060", target)
	}
}
