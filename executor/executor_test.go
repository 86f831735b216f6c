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

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/apex/log"
	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) graphql.Schema {
	messageType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Message",
		Fields: graphql.Fields{
			"authorId": &graphql.Field{Type: graphql.String},
			"text":     &graphql.Field{Type: graphql.String},
		},
	})
	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: "Query",
			Fields: graphql.Fields{
				"hello": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						user, _ := UserContext(p.Context)["user"].(string)
						return fmt.Sprintf("hello %s", user), nil
					},
				},
				"connectionId": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						execCtxt, ok := FromContext(p.Context)
						if !ok {
							return nil, fmt.Errorf("no gateway context")
						}
						return execCtxt.Connection.ID, nil
					},
				},
			},
		}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name: "Subscription",
			Fields: graphql.Fields{
				"messageFeed": &graphql.Field{
					Type: messageType,
					Args: graphql.FieldConfigArgument{
						"authorId": &graphql.ArgumentConfig{Type: graphql.String},
					},
					Subscribe: WithFilter(
						SubscribeToEvents("test"),
						func(payload interface{}, p graphql.ResolveParams) (bool, error) {
							message, ok := payload.(map[string]interface{})
							if !ok {
								return false, nil
							}
							authorID, _ := p.Args["authorId"].(string)
							return authorID == "" || message["authorId"] == authorID, nil
						},
					),
					Resolve: PayloadSource,
				},
			},
		}),
	})
	require.Nil(t, err)
	return schema
}

func testEvent(authorID, text string) common.SubscriptionEvent {
	payload, _ := json.Marshal(map[string]string{"authorId": authorID, "text": text})
	return common.SubscriptionEvent{Event: "test", Payload: payload}
}

func feedOperation(opID, authorID string) common.IdentifiedOperationRequest {
	return common.IdentifiedOperationRequest{
		OperationRequest: common.OperationRequest{
			Query:     `subscription Feed($authorId: String) { messageFeed(authorId: $authorId) { text } }`,
			Variables: map[string]interface{}{"authorId": authorID},
		},
		OperationID: opID,
	}
}

func texts(t *testing.T, results []*Result) []string {
	collected := []string{}
	for _, result := range results {
		assert.False(t, result.HasErrors(), "%v", result.Errors)
		data, ok := result.Data.(map[string]interface{})
		require.True(t, ok)
		feed, ok := data["messageFeed"].(map[string]interface{})
		require.True(t, ok)
		collected = append(collected, feed["text"].(string))
	}
	return collected
}

func TestExecuteSingleResult(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	registry := subscription.GetMemoryRegistry(10, 0, nil)
	uut, err := GetExecutor(Params{
		Engine:   NewGraphQLGoEngine(testSchema(t)),
		Registry: registry,
		Context:  map[string]interface{}{"user": "static"},
	})
	assert.Nil(err)

	conn := common.Connection{ID: "conn-1", Data: common.ConnectionData{
		Context: map[string]interface{}{"user": "from-init"}, IsInitialized: true,
	}}
	run := func(query, name string) (*Result, ResultStream, error) {
		return uut.Execute(utCtxt, ExecuteRequest{
			Operation: common.IdentifiedOperationRequest{
				OperationRequest: common.OperationRequest{Query: query, OperationName: name},
				OperationID:      "1",
			},
			Connection: conn,
		})
	}

	// Case 0: missing parameters
	{
		_, err := GetExecutor(Params{Registry: registry})
		assert.NotNil(err)
	}

	// Case 1: syntax error
	{
		result, stream, err := run("{ hello", "")
		assert.Nil(err)
		assert.Nil(stream)
		assert.True(result.HasErrors())
	}

	// Case 2: validation error
	{
		result, stream, err := run("{ goodbye }", "")
		assert.Nil(err)
		assert.Nil(stream)
		assert.True(result.HasErrors())
		assert.Contains(result.Errors[0].Message, "goodbye")
	}

	// Case 3: unknown or ambiguous operation
	{
		result, _, err := run("query A { hello } query B { hello }", "")
		assert.Nil(err)
		assert.True(result.HasErrors())
		result, _, err = run("query A { hello }", "C")
		assert.Nil(err)
		assert.True(result.HasErrors())
	}

	// Case 4: query sees the static context over the connection context
	{
		result, stream, err := run("query A { hello } query B { connectionId }", "A")
		assert.Nil(err)
		assert.Nil(stream)
		assert.False(result.HasErrors())
		assert.Equal(map[string]interface{}{"hello": "hello static"}, result.Data)

		result, _, err = run("query A { hello } query B { connectionId }", "B")
		assert.Nil(err)
		assert.Equal(map[string]interface{}{"connectionId": "conn-1"}, result.Data)
	}
}

func TestExecuteContextFactory(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()
	registry := subscription.GetMemoryRegistry(10, 0, nil)

	conn := common.Connection{ID: "conn-1", Data: common.ConnectionData{
		Context: map[string]interface{}{"user": "from-init"},
	}}
	req := ExecuteRequest{
		Operation: common.IdentifiedOperationRequest{
			OperationRequest: common.OperationRequest{Query: "{ hello }"}, OperationID: "1",
		},
		Connection: conn,
	}

	// Case 1: no user context leaves the connection context
	{
		uut, err := GetExecutor(Params{Engine: NewGraphQLGoEngine(testSchema(t)), Registry: registry})
		assert.Nil(err)
		result, _, err := uut.Execute(utCtxt, req)
		assert.Nil(err)
		assert.Equal(map[string]interface{}{"hello": "hello from-init"}, result.Data)
	}

	// Case 2: factory receives the gateway context
	{
		uut, err := GetExecutor(Params{
			Engine:   NewGraphQLGoEngine(testSchema(t)),
			Registry: registry,
			ContextFactory: func(_ context.Context, execCtxt *ExecutionContext) (map[string]interface{}, error) {
				return map[string]interface{}{"user": "factory-" + execCtxt.Connection.ID}, nil
			},
		})
		assert.Nil(err)
		result, _, err := uut.Execute(utCtxt, req)
		assert.Nil(err)
		assert.Equal(map[string]interface{}{"hello": "hello factory-conn-1"}, result.Data)
	}

	// Case 3: factory failure
	{
		uut, err := GetExecutor(Params{
			Engine:   NewGraphQLGoEngine(testSchema(t)),
			Registry: registry,
			ContextFactory: func(context.Context, *ExecutionContext) (map[string]interface{}, error) {
				return nil, fmt.Errorf("dummy error")
			},
		})
		assert.Nil(err)
		_, _, err = uut.Execute(utCtxt, req)
		assert.NotNil(err)
	}
}

func TestExecuteSubscriptionModes(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	registry := subscription.GetMemoryRegistry(10, 0, nil)
	uut, err := GetExecutor(Params{Engine: NewGraphQLGoEngine(testSchema(t)), Registry: registry})
	assert.Nil(err)
	conn := common.Connection{ID: "conn-1", Data: common.ConnectionData{IsInitialized: true}}

	// Case 1: subscription in query mode
	{
		_, _, err := uut.Execute(utCtxt, ExecuteRequest{
			Operation: feedOperation("1", "1"), Connection: conn, Mode: ModeQuery, Streaming: true,
		})
		assert.IsType(common.UnsupportedOperationError{}, err)
		assert.Equal(ErrCannotSubscribe, err.Error())
	}

	// Case 2: subscription over a non-streaming channel
	{
		_, _, err := uut.Execute(utCtxt, ExecuteRequest{
			Operation: feedOperation("1", "1"), Connection: conn, Mode: ModeSubscribe, Streaming: false,
		})
		assert.IsType(common.UnsupportedOperationError{}, err)
	}

	// Case 3: register the subscription
	{
		result, stream, err := uut.Execute(utCtxt, ExecuteRequest{
			Operation:             feedOperation("1", "1"),
			Connection:            conn,
			Mode:                  ModeSubscribe,
			Streaming:             true,
			RegisterSubscriptions: true,
		})
		assert.Nil(err)
		assert.Nil(result)
		assert.NotNil(stream)
		results, err := Drain(utCtxt, stream)
		assert.Nil(err)
		assert.Empty(results)

		page, err := registry.SubscribersByEventName(utCtxt, "test", nil)
		assert.Nil(err)
		assert.Len(page.Subscribers, 1)
		assert.Equal("conn-1:1", page.Subscribers[0].SubscriptionID)
		assert.Equal("1", page.Subscribers[0].Operation.Variables["authorId"])
	}
}

func TestWithFilterSequence(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	registry := subscription.GetMemoryRegistry(10, 0, nil)
	uut, err := GetExecutor(Params{Engine: NewGraphQLGoEngine(testSchema(t)), Registry: registry})
	assert.Nil(err)
	conn := common.Connection{ID: "conn-1", Data: common.ConnectionData{IsInitialized: true}}

	events := []common.SubscriptionEvent{
		testEvent("1", "A"), testEvent("2", "B"), testEvent("1", "C"), testEvent("2", "D"),
		{Event: "other", Payload: []byte(`{"authorId":"1","text":"X"}`)},
	}

	for _, tc := range []struct {
		authorID string
		expected []string
	}{
		{"1", []string{"A", "C"}},
		{"2", []string{"B", "D"}},
		{"3", []string{}},
	} {
		_, stream, err := uut.Execute(utCtxt, ExecuteRequest{
			Operation:  feedOperation("op-"+tc.authorID, tc.authorID),
			Connection: conn,
			Mode:       ModeSubscribe,
			Streaming:  true,
			Events:     events,
		})
		assert.Nil(err)
		require.NotNil(t, stream)
		results, err := Drain(utCtxt, stream)
		assert.Nil(err)
		assert.Equal(tc.expected, texts(t, results))

		// the stream has ended
		_, more, err := stream.Next(utCtxt)
		assert.Nil(err)
		assert.False(more)
	}
}

func TestStreamCloseEarly(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	registry := subscription.GetMemoryRegistry(10, 0, nil)
	uut, err := GetExecutor(Params{Engine: NewGraphQLGoEngine(testSchema(t)), Registry: registry})
	assert.Nil(err)

	_, stream, err := uut.Execute(utCtxt, ExecuteRequest{
		Operation:  feedOperation("op", ""),
		Connection: common.Connection{ID: "conn-1"},
		Mode:       ModeSubscribe,
		Streaming:  true,
		Events:     []common.SubscriptionEvent{testEvent("1", "A"), testEvent("2", "B")},
	})
	assert.Nil(err)
	result, more, err := stream.Next(utCtxt)
	assert.Nil(err)
	assert.True(more)
	assert.Equal([]string{"A"}, texts(t, []*Result{result}))
	stream.Close()
	stream.Close()
}
