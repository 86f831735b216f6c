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

// Package demo carries the message feed schema served by the gateway
// command. Clients subscribe to messageFeed, optionally filtered by author,
// and publishMessage announces a new message to every subscriber.
package demo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/executor"
	"github.com/graphql-go/graphql"
)

// MessageEvent event name new messages are published under
const MessageEvent = "test"

// Message one feed message
type Message struct {
	AuthorID string `json:"authorId"`
	Text     string `json:"text"`
}

// PublishFunc publish an event for fan-out
type PublishFunc func(ctxt context.Context, event common.SubscriptionEvent) error

// MessageEventOf build the feed event announcing a message
func MessageEventOf(msg Message) (common.SubscriptionEvent, error) {
	payload, err := json.Marshal(&msg)
	if err != nil {
		return common.SubscriptionEvent{}, err
	}
	return common.SubscriptionEvent{Event: MessageEvent, Payload: payload}, nil
}

// NewSchema build the message feed schema. A nil publish disables the
// publishMessage mutation.
func NewSchema(publish PublishFunc) (graphql.Schema, error) {
	messageType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Message",
		Fields: graphql.Fields{
			"authorId": &graphql.Field{Type: graphql.String},
			"text":     &graphql.Field{Type: graphql.String},
		},
	})

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"hello": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					user, _ := executor.UserContext(p.Context)["user"].(string)
					if user == "" {
						user = "world"
					}
					return fmt.Sprintf("hello %s", user), nil
				},
			},
			"connectionId": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					execCtxt, ok := executor.FromContext(p.Context)
					if !ok {
						return nil, fmt.Errorf("no gateway context")
					}
					return execCtxt.Connection.ID, nil
				},
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"publishMessage": &graphql.Field{
				Type: messageType,
				Args: graphql.FieldConfigArgument{
					"authorId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"text":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					if publish == nil {
						return nil, fmt.Errorf("publishing is disabled")
					}
					msg := Message{}
					msg.AuthorID, _ = p.Args["authorId"].(string)
					msg.Text, _ = p.Args["text"].(string)
					event, err := MessageEventOf(msg)
					if err != nil {
						return nil, err
					}
					if err := publish(p.Context, event); err != nil {
						return nil, err
					}
					return map[string]interface{}{"authorId": msg.AuthorID, "text": msg.Text}, nil
				},
			},
		},
	})

	subscriptionRoot := graphql.NewObject(graphql.ObjectConfig{
		Name: "Subscription",
		Fields: graphql.Fields{
			"messageFeed": &graphql.Field{
				Type: messageType,
				Args: graphql.FieldConfigArgument{
					"authorId": &graphql.ArgumentConfig{Type: graphql.String},
				},
				Subscribe: executor.WithFilter(
					executor.SubscribeToEvents(MessageEvent),
					func(payload interface{}, p graphql.ResolveParams) (bool, error) {
						message, ok := payload.(map[string]interface{})
						if !ok {
							return false, nil
						}
						authorID, _ := p.Args["authorId"].(string)
						return authorID == "" || message["authorId"] == authorID, nil
					},
				),
				Resolve: executor.PayloadSource,
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:        query,
		Mutation:     mutation,
		Subscription: subscriptionRoot,
	})
}

// FeedSubscription the subscription document of the message feed
const FeedSubscription = `subscription Feed($authorId: String) { messageFeed(authorId: $authorId) { authorId text } }`
