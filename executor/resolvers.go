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
	"encoding/json"
	"fmt"

	"github.com/graphql-go/graphql"
)

// SubscribeToEvents build the subscribe function of a subscription field
//
// When the execution registers subscriptions, the operation is recorded in the
// registry against names and the returned stream ends immediately. Otherwise
// the stream yields the payload of every execution event whose name is one of
// names, then ends.
func SubscribeToEvents(names ...string) graphql.FieldResolveFn {
	wanted := map[string]bool{}
	for _, name := range names {
		wanted[name] = true
	}
	return func(p graphql.ResolveParams) (interface{}, error) {
		execCtxt, ok := FromContext(p.Context)
		if !ok {
			return nil, fmt.Errorf("subscription executed without gateway context")
		}
		if execCtxt.RegisterSubscriptions {
			if err := execCtxt.Registry.Subscribe(
				p.Context, names, execCtxt.Connection, execCtxt.Operation,
			); err != nil {
				return nil, err
			}
			events := make(chan interface{})
			close(events)
			return events, nil
		}
		matching := []interface{}{}
		for _, event := range execCtxt.Events {
			if !wanted[event.Event] {
				continue
			}
			matching = append(matching, decodePayload(event.Payload))
		}
		events := make(chan interface{}, len(matching))
		for _, payload := range matching {
			events <- payload
		}
		close(events)
		return events, nil
	}
}

// decodePayload turn an event payload into the resolver source value
func decodePayload(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return string(raw)
	}
	return payload
}

// FilterFn decide whether a subscription payload is delivered
type FilterFn func(payload interface{}, p graphql.ResolveParams) (bool, error)

// WithFilter only pass payloads accepted by filter through a subscribe function
//
// A payload for which filter fails is dropped.
func WithFilter(subscribe graphql.FieldResolveFn, filter FilterFn) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		source, err := subscribe(p)
		if err != nil {
			return nil, err
		}
		upstream, ok := source.(chan interface{})
		if !ok {
			return nil, fmt.Errorf("subscribe function did not return an event channel")
		}
		filtered := make(chan interface{})
		go func() {
			defer close(filtered)
			for payload := range upstream {
				pass, err := filter(payload, p)
				if err != nil || !pass {
					continue
				}
				select {
				case filtered <- payload:
				case <-p.Context.Done():
					return
				}
			}
		}()
		return filtered, nil
	}
}

// PayloadSource the resolver source of a subscription field: the event payload
func PayloadSource(p graphql.ResolveParams) (interface{}, error) {
	return p.Source, nil
}
