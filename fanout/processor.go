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
	"fmt"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/connection"
	"github.com/alwitt/gqlgate/executor"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/alwitt/gqlgate/protocol"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

// InsertMarkerEvent name of the marker records written to seed an event log.
// They carry no payload for subscribers.
const InsertMarkerEvent = "$insert-marker"

// EventProcessor delivers published events to their subscribers
type EventProcessor interface {
	// ProcessBatch deliver a batch of event records, in order
	ProcessBatch(ctxt context.Context, records []common.EventRecord) error
}

// ProcessorParams parameters of an EventProcessor
type ProcessorParams struct {
	// Registry is the subscription registry to read subscribers from
	Registry subscription.Registry `validate:"required"`
	// Executor re-executes the subscribers' operations
	Executor executor.Executor `validate:"required"`
	// Connections delivers results to the subscribers' connections
	Connections connection.Manager `validate:"required"`
	// Concurrency max subscribers processed at once. Defaults to the registry page size.
	Concurrency int `validate:"gte=0"`
	// Metrics optional metrics collector
	Metrics *metrics.Collector
}

// eventProcessorImpl implements EventProcessor
type eventProcessorImpl struct {
	common.Component
	registry    subscription.Registry
	executor    executor.Executor
	connections connection.Manager
	concurrency int
	metrics     *metrics.Collector
}

// GetEventProcessor define a new EventProcessor
func GetEventProcessor(params ProcessorParams) (EventProcessor, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	concurrency := params.Concurrency
	if concurrency == 0 {
		concurrency = subscription.DefaultPageSize
	}
	logTags := log.Fields{"module": "fanout", "component": "event-processor"}
	return &eventProcessorImpl{
		Component:   common.Component{LogTags: logTags},
		registry:    params.Registry,
		executor:    params.Executor,
		connections: params.Connections,
		concurrency: concurrency,
		metrics:     params.Metrics,
	}, nil
}

// ProcessBatch deliver a batch of event records, in order
func (p *eventProcessorImpl) ProcessBatch(
	ctxt context.Context, records []common.EventRecord,
) error {
	logTags := common.UpdateLogTags(ctxt, p.LogTags)
	for _, record := range records {
		if record.ChangeType != common.ChangeInsert {
			log.WithFields(logTags).Debugf("Skipping %s record", record.ChangeType)
			continue
		}
		if record.Event.Event == InsertMarkerEvent {
			continue
		}
		if err := p.processEvent(ctxt, record.Event); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to fan out event %s", record.Event.Event,
			)
			return err
		}
	}
	return nil
}

// processEvent deliver one event to every page of its subscribers
func (p *eventProcessorImpl) processEvent(
	ctxt context.Context, event common.SubscriptionEvent,
) error {
	start := time.Now()
	defer func() {
		p.metrics.FanoutCompleted(event.Event, time.Since(start))
	}()
	return subscription.ForEachPage(
		ctxt, p.registry, event.Event,
		func(ctxt context.Context, subscribers []common.Subscriber) error {
			group, groupCtxt := errgroup.WithContext(ctxt)
			group.SetLimit(p.concurrency)
			for _, subscriber := range subscribers {
				subscriber := subscriber
				group.Go(func() error {
					p.deliver(groupCtxt, event, subscriber)
					return nil
				})
			}
			return group.Wait()
		},
	)
}

// deliver run one subscriber's operation against the event and push the result
//
// Failures are logged and never returned.
func (p *eventProcessorImpl) deliver(
	ctxt context.Context, event common.SubscriptionEvent, subscriber common.Subscriber,
) {
	logTags := common.UpdateLogTags(ctxt, p.LogTags)
	logTags["instance"] = subscriber.SubscriptionID

	outcome, err := p.deliverResult(ctxt, event, subscriber)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Delivery of %s failed", event.Event)
	}
	p.metrics.Delivery(outcome)
}

func (p *eventProcessorImpl) deliverResult(
	ctxt context.Context, event common.SubscriptionEvent, subscriber common.Subscriber,
) (string, error) {
	codec, err := protocol.GetCodec(subscriber.Connection.Data.Protocol)
	if err != nil {
		return metrics.DeliveryFailed, err
	}
	_, stream, err := p.executor.Execute(ctxt, executor.ExecuteRequest{
		Operation: common.IdentifiedOperationRequest{
			OperationRequest: subscriber.Operation,
			OperationID:      subscriber.OperationID,
		},
		Connection: subscriber.Connection,
		Mode:       executor.ModeSubscribe,
		Streaming:  true,
		Events:     []common.SubscriptionEvent{event},
	})
	if err != nil {
		return metrics.DeliveryFailed, err
	}
	if stream == nil {
		return metrics.DeliveryFailed, fmt.Errorf(
			"stored operation of %s is not a subscription", subscriber.SubscriptionID,
		)
	}
	defer stream.Close()

	result, ok, err := stream.Next(ctxt)
	if err != nil {
		return metrics.DeliveryFailed, err
	}
	if !ok {
		return metrics.DeliveryNoMatch, nil
	}

	frame, err := codec.DataFrame(subscriber.OperationID, result)
	if err != nil {
		return metrics.DeliveryFailed, err
	}
	msg, err := codec.FormatMessage(frame)
	if err != nil {
		return metrics.DeliveryFailed, err
	}
	// a gone connection is torn down by the manager and reported as delivered
	if err := p.connections.SendToConnection(ctxt, subscriber.Connection, msg); err != nil {
		return metrics.DeliveryFailed, err
	}
	return metrics.DeliveryOK, nil
}
