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
	"reflect"
	"sync"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// JetStreamSourceParams parameters of a JetStreamEventSource
type JetStreamSourceParams struct {
	// Subject the subject filter to consume, e.g. "gqlgate.events.>"
	Subject string `validate:"required"`
	// Consumer the durable consumer name
	Consumer string `validate:"required"`
	// Buffer size of the in-order processing queue
	Buffer int `validate:"gte=1"`
}

// JetStreamEventSource consumes published events from JetStream and hands them
// to an EventProcessor one batch at a time, in delivery order
type JetStreamEventSource interface {
	// Start begin consuming. Consumption stops when the source context is cancelled.
	Start(wg *sync.WaitGroup) error
	// Stop stop the processing loop
	Stop() error
}

// deliveredEvent an event read from JetStream pending processing
type deliveredEvent struct {
	msg   *nats.Msg
	event common.SubscriptionEvent
}

// jetStreamEventSourceImpl implements JetStreamEventSource
type jetStreamEventSourceImpl struct {
	common.Component
	ctxt      context.Context
	sub       *nats.Subscription
	processor EventProcessor
	tasks     common.TaskProcessor
	lock      sync.Mutex
	reading   bool
}

// GetJetStreamEventSource define a new JetStreamEventSource
func GetJetStreamEventSource(
	ctxt context.Context,
	natsClient *core.NatsClient,
	processor EventProcessor,
	params JetStreamSourceParams,
) (JetStreamEventSource, error) {
	logTags := log.Fields{
		"module":    "fanout",
		"component": "js-event-source",
		"subject":   params.Subject,
		"consumer":  params.Consumer,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid event source parameters")
		return nil, err
	}
	if natsClient == nil || processor == nil {
		return nil, fmt.Errorf("event source requires a NATS client and a processor")
	}
	tasks, err := common.GetNewTaskProcessorInstance(ctxt, "js-event-source", params.Buffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	sub, err := natsClient.JetStream().SubscribeSync(
		params.Subject, nats.Durable(params.Consumer), nats.ManualAck(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	instance := &jetStreamEventSourceImpl{
		Component: common.Component{LogTags: logTags},
		ctxt:      ctxt,
		sub:       sub,
		processor: processor,
		tasks:     tasks,
	}
	if err := tasks.AddToTaskExecutionMap(
		reflect.TypeOf(deliveredEvent{}), instance.processDelivered,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// deliveryName identify a delivered message by its stream and consumer sequence
func deliveryName(msg *nats.Msg) string {
	if meta, err := msg.Metadata(); err == nil {
		return fmt.Sprintf(
			"%s@%s:MSG[S:%d C:%d]",
			meta.Consumer, meta.Stream, meta.Sequence.Stream, meta.Sequence.Consumer,
		)
	}
	return msg.Subject
}

// processDelivered run fan-out for one delivered message and acknowledge it
func (s *jetStreamEventSourceImpl) processDelivered(ctxt context.Context, param interface{}) error {
	delivered, ok := param.(deliveredEvent)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	if err := s.processor.ProcessBatch(
		ctxt, []common.EventRecord{{ChangeType: common.ChangeInsert, Event: delivered.event}},
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Fan-out of %s failed, requesting redelivery", deliveryName(delivered.msg),
		)
		return delivered.msg.Nak()
	}
	log.WithFields(s.LogTags).Debugf("Fan-out of %s complete", deliveryName(delivered.msg))
	return delivered.msg.Ack()
}

// Start begin consuming
func (s *jetStreamEventSourceImpl) Start(wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start reading")
		return err
	}
	if err := s.tasks.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start processing loop")
		return err
	}
	s.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(s.LogTags).Infof("Starting reading from JetStream")
		defer log.WithFields(s.LogTags).Infof("Stopping JetStream read loop")
		defer func() {
			if err := s.sub.Drain(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Drain failed")
			}
		}()
		for {
			msg, err := s.sub.NextMsgWithContext(s.ctxt)
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Read failure")
				return
			}
			var event common.SubscriptionEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Dropping unparsable message %s", deliveryName(msg),
				)
				if err := msg.Term(); err != nil {
					log.WithError(err).WithFields(s.LogTags).Error("Term failed")
				}
				continue
			}
			if err := s.tasks.Submit(s.ctxt, deliveredEvent{msg: msg, event: event}); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Unable to queue event")
				return
			}
		}
	}()
	return nil
}

// Stop stop the processing loop
func (s *jetStreamEventSourceImpl) Stop() error {
	return s.tasks.StopEventLoop()
}
