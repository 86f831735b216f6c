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
	"fmt"
	"strings"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/core"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/apex/log"
)

// EventSubject the JetStream subject an event is published on
func EventSubject(prefix, event string) string {
	return fmt.Sprintf("%s.%s", prefix, event)
}

// ValidateEventName check an event name is usable as one JetStream subject token
func ValidateEventName(event string) error {
	if event == "" || strings.ContainsAny(event, " \t\r\n.*>") {
		return fmt.Errorf("event name '%s' is not a valid subject token", event)
	}
	return nil
}

// jetStreamStore Store publishing events into NATS JetStream
type jetStreamStore struct {
	common.Component
	nats          *core.NatsClient
	subjectPrefix string
	metrics       *metrics.Collector
}

// GetJetStreamStore define a Store publishing to "<subjectPrefix>.<event>"
func GetJetStreamStore(
	natsClient *core.NatsClient, subjectPrefix string, collector *metrics.Collector,
) (Store, error) {
	if natsClient == nil {
		return nil, fmt.Errorf("NATS client not provided")
	}
	logTags := log.Fields{
		"module": "events", "component": "js-publisher", "instance": subjectPrefix,
	}
	return &jetStreamStore{
		Component:     common.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
		metrics:       collector,
	}, nil
}

// Publish publishes the event and waits for the stream to acknowledge it
func (s *jetStreamStore) Publish(ctxt context.Context, event common.SubscriptionEvent) error {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := validateEvent(event); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Invalid event")
		return err
	}
	if err := ValidateEventName(event.Event); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to publish event")
		return err
	}
	msg, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize event")
		return err
	}
	subject := EventSubject(s.subjectPrefix, event.Event)
	ack, err := s.nats.JetStream().PublishAsync(subject, msg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to publish event")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Event publish failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Published [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		s.metrics.EventPublished(event.Event)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Event publish failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Event publish timed out")
		return err
	}
}
