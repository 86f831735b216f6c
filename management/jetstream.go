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

package management

import (
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// EventStreamParam parameters of the JetStream stream holding published events
type EventStreamParam struct {
	// Name is the stream name
	Name string `validate:"required"`
	// SubjectPrefix events are published on "<SubjectPrefix>.<event>"
	SubjectPrefix string `validate:"required"`
	// MaxAge how long events are retained
	MaxAge time.Duration `validate:"gt=0"`
}

// streamConfig convert the parameters into a JetStream stream config
func (p EventStreamParam) streamConfig() nats.StreamConfig {
	return nats.StreamConfig{
		Name:      p.Name,
		Subjects:  []string{fmt.Sprintf("%s.>", p.SubjectPrefix)},
		MaxAge:    p.MaxAge,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	}
}

// EventStreamController provisions the event stream
type EventStreamController interface {
	// EnsureEventStream create the event stream, or bring an existing one in line
	// with the parameters
	EnsureEventStream(param EventStreamParam) (*nats.StreamInfo, error)
	// GetEventStream query for info on a stream by name
	GetEventStream(name string) (*nats.StreamInfo, error)
	// DeleteEventStream delete a stream by name
	DeleteEventStream(name string) error
}

// eventStreamControllerImpl implements EventStreamController
type eventStreamControllerImpl struct {
	common.Component
	core     *core.NatsClient
	validate *validator.Validate
}

// GetEventStreamController define EventStreamController
func GetEventStreamController(
	natsCore *core.NatsClient, instance string,
) (EventStreamController, error) {
	if natsCore == nil {
		return nil, fmt.Errorf("NATS client not provided")
	}
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream",
		"instance":  instance,
	}
	return eventStreamControllerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

// GetEventStream get info on one stream
func (js eventStreamControllerImpl) GetEventStream(name string) (*nats.StreamInfo, error) {
	info, err := js.core.JetStream().StreamInfo(name)
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to get stream %s info", name)
	}
	return info, err
}

// EnsureEventStream create or update the event stream
func (js eventStreamControllerImpl) EnsureEventStream(
	param EventStreamParam,
) (*nats.StreamInfo, error) {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Error("Invalid event stream parameters")
		return nil, err
	}
	wanted := param.streamConfig()
	info, err := js.core.JetStream().StreamInfo(param.Name)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			log.WithError(err).WithFields(js.LogTags).Errorf("Unable to get stream %s info", param.Name)
			return nil, err
		}
		info, err = js.core.JetStream().AddStream(&wanted)
		if err != nil {
			log.WithError(err).WithFields(js.LogTags).Errorf(
				"Unable to define new stream %s", param.Name,
			)
			return nil, err
		}
		log.WithFields(js.LogTags).Infof("Defined new stream %s", param.Name)
		return info, nil
	}

	currentConfig := info.Config
	currentConfig.Subjects = wanted.Subjects
	currentConfig.MaxAge = wanted.MaxAge
	info, err = js.core.JetStream().UpdateStream(&currentConfig)
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to update stream %s", param.Name)
		return nil, err
	}
	log.WithFields(js.LogTags).Infof("Updated stream %s", param.Name)
	return info, nil
}

// DeleteEventStream delete an existing stream
func (js eventStreamControllerImpl) DeleteEventStream(name string) error {
	if err := js.core.JetStream().DeleteStream(name); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(js.LogTags).Infof("Deleted stream %s", name)
	return nil
}
