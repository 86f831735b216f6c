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

package subscription

import (
	"context"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/metrics"
)

// instrumentedRegistry counts the successful mutations of a Registry
type instrumentedRegistry struct {
	Registry
	metrics *metrics.Collector
}

// WithMetrics wrap a Registry so its mutations are counted. A nil collector
// returns the registry unchanged.
func WithMetrics(registry Registry, collector *metrics.Collector) Registry {
	if collector == nil {
		return registry
	}
	return &instrumentedRegistry{Registry: registry, metrics: collector}
}

func (r *instrumentedRegistry) count(operation string, err error) error {
	if err == nil {
		r.metrics.RegistryOperation(operation)
	}
	return err
}

func (r *instrumentedRegistry) Subscribe(
	ctxt context.Context,
	names []string,
	connection common.Connection,
	operation common.IdentifiedOperationRequest,
) error {
	return r.count(
		metrics.RegistrySubscribe, r.Registry.Subscribe(ctxt, names, connection, operation),
	)
}

func (r *instrumentedRegistry) Unsubscribe(ctxt context.Context, subscriber common.Subscriber) error {
	return r.count(metrics.RegistryUnsubscribe, r.Registry.Unsubscribe(ctxt, subscriber))
}

func (r *instrumentedRegistry) UnsubscribeOperation(
	ctxt context.Context, connectionID, operationID string,
) error {
	return r.count(
		metrics.RegistryUnsubscribeOperation,
		r.Registry.UnsubscribeOperation(ctxt, connectionID, operationID),
	)
}

func (r *instrumentedRegistry) UnsubscribeAllByConnectionID(
	ctxt context.Context, connectionID string,
) error {
	return r.count(
		metrics.RegistryPurge, r.Registry.UnsubscribeAllByConnectionID(ctxt, connectionID),
	)
}
