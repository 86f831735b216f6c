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
	"fmt"
	"testing"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rejectingRegistry a registry whose Subscribe always fails
type rejectingRegistry struct {
	Registry
}

func (r rejectingRegistry) Subscribe(
	context.Context, []string, common.Connection, common.IdentifiedOperationRequest,
) error {
	return fmt.Errorf("rejected")
}

func TestRegistryWithMetrics(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	require.Nil(t, err)
	counted := func(operation string) float64 {
		return testutil.ToFloat64(collector.RegistryOperationCounter(operation))
	}

	// Case 0: no collector leaves the registry untouched
	{
		base := GetMemoryRegistry(10, 0, nil)
		assert.Equal(base, WithMetrics(base, nil))
	}

	uut := WithMetrics(GetMemoryRegistry(10, 0, nil), collector)
	conn := testConnection()
	op := common.IdentifiedOperationRequest{
		OperationRequest: common.OperationRequest{Query: "subscription { feed }"},
		OperationID:      "op-1",
	}

	// Case 1: every mutation is counted
	{
		require.Nil(t, uut.Subscribe(utCtxt, []string{"test"}, conn, op))
		page, err := uut.SubscribersByEventName(utCtxt, "test", nil)
		require.Nil(t, err)
		require.Len(t, page.Subscribers, 1)
		assert.Nil(uut.Unsubscribe(utCtxt, page.Subscribers[0]))
		assert.Nil(uut.UnsubscribeOperation(utCtxt, conn.ID, "op-1"))
		assert.Nil(uut.UnsubscribeAllByConnectionID(utCtxt, conn.ID))

		assert.Equal(1.0, counted(metrics.RegistrySubscribe))
		assert.Equal(1.0, counted(metrics.RegistryUnsubscribe))
		assert.Equal(1.0, counted(metrics.RegistryUnsubscribeOperation))
		assert.Equal(1.0, counted(metrics.RegistryPurge))
	}

	// Case 2: failures are not counted
	{
		failing := WithMetrics(rejectingRegistry{Registry: GetMemoryRegistry(10, 0, nil)}, collector)
		assert.NotNil(failing.Subscribe(utCtxt, []string{"test"}, conn, op))
		assert.Equal(1.0, counted(metrics.RegistrySubscribe))
	}
}
