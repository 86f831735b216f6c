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

package common

import (
	"context"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestUpdateLogTags(t *testing.T) {
	assert := assert.New(t)
	original := log.Fields{"module": "common"}

	// Case 1: no request in context
	{
		tags := UpdateLogTags(context.Background(), original)
		assert.Equal(log.Fields{"module": "common"}, tags)
	}

	// Case 2: request in context
	{
		ctxt := WithRequestParam(context.Background(), RequestParam{
			ID: "req-1", Method: "MESSAGE", URI: "$default", ConnectionID: "conn-1",
		})
		tags := UpdateLogTags(ctxt, original)
		assert.Equal("req-1", tags["request_id"])
		assert.Equal("'$default'", tags["request_uri"])
		assert.Equal("conn-1", tags["connection_id"])
		// original untouched
		assert.Len(original, 1)
	}
}
