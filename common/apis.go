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
	"fmt"

	"github.com/apex/log"
)

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method" `
	// URI is the request URI
	URI string `json:"uri"`
	// ConnectionID is the connection the request arrived on, if any
	ConnectionID string `json:"connection_id,omitempty"`
}

// requestParamKey context key holding the RequestParam of the request being served
type requestParamKey struct{}

// updateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) updateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
	if i.ConnectionID != "" {
		tags["connection_id"] = i.ConnectionID
	}
}

// WithRequestParam attach the request parameters to a context
func WithRequestParam(ctxt context.Context, param RequestParam) context.Context {
	return context.WithValue(ctxt, requestParamKey{}, param)
}

// UpdateLogTags copy a set of log tags, adding the request parameters found in the context
func UpdateLogTags(ctxt context.Context, original log.Fields) log.Fields {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags
	}
	if param, ok := ctxt.Value(requestParamKey{}).(RequestParam); ok {
		param.updateLogTags(newLogTags)
	}
	return newLogTags
}
