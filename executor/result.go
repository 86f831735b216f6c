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
	"context"
)

// ErrorLocation position of an error in the document
type ErrorLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ResultError one GraphQL error
type ResultError struct {
	Message   string          `json:"message"`
	Locations []ErrorLocation `json:"locations,omitempty"`
	Path      []interface{}   `json:"path,omitempty"`
}

// Result the outcome of one GraphQL execution
type Result struct {
	Data   interface{}   `json:"data,omitempty"`
	Errors []ResultError `json:"errors,omitempty"`
}

// HasErrors whether the result carries errors
func (r *Result) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// errorResult a result carrying only error messages
func errorResult(messages ...string) *Result {
	result := &Result{Errors: make([]ResultError, 0, len(messages))}
	for _, msg := range messages {
		result.Errors = append(result.Errors, ResultError{Message: msg})
	}
	return result
}

// ResultStream pull based stream of subscription results
type ResultStream interface {
	// Next wait for the next result. Returns false once the stream has ended.
	Next(ctxt context.Context) (*Result, bool, error)
	// Close stop the stream and release its resources
	Close()
}

// Drain read every remaining result of a stream, then close it
func Drain(ctxt context.Context, stream ResultStream) ([]*Result, error) {
	defer stream.Close()
	results := []*Result{}
	for {
		result, ok, err := stream.Next(ctxt)
		if err != nil {
			return results, err
		}
		if !ok {
			return results, nil
		}
		results = append(results, result)
	}
}
