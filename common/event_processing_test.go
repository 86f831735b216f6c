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
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: invalid buffer
	{
		_, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
		assert.NotNil(err)
	}

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, "hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	// Case 2: define handlers
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct1{}), func(_ context.Context, p interface{}) error { return nil },
		))
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct3{}), func(_ context.Context, p interface{}) error {
				return fmt.Errorf("Dummy error")
			},
		))
		assert.Nil(uut.ProcessNewTaskParam(ctxt, testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, &testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(ctxt, testStruct3{}))
	}
}

func TestTaskProcessingOrder(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 2)
	assert.Nil(err)

	type seqTask struct{ seq int }

	testWG := sync.WaitGroup{}
	observed := []int{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(seqTask{}), func(_ context.Context, p interface{}) error {
			observed = append(observed, p.(seqTask).seq)
			testWG.Done()
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks run in submission order
	{
		testWG.Add(10)
		for itr := 0; itr < 10; itr++ {
			useContext, cancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(uut.Submit(useContext, seqTask{seq: itr}))
			cancel()
		}
		testWG.Wait()
		assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, observed)
	}

	// Case 2: submit after stop
	{
		assert.Nil(uut.StopEventLoop())
		wg.Wait()
		// fill the buffer so the stopped loop must be noticed
		for itr := 0; itr < 3; itr++ {
			useContext, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
			err = uut.Submit(useContext, seqTask{seq: itr})
			cancel()
		}
		assert.NotNil(err)
	}
}
