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

package connection

import (
	"context"
	"sync"

	"github.com/alwitt/gqlgate/common"
)

// LoopbackPushChannel in-process PushChannel which keeps every message sent
//
// Connections must be opened before they can receive. Sending to a closed or
// unknown connection reports common.ErrConnectionGone.
type LoopbackPushChannel struct {
	lock     sync.Mutex
	open     map[string]bool
	messages map[string][][]byte
	notify   chan string
}

// NewLoopbackPushChannel define a new loopback push channel
func NewLoopbackPushChannel() *LoopbackPushChannel {
	return &LoopbackPushChannel{
		open:     make(map[string]bool),
		messages: make(map[string][][]byte),
		notify:   make(chan string, 1024),
	}
}

// Open mark a connection as connected
func (p *LoopbackPushChannel) Open(connectionID string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.open[connectionID] = true
}

// Send record a message for the connection
func (p *LoopbackPushChannel) Send(_ context.Context, connectionID string, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.open[connectionID] {
		return common.ErrConnectionGone
	}
	p.messages[connectionID] = append(p.messages[connectionID], append([]byte(nil), data...))
	select {
	case p.notify <- connectionID:
	default:
	}
	return nil
}

// Close mark a connection as disconnected
func (p *LoopbackPushChannel) Close(_ context.Context, connectionID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.open[connectionID] {
		return common.ErrConnectionGone
	}
	delete(p.open, connectionID)
	return nil
}

// IsOpen whether the connection is connected
func (p *LoopbackPushChannel) IsOpen(connectionID string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.open[connectionID]
}

// Messages the messages sent to a connection so far
func (p *LoopbackPushChannel) Messages(connectionID string) [][]byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	result := make([][]byte, len(p.messages[connectionID]))
	copy(result, p.messages[connectionID])
	return result
}

// Notifications reports the connection ID of every successful send
func (p *LoopbackPushChannel) Notifications() <-chan string {
	return p.notify
}
