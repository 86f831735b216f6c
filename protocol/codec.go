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

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/alwitt/gqlgate/common"
)

// WebSocketSubprotocol the WebSocket sub-protocol negotiated by clients
const WebSocketSubprotocol = "graphql-ws"

// MessageKind the meaning of a frame, independent of the wire vocabulary
type MessageKind int

// Frame kinds
const (
	KindUnknown MessageKind = iota
	KindConnectionInit
	KindStart
	KindStop
	KindConnectionAck
	KindData
	KindComplete
	KindError
)

// Vocabulary the frame type strings of one protocol variant
type Vocabulary struct {
	ConnectionInit string
	Start          string
	Stop           string
	ConnectionAck  string
	Data           string
	Complete       string
	Error          string
}

var vocabularies = map[common.ProtocolVariant]Vocabulary{
	common.ProtocolCurrent: {
		ConnectionInit: "connection_init",
		Start:          "start",
		Stop:           "stop",
		ConnectionAck:  "connection_ack",
		Data:           "data",
		Complete:       "complete",
		Error:          "error",
	},
	common.ProtocolLegacy: {
		ConnectionInit: "connection_init",
		Start:          "GQL_OP",
		Stop:           "GQL_UNSUBSCRIBE",
		ConnectionAck:  "GQL_CONNECTED",
		Data:           "GQL_OP_RESULT",
		Complete:       "GQL_UNSUNBSCRIBED",
		Error:          "GQL_ERROR",
	},
}

// Frame one protocol message
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload payload of an error frame
type ErrorPayload struct {
	Message string `json:"message"`
}

// Codec encodes and decodes frames of one protocol variant
type Codec struct {
	variant common.ProtocolVariant
	vocab   Vocabulary
}

// GetCodec define the codec of a protocol variant
func GetCodec(variant common.ProtocolVariant) (Codec, error) {
	vocab, ok := vocabularies[variant]
	if !ok {
		return Codec{}, fmt.Errorf("unknown protocol variant '%s'", variant)
	}
	return Codec{variant: variant, vocab: vocab}, nil
}

// Variant the protocol variant of the codec
func (c Codec) Variant() common.ProtocolVariant {
	return c.variant
}

// Vocabulary the frame type strings of the codec
func (c Codec) Vocabulary() Vocabulary {
	return c.vocab
}

// Kind classify a frame type string
func (c Codec) Kind(frameType string) MessageKind {
	switch frameType {
	case c.vocab.ConnectionInit:
		return KindConnectionInit
	case c.vocab.Start:
		return KindStart
	case c.vocab.Stop:
		return KindStop
	case c.vocab.ConnectionAck:
		return KindConnectionAck
	case c.vocab.Data:
		return KindData
	case c.vocab.Complete:
		return KindComplete
	case c.vocab.Error:
		return KindError
	default:
		return KindUnknown
	}
}

// ParseFrame decode a raw frame
func (c Codec) ParseFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, common.MalformedOperationError{Reason: err.Error()}
	}
	if frame.Type == "" {
		return Frame{}, common.MalformedOperationError{Reason: "frame has no type"}
	}
	return frame, nil
}

// ParseOperationFromFrame extract the GraphQL operation carried by a start frame
func (c Codec) ParseOperationFromFrame(frame Frame) (common.IdentifiedOperationRequest, error) {
	if c.Kind(frame.Type) != KindStart {
		return common.IdentifiedOperationRequest{}, common.InvalidOperationError{
			Reason: fmt.Sprintf("'%s' frame does not carry an operation", frame.Type),
		}
	}
	if frame.ID == "" {
		return common.IdentifiedOperationRequest{}, common.InvalidOperationError{
			Reason: "operation has no id",
		}
	}
	if len(frame.Payload) == 0 {
		return common.IdentifiedOperationRequest{}, common.InvalidOperationError{
			Reason: "operation has no payload",
		}
	}
	var operation common.OperationRequest
	if err := json.Unmarshal(frame.Payload, &operation); err != nil {
		return common.IdentifiedOperationRequest{}, common.MalformedOperationError{Reason: err.Error()}
	}
	if operation.Query == "" {
		return common.IdentifiedOperationRequest{}, common.InvalidOperationError{
			Reason: "operation has no query",
		}
	}
	return common.IdentifiedOperationRequest{OperationRequest: operation, OperationID: frame.ID}, nil
}

// FormatMessage encode a frame
func (c Codec) FormatMessage(frame Frame) ([]byte, error) {
	return json.Marshal(&frame)
}

func (c Codec) frameWithPayload(id, frameType string, payload interface{}) (Frame, error) {
	frame := Frame{ID: id, Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		frame.Payload = raw
	}
	return frame, nil
}

// ConnectionInitFrame build a client connection init frame
func (c Codec) ConnectionInitFrame(payload map[string]interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Type: c.vocab.ConnectionInit}, nil
	}
	return c.frameWithPayload("", c.vocab.ConnectionInit, payload)
}

// StartFrame build a client operation start frame
func (c Codec) StartFrame(operation common.IdentifiedOperationRequest) (Frame, error) {
	return c.frameWithPayload(operation.OperationID, c.vocab.Start, &operation.OperationRequest)
}

// StopFrame build a client operation stop frame
func (c Codec) StopFrame(operationID string) Frame {
	return Frame{ID: operationID, Type: c.vocab.Stop}
}

// ConnectionAckFrame build a server connection ack frame
func (c Codec) ConnectionAckFrame() Frame {
	return Frame{Type: c.vocab.ConnectionAck}
}

// DataFrame build a server operation result frame
func (c Codec) DataFrame(operationID string, result interface{}) (Frame, error) {
	return c.frameWithPayload(operationID, c.vocab.Data, result)
}

// CompleteFrame build a server operation complete frame
func (c Codec) CompleteFrame(operationID string) Frame {
	return Frame{ID: operationID, Type: c.vocab.Complete}
}

// ErrorFrame build a server error frame
func (c Codec) ErrorFrame(operationID string, message string) Frame {
	frame, _ := c.frameWithPayload(operationID, c.vocab.Error, &ErrorPayload{Message: message})
	return frame
}
