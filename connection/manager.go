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
	"encoding/json"
	"errors"
	"time"

	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/alwitt/gqlgate/storage"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// connectionPartition the table partition holding every connection record
const connectionPartition = "connections"

// PushChannel delivers bytes to connected clients
type PushChannel interface {
	// Send deliver data to a connection. Returns common.ErrConnectionGone if the
	// client is no longer connected.
	Send(ctxt context.Context, connectionID string, data []byte) error
	// Close terminate a connection from the server side
	Close(ctxt context.Context, connectionID string) error
}

// RegisterParams parameters of a new connection
type RegisterParams struct {
	// ConnectionID is the transport assigned connection ID
	ConnectionID string `validate:"required"`
	// Endpoint is the transport endpoint which accepted the connection
	Endpoint string
	// Protocol is the wire vocabulary spoken on the connection
	Protocol common.ProtocolVariant `validate:"required,oneof=current legacy"`
}

// Manager owns the connection records and pushes data to connections
type Manager interface {
	// RegisterConnection record a new uninitialized connection
	RegisterConnection(ctxt context.Context, params RegisterParams) (common.Connection, error)
	// HydrateConnection read a connection. Returns common.ConnectionNotFoundError if unknown.
	HydrateConnection(ctxt context.Context, connectionID string) (common.Connection, error)
	// SetConnectionContext store the connection context and mark the connection initialized
	SetConnectionContext(
		ctxt context.Context, connection common.Connection, connContext map[string]interface{},
	) (common.Connection, error)
	// SendToConnection push data to a connection. A connection found to be gone is
	// torn down and no error is returned.
	SendToConnection(ctxt context.Context, connection common.Connection, data []byte) error
	// CloseConnection close a connection from the server side
	CloseConnection(ctxt context.Context, connection common.Connection) error
	// UnregisterConnection remove a connection record and all its subscriptions
	UnregisterConnection(ctxt context.Context, connection common.Connection) error
	// ClearStaleConnections close and unregister connections older than maxAge
	ClearStaleConnections(ctxt context.Context, maxAge time.Duration) (int, error)
}

// ManagerParams parameters of a Manager
type ManagerParams struct {
	// Table stores the connection records
	Table storage.Table `validate:"required"`
	// Registry is used to purge the subscriptions of a removed connection
	Registry subscription.Registry `validate:"required"`
	// Push delivers data to clients
	Push PushChannel `validate:"required"`
	// TTL is how long a connection record lives. Zero disables expiry.
	TTL time.Duration
	// PageSize is the number of records read per page during the stale sweep
	PageSize int
	// Clock overrides the system clock
	Clock common.Clock
	// Metrics is optional
	Metrics *metrics.Collector
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	table    storage.Table
	registry subscription.Registry
	push     PushChannel
	ttl      time.Duration
	pageSize int
	now      common.Clock
	metrics  *metrics.Collector
}

// GetManager define a new connection Manager
func GetManager(params ManagerParams) (Manager, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	if params.PageSize < 1 {
		params.PageSize = subscription.DefaultPageSize
	}
	if params.Clock == nil {
		params.Clock = common.SystemClock
	}
	logTags := log.Fields{"module": "connection", "component": "manager"}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		table:     params.Table,
		registry:  params.Registry,
		push:      params.Push,
		ttl:       params.TTL,
		pageSize:  params.PageSize,
		now:       params.Clock,
		metrics:   params.Metrics,
	}, nil
}

func connectionKey(connectionID string) storage.Key {
	return storage.Key{Partition: connectionPartition, Sort: connectionID}
}

func (m *managerImpl) write(ctxt context.Context, connection common.Connection) error {
	serialized, err := json.Marshal(&connection)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to serialize connection %s", connection.ID)
		return err
	}
	item := storage.Item{Key: connectionKey(connection.ID), Value: serialized}
	if m.ttl > 0 {
		expires := connection.CreatedAt.Add(m.ttl)
		item.ExpiresAt = &expires
	}
	if err := m.table.Put(ctxt, item); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to store connection %s", connection.ID)
		return err
	}
	return nil
}

// RegisterConnection record a new uninitialized connection
func (m *managerImpl) RegisterConnection(
	ctxt context.Context, params RegisterParams,
) (common.Connection, error) {
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Invalid connection parameters")
		return common.Connection{}, err
	}
	connection := common.Connection{
		ID: params.ConnectionID,
		Data: common.ConnectionData{
			Endpoint:      params.Endpoint,
			Context:       map[string]interface{}{},
			IsInitialized: false,
			Protocol:      params.Protocol,
		},
		CreatedAt: m.now(),
	}
	if err := m.write(ctxt, connection); err != nil {
		return common.Connection{}, err
	}
	m.metrics.ConnectionOpened(string(params.Protocol))
	log.WithFields(m.LogTags).Debugf("Registered connection %s", connection.ID)
	return connection, nil
}

// HydrateConnection read a connection
func (m *managerImpl) HydrateConnection(
	ctxt context.Context, connectionID string,
) (common.Connection, error) {
	item, err := m.table.Get(ctxt, connectionKey(connectionID))
	if err != nil {
		if errors.Is(err, storage.ErrItemNotFound) {
			return common.Connection{}, common.ConnectionNotFoundError{ConnectionID: connectionID}
		}
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to read connection %s", connectionID)
		return common.Connection{}, err
	}
	if item.IsExpired(m.now()) {
		return common.Connection{}, common.ConnectionNotFoundError{ConnectionID: connectionID}
	}
	var connection common.Connection
	if err := json.Unmarshal(item.Value, &connection); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to parse connection %s", connectionID)
		return common.Connection{}, err
	}
	return connection, nil
}

// SetConnectionContext store the connection context and mark the connection initialized
func (m *managerImpl) SetConnectionContext(
	ctxt context.Context, connection common.Connection, connContext map[string]interface{},
) (common.Connection, error) {
	if connContext == nil {
		connContext = map[string]interface{}{}
	}
	updated := connection
	updated.Data.Context = connContext
	updated.Data.IsInitialized = true
	if err := m.write(ctxt, updated); err != nil {
		return common.Connection{}, err
	}
	return updated, nil
}

// SendToConnection push data to a connection
func (m *managerImpl) SendToConnection(
	ctxt context.Context, connection common.Connection, data []byte,
) error {
	err := m.push.Send(ctxt, connection.ID, data)
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrConnectionGone) {
		log.WithFields(m.LogTags).Infof("Connection %s is gone, tearing down", connection.ID)
		return m.UnregisterConnection(ctxt, connection)
	}
	log.WithError(err).WithFields(m.LogTags).Errorf("Failed to send to connection %s", connection.ID)
	return err
}

// CloseConnection close a connection from the server side
func (m *managerImpl) CloseConnection(ctxt context.Context, connection common.Connection) error {
	if err := m.push.Close(ctxt, connection.ID); err != nil && !errors.Is(err, common.ErrConnectionGone) {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to close connection %s", connection.ID)
		return err
	}
	return nil
}

// UnregisterConnection remove a connection record and all its subscriptions
func (m *managerImpl) UnregisterConnection(ctxt context.Context, connection common.Connection) error {
	existed := true
	if _, err := m.table.Get(ctxt, connectionKey(connection.ID)); errors.Is(err, storage.ErrItemNotFound) {
		existed = false
	}
	if err := m.table.Delete(ctxt, connectionKey(connection.ID)); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to remove connection %s", connection.ID)
		return err
	}
	if err := m.registry.UnsubscribeAllByConnectionID(ctxt, connection.ID); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to purge subscriptions of connection %s", connection.ID,
		)
		return err
	}
	if existed {
		m.metrics.ConnectionClosed(string(connection.Data.Protocol))
		log.WithFields(m.LogTags).Debugf("Unregistered connection %s", connection.ID)
	}
	return nil
}

// ClearStaleConnections close and unregister connections older than maxAge
func (m *managerImpl) ClearStaleConnections(ctxt context.Context, maxAge time.Duration) (int, error) {
	now := m.now()
	stale := []common.Connection{}
	var cursor *string
	for {
		page, err := m.table.Query(ctxt, connectionPartition, cursor, m.pageSize)
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Failed to list connections")
			return 0, err
		}
		for _, item := range page.Items {
			var connection common.Connection
			if err := json.Unmarshal(item.Value, &connection); err != nil {
				log.WithError(err).WithFields(m.LogTags).Errorf("Unable to parse connection %s", item.Sort)
				continue
			}
			if item.IsExpired(now) || now.Sub(connection.CreatedAt) >= maxAge {
				stale = append(stale, connection)
			}
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	for _, connection := range stale {
		if err := m.CloseConnection(ctxt, connection); err != nil {
			log.WithError(err).WithFields(m.LogTags).Warnf("Stale connection %s not closed", connection.ID)
		}
		if err := m.UnregisterConnection(ctxt, connection); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		log.WithFields(m.LogTags).Infof("Cleared %d stale connections", len(stale))
	}
	return len(stale), nil
}
