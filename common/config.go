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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Durable Store Related Config

// EtcdConfig defines parameters for connecting to an etcd cluster
type EtcdConfig struct {
	// Endpoints is the list of etcd endpoints
	Endpoints []string `mapstructure:"endpoints" json:"endpoints" validate:"required,min=1"`
	// DialTimeout is the max duration for connecting to etcd in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
	// KeyPrefix is the prefix applied to every key this application writes
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
}

// RedisConfig defines parameters for connecting to a Redis server
type RedisConfig struct {
	// Address is the Redis server "host:port"
	Address string `mapstructure:"address" json:"address" validate:"required"`
	// Password is the optional Redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis logical database
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is the prefix applied to every key this application writes
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
}

// StoreConfig selects and tunes the connection / subscription store
type StoreConfig struct {
	// Backend is the table driver to use for connection and subscription records
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory etcd redis"`
	// Registry is the subscription registry flavor
	//
	// "memory" keeps subscriptions in a process local map, "durable" keeps them in
	// the table selected by Backend.
	Registry string `mapstructure:"registry" json:"registry" validate:"required,oneof=memory durable"`
	// PageSize is the number of subscribers fetched per page during fan-out
	PageSize int `mapstructure:"page_size" json:"page_size" validate:"gte=1,lte=1000"`
	// BatchSize is the max number of records touched by one batch mutation
	BatchSize int `mapstructure:"batch_size" json:"batch_size" validate:"gte=3,lte=25"`
	// SubscriptionTTL is how long a subscription record lives in seconds. 0 disables expiry.
	SubscriptionTTL int `mapstructure:"subscription_ttl_sec" json:"subscription_ttl_sec" validate:"gte=0"`
	// ConnectionTTL is how long a connection record lives in seconds. 0 disables expiry.
	ConnectionTTL int `mapstructure:"connection_ttl_sec" json:"connection_ttl_sec" validate:"gte=0"`
	// EventTTL is how long a published event record lives in seconds. 0 disables expiry.
	EventTTL int `mapstructure:"event_ttl_sec" json:"event_ttl_sec" validate:"gte=0"`
	// StaleConnectionCheckInterval is the period between stale connection sweeps in seconds
	StaleConnectionCheckInterval int `mapstructure:"stale_check_interval_sec" json:"stale_check_interval_sec" validate:"gte=0"`
	// StaleConnectionAge is the age in seconds at which a connection is considered stale
	StaleConnectionAge int `mapstructure:"stale_connection_age_sec" json:"stale_connection_age_sec" validate:"gte=0"`
}

// ===============================================================================
// Event Delivery Related Config

// EventsConfig defines how published events reach the fan-out engine
type EventsConfig struct {
	// Backend is the event store: "memory" fans out inline, "table" appends to the
	// durable table before fan-out, "jetstream" publishes through NATS JetStream
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory table jetstream"`
	// StreamName is the JetStream stream holding published events
	StreamName string `mapstructure:"stream_name" json:"stream_name" validate:"required"`
	// SubjectPrefix is the JetStream subject prefix for published events
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// ConsumerName is the durable JetStream consumer the fan-out engine reads with
	ConsumerName string `mapstructure:"consumer_name" json:"consumer_name" validate:"required"`
	// MaxAge is the max duration JetStream keeps an event in seconds
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=1"`
	// ProcessingBuffer is the depth of the in-order fan-out task queue
	ProcessingBuffer int `mapstructure:"processing_buffer" json:"processing_buffer" validate:"gte=1"`
}

// ===============================================================================
// Protocol Related Config

// ProtocolConfig defines the WebSocket sub-protocol parameters
type ProtocolConfig struct {
	// Variant is the wire vocabulary assigned to new connections
	Variant string `mapstructure:"variant" json:"variant" validate:"required,oneof=current legacy"`
	// InitWaitRetries is the number of hydrate attempts while waiting for connection init
	InitWaitRetries int `mapstructure:"init_wait_retries" json:"init_wait_retries" validate:"gte=0"`
	// InitWaitDelay is the delay between hydrate attempts in milliseconds
	InitWaitDelay int `mapstructure:"init_wait_delay_ms" json:"init_wait_delay_ms" validate:"gte=0"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// GatewayEndpointConfig defines the gateway end-point paths
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for every gateway API
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// WebSocketPath is the path the WebSocket transport is served on
	WebSocketPath string `mapstructure:"websocket_path" json:"websocket_path" validate:"required"`
	// WriteTimeout is the max duration for one WebSocket frame write in seconds
	WriteTimeout int `mapstructure:"ws_write_timeout_sec" json:"ws_write_timeout_sec" validate:"gte=1"`
}

// GatewayServerConfig defines configuration for the gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// EnableMetrics whether to serve Prometheus metrics on /metrics
	EnableMetrics bool `mapstructure:"enable_metrics" json:"enable_metrics"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the gateway
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Etcd are the etcd related config parameters
	Etcd *EtcdConfig `mapstructure:"etcd" json:"etcd,omitempty" validate:"omitempty"`
	// Redis are the Redis related config parameters
	Redis *RedisConfig `mapstructure:"redis" json:"redis,omitempty" validate:"omitempty"`
	// Store are the connection / subscription store parameters
	Store StoreConfig `mapstructure:"store" json:"store" validate:"required"`
	// Events are the event delivery parameters
	Events EventsConfig `mapstructure:"events" json:"events" validate:"required"`
	// Protocol are the WebSocket sub-protocol parameters
	Protocol ProtocolConfig `mapstructure:"protocol" json:"protocol" validate:"required"`
	// Gateway are the gateway server configs
	Gateway GatewayServerConfig `mapstructure:"gateway" json:"gateway" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default store settings
	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("store.registry", "durable")
	viper.SetDefault("store.page_size", 50)
	viper.SetDefault("store.batch_size", 25)
	viper.SetDefault("store.subscription_ttl_sec", 7200)
	viper.SetDefault("store.connection_ttl_sec", 7200)
	viper.SetDefault("store.event_ttl_sec", 600)
	viper.SetDefault("store.stale_check_interval_sec", 300)
	viper.SetDefault("store.stale_connection_age_sec", 7200)

	// Default event delivery settings
	viper.SetDefault("events.backend", "memory")
	viper.SetDefault("events.stream_name", "gqlgate-events")
	viper.SetDefault("events.subject_prefix", "gqlgate.events")
	viper.SetDefault("events.consumer_name", "gqlgate-fanout")
	viper.SetDefault("events.max_age_sec", 600)
	viper.SetDefault("events.processing_buffer", 64)

	// Default protocol settings
	viper.SetDefault("protocol.variant", "current")
	viper.SetDefault("protocol.init_wait_retries", 10)
	viper.SetDefault("protocol.init_wait_delay_ms", 50)

	// Default gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.endpoint_config.websocket_path", "/graphql/ws")
	viper.SetDefault("gateway.endpoint_config.ws_write_timeout_sec", 10)
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 4000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Gqlgate-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.enable_metrics", true)
}
