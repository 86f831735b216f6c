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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/gqlgate/apis"
	"github.com/alwitt/gqlgate/common"
	"github.com/alwitt/gqlgate/connection"
	"github.com/alwitt/gqlgate/core"
	"github.com/alwitt/gqlgate/demo"
	"github.com/alwitt/gqlgate/events"
	"github.com/alwitt/gqlgate/executor"
	"github.com/alwitt/gqlgate/fanout"
	"github.com/alwitt/gqlgate/gateway"
	"github.com/alwitt/gqlgate/management"
	"github.com/alwitt/gqlgate/metrics"
	"github.com/alwitt/gqlgate/storage"
	"github.com/alwitt/gqlgate/subscription"
	"github.com/alwitt/gqlgate/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Gateway the assembled gateway components
type Gateway struct {
	// Router serves the WebSocket transport and the REST APIs
	Router *mux.Router
	// Transport is the WebSocket transport
	Transport *transport.WebSocketServer
	// Connections owns the connection records
	Connections connection.Manager
	// Registry is the subscription registry
	Registry subscription.Registry
	// Events is where published events go
	Events events.Store

	logTags  log.Fields
	table    storage.Table
	natsCore *core.NatsClient
	source   fanout.JetStreamEventSource
}

// BuildGateway assemble every gateway component described by the config
//
// The NATS client is only required when events.backend is "jetstream". A nil
// registerer disables metrics.
func BuildGateway(
	ctxt context.Context,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	registerer prometheus.Registerer,
) (*Gateway, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway config")
		return nil, err
	}

	collector, err := metrics.NewCollector(registerer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics collector")
		return nil, err
	}

	gw := &Gateway{logTags: logTags, natsCore: natsClient}

	// -------------------------------------------------------------------
	// Storage

	if gw.table, err = buildTable(ctxt, config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s table", config.Store.Backend,
		)
		return nil, err
	}

	pageSize := config.Store.PageSize
	switch config.Store.Registry {
	case "memory":
		gw.Registry = subscription.GetMemoryRegistry(
			pageSize, time.Second*time.Duration(config.Store.SubscriptionTTL), nil,
		)
	default:
		gw.Registry, err = subscription.GetDurableRegistry(subscription.DurableRegistryParams{
			Table:     gw.table,
			PageSize:  pageSize,
			BatchSize: config.Store.BatchSize,
			TTL:       time.Second * time.Duration(config.Store.SubscriptionTTL),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define durable registry")
			return nil, err
		}
	}

	gw.Registry = subscription.WithMetrics(gw.Registry, collector)

	gw.Transport = transport.NewWebSocketServer(
		config.Gateway.Endpoints.WebSocketPath,
		time.Second*time.Duration(config.Gateway.Endpoints.WriteTimeout),
	)

	gw.Connections, err = connection.GetManager(connection.ManagerParams{
		Table:    gw.table,
		Registry: gw.Registry,
		Push:     gw.Transport,
		TTL:      time.Second * time.Duration(config.Store.ConnectionTTL),
		PageSize: pageSize,
		Metrics:  collector,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return nil, err
	}

	// -------------------------------------------------------------------
	// Execution and fan-out

	// Resolvers publish through the event store, which is defined after the executor
	publish := func(ctxt context.Context, event common.SubscriptionEvent) error {
		return gw.Events.Publish(ctxt, event)
	}
	schema, err := demo.NewSchema(publish)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define GraphQL schema")
		return nil, err
	}
	exec, err := executor.GetExecutor(executor.Params{
		Engine:      executor.NewGraphQLGoEngine(schema),
		Registry:    gw.Registry,
		Connections: gw.Connections,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define executor")
		return nil, err
	}

	processor, err := fanout.GetEventProcessor(fanout.ProcessorParams{
		Registry:    gw.Registry,
		Executor:    exec,
		Connections: gw.Connections,
		Concurrency: pageSize,
		Metrics:     collector,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fan-out processor")
		return nil, err
	}

	if err := gw.buildEventStore(ctxt, config, processor, collector); err != nil {
		return nil, err
	}

	// -------------------------------------------------------------------
	// Protocol handler

	handler, err := gateway.GetHandler(gateway.HandlerParams{
		Connections:     gw.Connections,
		Registry:        gw.Registry,
		Executor:        exec,
		Protocol:        common.ProtocolVariant(config.Protocol.Variant),
		Streaming:       true,
		InitWaitRetries: config.Protocol.InitWaitRetries,
		InitWaitDelay:   time.Millisecond * time.Duration(config.Protocol.InitWaitDelay),
		Metrics:         collector,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define protocol handler")
		return nil, err
	}
	gw.Transport.AttachHandler(handler)

	// -------------------------------------------------------------------
	// HTTP routes

	httpHandler, err := apis.GetAPIRestGatewayHandler(
		&config.Gateway.HTTPSetting, gw.Events, exec, gw.readiness,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return nil, err
	}

	gw.Router = mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(gw.Router, config.Gateway.Endpoints.PathPrefix, nil)

	mainRouter.Handle(config.Gateway.Endpoints.WebSocketPath, gw.Transport)

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/event/{eventName}", apis.MethodHandlers{
		"post": httpHandler.PublishEventHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/graphql", apis.MethodHandlers{
		"post": httpHandler.ExecuteGraphQLHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	if config.Gateway.EnableMetrics && registerer != nil {
		if gatherer, ok := registerer.(prometheus.Gatherer); ok {
			gw.Router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		}
	}

	// Add logging
	gw.Router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	return gw, nil
}

// buildTable define the connection / subscription table
func buildTable(ctxt context.Context, config common.SystemConfig) (storage.Table, error) {
	switch config.Store.Backend {
	case "etcd":
		if config.Etcd == nil {
			return nil, fmt.Errorf("etcd store backend requires etcd config")
		}
		client, err := core.GetEtcdClient(*config.Etcd)
		if err != nil {
			return nil, err
		}
		return storage.NewEtcdTable(client, config.Etcd.KeyPrefix, nil)
	case "redis":
		if config.Redis == nil {
			return nil, fmt.Errorf("redis store backend requires redis config")
		}
		client, err := core.GetRedisClient(ctxt, *config.Redis)
		if err != nil {
			return nil, err
		}
		return storage.NewRedisTable(client, config.Redis.KeyPrefix)
	default:
		return storage.NewMemoryTable("gateway"), nil
	}
}

// buildEventStore define the event store, and for JetStream the stream and its consumer
func (g *Gateway) buildEventStore(
	ctxt context.Context,
	config common.SystemConfig,
	processor fanout.EventProcessor,
	collector *metrics.Collector,
) error {
	var err error
	switch config.Events.Backend {
	case "table":
		g.Events, err = events.GetTableStore(
			g.table, processor, time.Second*time.Duration(config.Store.EventTTL), nil, collector,
		)
		if err != nil {
			log.WithError(err).WithFields(g.logTags).Error("Unable to define table event store")
		}
		return err

	case "jetstream":
		if g.natsCore == nil {
			return fmt.Errorf("jetstream event backend requires a NATS client")
		}
		controller, err := management.GetEventStreamController(g.natsCore, config.Events.StreamName)
		if err != nil {
			return err
		}
		if _, err := controller.EnsureEventStream(management.EventStreamParam{
			Name:          config.Events.StreamName,
			SubjectPrefix: config.Events.SubjectPrefix,
			MaxAge:        time.Second * time.Duration(config.Events.MaxAge),
		}); err != nil {
			log.WithError(err).WithFields(g.logTags).Error("Unable to prepare event stream")
			return err
		}
		if g.Events, err = events.GetJetStreamStore(
			g.natsCore, config.Events.SubjectPrefix, collector,
		); err != nil {
			log.WithError(err).WithFields(g.logTags).Error("Unable to define JetStream event store")
			return err
		}
		g.source, err = fanout.GetJetStreamEventSource(
			ctxt, g.natsCore, processor, fanout.JetStreamSourceParams{
				Subject:  fmt.Sprintf("%s.>", config.Events.SubjectPrefix),
				Consumer: config.Events.ConsumerName,
				Buffer:   config.Events.ProcessingBuffer,
			},
		)
		if err != nil {
			log.WithError(err).WithFields(g.logTags).Error("Unable to define JetStream event source")
		}
		return err

	default:
		g.Events = events.GetMemoryStore(processor, collector)
		return nil
	}
}

// readiness probe the connection table
func (g *Gateway) readiness() error {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if _, err := g.table.Query(ctxt, "readiness", nil, 1); err != nil {
		return err
	}
	if g.natsCore != nil && g.natsCore.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS client not connected")
	}
	return nil
}

// Start start the background processing: the JetStream event source and the
// stale connection sweep
func (g *Gateway) Start(
	ctxt context.Context, config common.SystemConfig, wg *sync.WaitGroup,
) (common.IntervalTimer, error) {
	if g.source != nil {
		if err := g.source.Start(wg); err != nil {
			log.WithError(err).WithFields(g.logTags).Error("Unable to start JetStream event source")
			return nil, err
		}
	}
	if config.Store.StaleConnectionCheckInterval == 0 {
		return nil, nil
	}
	sweeper, err := common.GetIntervalTimerInstance(ctxt, wg, "stale-connection-sweep")
	if err != nil {
		return nil, err
	}
	maxAge := time.Second * time.Duration(config.Store.StaleConnectionAge)
	err = sweeper.Start(
		time.Second*time.Duration(config.Store.StaleConnectionCheckInterval),
		func(ctxt context.Context) error {
			return g.sweep(ctxt, maxAge)
		},
		false,
	)
	return sweeper, err
}

// sweep one round of stale connection and expired record clean up
func (g *Gateway) sweep(ctxt context.Context, maxAge time.Duration) error {
	if maxAge > 0 {
		if _, err := g.Connections.ClearStaleConnections(ctxt, maxAge); err != nil {
			log.WithError(err).WithFields(g.logTags).Error("Stale connection sweep failed")
			return err
		}
	}
	if memTable, ok := g.table.(*storage.MemoryTable); ok {
		memTable.Reap(time.Now())
	}
	return nil
}

// Close stop the background processing and release the backends
func (g *Gateway) Close(ctxt context.Context) {
	if g.source != nil {
		if err := g.source.Stop(); err != nil {
			log.WithError(err).WithFields(g.logTags).Error("JetStream event source stop failed")
		}
	}
	g.Transport.Shutdown(ctxt)
	if err := g.table.Close(); err != nil {
		log.WithError(err).WithFields(g.logTags).Error("Table close failed")
	}
}

// RunGatewayServer run the gateway server until the runtime context ends
func RunGatewayServer(
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	var registerer prometheus.Registerer
	if config.Gateway.EnableMetrics {
		registerer = registry
	}

	gw, err := BuildGateway(localCtxt, config, instance, natsClient, registerer)
	if err != nil {
		return err
	}
	sweeper, err := gw.Start(localCtxt, config, wg)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.Gateway.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(gw.Router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(gw.logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	if sweeper != nil {
		if err := sweeper.Stop(); err != nil {
			log.WithError(err).WithFields(gw.logTags).Error("Stale connection sweep stop failed")
		}
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		gw.Close(ctx)
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
