package main

import (
	"context"
	"database/sql"
	"fmt"
	"iot-gateway/internal/api"
	"iot-gateway/internal/apicommon"
	"iot-gateway/internal/command"
	"iot-gateway/internal/config"
	"iot-gateway/internal/events"
	"iot-gateway/internal/gateway"
	"iot-gateway/internal/migrations"
	amqpadapter "iot-gateway/internal/protocols/amqp"
	coapadapter "iot-gateway/internal/protocols/coap"
	mqttadapter "iot-gateway/internal/protocols/mqtt"
	"iot-gateway/pkg/migrator"
	"iot-gateway/pkg/utils"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mqttbroker "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	sigCtx, sigCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	cfg, err := config.New()
	if err != nil {
		fatalIfErr(slog.Default(), fmt.Errorf("failed to create config: %w", err))
	}

	defer utils.LogOnError(slog.Default(), cfg.Close, "failed to close config")

	logger := getLogger(cfg)

	// Command persistence
	store, dbClose, err := getCommandStore(logger, cfg)
	fatalIfErr(logger, err)

	if dbClose != nil {
		defer utils.LogOnError(logger, dbClose, "failed to close database")
	}

	// Embedded MQTT broker for local development
	if cfg.MQTTServerEnabled {
		broker, err := getMQTTServer(logger, fmt.Sprintf(":%d", cfg.MQTTServerPort))
		fatalIfErr(logger, err)

		go func() {
			logger.Info("embedded MQTT broker listening", slog.Int("port", cfg.MQTTServerPort))

			if err := broker.Serve(); err != nil {
				logger.Error("embedded MQTT broker failed", utils.ErrAttr(err))
				sigCancel()
			}
		}()

		defer utils.LogOnError(logger, broker.Close, "failed to close embedded MQTT broker")
	}

	// Event bridge and sinks
	bridge := events.NewBridge(logger, cfg.EventBufferSize)
	defer bridge.Close()

	if cfg.RedisURL != "" {
		sink, err := events.NewRedisSink(logger, cfg.RedisURL)
		fatalIfErr(logger, err)

		defer utils.LogOnError(logger, sink.Close, "failed to close redis sink")

		go sink.Run(sigCtx, bridge)
	}

	// Protocol adapters; an adapter whose transport is not configured for
	// this deployment is skipped with a log line instead of crashing.
	registry := gateway.NewRegistry(logger)
	manager := gateway.NewManager(logger, registry, buildAdapters(logger, cfg, bridge)...)
	manager.Initialize()

	results, started, failed := manager.StartAll(sigCtx)
	if failed > 0 {
		logger.Warn("some adapters failed to start", slog.Any("results", results))
	}

	if started == 0 && len(results) > 0 {
		fatalIfErr(logger, fmt.Errorf("no protocol adapter started"))
	}

	// Command translation and response correlation
	translator := command.NewTranslator(logger, store, manager)
	go translator.Run(sigCtx, bridge)

	// HTTP surface
	apiHandler := api.NewHandler(logger, translator, manager, bridge)
	httpServer := apicommon.NewHTTPServer(logger, fmt.Sprintf(":%d", cfg.Port), apiHandler.Router())
	httpServer.StartOnBackground(sigCancel)

	<-sigCtx.Done()
	logger.Info("received signal, shutting down...")

	if err := httpServer.ShutdownWithDefaultTimeout(); err != nil {
		logger.Error("http server shutdown failed", utils.ErrAttr(err))
	}

	_, stopped, stopFailed := manager.StopAll(context.Background())
	logger.Info("gateway exited gracefully", slog.Int("stopped", stopped), slog.Int("failed", stopFailed))
}

// buildAdapters constructs the compiled-in adapters that are configured for
// this deployment. A nil entry stands for an absent transport dependency.
func buildAdapters(l *slog.Logger, cfg *config.Config, bridge *events.Bridge) []gateway.Adapter {
	var adapters []gateway.Adapter

	if cfg.MQTTBroker != "" {
		a, err := mqttadapter.New(l, bridge, mqttadapter.Options{
			BrokerURL: cfg.MQTTBroker,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		})
		if err != nil {
			l.Error("failed to build MQTT adapter, skipping", utils.ErrAttr(err))
		} else {
			adapters = append(adapters, a)
		}
	} else {
		l.Info("MQTT broker not configured, adapter not registered")
	}

	if cfg.CoAPEnabled {
		adapters = append(adapters, coapadapter.New(l, bridge, cfg.CoAPTimeout))
	} else {
		l.Info("CoAP disabled, adapter not registered")
	}

	if cfg.AMQPURL != "" {
		a, err := amqpadapter.New(l, bridge, amqpadapter.Options{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
		})
		if err != nil {
			l.Error("failed to build AMQP adapter, skipping", utils.ErrAttr(err))
		} else {
			adapters = append(adapters, a)
		}
	} else {
		l.Info("AMQP broker not configured, adapter not registered")
	}

	return adapters
}

// getCommandStore builds the configured Store, running migrations for the
// SQL-backed variants. The returned closer is nil for the memory store.
func getCommandStore(l *slog.Logger, cfg *config.Config) (command.Store, func() error, error) {
	if cfg.CommandStore == config.StoreMemory {
		l.Info("using in-memory command store")

		return command.NewMemoryStore(), nil, nil
	}

	m, err := migrator.New(l, cfg.Dialect, migrations.GetFS(), cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(cfg.Dialect.Driver(), cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := command.NewSQLStore(l, db, cfg.Dialect)
	if err != nil {
		return nil, db.Close, err
	}

	l.Info("using SQL command store", slog.String("dialect", cfg.Dialect.String()))

	return store, db.Close, nil
}

func getMQTTServer(l *slog.Logger, addr string) (*mqttbroker.Server, error) {
	server := mqttbroker.New(&mqttbroker.Options{
		Logger: l.With(slog.String("component", "mqtt-broker")),
	})
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})

	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}

	return server, nil
}

func getLogger(cfg *config.Config) *slog.Logger {
	logOptions := slog.HandlerOptions{
		Level:       cfg.LogLevel,
		ReplaceAttr: utils.SlogReplacer,
	}

	logHandler := slog.NewJSONHandler(cfg.LogOutput, &logOptions)

	return slog.New(logHandler).With(slog.String("version", utils.GetVersionShort()))
}

func fatalIfErr(l *slog.Logger, err error) {
	if err == nil {
		return
	}

	l.Error("error", utils.ErrAttr(err))
	os.Exit(1)
}
