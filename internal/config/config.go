package config

import (
	"fmt"
	"io"
	"iot-gateway/pkg/dialect"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type EnvKey string

const (
	EnvPort      EnvKey = "PORT"
	EnvDataDir   EnvKey = "DATA_DIR"
	EnvLogLevel  EnvKey = "LOG_LEVEL"
	EnvLogToFile EnvKey = "LOG_TO_FILE"

	EnvCommandStore EnvKey = "COMMAND_STORE"

	EnvDBHost    EnvKey = "DB_HOST"
	EnvDBPort    EnvKey = "DB_PORT"
	EnvDBName    EnvKey = "DB_NAME"
	EnvDBUser    EnvKey = "DB_USER"
	EnvDBPass    EnvKey = "DB_PASSWORD"
	EnvDBSSLMode EnvKey = "DB_SSLMODE"

	EnvMQTTServerEnabled EnvKey = "MQTT_SERVER_ENABLED"
	EnvMQTTServerPort    EnvKey = "MQTT_SERVER_PORT"

	EnvMQTTBroker   EnvKey = "MQTT_BROKER"
	EnvMQTTClientID EnvKey = "MQTT_CLIENT_ID"
	EnvMQTTUsername EnvKey = "MQTT_USERNAME"
	EnvMQTTPassword EnvKey = "MQTT_PASSWORD"

	EnvCoAPEnabled EnvKey = "COAP_ENABLED"
	EnvCoAPTimeout EnvKey = "COAP_TIMEOUT_SECONDS"

	EnvAMQPURL      EnvKey = "AMQP_URL"
	EnvAMQPExchange EnvKey = "AMQP_EXCHANGE"

	EnvRedisURL EnvKey = "REDIS_URL"

	EnvEventBufferSize EnvKey = "EVENT_BUFFER_SIZE"
)

// CommandStoreKind selects the Command persistence backend.
type CommandStoreKind string

const (
	StoreMemory   CommandStoreKind = "memory"
	StoreSQLite   CommandStoreKind = "sqlite"
	StorePostgres CommandStoreKind = "postgres"
)

type Config struct {
	Port      int
	DataDir   string
	LogLevel  slog.Leveler
	LogOutput io.Writer

	CommandStore CommandStoreKind
	Database     string
	Dialect      dialect.Dialect

	// Embedded MQTT broker (local development mode)
	MQTTServerEnabled bool
	MQTTServerPort    int

	// MQTT adapter; an empty broker URL disables the adapter entirely
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	// CoAP adapter
	CoAPEnabled bool
	CoAPTimeout time.Duration

	// AMQP adapter; an empty URL disables the adapter entirely
	AMQPURL      string
	AMQPExchange string

	// Redis event sink; an empty URL disables the sink
	RedisURL string

	EventBufferSize int
}

func New() (*Config, error) {
	dataDir := getStringEnv(EnvDataDir, "data")

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var logOutput io.Writer = os.Stdout

	if getBoolEnv(EnvLogToFile, false) {
		logPath := filepath.Join(dataDir, "gateway.log")

		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		logOutput = f
	}

	storeKind := CommandStoreKind(strings.ToLower(getStringEnv(EnvCommandStore, string(StoreMemory))))

	var (
		dbDialect    dialect.Dialect
		dbConnString string
	)

	switch storeKind {
	case StoreMemory:
		// No database required
	case StoreSQLite:
		dbDialect = dialect.SQLite
		dbConnString = filepath.Join(dataDir, "gateway.sqlite")
	case StorePostgres:
		dbDialect = dialect.PostgreSQL

		host := getStringEnv(EnvDBHost, "localhost")
		port := getIntEnv(EnvDBPort, 5432)
		dbName := getStringEnv(EnvDBName, "gateway")
		user := getStringEnv(EnvDBUser, "gateway")
		password := getStringEnv(EnvDBPass, "")
		sslmode := getStringEnv(EnvDBSSLMode, "disable")

		dbConnString = fmt.Sprintf(
			"postgresql://%s:%s@%s/%s?sslmode=%s",
			url.QueryEscape(user),
			url.QueryEscape(password),
			net.JoinHostPort(host, strconv.Itoa(port)),
			dbName, sslmode,
		)
	default:
		return nil, fmt.Errorf("unsupported command store: %s", storeKind)
	}

	return &Config{
		Port:              getIntEnv(EnvPort, 8080),
		DataDir:           dataDir,
		LogLevel:          getLogLevelEnv(EnvLogLevel, slog.LevelInfo),
		LogOutput:         logOutput,
		CommandStore:      storeKind,
		Database:          dbConnString,
		Dialect:           dbDialect,
		MQTTServerEnabled: getBoolEnv(EnvMQTTServerEnabled, false),
		MQTTServerPort:    getIntEnv(EnvMQTTServerPort, 1883),
		MQTTBroker:        getStringEnv(EnvMQTTBroker, "tcp://127.0.0.1:1883"),
		MQTTClientID:      getStringEnv(EnvMQTTClientID, "iot-gateway"),
		MQTTUsername:      getStringEnv(EnvMQTTUsername, ""),
		MQTTPassword:      getStringEnv(EnvMQTTPassword, ""),
		CoAPEnabled:       getBoolEnv(EnvCoAPEnabled, true),
		CoAPTimeout:       time.Duration(getIntEnv(EnvCoAPTimeout, 5)) * time.Second,
		AMQPURL:           getStringEnv(EnvAMQPURL, ""),
		AMQPExchange:      getStringEnv(EnvAMQPExchange, "iot_devices"),
		RedisURL:          getStringEnv(EnvRedisURL, ""),
		EventBufferSize:   getIntEnv(EnvEventBufferSize, 64),
	}, nil
}

func (c *Config) Close() error {
	if f, ok := c.LogOutput.(*os.File); ok {
		if f != os.Stdout && f != os.Stderr {
			return f.Close()
		}
	}

	return nil
}

func getStringEnv(key EnvKey, defaultVal string) string {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return defaultVal
	}

	return val
}

func getBoolEnv(key EnvKey, defaultVal bool) bool {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return defaultVal
	}

	switch strings.ToLower(val) {
	case "true", "1":
		return true
	default:
		return false
	}
}

func getIntEnv(key EnvKey, defaultVal int) int {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return defaultVal
	}

	if intVal, err := strconv.Atoi(val); err == nil {
		return intVal
	}

	return defaultVal
}

func getLogLevelEnv(key EnvKey, defaultVal slog.Leveler) slog.Leveler {
	val, exists := os.LookupEnv(string(key))
	if !exists {
		return defaultVal
	}

	switch strings.ToUpper(val) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}

	return defaultVal
}
