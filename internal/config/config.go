package config

import (
	"errors"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	BootstrapBrokerURL string
	BootstrapClientID  string
	ProvisionTimeout   time.Duration

	IdentityPath       string
	IdentityPassphrase string

	MQTTQoS       byte
	MQTTKeepAlive time.Duration

	HeartbeatInterval time.Duration

	DeadLetterBrokers []string
	DeadLetterTopic   string

	LocationsPath string
	TelemetryPath string

	Logger *log.Logger
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getenvSeconds clamps to at least one second; the intervals it feeds
// (ticker periods, timeouts) must stay positive.
func getenvSeconds(key string, fallback int) time.Duration {
	n := getenvInt(key, fallback)
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * time.Second
}

func getenvQoS(key string, fallback byte) byte {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if n, err := strconv.Atoi(val); err == nil {
		if n < 0 {
			n = 0
		}
		if n > 2 {
			n = 2
		}
		return byte(n)
	}
	return fallback
}

func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "edge-agent"
	}
	return "edge-agent-" + host
}

// LoadConfig reads the environment plus the two positional file paths:
// the location table first, the telemetry source second.
func LoadConfig(args []string) (*Config, error) {
	if len(args) < 2 {
		return nil, errors.New("usage: edge-agent <locations-file> <telemetry-file>")
	}

	cfg := &Config{
		BootstrapBrokerURL: getenv("BOOTSTRAP_BROKER_URL", "ssl://bootstrap.hydrotel.io:8883"),
		BootstrapClientID:  getenv("BOOTSTRAP_CLIENT_ID", defaultClientID()),
		ProvisionTimeout:   getenvSeconds("PROVISION_TIMEOUT_S", 30),

		IdentityPath:       os.Getenv("IDENTITY_PATH"),
		IdentityPassphrase: os.Getenv("IDENTITY_PASSPHRASE"),

		MQTTQoS:       getenvQoS("MQTT_QOS", 1),
		MQTTKeepAlive: getenvSeconds("MQTT_KEEPALIVE_S", 30),

		HeartbeatInterval: getenvSeconds("HEARTBEAT_INTERVAL_S", 60),

		DeadLetterTopic: getenv("DEADLETTER_TOPIC", "telemetry-deadletter"),

		LocationsPath: args[0],
		TelemetryPath: args[1],

		Logger: newLogger(),
	}

	if brokers := os.Getenv("DEADLETTER_BROKERS"); brokers != "" {
		cfg.DeadLetterBrokers = strings.Split(brokers, ",")
	}

	if cfg.IdentityPath == "" {
		return nil, errors.New("IDENTITY_PATH must not be empty")
	}

	return cfg, nil
}

func newLogger() *log.Logger {
	out := io.Writer(os.Stdout)
	if path := os.Getenv("LOG_FILE"); path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	}
	return log.New(out, "", log.LstdFlags|log.Lmicroseconds)
}
