package config

import (
	"os"
	"strconv"
	"time"
)

type Worker struct {
	Path         string        // Worker executable; empty re-executes the caller
	LogFile      string        // Worker log destination (stdio is detached)
	Heartbeat    time.Duration // Idle tick period
	ExitGrace    time.Duration // Linger after the queue drains before exiting
	WriteTimeout time.Duration // Bound on handing one frame to the worker
}

type HTTP struct {
	Timeout     time.Duration // Per-request timeout, 0 means none
	TLSInsecure bool          // Skip TLS verification (development only)
}

type DeadLetter struct {
	NSQDAddr      string // e.g. nsqd:4150
	NSQTopic      string // NSQ topic for failed beacons
	RedisAddr     string // e.g. redis:6379
	RedisPassword string
	RedisDB       int
	RedisKey      string // Redis list receiving failed beacons
}

type Metrics struct {
	PushgatewayURL string // Worker pushes its registry here on exit
	JobName        string
}

type Tracing struct {
	Endpoint string // OTLP/HTTP endpoint; empty disables tracing
}

type Config struct {
	AppName    string
	LogLevel   string
	Worker     Worker
	HTTP       HTTP
	DeadLetter DeadLetter
	Metrics    Metrics
	Tracing    Tracing
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborbeacon"),
		LogLevel: getenv("BEACON_LOG_LEVEL", "info"),
		Worker: Worker{
			Path:         getenv("BEACON_WORKER_PATH", ""),
			LogFile:      getenv("BEACON_WORKER_LOG_FILE", ""),
			Heartbeat:    getenvDuration("BEACON_WORKER_HEARTBEAT", time.Second),
			ExitGrace:    getenvDuration("BEACON_WORKER_EXIT_GRACE", 0),
			WriteTimeout: getenvDuration("BEACON_IPC_WRITE_TIMEOUT", 5*time.Second),
		},
		HTTP: HTTP{
			Timeout:     getenvDuration("BEACON_HTTP_TIMEOUT", 0),
			TLSInsecure: getenvBool("BEACON_TLS_INSECURE", false),
		},
		DeadLetter: DeadLetter{
			NSQDAddr:      getenv("BEACON_DLQ_NSQD_ADDR", ""),
			NSQTopic:      getenv("BEACON_DLQ_NSQ_TOPIC", "beacons_dlq"),
			RedisAddr:     getenv("BEACON_DLQ_REDIS_ADDR", ""),
			RedisPassword: getenv("BEACON_DLQ_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("BEACON_DLQ_REDIS_DB", 0),
			RedisKey:      getenv("BEACON_DLQ_REDIS_KEY", "harborbeacon:dlq"),
		},
		Metrics: Metrics{
			PushgatewayURL: getenv("BEACON_PUSHGATEWAY_URL", ""),
			JobName:        getenv("BEACON_PUSHGATEWAY_JOB", "harborbeacon_worker"),
		},
		Tracing: Tracing{
			Endpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
	}
}

// TracingEnabled reports whether an OTLP endpoint is configured
func (c Config) TracingEnabled() bool {
	return c.Tracing.Endpoint != ""
}
