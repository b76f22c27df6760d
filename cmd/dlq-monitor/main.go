package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/delivery"
	"github.com/austindbirch/harbor_beacon/internal/health"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// lengther is the part of *redis.Client the monitor uses
type lengther interface {
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// monitor exports how many failed beacons are waiting in each dead-letter sink
type monitor struct {
	nsqdHTTP string
	topic    string
	rdb      lengther
	redisKey string
	client   *http.Client

	backlog         *prometheus.GaugeVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(reg prometheus.Registerer, nsqdHTTP, topic string, rdb lengther, redisKey string) *monitor {
	m := &monitor{
		nsqdHTTP: nsqdHTTP,
		topic:    topic,
		rdb:      rdb,
		redisKey: redisKey,
		client:   &http.Client{Timeout: 5 * time.Second},
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborbeacon_dead_letter_backlog",
			Help: "Failed beacons waiting in a dead-letter sink",
		}, []string{"sink"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborbeacon_nsq_channel_depth",
			Help: "Depth of channels on the dead-letter topic",
		}, []string{"channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborbeacon_nsq_channel_inflight",
			Help: "In-flight messages for channels on the dead-letter topic",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.backlog, m.channelDepth, m.channelInflight)
	return m
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	logger := logging.New("dlq-monitor")

	port := getEnv("PORT", "8084")
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second
	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", "")

	var rdb *redis.Client
	if cfg.DeadLetter.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.DeadLetter.RedisAddr,
			Password: cfg.DeadLetter.RedisPassword,
			DB:       cfg.DeadLetter.RedisDB,
		})
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	var lister lengther
	if rdb != nil {
		lister = rdb
	}
	m := newMonitor(reg, nsqdHTTP, cfg.DeadLetter.NSQTopic, lister, cfg.DeadLetter.RedisKey)

	sink, err := delivery.NewSink(cfg.DeadLetter, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("dead letter sink unavailable")
	}
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Plain().WithFields(map[string]any{
		"port":      port,
		"nsqd_http": nsqdHTTP,
		"topic":     cfg.DeadLetter.NSQTopic,
		"redis":     cfg.DeadLetter.RedisAddr,
		"interval":  interval.String(),
	}).Info("dlq monitor starting")

	go m.run(ctx, interval, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.HTTPHandler(sink))
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("dlq monitor HTTP server failed")
	}
}

func (m *monitor) run(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx); err != nil {
			logger.Plain().WithError(err).Warn("error updating metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// update refreshes every configured sink and reports all failures
func (m *monitor) update(ctx context.Context) error {
	var errs []error
	if m.nsqdHTTP != "" {
		errs = append(errs, m.updateNSQ(ctx))
	}
	if m.rdb != nil {
		errs = append(errs, m.updateRedis(ctx))
	}
	return errors.Join(errs...)
}

func (m *monitor) updateNSQ(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json&topic=%s", m.nsqdHTTP, m.topic), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	// Messages sit on the topic until a channel exists, then on the channels
	var backlog int64
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		backlog += topic.Depth
		for _, channel := range topic.Channels {
			backlog += channel.Depth
			m.channelDepth.WithLabelValues(channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	m.backlog.WithLabelValues("nsq").Set(float64(backlog))
	return nil
}

func (m *monitor) updateRedis(ctx context.Context) error {
	n, err := m.rdb.LLen(ctx, m.redisKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read redis dead letters: %w", err)
	}
	m.backlog.WithLabelValues("redis").Set(float64(n))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
