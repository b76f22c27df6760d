package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_beacon/beacon"
	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

type sender interface {
	Send(ctx context.Context, rawURL string, body beacon.Body) bool
}

type periodicUpdate struct {
	Event     string `json:"event"`
	Value     int    `json:"value"`
	Timestamp string `json:"timestamp"`
}

func main() {
	beacon.ServeIfWorker()
	_ = godotenv.Load()

	target := "http://localhost:3000"
	if v := os.Getenv("ECHO_SERVER_URL"); v != "" {
		target = v
	}
	interval := 2 * time.Second
	if v := os.Getenv("SEND_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	count := 0
	if v := os.Getenv("SEND_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}

	logger := logging.New("periodic-sender")
	s := beacon.New(config.FromEnv(), beacon.WithLogger(logger))
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Plain().WithURL(target).WithField("interval", interval.String()).Info("sending periodic beacons")
	sent := run(ctx, s, target, interval, count, logger)
	logger.Plain().WithField("sent", sent).Info("received signal, exiting")
}

// run sends one beacon per interval until ctx is done or count beacons were
// queued (count <= 0 means no limit). It returns how many were accepted.
func run(ctx context.Context, s sender, target string, interval time.Duration, count int, logger *logging.Logger) int {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	accepted := 0
	for counter := 1; count <= 0 || counter <= count; counter++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		body, err := nextPayload(counter, time.Now())
		if err != nil {
			logger.Plain().WithError(err).Error("failed to encode beacon")
			continue
		}
		if !s.Send(ctx, target, body) {
			logger.Plain().WithURL(target).Error("failed to queue the beacon request")
			continue
		}
		accepted++
		logger.Plain().WithField("value", counter).Info("beacon request queued")
	}
	return accepted
}

func nextPayload(counter int, now time.Time) (beacon.Text, error) {
	b, err := json.Marshal(periodicUpdate{
		Event:     "periodicUpdate",
		Value:     counter,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	return beacon.Text(b), nil
}
