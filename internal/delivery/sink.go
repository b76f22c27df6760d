package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

// Sink receives dead letters for failed beacons. Publishing is best effort;
// callers log and drop the returned error.
type Sink interface {
	Name() string
	Publish(ctx context.Context, dl DeadLetter) error
	Ping(ctx context.Context) error
	Close() error
}

// NewSink builds the sink selected by cfg. With no address configured the
// result is a NopSink; with both, failures go to NSQ and Redis.
func NewSink(cfg config.DeadLetter, log *logging.Logger) (Sink, error) {
	var sinks []Sink
	if cfg.NSQDAddr != "" {
		s, err := NewNSQSink(cfg.NSQDAddr, cfg.NSQTopic, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.RedisAddr != "" {
		sinks = append(sinks, NewRedisSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey))
	}
	switch len(sinks) {
	case 0:
		return NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return MultiSink(sinks), nil
	}
}

type NopSink struct{}

func (NopSink) Name() string                              { return "none" }
func (NopSink) Publish(context.Context, DeadLetter) error { return nil }
func (NopSink) Ping(context.Context) error                { return nil }
func (NopSink) Close() error                              { return nil }

// publisher is the part of *nsq.Producer the sink uses
type publisher interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

type NSQSink struct {
	producer publisher
	topic    string
}

func NewNSQSink(addr, topic string, log *logging.Logger) (*NSQSink, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer for dead letters: %w", err)
	}
	if log != nil {
		p.SetLogger(nsqLogger{log: log}, nsq.LogLevelWarning)
	}
	return &NSQSink{producer: p, topic: topic}, nil
}

func (s *NSQSink) Name() string { return "nsq" }

func (s *NSQSink) Publish(_ context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return s.producer.Publish(s.topic, b)
}

// Ping checks the nsqd connection; go-nsq has no context-aware variant
func (s *NSQSink) Ping(_ context.Context) error {
	return s.producer.Ping()
}

func (s *NSQSink) Close() error {
	s.producer.Stop()
	return nil
}

// nsqLogger routes go-nsq's internal logging through the worker log
type nsqLogger struct {
	log *logging.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	l.log.Plain().WithField("component", "nsq").Warn(s)
	return nil
}

// lister is the part of *redis.Client the sink uses
type lister interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type RedisSink struct {
	client lister
	key    string
}

func NewRedisSink(addr, password string, db int, key string) *RedisSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSink{client: rdb, key: key}
}

func (s *RedisSink) Name() string { return "redis" }

// Publish pushes onto the head of the list so consumers BRPOP oldest first
func (s *RedisSink) Publish(ctx context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, s.key, b).Err()
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// MultiSink publishes to every sink and reports all failures
type MultiSink []Sink

func (m MultiSink) Name() string {
	name := ""
	for i, s := range m {
		if i > 0 {
			name += "+"
		}
		name += s.Name()
	}
	return name
}

func (m MultiSink) Publish(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, dl); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
