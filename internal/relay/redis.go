package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisHealthInterval = 5 * time.Second

// RedisOptions configures the Redis Pub/Sub driver.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every topic to namespace channels.
	Prefix string
}

// Redis relays topics over Redis Pub/Sub so sessions on different hosts can
// reach each other.
type Redis struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger

	mu        sync.Mutex
	subs      map[*redisSub]struct{}
	listeners []func(bool)
	connected bool
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis connects to Redis and starts the connection health monitor.
func NewRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("relay: ping redis %s: %w", opts.Addr, err)
	}

	monCtx, monCancel := context.WithCancel(context.Background())
	r := &Redis{
		rdb:       rdb,
		prefix:    opts.Prefix,
		logger:    logger,
		subs:      make(map[*redisSub]struct{}),
		connected: true,
		cancel:    monCancel,
	}
	r.wg.Add(1)
	go r.monitor(monCtx)
	return r, nil
}

func (r *Redis) channel(topic string) string {
	return r.prefix + topic
}

func (r *Redis) Publish(ctx context.Context, topic, event string, payload any) error {
	env, err := NewEnvelope(topic, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("relay: publish %s/%s: %w", topic, event, err)
	}
	return nil
}

func (r *Redis) Subscribe(topic string, events []string, h Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := r.rdb.Subscribe(ctx, r.channel(topic))
	// Wait for the subscription confirmation so publishes that follow are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", topic, err)
	}

	sub := &redisSub{relay: r, ps: ps, sink: newSink(topic, events, h)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.pump(r.logger)
	return sub, nil
}

func (r *Redis) OnStateChange(fn func(connected bool)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redisSub]struct{})
	r.mu.Unlock()

	for s := range subs {
		s.close()
	}
	r.cancel()
	r.wg.Wait()
	return r.rdb.Close()
}

// monitor pings Redis periodically and reports connectivity transitions.
func (r *Redis) monitor(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(redisHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.rdb.Ping(pingCtx).Err()
			cancel()
			r.setConnected(err == nil)
			if err != nil {
				r.logger.Warn("redis relay unreachable", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Redis) setConnected(up bool) {
	r.mu.Lock()
	if r.connected == up {
		r.mu.Unlock()
		return
	}
	r.connected = up
	listeners := append([]func(bool){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(up)
	}
}

type redisSub struct {
	relay *Redis
	ps    *redis.PubSub
	sink  *sink
	once  sync.Once
}

func (s *redisSub) pump(logger *zap.Logger) {
	for msg := range s.ps.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.Warn("dropping malformed relay envelope", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		s.sink.offer(env)
	}
}

func (s *redisSub) close() {
	s.once.Do(func() {
		_ = s.ps.Close()
		s.sink.stop()
	})
}

func (s *redisSub) Unsubscribe() {
	s.relay.mu.Lock()
	delete(s.relay.subs, s)
	s.relay.mu.Unlock()
	s.close()
}
