package node

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/provider/redisrpc"
)

// replyTTL is how long an unread reply list survives.
const replyTTL = time.Minute

// pollTimeout bounds a single BLPOP so shutdown is noticed promptly.
const pollTimeout = time.Second

// RedisServerConfig configures a RedisServer.
type RedisServerConfig struct {
	RequestQueue  string
	EventsChannel string
}

// RedisServer consumes queued JSON-RPC requests and publishes subscription
// notifications.
type RedisServer struct {
	dispatcher    *Dispatcher
	client        *redis.Client
	requestQueue  string
	eventsChannel string

	wg sync.WaitGroup
}

// NewRedisServer returns a server for d using client.
func NewRedisServer(d *Dispatcher, client *redis.Client, cfg RedisServerConfig) *RedisServer {
	if cfg.RequestQueue == "" {
		cfg.RequestQueue = redisrpc.DefaultRequestQueue
	}
	if cfg.EventsChannel == "" {
		cfg.EventsChannel = redisrpc.DefaultEventsChannel
	}
	return &RedisServer{
		dispatcher:    d,
		client:        client,
		requestQueue:  cfg.RequestQueue,
		eventsChannel: cfg.EventsChannel,
	}
}

// Run serves requests until ctx is cancelled, then waits for in-flight
// requests to finish.
func (s *RedisServer) Run(ctx context.Context) error {
	publisher := eip1193.NewListener(func(args ...any) {
		for _, arg := range args {
			s.publish(ctx, arg)
		}
	})
	s.dispatcher.OnMessage(publisher)
	defer s.dispatcher.RemoveMessageListener(publisher)

	slog.Info("Redis JSON-RPC server listening",
		"queue", s.requestQueue,
		"events", s.eventsChannel,
	)

	defer s.wg.Wait()
	for {
		if ctx.Err() != nil {
			slog.Info("shutting down Redis JSON-RPC server")
			return nil
		}

		vals, err := s.client.BLPop(ctx, pollTimeout, s.requestQueue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("failed to read request queue", "queue", s.requestQueue, "error", err)
			sleepWithContext(ctx, pollTimeout)
			continue
		}

		s.wg.Add(1)
		go func(payload string) {
			defer s.wg.Done()
			s.serve(ctx, payload)
		}(vals[1])
	}
}

func (s *RedisServer) serve(ctx context.Context, payload string) {
	var env redisrpc.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.ReplyTo == "" || env.Request == nil {
		slog.Warn("dropping malformed queued request", "error", err)
		return
	}

	resp := s.dispatcher.Serve(ctx, env.Request)
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal reply", "method", env.Request.Method, "error", err)
		return
	}

	// Reply even when the server is shutting down.
	replyCtx := context.WithoutCancel(ctx)
	if err := s.client.RPush(replyCtx, env.ReplyTo, data).Err(); err != nil {
		slog.Error("failed to push reply", "reply_to", env.ReplyTo, "error", err)
		return
	}
	if err := s.client.Expire(replyCtx, env.ReplyTo, replyTTL).Err(); err != nil {
		slog.Warn("failed to set reply expiry", "reply_to", env.ReplyTo, "error", err)
	}
}

func (s *RedisServer) publish(ctx context.Context, arg any) {
	msg, ok := arg.(eip1193.ProviderMessage)
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("failed to marshal provider message", "error", err)
		return
	}
	if err := s.client.Publish(context.WithoutCancel(ctx), s.eventsChannel, data).Err(); err != nil {
		slog.Warn("failed to publish provider message", "channel", s.eventsChannel, "error", err)
	}
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
