package push

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const (
	channelPrefix  = "board:"
	channelSuffix  = ":messages"
	initialBackoff = time.Second
	maxBackoff     = 5 * time.Second
)

// Handler receives decoded push frames.
type Handler func(domain.Event)

// StatusFunc is notified on connect and disconnect transitions.
type StatusFunc func(connected bool)

// RedisChannel is the push channel for one board: a single long-lived pub/sub
// subscription owned by whoever constructs it, plus publish fan-out for the
// local user's own sends. One instance per board; engines share it instead of
// opening ad hoc subscriptions.
type RedisChannel struct {
	client    *redis.Client
	room      string
	logger    *log.Logger
	handler   Handler
	status    StatusFunc
	connected atomic.Bool
}

// NewRedisChannel creates a channel for the given board room.
func NewRedisChannel(client *redis.Client, room string, logger *log.Logger) *RedisChannel {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisChannel{client: client, room: room, logger: logger}
}

// OnEvent registers the frame handler. Must be set before Run.
func (c *RedisChannel) OnEvent(h Handler) { c.handler = h }

// OnStatus registers the connect/disconnect hook.
func (c *RedisChannel) OnStatus(f StatusFunc) { c.status = f }

// Connected reports whether the subscription is currently live.
func (c *RedisChannel) Connected() bool { return c.connected.Load() }

func (c *RedisChannel) name() string {
	return channelPrefix + c.room + channelSuffix
}

func (c *RedisChannel) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	if c.status != nil {
		c.status(v)
	}
}

// Publish fans an event out to every subscriber of the board. Errors are
// reported as ChannelUnavailable so callers treat them as the degraded mode
// they are.
func (c *RedisChannel) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.name(), payload).Err(); err != nil {
		return &domain.ChannelUnavailable{Err: err}
	}
	return nil
}

// Run subscribes and delivers frames until ctx is cancelled. A dropped
// subscription reconnects with doubling backoff capped at maxBackoff; the
// backoff resets once frames flow again.
func (c *RedisChannel) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			c.setConnected(false)
			return
		}
		sub := c.client.Subscribe(ctx, c.name())
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			c.setConnected(false)
			if ctx.Err() != nil {
				return
			}
			c.logger.WithField("error", err).Warn("push subscribe failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		c.setConnected(true)
		backoff = initialBackoff
		c.consume(ctx, sub.Channel())
		sub.Close()
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("push subscription closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *RedisChannel) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.Event
			if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.WithField("error", err).Warn("unparsable push payload")
				continue
			}
			if c.handler != nil {
				c.handler(ev)
			}
		}
	}
}
