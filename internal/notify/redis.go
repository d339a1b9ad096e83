// Package notify implements statuswriter.Notifier: a best-effort side
// channel that publishes a job's ID to Redis every time its status document
// changes, so an out-of-process watcher (a CLI "follow" command, a UI) can
// subscribe instead of polling tasks-status.json.
package notify

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fenwick/pipelinerunner/internal/logging"
)

// Message is the payload published on every status change.
type Message struct {
	JobID     string `json:"jobId"`
	ChangedAt string `json:"changedAt"`
}

// RedisNotifier publishes Message values to a single Redis pub/sub channel.
// A nil *RedisNotifier is valid and NotifyStatusChanged becomes a no-op,
// which is how New behaves when REDIS_ADDR is unset: callers always get a
// non-nil statuswriter.Notifier and never need a separate "is notify
// enabled" branch.
type RedisNotifier struct {
	log     *logging.Logger
	rdb     *goredis.Client
	channel string
}

// New connects to addr and returns a RedisNotifier publishing on channel. If
// addr is empty, it returns a nil *RedisNotifier whose methods are no-ops,
// so a deployment without Redis configured behaves identically other than
// the side channel never firing.
func New(addr, channel string, log *logging.Logger) (*RedisNotifier, error) {
	if addr == "" {
		return nil, nil
	}
	if channel == "" {
		channel = "pipeline-status"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisNotifier{log: log, rdb: rdb, channel: channel}, nil
}

// NotifyStatusChanged publishes jobID on the configured channel. Publish
// failures are logged, not returned: a dropped notification must never fail
// the status write that triggered it.
func (n *RedisNotifier) NotifyStatusChanged(jobID string) {
	if n == nil || n.rdb == nil {
		return
	}
	msg := Message{JobID: jobID, ChangedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil && n.log != nil {
		n.log.Warn("redis publish failed", "channel", n.channel, "error", err)
	}
}

// Close releases the underlying Redis connection. Safe on a nil receiver.
func (n *RedisNotifier) Close() error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Close()
}

// Subscribe forwards every message published on the configured channel to
// onMsg until ctx is cancelled. Used by out-of-process followers, not by
// the engine itself.
func (n *RedisNotifier) Subscribe(ctx context.Context, onMsg func(Message)) error {
	if n == nil || n.rdb == nil || onMsg == nil {
		return nil
	}
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					if n.log != nil {
						n.log.Warn("bad redis status payload", "error", err)
					}
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}
