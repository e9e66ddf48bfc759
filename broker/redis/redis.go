// Package redis implements the broker interfaces over Redis Streams.
//
// Records are appended with XADD and consumed through consumer groups with
// XREADGROUP/XACK, giving at-least-once delivery within a group. Connection
// establishment retries with bounded exponential backoff before reporting
// broker.ErrConnection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/relay/broker"
)

// Client defines the interface for Redis client operations.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XTrimMaxLenApprox(ctx context.Context, key string, maxLen, limit int64) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Default configuration
var (
	DefaultBlockTime   = 5 * time.Second
	DefaultDialRetries = 5
	DefaultDialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

// Conn implements broker.Conn using Redis Streams
type Conn struct {
	status      int32
	client      Client
	blockTime   time.Duration
	maxLen      int64 // approximate MAXLEN applied on publish (0 = unlimited)
	dialRetries int
	dialBackoff time.Duration
	logger      *slog.Logger
}

// New creates a connection around a pre-initialized client.
func New(client Client, opts ...Option) (*Conn, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	c := &Conn{
		status:      1,
		client:      client,
		blockTime:   DefaultBlockTime,
		dialRetries: DefaultDialRetries,
		dialBackoff: DefaultDialBackoff,
		logger:      broker.Logger("broker>redis"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dial connects to the Redis instance described by cfg, retrying with
// exponential backoff. Exhausting the retry budget returns an error wrapping
// broker.ErrConnection.
func Dial(ctx context.Context, cfg broker.Config, opts ...Option) (*Conn, error) {
	tlsConfig, err := cfg.TLSClientConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrConnection, err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr(),
		DB:        cfg.EffectiveDB(),
		Username:  cfg.Username,
		Password:  cfg.Password(),
		TLSConfig: tlsConfig,
	})

	conn, err := New(client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}

	retries := conn.dialRetries
	backoff := conn.dialBackoff

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			conn.logger.Debug("connected", "addr", cfg.Addr())
			return conn, nil
		}
		if ctx.Err() != nil {
			break
		}

		wait := broker.Jitter(backoff, 0.3)
		conn.logger.Warn("connect failed, retrying",
			"addr", cfg.Addr(), "attempt", attempt+1, "backoff", wait, "error", lastErr)

		select {
		case <-ctx.Done():
			client.Close()
			return nil, fmt.Errorf("%w: %w", broker.ErrConnection, ctx.Err())
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > DefaultMaxBackoff {
			backoff = DefaultMaxBackoff
		}
	}

	client.Close()
	return nil, fmt.Errorf("%w: %s: %w", broker.ErrConnection, cfg.Addr(), lastErr)
}

func (c *Conn) isOpen() bool {
	return atomic.LoadInt32(&c.status) == 1
}

// EnsureGroup creates the consumer group, and the stream when missing.
// An already existing group is not an error.
func (c *Conn) EnsureGroup(ctx context.Context, stream, group string) error {
	if !c.isOpen() {
		return broker.ErrClosed
	}
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	c.logger.Debug("consumer group ready", "stream", stream, "group", group)
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Read blocks up to args.Block for the next undelivered record in the group.
// Returns (nil, nil) when the wait elapsed without a record.
func (c *Conn) Read(ctx context.Context, args broker.ReadArgs) (*broker.Message, error) {
	if !c.isOpen() {
		return nil, broker.ErrClosed
	}

	block := args.Block
	if block <= 0 {
		block = c.blockTime
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			return &broker.Message{
				ID:     xmsg.ID,
				Stream: stream.Stream,
				Fields: stringFields(xmsg.Values),
			}, nil
		}
	}
	return nil, nil
}

// Ack marks the record processed for the consumer group.
func (c *Conn) Ack(ctx context.Context, stream, group, id string) error {
	if !c.isOpen() {
		return broker.ErrClosed
	}
	return c.client.XAck(ctx, stream, group, id).Err()
}

// Publish appends a record to the stream, applying approximate MAXLEN
// trimming when configured, and returns the new record's ID.
func (c *Conn) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if !c.isOpen() {
		return "", broker.ErrClosed
	}

	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", err
	}
	c.logger.Debug("published record", "stream", stream, "id", id)
	return id, nil
}

// Ping verifies the connection is alive.
func (c *Conn) Ping(ctx context.Context) error {
	if !c.isOpen() {
		return broker.ErrClosed
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client. Safe to call more than once.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.status, 1, 0) {
		return nil
	}
	return c.client.Close()
}

// Len returns the number of records in the stream.
func (c *Conn) Len(ctx context.Context, stream string) (int64, error) {
	if !c.isOpen() {
		return 0, broker.ErrClosed
	}
	return c.client.XLen(ctx, stream).Result()
}

// Range returns up to count records from the start of the stream.
func (c *Conn) Range(ctx context.Context, stream string, count int64) ([]broker.Message, error) {
	if !c.isOpen() {
		return nil, broker.ErrClosed
	}
	xmsgs, err := c.client.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]broker.Message, 0, len(xmsgs))
	for _, xmsg := range xmsgs {
		msgs = append(msgs, broker.Message{
			ID:     xmsg.ID,
			Stream: stream,
			Fields: stringFields(xmsg.Values),
		})
	}
	return msgs, nil
}

// Trim drops records beyond approximately maxLen.
func (c *Conn) Trim(ctx context.Context, stream string, maxLen int64) error {
	if !c.isOpen() {
		return broker.ErrClosed
	}
	return c.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
}

func stringFields(values map[string]any) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		case []byte:
			fields[k] = string(s)
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}

// Compile-time checks
var _ broker.Conn = (*Conn)(nil)
var _ broker.Trimmer = (*Conn)(nil)
