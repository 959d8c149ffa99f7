package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "orderflow/config"
	"orderflow/internal/models"
	"orderflow/logger"
)

// RedisBuffer implements Buffer on Redis Streams. One stream exists per
// watch-listed (kind, exchange, symbol); appends trim with approximate
// MAXLEN so retention stays bounded independent of writer progress.
type RedisBuffer struct {
	client    *redis.Client
	streams   []string
	retention int64
	group     string
	log       *logger.Log
}

// NewRedisBuffer connects to Redis and creates the consumer group on every
// watch-listed stream.
func NewRedisBuffer(ctx context.Context, cfg *appconfig.Config) (*RedisBuffer, error) {
	timeout := cfg.Buffer.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Buffer.Addr,
		Password:     cfg.Buffer.Password,
		DB:           cfg.Buffer.DB,
		PoolSize:     cfg.Buffer.PoolSize,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	b := &RedisBuffer{
		client:    client,
		streams:   watchedStreams(cfg),
		retention: cfg.Buffer.Retention,
		group:     cfg.Buffer.Group,
		log:       logger.GetLogger(),
	}

	for _, stream := range b.streams {
		err := client.XGroupCreateMkStream(ctx, stream, b.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}

	b.log.WithComponent("redis_buffer").WithFields(logger.Fields{
		"streams":   len(b.streams),
		"retention": b.retention,
		"group":     b.group,
	}).Info("redis buffer initialized")
	return b, nil
}

func watchedStreams(cfg *appconfig.Config) []string {
	kinds := []models.Kind{models.KindTrade, models.KindOpenInterest, models.KindBook}
	streams := make([]string, 0, len(cfg.Watchlist)*len(kinds))
	for _, target := range cfg.Watchlist {
		for _, kind := range kinds {
			key := models.BucketKey{Exchange: target.Exchange, Symbol: target.Symbol, Kind: kind}
			streams = append(streams, key.StreamKey())
		}
	}
	return streams
}

func (b *RedisBuffer) Append(ctx context.Context, rec models.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: rec.Key.StreamKey(),
		MaxLen: b.retention,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to %s: %w", rec.Key.StreamKey(), err)
	}
	return nil
}

func (b *RedisBuffer) SetLatestBook(ctx context.Context, rec models.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := rec.Key.StreamKey() + ":latest"
	if err := b.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Drain reads and deletes everything currently buffered. Only the entries
// actually read are deleted, so records appended concurrently survive.
func (b *RedisBuffer) Drain(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	for _, stream := range b.streams {
		msgs, err := b.client.XRange(ctx, stream, "-", "+").Result()
		if err != nil {
			return entries, fmt.Errorf("read %s: %w", stream, err)
		}
		if len(msgs) == 0 {
			continue
		}
		ids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			ids = append(ids, msg.ID)
			entry, err := decodeMessage(stream, msg.ID, msg.Values)
			if err != nil {
				b.log.WithComponent("redis_buffer").WithError(err).WithFields(logger.Fields{
					"stream": stream,
					"id":     msg.ID,
				}).Warn("skipping undecodable buffered record")
				continue
			}
			entries = append(entries, entry)
		}
		if err := b.client.XDel(ctx, stream, ids...).Err(); err != nil {
			return entries, fmt.Errorf("clear %s: %w", stream, err)
		}
	}
	return entries, nil
}

func (b *RedisBuffer) ReadPending(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams := make([]string, 0, len(b.streams)*2)
	streams = append(streams, b.streams...)
	for range b.streams {
		streams = append(streams, ">")
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", b.group, err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entry, err := decodeMessage(stream.Stream, msg.ID, msg.Values)
			if err != nil {
				// Ack undecodable entries so they do not wedge the group.
				b.log.WithComponent("redis_buffer").WithError(err).WithFields(logger.Fields{
					"stream": stream.Stream,
					"id":     msg.ID,
				}).Warn("acking undecodable buffered record")
				b.client.XAck(ctx, stream.Stream, b.group, msg.ID)
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// ReadBacklog re-reads this consumer's delivered-but-unacknowledged
// entries, id 0 upwards, one stream at a time.
func (b *RedisBuffer) ReadBacklog(ctx context.Context, consumer string) ([]Entry, error) {
	var entries []Entry
	for _, stream := range b.streams {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{stream, "0"},
			Count:    0,
			Block:    -1,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return entries, fmt.Errorf("read backlog of %s: %w", stream, err)
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				entry, err := decodeMessage(s.Stream, msg.ID, msg.Values)
				if err != nil {
					b.client.XAck(ctx, s.Stream, b.group, msg.ID)
					continue
				}
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}

func (b *RedisBuffer) Ack(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, entry := range entries {
		pipe.XAck(ctx, entry.Stream, b.group, entry.ID)
		pipe.XDel(ctx, entry.Stream, entry.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %d entries: %w", len(entries), err)
	}
	return nil
}

func (b *RedisBuffer) Close() error {
	return b.client.Close()
}

func decodeMessage(stream, id string, values map[string]interface{}) (Entry, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return Entry{}, fmt.Errorf("message %s has no payload field", id)
	}
	var rec models.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Entry{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return Entry{Stream: stream, ID: id, Record: rec}, nil
}
