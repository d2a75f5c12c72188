package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maneesh/pdfshelf/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CacheTTL is the time-to-live for cached book records (5 minutes)
	CacheTTL = 5 * time.Minute
)

// RedisCache is a cache-aside layer for single book lookups
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache initializes a new Redis client
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to ping Redis")
	}

	return &RedisCache{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func bookKey(id string) string {
	return fmt.Sprintf("book:%s", id)
}

// GetBook returns the cached book, or nil on a cache miss
func (rc *RedisCache) GetBook(ctx context.Context, id string) (*models.Book, error) {
	ctx, span := tracer.Start(ctx, "redis.get_book",
		trace.WithAttributes(
			attribute.String("book_id", id),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, bookKey(id)).Result()
	if err == redis.Nil {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to get from cache")
	}

	var book models.Book
	if err := json.Unmarshal([]byte(data), &book); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to unmarshal cached book")
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return &book, nil
}

// SetBook stores book in the cache
func (rc *RedisCache) SetBook(ctx context.Context, book *models.Book) error {
	ctx, span := tracer.Start(ctx, "redis.set_book",
		trace.WithAttributes(
			attribute.String("book_id", book.ID),
			attribute.String("title", book.Title),
		),
	)
	defer span.End()

	data, err := json.Marshal(book)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to marshal book")
	}

	if err := rc.client.Set(ctx, bookKey(book.ID), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to set cache")
	}

	span.SetAttributes(
		attribute.Bool("cache_set_success", true),
		attribute.Int64("ttl_seconds", int64(CacheTTL.Seconds())),
	)
	return nil
}

// InvalidateBook removes a book from the cache
func (rc *RedisCache) InvalidateBook(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_book",
		trace.WithAttributes(
			attribute.String("book_id", id),
		),
	)
	defer span.End()

	if err := rc.client.Del(ctx, bookKey(id)).Err(); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to invalidate cache")
	}

	span.SetAttributes(attribute.Bool("cache_invalidate_success", true))
	return nil
}
