// Package redisstore persists job records in Redis. Every key is prefixed
// with the owning source, so per-source queues never touch the same keys.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"scrape-queue/pkg/job"
)

const DefaultPrefix = "scrapeq"

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Store struct {
	client *redis.Client
	prefix string
}

func New(opts Options) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts.Prefix)
}

func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) jobKey(sourceID, jobID string) string {
	return fmt.Sprintf("%s:%s:job:%s", s.prefix, sourceID, jobID)
}

func (s *Store) indexKey(sourceID string) string {
	return fmt.Sprintf("%s:%s:jobs", s.prefix, sourceID)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, rec *job.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", rec.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(rec.SourceID, rec.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(rec.SourceID), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sourceID, jobID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(sourceID, jobID))
		pipe.SRem(ctx, s.indexKey(sourceID), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, sourceID string) ([]*job.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(sourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", sourceID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(sourceID, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs for %s: %w", sourceID, err)
	}

	recs := make([]*job.Record, 0, len(vals))
	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// index entry without a record
			stale = append(stale, ids[i])
			continue
		}
		var rec job.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		recs = append(recs, &rec)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(sourceID), stale...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("prune index for %s: %w", sourceID, err)
		}
	}
	return recs, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
