// Package rediskv implements the JobStore interface over Redis, the
// network-backed alternative to the filesystem backend for multi-process
// deployments sharing one storage tier.
package rediskv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/scriptorium/jobengine/pkg/jobs/job"
	"github.com/scriptorium/jobengine/pkg/jobs/store"
)

const (
	keyPrefix  = "jobengine:job:"
	scanCount  = 200
)

// Store is a JobStore backed by a single Redis (or Redis-compatible, e.g.
// miniredis in tests) instance. Keys are namespaced under keyPrefix;
// listing uses SCAN rather than KEYS to avoid blocking the server on large
// key spaces.
type Store struct {
	client *redis.Client
}

// New wraps an existing *redis.Client as a JobStore.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func keyFor(jobID string) string {
	return keyPrefix + jobID
}

// Save writes a new record; Redis SET is idempotent regardless of prior
// existence, matching §4.1's contract.
func (s *Store) Save(ctx context.Context, m *job.Metadata) error {
	return s.Update(ctx, m)
}

// Update overwrites the record for m.JobID.
func (s *Store) Update(ctx context.Context, m *job.Metadata) error {
	data, err := store.MarshalCanonical(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyFor(m.JobID), data, 0).Err()
}

// Get returns the metadata for jobID.
func (s *Store) Get(ctx context.Context, jobID string) (*job.Metadata, error) {
	data, err := s.client.Get(ctx, keyFor(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, &job.NotFoundError{JobID: jobID}
		}
		return nil, err
	}
	m := &job.Metadata{}
	if err := unmarshalInto(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List scans every key under keyPrefix and returns the decoded records.
func (s *Store) List(ctx context.Context) (map[string]*job.Metadata, error) {
	out := make(map[string]*job.Metadata)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", scanCount).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				s, ok := v.(string)
				if !ok {
					continue
				}
				m := &job.Metadata{}
				if err := unmarshalInto([]byte(s), m); err != nil {
					return nil, err
				}
				out[m.JobID] = m
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Delete removes the record for jobID.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	n, err := s.client.Del(ctx, keyFor(jobID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return &job.NotFoundError{JobID: jobID}
	}
	return nil
}

func unmarshalInto(data []byte, m *job.Metadata) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("rediskv: decode record: %w", err)
	}
	return nil
}
