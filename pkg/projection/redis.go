package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	summaryKeyPrefix   = "identra:summary:"
	typeIndexPrefix    = "identra:summaries:type:"
	claimIndexPrefix   = "identra:summaries:claim:"
	adjacencyKeyPrefix = "identra:adjacency:"
	worklistKey        = "identra:worklist"
	recordsKey         = "identra:projections"
	recordOrderKey     = "identra:projection_ids"
	appliedKeyPrefix   = "identra:applied:"
	cursorKey          = "identra:cursor"
)

// RedisStore is the Redis-backed read-model backend, for deployments where
// the projector and API run as separate processes.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func NewRedisStoreFromURL(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return NewRedisStore(redis.NewClient(opts)), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetSummary(ctx context.Context, identityID string) (*IdentitySummary, error) {
	raw, err := s.client.Get(ctx, summaryKeyPrefix+identityID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSummaryNotFound
		}

		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	var summary IdentitySummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}

	return &summary, nil
}

func (s *RedisStore) PutSummary(ctx context.Context, summary *IdentitySummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	previous, err := s.GetSummary(ctx, summary.IdentityID)
	if err != nil && !errors.Is(err, ErrSummaryNotFound) {
		return err
	}

	pipe := s.client.TxPipeline()

	// Drop stale index entries before writing the new ones.
	if previous != nil {
		if previous.Type != summary.Type {
			pipe.SRem(ctx, typeIndexPrefix+string(previous.Type), previous.IdentityID)
		}

		for ct, v := range previous.Claims {
			if summary.Claims[ct] != v {
				pipe.Del(ctx, claimIndexPrefix+string(ct)+":"+v)
			}
		}
	}

	pipe.Set(ctx, summaryKeyPrefix+summary.IdentityID, raw, 0)
	pipe.SAdd(ctx, typeIndexPrefix+string(summary.Type), summary.IdentityID)

	for ct, v := range summary.Claims {
		pipe.Set(ctx, claimIndexPrefix+string(ct)+":"+v, summary.IdentityID, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}

	return nil
}

func (s *RedisStore) SummariesByType(ctx context.Context, identityType string) ([]*IdentitySummary, error) {
	ids, err := s.client.SMembers(ctx, typeIndexPrefix+identityType).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read type index: %w", err)
	}

	out := make([]*IdentitySummary, 0, len(ids))

	for _, id := range ids {
		summary, err := s.GetSummary(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSummaryNotFound) {
				continue
			}

			return nil, err
		}

		out = append(out, summary)
	}

	return out, nil
}

func (s *RedisStore) SummaryByClaim(ctx context.Context, claimType, value string) (*IdentitySummary, error) {
	id, err := s.client.Get(ctx, claimIndexPrefix+claimType+":"+value).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSummaryNotFound
		}

		return nil, fmt.Errorf("failed to read claim index: %w", err)
	}

	return s.GetSummary(ctx, id)
}

func (s *RedisStore) GetAdjacency(ctx context.Context, identityID string) (*Adjacency, error) {
	raw, err := s.client.Get(ctx, adjacencyKeyPrefix+identityID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAdjacencyNotFound
		}

		return nil, fmt.Errorf("failed to get adjacency: %w", err)
	}

	var adjacency Adjacency
	if err := json.Unmarshal(raw, &adjacency); err != nil {
		return nil, fmt.Errorf("failed to decode adjacency: %w", err)
	}

	return &adjacency, nil
}

func (s *RedisStore) PutAdjacency(ctx context.Context, adjacency *Adjacency) error {
	raw, err := json.Marshal(adjacency)
	if err != nil {
		return fmt.Errorf("failed to encode adjacency: %w", err)
	}

	if err := s.client.Set(ctx, adjacencyKeyPrefix+adjacency.IdentityID, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to store adjacency: %w", err)
	}

	return nil
}

func (s *RedisStore) Worklist(ctx context.Context) ([]*WorklistItem, error) {
	entries, err := s.client.HGetAll(ctx, worklistKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worklist: %w", err)
	}

	out := make([]*WorklistItem, 0, len(entries))

	for _, raw := range entries {
		var item WorklistItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to decode worklist item: %w", err)
		}

		out = append(out, &item)
	}

	return out, nil
}

func (s *RedisStore) PutWorklistItem(ctx context.Context, item *WorklistItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode worklist item: %w", err)
	}

	if err := s.client.HSet(ctx, worklistKey, item.WorkflowID, raw).Err(); err != nil {
		return fmt.Errorf("failed to store worklist item: %w", err)
	}

	return nil
}

func (s *RedisStore) RemoveWorklistItem(ctx context.Context, workflowID string) error {
	if err := s.client.HDel(ctx, worklistKey, workflowID).Err(); err != nil {
		return fmt.Errorf("failed to remove worklist item: %w", err)
	}

	return nil
}

func (s *RedisStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	raw, err := s.client.HGet(ctx, recordsKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}

		return nil, fmt.Errorf("failed to get projection record: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode projection record: %w", err)
	}

	return &record, nil
}

func (s *RedisStore) PutRecord(ctx context.Context, record *Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode projection record: %w", err)
	}

	known, err := s.client.HExists(ctx, recordsKey, record.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to check projection record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, recordsKey, record.ID, raw)

	if !known {
		pipe.RPush(ctx, recordOrderKey, record.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store projection record: %w", err)
	}

	return nil
}

func (s *RedisStore) Records(ctx context.Context) ([]*Record, error) {
	ids, err := s.client.LRange(ctx, recordOrderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list projection records: %w", err)
	}

	out := make([]*Record, 0, len(ids))

	for _, id := range ids {
		record, err := s.GetRecord(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}

			return nil, err
		}

		out = append(out, record)
	}

	return out, nil
}

func (s *RedisStore) Applied(ctx context.Context, entityID, eventID string) (bool, error) {
	applied, err := s.client.SIsMember(ctx, appliedKeyPrefix+entityID, eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check applied set: %w", err)
	}

	return applied, nil
}

func (s *RedisStore) MarkApplied(ctx context.Context, entityID, eventID string) error {
	if err := s.client.SAdd(ctx, appliedKeyPrefix+entityID, eventID).Err(); err != nil {
		return fmt.Errorf("failed to mark event applied: %w", err)
	}

	return nil
}

func (s *RedisStore) Cursor(ctx context.Context) (string, error) {
	cursor, err := s.client.Get(ctx, cursorKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}

		return "", fmt.Errorf("failed to read cursor: %w", err)
	}

	return cursor, nil
}

func (s *RedisStore) SetCursor(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, cursorKey, eventID, 0).Err(); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}

	return nil
}
