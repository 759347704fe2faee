package livestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON documents:
//
//	{prefix}stream:{id}         record document
//	{prefix}streams             set of all stream ids
//	{prefix}seller:{id}:stream  seller's current stream id
//
// Put uses WATCH/MULTI so a concurrent writer on another replica surfaces as
// ErrVersionMismatch instead of a lost update.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store using client. prefix namespaces every key
// and may be empty.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) streamKey(id StreamID) string {
	return fmt.Sprintf("%sstream:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "streams"
}

func (s *RedisStore) sellerKey(sellerID string) string {
	return fmt.Sprintf("%sseller:%s:stream", s.prefix, sellerID)
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id StreamID) (*StreamRecord, error) {
	data, err := s.client.Get(ctx, s.streamKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", id, err)
	}

	var rec StreamRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode stream %s: %w", id, err)
	}
	return &rec, nil
}

// Put implements Store.Put.
func (s *RedisStore) Put(ctx context.Context, rec *StreamRecord, expectedVersion int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode stream %s: %w", rec.ID, err)
	}
	key := s.streamKey(rec.ID)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return ErrVersionMismatch
			}
		case err != nil:
			return err
		default:
			var existing StreamRecord
			if err := json.Unmarshal(cur, &existing); err != nil {
				return fmt.Errorf("decode stream %s: %w", rec.ID, err)
			}
			if existing.Version != expectedVersion {
				return ErrVersionMismatch
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.indexKey(), string(rec.ID))
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return ErrVersionMismatch
	case errors.Is(err, ErrVersionMismatch):
		return err
	case err != nil:
		return fmt.Errorf("put stream %s: %w", rec.ID, err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, id StreamID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.streamKey(id))
		pipe.SRem(ctx, s.indexKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete stream %s: %w", id, err)
	}
	return nil
}

// List implements Store.List.
func (s *RedisStore) List(ctx context.Context) ([]StreamID, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	ids := make([]StreamID, 0, len(members))
	for _, m := range members {
		ids = append(ids, StreamID(m))
	}
	return ids, nil
}

// SetSellerStream implements Store.SetSellerStream.
func (s *RedisStore) SetSellerStream(ctx context.Context, sellerID string, id StreamID) error {
	if err := s.client.Set(ctx, s.sellerKey(sellerID), string(id), 0).Err(); err != nil {
		return fmt.Errorf("set seller stream: %w", err)
	}
	return nil
}

// GetSellerStream implements Store.GetSellerStream.
func (s *RedisStore) GetSellerStream(ctx context.Context, sellerID string) (StreamID, error) {
	id, err := s.client.Get(ctx, s.sellerKey(sellerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get seller stream: %w", err)
	}
	return StreamID(id), nil
}

// ClearSellerStream implements Store.ClearSellerStream.
func (s *RedisStore) ClearSellerStream(ctx context.Context, sellerID string, id StreamID) error {
	key := s.sellerKey(sellerID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if StreamID(cur) != id {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("clear seller stream: %w", err)
	}
	return nil
}
