package keys

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/content"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per key id and a sorted set per content item
// scored by segment index.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "segkey"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(keyID string) string {
	return s.prefix + ":key:" + keyID
}

func (s *RedisStore) indexKey(ref content.Ref, variant content.Variant) string {
	return s.prefix + ":content:" + contentIndexKey(ref, variant)
}

func (s *RedisStore) Put(ctx context.Context, records []KeyRecord) error {
	for _, rec := range records {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.recordKey(rec.KeyID), map[string]interface{}{
				"content_kind":  string(rec.Content.Kind),
				"content_id":    rec.Content.ID,
				"variant":       string(rec.Variant),
				"segment_index": rec.SegmentIndex,
				"key":           rec.Key,
				"iv":            rec.IV,
				"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
			pipe.ZAdd(ctx, s.indexKey(rec.Content, rec.Variant), redis.Z{
				Score:  float64(rec.SegmentIndex),
				Member: rec.KeyID,
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to store key %s: %w", rec.KeyID, err)
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, keyID string) (*KeyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(keyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", keyID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisRecord(keyID, fields)
}

func (s *RedisStore) ListByContent(ctx context.Context, ref content.Ref, variant content.Variant) ([]KeyRecord, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(ref, variant), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %s: %w", ref, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load keys for %s: %w", ref, err)
	}

	out := make([]KeyRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRedisRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *RedisStore) CountByContent(ctx context.Context, ref content.Ref, variant content.Variant) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey(ref, variant)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count keys for %s: %w", ref, err)
	}
	return int(n), nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close(context.Context) error {
	return s.client.Close()
}

func decodeRedisRecord(keyID string, fields map[string]string) (*KeyRecord, error) {
	idx, err := strconv.Atoi(fields["segment_index"])
	if err != nil {
		return nil, fmt.Errorf("corrupt segment index for key %s: %w", keyID, err)
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at for key %s: %w", keyID, err)
	}
	return &KeyRecord{
		KeyID:        keyID,
		Content:      content.Ref{Kind: content.Kind(fields["content_kind"]), ID: fields["content_id"]},
		Variant:      content.Variant(fields["variant"]),
		SegmentIndex: idx,
		Key:          fields["key"],
		IV:           fields["iv"],
		CreatedAt:    created,
	}, nil
}
