package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-automation/ratelimit"
	"github.com/uptrace/bun"
)

// BucketStore keeps token bucket snapshots in automation_rate_buckets. A swap
// is a versioned conditional UPDATE, or an INSERT that loses to the primary
// key when another writer created the row first.
type BucketStore struct {
	db *bun.DB
}

func NewBucketStore(db *bun.DB) (*BucketStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &BucketStore{db: db}, nil
}

func (s *BucketStore) Load(ctx context.Context, key string) (ratelimit.BucketState, bool, error) {
	if s == nil || s.db == nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("sqlstore: bucket store is not configured")
	}
	record := &bucketRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.bucket_key = ?", strings.TrimSpace(key)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ratelimit.BucketState{}, false, nil
		}
		return ratelimit.BucketState{}, false, err
	}
	return ratelimit.BucketState{
		Tokens:    record.Tokens,
		UpdatedAt: record.UpdatedAt.UTC(),
		Version:   record.Version,
	}, true, nil
}

func (s *BucketStore) CompareAndSwap(
	ctx context.Context,
	key string,
	expected ratelimit.BucketState,
	found bool,
	next ratelimit.BucketState,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: bucket store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("sqlstore: bucket key is required")
	}

	if !found {
		record := &bucketRecord{
			BucketKey: key,
			Tokens:    next.Tokens,
			Version:   next.Version,
			UpdatedAt: next.UpdatedAt.UTC(),
		}
		if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	result, err := s.db.NewUpdate().
		Model((*bucketRecord)(nil)).
		Set("tokens = ?", next.Tokens).
		Set("version = ?", next.Version).
		Set("updated_at = ?", next.UpdatedAt.UTC()).
		Where("bucket_key = ?", key).
		Where("version = ?", expected.Version).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
