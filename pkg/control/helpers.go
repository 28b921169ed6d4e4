package control

import (
	"context"
	"fmt"

	"github.com/jacquard/jacquard/pkg/buckets"
	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
	"github.com/jacquard/jacquard/pkg/odm"
)

func loadBucketReadOnly(ctx context.Context, store kv.Store, idx int) (*buckets.Bucket, error) {
	var result *buckets.Bucket

	err := txmap.WithTransaction(ctx, store, true, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)
		b, err := odm.Get(ctx, session, fmt.Sprintf("%d", idx), odm.DefaultEmptyInstance, buckets.NewBucket)
		if err != nil {
			return err
		}
		result = b
		return nil
	})
	return result, err
}

func countOccupiedBuckets(ctx context.Context, store kv.Store) (int, error) {
	count := 0

	err := txmap.WithTransaction(ctx, store, true, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)
		for i := 0; i < buckets.NumBuckets; i++ {
			b, err := odm.Get(ctx, session, fmt.Sprintf("%d", i), odm.DefaultEmptyInstance, buckets.NewBucket)
			if err != nil {
				return fmt.Errorf("count occupied bucket %d: %w", i, err)
			}
			if !b.Empty() {
				count++
			}
		}
		return nil
	})
	return count, err
}
