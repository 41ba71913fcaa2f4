package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"charity-auth-service/internal/config"
)

// BucketingManager assigns identity records to fixed Scylla partitions so no
// single partition grows unbounded.
type BucketingManager struct {
	userBuckets int
	hasherPool  sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets: cfg.Bucketing.UserBuckets,
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetUserBucket returns a stable bucket for the user ID (0 to userBuckets-1).
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

func (bm *BucketingManager) getBucket(key string, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))

	return int(hasher.Sum64() % uint64(buckets))
}
