//go:build integration

package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"civreg/internal/lock"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/testutil/containers"
)

type RedisLockSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisLockSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

// TestTwoInstancesSerialize runs two lockers, standing in for two service
// instances, against one key.
func (s *RedisLockSuite) TestTwoInstancesSerialize() {
	ctx := context.Background()
	a := lock.NewRedis(s.redis.Client, 5*time.Second, nil)
	b := lock.NewRedis(s.redis.Client, 5*time.Second, nil)

	var inside, maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		locker := a
		if i%2 == 1 {
			locker = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "facility:HF-1")
			if !s.NoError(err) {
				return
			}
			defer unlock()
			n := inside.Add(1)
			for {
				seen := maxSeen.Load()
				if n <= seen || maxSeen.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	s.Equal(int32(1), maxSeen.Load())
}

func (s *RedisLockSuite) TestWaitHonoursContext() {
	l := lock.NewRedis(s.redis.Client, 5*time.Second, nil)
	unlock, err := l.Lock(context.Background(), "location:D-1")
	s.Require().NoError(err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "location:D-1")
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *RedisLockSuite) TestExpiredLockIsNotReleasedByOldHolder() {
	ctx := context.Background()
	short := lock.NewRedis(s.redis.Client, 100*time.Millisecond, nil)
	long := lock.NewRedis(s.redis.Client, 5*time.Second, nil)
	staleUnlock, err := short.Lock(ctx, "person:NIN-1")
	s.Require().NoError(err)

	time.Sleep(200 * time.Millisecond)
	freshUnlock, err := long.Lock(ctx, "person:NIN-1")
	s.Require().NoError(err)
	defer freshUnlock()

	staleUnlock()
	exists, err := s.redis.Client.Exists(ctx, "civreg:lock:person:NIN-1").Result()
	s.Require().NoError(err)
	s.Equal(int64(1), exists)
}
