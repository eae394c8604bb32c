//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"civreg/internal/mapping"
	"civreg/internal/mapping/store"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "external_mappings"))
}

func newMapping(code string, entityID int64) *mapping.Mapping {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &mapping.Mapping{
		Kind:         mapping.KindLocation,
		SubKind:      "V",
		ExternalCode: code,
		EntityID:     entityID,
		CreatedAt:    now,
		LastAccess:   now,
	}
}

// TestConcurrentCreateOneWinner verifies the partial unique index lets
// exactly one active mapping exist per code.
func (s *PostgresStoreSuite) TestConcurrentCreateOneWinner() {
	ctx := context.Background()
	const goroutines = 20

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Create(ctx, newMapping("V-1", int64(i+1)))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
}

func (s *PostgresStoreSuite) TestSoftDeleteFreesCode() {
	ctx := context.Background()
	m := newMapping("V-2", 7)
	s.Require().NoError(s.store.Create(ctx, m))

	found, err := s.store.FindActive(ctx, mapping.KindLocation, "V-2")
	s.Require().NoError(err)
	s.Equal(int64(7), found.EntityID)
	s.Equal("V", found.SubKind)

	s.Require().NoError(s.store.MarkDeleted(ctx, m.ID))
	_, err = s.store.FindActive(ctx, mapping.KindLocation, "V-2")
	s.True(errors.Is(err, sentinel.ErrNotFound))

	exists, err := s.store.Exists(ctx, mapping.KindLocation, "V-2")
	s.Require().NoError(err)
	s.True(exists)

	s.Require().NoError(s.store.Create(ctx, newMapping("V-2", 8)))
	s.Run("other kinds do not collide", func() {
		other := newMapping("V-2", 9)
		other.Kind = mapping.KindFacility
		other.SubKind = ""
		s.Require().NoError(s.store.Create(ctx, other))
	})
}
