package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func person(id, key string) common.Entity {
	return common.Entity{ID: id, Key: key, Type: common.EntityTypePerson, DisplayName: key}
}

func TestInsertEntityUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntity(ctx, person("e1", "ahmet yilmaz"))
	}))

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntity(ctx, person("e2", "ahmet yilmaz"))
	})
	assert.ErrorIs(t, err, common.ErrConstraintConflict)

	// same key under another type is a different entity
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntity(ctx, common.Entity{ID: "e3", Key: "ahmet yilmaz", Type: common.EntityTypeOrganization})
	}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entities[common.EntityTypePerson])
	assert.Equal(t, int64(1), stats.Entities[common.EntityTypeOrganization])
}

func TestWithTxRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertEntity(ctx, person("e1", "ayse kaya")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	e, err := s.LookupEntity(ctx, common.EntityTypePerson, "ayse kaya")
	require.NoError(t, err)
	assert.Nil(t, e, "rolled back insert must not be visible")
}

func TestWithTxCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertEntity(ctx, person("e1", "ayse kaya")); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.True(t, common.IsRetryable(err) || errors.Is(err, context.Canceled))

	e, _ := s.LookupEntity(context.Background(), common.EntityTypePerson, "ayse kaya")
	assert.Nil(t, e)
}

func TestRelationshipReferences(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertRelationship(ctx, common.Relationship{
			ID: "r1", SourceID: "missing", TargetID: "also", Type: common.RelationCoOccurs,
		})
	})
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertEntity(ctx, person("a", "ahmet yilmaz")); err != nil {
			return err
		}
		if err := tx.InsertEntity(ctx, common.Entity{ID: "b", Key: "bursa barosu", Type: common.EntityTypeOrganization}); err != nil {
			return err
		}
		return tx.InsertRelationship(ctx, common.Relationship{
			ID: "r1", SourceID: "a", TargetID: "b", Type: common.RelationChairpersonOf, Directed: true, Strength: 0.1,
		})
	}))

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteEntity(ctx, "b")
	})
	assert.Error(t, err, "referenced entity must not be deletable")

	rels, err := s.ListRelationships(ctx, "b")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, common.RelationChairpersonOf, rels[0].Type)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertRelationship(ctx, common.Relationship{
			ID: "r2", SourceID: "a", TargetID: "b", Type: common.RelationChairpersonOf,
		})
	})
	assert.ErrorIs(t, err, common.ErrConstraintConflict)
}

func TestFindCandidates(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for _, e := range []common.Entity{
			person("p1", "ahmet yilmaz"),
			person("p2", "mehmet yilmaz"),
			person("p3", "ayse kaya"),
			{ID: "o1", Key: "ahmet yilmaz hukuk burosu", Type: common.EntityTypeOrganization},
		} {
			if err := tx.InsertEntity(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := s.FindCandidates(ctx, common.EntityTypePerson, []string{"yilm"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ahmet yilmaz", got[0].Key)
	assert.Equal(t, "mehmet yilmaz", got[1].Key)

	got, err = s.FindCandidates(ctx, common.EntityTypePerson, []string{"yilm"}, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEntityDocumentsAndHashes(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertEntity(ctx, person("a", "ahmet yilmaz")); err != nil {
			return err
		}
		if err := tx.InsertEntity(ctx, person("b", "ahmet yilmazz")); err != nil {
			return err
		}
		if err := tx.SetEntityDocument(ctx, "a", "d1", 2); err != nil {
			return err
		}
		if err := tx.SetEntityDocument(ctx, "b", "d1", 1); err != nil {
			return err
		}
		if err := tx.SetEntityDocument(ctx, "b", "d2", 1); err != nil {
			return err
		}
		return tx.RecordDocument(ctx, common.Document{ID: "d1", ContentHash: "h1", RawText: "large"})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.MoveEntityDocuments(ctx, "b", "a"); err != nil {
			return err
		}
		return tx.DeleteEntity(ctx, "b")
	}))

	docs, err := s.EntityDocuments(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []store.EntityDocument{
		{EntityID: "a", DocumentID: "d1", Mentions: 3},
		{EntityID: "a", DocumentID: "d2", Mentions: 1},
	}, docs)

	hashes, err := s.DocumentHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"d1": "h1"}, hashes)
}

func TestRunState(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRunState(ctx, store.RunRecord{ID: "r1", Status: store.RunStatusSucceeded, StartedAt: t0}))
	require.NoError(t, s.SaveRunState(ctx, store.RunRecord{ID: "r2", Status: store.RunStatusFailed, StartedAt: t0.Add(time.Hour)}))

	rs, err := s.LoadRunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rs.Total)
	assert.Equal(t, int64(1), rs.Succeeded)
	assert.Equal(t, int64(1), rs.Failed)
	require.NotNil(t, rs.LastSuccess)
	assert.Equal(t, "r1", rs.LastSuccess.ID)
	assert.Equal(t, "r2", rs.LastRun.ID)
}

func TestDuplicateKeysClean(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntity(ctx, person("a", "ahmet yilmaz"))
	}))

	dups, err := s.DuplicateKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, dups)

	// corrupt the committed state directly
	st := s.read()
	st.entities["x"] = person("x", "ahmet yilmaz")
	dups, err = s.DuplicateKeys(ctx)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, []string{"a", "x"}, dups[0].IDs)
}
