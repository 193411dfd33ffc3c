package pgx

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/store"
	"github.com/barokg/backend/pkg/store/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var databaseURL string

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(
		ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("graph"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Printf("postgres container unavailable, skipping integration tests: %v", err)
		os.Exit(m.Run())
	}

	databaseURL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("error getting connection string: %v", err)
	}
	if err := migrations.Up(databaseURL); err != nil {
		log.Fatalf("error migrating test database: %v", err)
	}

	code := m.Run()

	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("error tearing down postgres container: %v", err)
	}
	os.Exit(code)
}

func initStore(t *testing.T) (*GraphDBStorage, *pgxpool.Pool) {
	t.Helper()
	if databaseURL == "" {
		t.Skip("postgres integration tests disabled")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE entity_merges, entity_key_aliases, entity_documents, relationships, entities, documents, ingest_runs`)
	require.NoError(t, err)

	s, err := NewGraphDBStorageWithConnection(ctx, pool, WithStoreTimeout(10*time.Second))
	require.NoError(t, err)
	return s, pool
}

func TestEntityUniqueIndex(t *testing.T) {
	s, _ := initStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntity(ctx, common.Entity{
			ID: "e1", Key: "bursa barosu", Type: common.EntityTypeOrganization,
			DisplayName: "Bursa Barosu", Aliases: []string{"Bursa Barosu"}, MentionCount: 1,
		})
	}))

	// the conflict is absorbed by the savepoint and the update still commits
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		err := tx.InsertEntity(ctx, common.Entity{
			ID: "e2", Key: "bursa barosu", Type: common.EntityTypeOrganization, DisplayName: "BURSA BAROSU",
		})
		if !assert.ErrorIs(t, err, common.ErrConstraintConflict) {
			return err
		}
		existing, err := tx.LookupEntityForUpdate(ctx, common.EntityTypeOrganization, "bursa barosu")
		if err != nil {
			return err
		}
		existing.Aliases = append(existing.Aliases, "BURSA BAROSU")
		existing.MentionCount++
		return tx.UpdateEntity(ctx, *existing)
	}))

	e, err := s.LookupEntity(ctx, common.EntityTypeOrganization, "bursa barosu")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, "Bursa Barosu", e.DisplayName)
	assert.Equal(t, []string{"Bursa Barosu", "BURSA BAROSU"}, e.Aliases)
	assert.Equal(t, int64(2), e.MentionCount)

	dups, err := s.DuplicateKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, dups)
}

func TestKeyAliasesResolveToTarget(t *testing.T) {
	s, _ := initStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for _, e := range []common.Entity{
			{ID: "o1", Key: "adalet bakanligi", Type: common.EntityTypeOrganization, DisplayName: "Adalet Bakanlığı"},
			{ID: "o2", Key: "t.c. adalet bakanligi", Type: common.EntityTypeOrganization, DisplayName: "T.C. Adalet Bakanlığı"},
			{ID: "o3", Key: "bakanlik", Type: common.EntityTypeOrganization, DisplayName: "Bakanlık"},
		} {
			if err := tx.InsertEntity(ctx, e); err != nil {
				return err
			}
		}
		if err := tx.DeleteEntity(ctx, "o2"); err != nil {
			return err
		}
		return tx.AddKeyAlias(ctx, common.EntityTypeOrganization, "t.c. adalet bakanligi", "o1")
	}))

	e, err := s.LookupEntity(ctx, common.EntityTypeOrganization, "t.c. adalet bakanligi")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "o1", e.ID)

	e, err = s.LookupEntity(ctx, common.EntityTypePerson, "t.c. adalet bakanligi")
	require.NoError(t, err)
	assert.Nil(t, e)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.MoveKeyAliases(ctx, "o1", "o3"); err != nil {
			return err
		}
		e, err := tx.LookupEntityForUpdate(ctx, common.EntityTypeOrganization, "t.c. adalet bakanligi")
		if err != nil {
			return err
		}
		if assert.NotNil(t, e) {
			assert.Equal(t, "o3", e.ID)
		}
		return nil
	}))

	// an entity's own key wins over an alias
	e, err = s.LookupEntity(ctx, common.EntityTypeOrganization, "adalet bakanligi")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "o1", e.ID)
}

func TestRelationshipsAndCandidates(t *testing.T) {
	s, _ := initStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for _, e := range []common.Entity{
			{ID: "p1", Key: "ahmet yilmaz", Type: common.EntityTypePerson, DisplayName: "Ahmet Yılmaz"},
			{ID: "p2", Key: "mehmet yilmaz", Type: common.EntityTypePerson, DisplayName: "Mehmet Yılmaz"},
			{ID: "o1", Key: "bursa barosu", Type: common.EntityTypeOrganization, DisplayName: "Bursa Barosu"},
		} {
			if err := tx.InsertEntity(ctx, e); err != nil {
				return err
			}
		}
		if err := tx.SetEntityDocument(ctx, "p1", "d1", 2); err != nil {
			return err
		}
		if err := tx.RecordDocument(ctx, common.Document{ID: "d1", ContentHash: "h1"}); err != nil {
			return err
		}
		return tx.InsertRelationship(ctx, common.Relationship{
			ID: "r1", SourceID: "p1", TargetID: "o1", Type: common.RelationChairpersonOf,
			Directed: true, Strength: 0.1, Evidence: []string{"d1"},
		})
	}))

	cands, err := s.FindCandidates(ctx, common.EntityTypePerson, []string{"yilm"}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "ahmet yilmaz", cands[0].Key)

	rels, err := s.ListRelationships(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, []string{"d1"}, rels[0].Evidence)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteEntity(ctx, "o1")
	})
	assert.Error(t, err, "referenced entity must not be deletable")

	hashes, err := s.DocumentHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, "h1", hashes["d1"])

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entities[common.EntityTypePerson])
	assert.Equal(t, int64(1), stats.Relationships)
	assert.Equal(t, int64(1), stats.Documents)

	docs, err := s.EntityDocuments(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []store.EntityDocument{{EntityID: "p1", DocumentID: "d1", Mentions: 2}}, docs)
}

func TestRunStatePersistence(t *testing.T) {
	s, _ := initStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.SaveRunState(ctx, store.RunRecord{
		ID: "run-1", Mode: "incremental", Status: store.RunStatusRunning, StartedAt: t0,
	}))
	require.NoError(t, s.SaveRunState(ctx, store.RunRecord{
		ID: "run-1", Mode: "incremental", Status: store.RunStatusSucceeded, StartedAt: t0,
		FinishedAt: t0.Add(time.Minute), DocumentsProcessed: 3,
		Report: common.WriteReport{EntitiesCreated: 4},
	}))

	rs, err := s.LoadRunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rs.Total)
	require.NotNil(t, rs.LastSuccess)
	assert.Equal(t, 3, rs.LastSuccess.DocumentsProcessed)
	assert.Equal(t, 4, rs.LastSuccess.Report.EntitiesCreated)
}
