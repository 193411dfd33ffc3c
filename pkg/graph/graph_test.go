package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/infer"
	"github.com/barokg/backend/pkg/match"
	"github.com/barokg/backend/pkg/resolve"
	"github.com/barokg/backend/pkg/store"
	"github.com/barokg/backend/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, s store.GraphStorage) *GraphClient {
	t.Helper()

	m, err := match.New(match.DefaultConfig())
	require.NoError(t, err)
	patterns, err := infer.DefaultPatterns()
	require.NoError(t, err)
	in, err := infer.New(infer.DefaultScoring(), patterns)
	require.NoError(t, err)

	var n atomic.Int64
	ids := func() (string, error) { return fmt.Sprintf("id-%04d", n.Add(1)), nil }

	client, err := NewGraphClient(NewGraphClientParams{
		Resolver:          resolve.New(s, m, resolve.WithIDGenerator(ids)),
		Inferencer:        in,
		Writer:            NewWriter(s, in.Scoring(), WithRelationshipIDs(ids)),
		ParallelDocuments: 3,
		MaxRetries:        2,
		RetryBackoff:      &util.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	})
	require.NoError(t, err)
	return client
}

type entitySpec struct {
	text  string
	label string
}

// record builds a document of the given sentences and locates every entity
// text in the sentence it is listed for.
func record(id string, sentences []string, mentions map[int][]entitySpec) common.DocumentRecord {
	doc := common.Document{ID: id, URL: "https://example.org/" + id}
	var raw strings.Builder
	var recs []common.Mention
	offset := 0
	for i, s := range sentences {
		n := utf8.RuneCountInString(s)
		doc.Sentences = append(doc.Sentences, common.Sentence{ID: i, Span: common.Span{Start: offset, End: offset + n}})
		for _, m := range mentions[i] {
			idx := strings.Index(s, m.text)
			if idx < 0 {
				panic("mention not in sentence: " + m.text)
			}
			start := offset + utf8.RuneCountInString(s[:idx])
			recs = append(recs, common.Mention{
				Text:       m.text,
				Label:      m.label,
				SentenceID: i,
				Span:       common.Span{Start: start, End: start + utf8.RuneCountInString(m.text)},
			})
		}
		raw.WriteString(s)
		raw.WriteString(" ")
		offset += n + 1
	}
	doc.RawText = raw.String()
	return common.DocumentRecord{Document: doc, Mentions: recs}
}

func chairRecord(id string) common.DocumentRecord {
	return record(id, []string{"Ahmet Yılmaz, Bursa Barosu'nun başkanıdır."}, map[int][]entitySpec{
		0: {{"Ahmet Yılmaz", "PER"}, {"Bursa Barosu", "ORG"}},
	})
}

func lookup(t *testing.T, s store.GraphStorage, typ common.EntityType, key string) *common.Entity {
	t.Helper()
	e, err := s.LookupEntity(context.Background(), typ, key)
	require.NoError(t, err)
	return e
}

func TestEndToEndChairperson(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	client := newClient(t, s)

	rep, err := client.ProcessDocuments(ctx, []common.DocumentRecord{chairRecord("doc-1")}, resolve.NewCache())
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, rep.Processed)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, 2, rep.Report.EntitiesCreated)
	assert.Equal(t, 1, rep.Report.RelationshipsCreated)

	people, err := s.ListEntities(ctx, store.ListOptions{Type: common.EntityTypePerson})
	require.NoError(t, err)
	orgs, err := s.ListEntities(ctx, store.ListOptions{Type: common.EntityTypeOrganization})
	require.NoError(t, err)
	require.Len(t, people, 1)
	require.Len(t, orgs, 1)
	assert.Equal(t, "Ahmet Yılmaz", people[0].DisplayName)
	assert.Equal(t, "ahmet yilmaz", people[0].Key)
	assert.Equal(t, "bursa barosu", orgs[0].Key)

	rels, err := s.ListRelationships(ctx, people[0].ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, common.RelationChairpersonOf, rels[0].Type)
	assert.Equal(t, people[0].ID, rels[0].SourceID)
	assert.Equal(t, orgs[0].ID, rels[0].TargetID)
	assert.True(t, rels[0].Directed)
	assert.Equal(t, []string{"doc-1"}, rels[0].Evidence)

	hashes, err := s.DocumentHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.HashContent(chairRecord("doc-1").Document.RawText), hashes["doc-1"])
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	client := newClient(t, s)
	records := []common.DocumentRecord{chairRecord("doc-1")}

	_, err := client.ProcessDocuments(ctx, records, resolve.NewCache())
	require.NoError(t, err)
	before := lookup(t, s, common.EntityTypePerson, "ahmet yilmaz")
	require.NotNil(t, before)
	relsBefore, err := s.ListRelationships(ctx, before.ID)
	require.NoError(t, err)

	rep, err := client.ProcessDocuments(ctx, records, resolve.NewCache())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Report.EntitiesCreated)
	assert.Equal(t, 0, rep.Report.RelationshipsCreated)
	assert.Equal(t, 2, rep.Report.EntitiesUpdated)

	after := lookup(t, s, common.EntityTypePerson, "ahmet yilmaz")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.MentionCount, after.MentionCount)
	assert.Equal(t, before.Aliases, after.Aliases)

	relsAfter, err := s.ListRelationships(ctx, after.ID)
	require.NoError(t, err)
	require.Len(t, relsAfter, 1)
	assert.Equal(t, relsBefore[0].Strength, relsAfter[0].Strength)
	assert.Equal(t, relsBefore[0].Evidence, relsAfter[0].Evidence)
}

func TestSurfaceVariantsBecomeOneEntity(t *testing.T) {
	ctx := context.Background()
	variants := []string{"Bursa Barosu", "bursa barosu", "BURSA BAROSU "}

	t.Run("one batch", func(t *testing.T) {
		s := memory.New()
		client := newClient(t, s)
		rec := record("doc-1", []string{
			"Bursa Barosu açıklama yaptı.",
			"Açıklamayı bursa barosu yayımladı.",
			"BURSA BAROSU  duyurdu.",
		}, map[int][]entitySpec{
			0: {{variants[0], "ORG"}},
			1: {{variants[1], "ORG"}},
			2: {{variants[2], "ORG"}},
		})

		_, err := client.ProcessDocuments(ctx, []common.DocumentRecord{rec}, resolve.NewCache())
		require.NoError(t, err)

		orgs, err := s.ListEntities(ctx, store.ListOptions{Type: common.EntityTypeOrganization})
		require.NoError(t, err)
		require.Len(t, orgs, 1)
		assert.ElementsMatch(t, []string{"Bursa Barosu", "bursa barosu", "BURSA BAROSU"}, orgs[0].Aliases)
		assert.Equal(t, "Bursa Barosu", orgs[0].DisplayName)
		assert.EqualValues(t, 3, orgs[0].MentionCount)
	})

	t.Run("sequential batches", func(t *testing.T) {
		s := memory.New()
		client := newClient(t, s)
		for i, v := range variants {
			rec := record(fmt.Sprintf("doc-%d", i), []string{v + " açıklama yaptı."}, map[int][]entitySpec{
				0: {{v, "ORG"}},
			})
			_, err := client.ProcessDocuments(ctx, []common.DocumentRecord{rec}, resolve.NewCache())
			require.NoError(t, err)
		}

		orgs, err := s.ListEntities(ctx, store.ListOptions{Type: common.EntityTypeOrganization})
		require.NoError(t, err)
		require.Len(t, orgs, 1)
		assert.ElementsMatch(t, []string{"Bursa Barosu", "bursa barosu", "BURSA BAROSU"}, orgs[0].Aliases)
		assert.EqualValues(t, 3, orgs[0].MentionCount)
	})
}

func TestMergedEntityStaysMergedOnReingest(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	client := newClient(t, s)

	ministry := func(id, name string) common.DocumentRecord {
		return record(id, []string{name + " açıklama yaptı."}, map[int][]entitySpec{
			0: {{name, "ORG"}},
		})
	}

	_, err := client.ProcessDocuments(ctx, []common.DocumentRecord{ministry("doc-1", "Adalet Bakanlığı")}, resolve.NewCache())
	require.NoError(t, err)
	staleCache := resolve.NewCache()
	_, err = client.ProcessDocuments(ctx, []common.DocumentRecord{ministry("doc-2", "T.C. Adalet Bakanlığı")}, staleCache)
	require.NoError(t, err)

	// too far apart for the fuzzy matcher, so an operator merges them
	survivor := lookup(t, s, common.EntityTypeOrganization, "adalet bakanligi")
	duplicate := lookup(t, s, common.EntityTypeOrganization, "t.c. adalet bakanligi")
	require.NotNil(t, survivor)
	require.NotNil(t, duplicate)
	require.NotEqual(t, survivor.ID, duplicate.ID)

	_, err = client.Writer().Merge(ctx, survivor.ID, duplicate.ID)
	require.NoError(t, err)

	rep, err := client.ProcessDocuments(ctx, []common.DocumentRecord{ministry("doc-3", "T.C. Adalet Bakanlığı")}, resolve.NewCache())
	require.NoError(t, err)
	assert.Zero(t, rep.Report.EntitiesCreated)

	// a cache filled before the merge still points at the removed id
	rep, err = client.ProcessDocuments(ctx, []common.DocumentRecord{ministry("doc-4", "T.C. Adalet Bakanlığı")}, staleCache)
	require.NoError(t, err)
	assert.Zero(t, rep.Report.EntitiesCreated)

	orgs, err := s.ListEntities(ctx, store.ListOptions{Type: common.EntityTypeOrganization})
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, survivor.ID, orgs[0].ID)
	assert.EqualValues(t, 4, orgs[0].MentionCount)

	docs, err := s.EntityDocuments(ctx, survivor.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 4)
}

func TestStrengthIsMonotonicAndCapped(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	client := newClient(t, s)

	strength := 0.0
	for i := range 15 {
		rec := record(fmt.Sprintf("doc-%02d", i), []string{"Ahmet Yılmaz ile Ayşe Kaya görüştü."}, map[int][]entitySpec{
			0: {{"Ahmet Yılmaz", "PER"}, {"Ayşe Kaya", "PER"}},
		})
		_, err := client.ProcessDocuments(ctx, []common.DocumentRecord{rec}, resolve.NewCache())
		require.NoError(t, err)

		ahmet := lookup(t, s, common.EntityTypePerson, "ahmet yilmaz")
		rels, err := s.ListRelationships(ctx, ahmet.ID)
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, common.RelationCoOccurs, rels[0].Type)
		assert.False(t, rels[0].Directed)
		assert.GreaterOrEqual(t, rels[0].Strength, strength)
		assert.LessOrEqual(t, rels[0].Strength, 1.0)
		strength = rels[0].Strength
	}
	assert.InDelta(t, 1.0, strength, 1e-9)
}

func TestSpecificTypeIsNeverDowngraded(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	client := newClient(t, s)

	generic := func(id string) common.DocumentRecord {
		return record(id, []string{"Ahmet Yılmaz ve Bursa Barosu bir etkinlik düzenledi."}, map[int][]entitySpec{
			0: {{"Ahmet Yılmaz", "PER"}, {"Bursa Barosu", "ORG"}},
		})
	}

	for _, rec := range []common.DocumentRecord{generic("doc-1"), chairRecord("doc-2"), generic("doc-3")} {
		_, err := client.ProcessDocuments(ctx, []common.DocumentRecord{rec}, resolve.NewCache())
		require.NoError(t, err)
	}

	ahmet := lookup(t, s, common.EntityTypePerson, "ahmet yilmaz")
	baro := lookup(t, s, common.EntityTypeOrganization, "bursa barosu")
	rels, err := s.ListRelationships(ctx, ahmet.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, common.RelationChairpersonOf, rels[0].Type)
	assert.Equal(t, ahmet.ID, rels[0].SourceID)
	assert.Equal(t, baro.ID, rels[0].TargetID)
	assert.Equal(t, []string{"doc-1", "doc-2", "doc-3"}, rels[0].Evidence)
	assert.InDelta(t, 0.3, rels[0].Strength, 1e-9)
}

// flakyStore fails the commit of selected documents.
type flakyStore struct {
	*memory.Store
	fail    map[string]bool
	attempt atomic.Int64
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(flakyTx{Tx: tx, store: f})
	})
}

type flakyTx struct {
	store.Tx
	store *flakyStore
}

func (t flakyTx) RecordDocument(ctx context.Context, doc common.Document) error {
	if t.store.fail[doc.ID] {
		t.store.attempt.Add(1)
		return common.Transient("record document", errors.New("connection reset by peer"))
	}
	return t.Tx.RecordDocument(ctx, doc)
}

func TestFailedDocumentsLeaveNoTrace(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{Store: memory.New(), fail: map[string]bool{"doc-4": true, "doc-5": true}}
	client := newClient(t, s)

	names := []string{"Ahmet Yılmaz", "Ayşe Kaya", "Mehmet Demir", "Fatma Şahin", "Ali Çelik"}
	var records []common.DocumentRecord
	for i, name := range names {
		records = append(records, record(fmt.Sprintf("doc-%d", i+1), []string{name + " konuştu."}, map[int][]entitySpec{
			0: {{name, "PER"}},
		}))
	}

	rep, err := client.ProcessDocuments(ctx, records, resolve.NewCache())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-1", "doc-2", "doc-3"}, rep.Processed)
	require.Len(t, rep.Failed, 2)
	assert.True(t, common.IsRetryable(rep.Failed["doc-4"]))
	assert.EqualValues(t, 4, s.attempt.Load(), "each failing document is tried MaxRetries times")

	hashes, err := s.DocumentHashes(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes, 3)
	assert.NotContains(t, hashes, "doc-4")

	assert.Nil(t, lookup(t, s, common.EntityTypePerson, "fatma sahin"))
	assert.Nil(t, lookup(t, s, common.EntityTypePerson, "ali celik"))
	assert.NotNil(t, lookup(t, s, common.EntityTypePerson, "mehmet demir"))
}

func TestProcessDocumentsCancelled(t *testing.T) {
	s := memory.New()
	client := newClient(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := client.ProcessDocuments(ctx, []common.DocumentRecord{chairRecord("doc-1"), chairRecord("doc-2")}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.Processed)
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, rep.Skipped)

	hashes, err := s.DocumentHashes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestParallelDocumentsShareNewEntity(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	client := newClient(t, s)

	var records []common.DocumentRecord
	for i := range 8 {
		records = append(records, chairRecord(fmt.Sprintf("doc-%d", i)))
	}

	rep, err := client.ProcessDocuments(ctx, records, resolve.NewCache())
	require.NoError(t, err)
	assert.Len(t, rep.Processed, 8)
	assert.Equal(t, 2, rep.Report.EntitiesCreated)
	assert.Equal(t, 1, rep.Report.RelationshipsCreated)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Entities[common.EntityTypePerson])
	assert.EqualValues(t, 1, stats.Entities[common.EntityTypeOrganization])
	assert.EqualValues(t, 1, stats.Relationships)

	ahmet := lookup(t, s, common.EntityTypePerson, "ahmet yilmaz")
	assert.EqualValues(t, 8, ahmet.MentionCount)
}
