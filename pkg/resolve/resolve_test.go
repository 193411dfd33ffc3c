package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/match"
	"github.com/barokg/backend/pkg/store"
	"github.com/barokg/backend/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T, lookup store.EntityLookup) *Resolver {
	t.Helper()
	m, err := match.New(match.DefaultConfig())
	require.NoError(t, err)

	var n atomic.Int64
	return New(lookup, m, WithIDGenerator(func() (string, error) {
		return fmt.Sprintf("new-%d", n.Add(1)), nil
	}))
}

func mention(text string, typ common.EntityType) common.Mention {
	return common.Mention{Text: text, Type: typ}
}

func seed(t *testing.T, s *memory.Store, entities ...common.Entity) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for _, e := range entities {
			if err := tx.InsertEntity(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestResolveMergesSurfaceVariants(t *testing.T) {
	r := newResolver(t, memory.New())
	doc := common.Document{ID: "d1"}

	res, err := r.Resolve(context.Background(), doc, []common.Mention{
		mention("Bursa Barosu", common.EntityTypeOrganization),
		mention("bursa barosu", common.EntityTypeOrganization),
		mention("BURSA BAROSU ", common.EntityTypeOrganization),
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Resolved, 3)
	assert.Empty(t, res.Dropped)

	ref := res.Resolved[0].Ref
	assert.True(t, ref.New)
	assert.Equal(t, "bursa barosu", ref.Key)
	for _, rm := range res.Resolved {
		assert.Equal(t, ref, rm.Ref)
		assert.Equal(t, common.MatchNew, rm.Match)
		assert.Equal(t, "d1", rm.Mention.DocumentID)
	}
	assert.Len(t, res.Refs(), 1)
}

func TestResolveTypeIsolation(t *testing.T) {
	r := newResolver(t, memory.New())

	res, err := r.Resolve(context.Background(), common.Document{ID: "d1"}, []common.Mention{
		mention("Adalet", common.EntityTypePerson),
		mention("Adalet", common.EntityTypeOrganization),
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Resolved, 2)
	assert.NotEqual(t, res.Resolved[0].Ref.ID, res.Resolved[1].Ref.ID)
	assert.Equal(t, common.EntityTypePerson, res.Resolved[0].Ref.Type)
	assert.Equal(t, common.EntityTypeOrganization, res.Resolved[1].Ref.Type)
}

func TestResolveAgainstStore(t *testing.T) {
	s := memory.New()
	seed(t, s,
		common.Entity{ID: "p1", Key: "ahmet yilmaz", Type: common.EntityTypePerson, DisplayName: "Ahmet Yılmaz"},
		common.Entity{ID: "o1", Key: "bursa barosu", Type: common.EntityTypeOrganization, DisplayName: "Bursa Barosu"},
	)
	r := newResolver(t, s)

	res, err := r.Resolve(context.Background(), common.Document{ID: "d1"}, []common.Mention{
		mention("Bursa Barosu", common.EntityTypeOrganization),
		mention("Ahmet Yılmazz", common.EntityTypePerson),
		mention("Av. Ahmet Yılmaz", common.EntityTypePerson),
		mention("Ayşe Kaya", common.EntityTypePerson),
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Resolved, 4)

	assert.Equal(t, "o1", res.Resolved[0].Ref.ID)
	assert.Equal(t, common.MatchStore, res.Resolved[0].Match)

	assert.Equal(t, "p1", res.Resolved[1].Ref.ID)
	assert.Equal(t, common.MatchFuzzy, res.Resolved[1].Match)
	assert.Equal(t, "ahmet yilmazz", res.Resolved[1].Key)
	assert.Equal(t, "ahmet yilmaz", res.Resolved[1].Ref.Key)

	assert.Equal(t, "p1", res.Resolved[2].Ref.ID)
	assert.Equal(t, common.MatchFuzzy, res.Resolved[2].Match)

	assert.True(t, res.Resolved[3].Ref.New)
	assert.Equal(t, common.MatchNew, res.Resolved[3].Match)
}

func TestResolveUsesRunCache(t *testing.T) {
	r := newResolver(t, memory.New())
	cache := NewCache()
	ctx := context.Background()

	first, err := r.Resolve(ctx, common.Document{ID: "d1"}, []common.Mention{
		mention("Ahmet Yılmaz", common.EntityTypePerson),
	}, cache)
	require.NoError(t, err)

	second, err := r.Resolve(ctx, common.Document{ID: "d2"}, []common.Mention{
		mention("AHMET YILMAZ", common.EntityTypePerson),
		mention("Ahmet Yılmazz", common.EntityTypePerson),
	}, cache)
	require.NoError(t, err)

	id := first.Resolved[0].Ref.ID
	assert.Equal(t, id, second.Resolved[0].Ref.ID)
	assert.Equal(t, common.MatchCache, second.Resolved[0].Match)
	// pending entities of the run take part in fuzzy matching
	assert.Equal(t, id, second.Resolved[1].Ref.ID)
	assert.Equal(t, common.MatchFuzzy, second.Resolved[1].Match)
	assert.Equal(t, 2, cache.Len())
}

func TestResolveDropsMalformedMentions(t *testing.T) {
	r := newResolver(t, memory.New())
	doc := common.Document{ID: "d1", RawText: "Ahmet Yılmaz, Bursa Barosu'nun başkanıdır."}

	res, err := r.Resolve(context.Background(), doc, []common.Mention{
		{Text: "Ahmet Yılmaz", Type: common.EntityTypePerson, Span: common.Span{Start: 0, End: 12}},
		{Text: "Bursa Barosu", Type: common.EntityTypeOrganization, Span: common.Span{Start: 14, End: 400}},
		{Text: "Bursa", Label: "MISC", Span: common.Span{Start: 14, End: 19}},
		{Text: "!!!", Type: common.EntityTypePerson, Span: common.Span{Start: 0, End: 3}},
		{Text: "Bursa Barosu", Type: common.EntityTypeOrganization, DocumentID: "other", Span: common.Span{Start: 14, End: 26}},
		{Text: "Bursa Barosu", Label: "B-ORG", Span: common.Span{Start: 14, End: 26}},
	}, nil)
	require.NoError(t, err)

	require.Len(t, res.Resolved, 2)
	assert.Equal(t, "ahmet yilmaz", res.Resolved[0].Key)
	assert.Equal(t, common.EntityTypeOrganization, res.Resolved[1].Ref.Type)

	require.Len(t, res.Dropped, 4)
	for _, d := range res.Dropped {
		assert.ErrorIs(t, &d, common.ErrMalformedMention)
	}
}

type failingLookup struct {
	store.EntityLookup
	err error
}

func (f failingLookup) LookupEntity(context.Context, common.EntityType, string) (*common.Entity, error) {
	return nil, f.err
}

func TestResolveStoreFailure(t *testing.T) {
	r := newResolver(t, failingLookup{EntityLookup: memory.New(), err: errors.New("connection reset")})
	cache := NewCache()

	_, err := r.Resolve(context.Background(), common.Document{ID: "d1"}, []common.Mention{
		mention("Bursa Barosu", common.EntityTypeOrganization),
	}, cache)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrTransientStore)
	assert.True(t, common.IsRetryable(err))
	assert.Equal(t, 0, cache.Len(), "failed batch must not leave cache entries")

	r = newResolver(t, failingLookup{EntityLookup: memory.New(), err: context.DeadlineExceeded})
	_, err = r.Resolve(context.Background(), common.Document{ID: "d1"}, []common.Mention{
		mention("Bursa Barosu", common.EntityTypeOrganization),
	}, cache)
	assert.ErrorIs(t, err, common.ErrTransientStore)
}

func TestResolveConcurrentDocumentsShareEntity(t *testing.T) {
	r := newResolver(t, memory.New())
	cache := NewCache()

	const docs = 16
	ids := make([]string, docs)
	var wg sync.WaitGroup
	for i := range docs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), common.Document{ID: fmt.Sprintf("d%d", i)}, []common.Mention{
				mention("Bursa Barosu", common.EntityTypeOrganization),
			}, cache)
			if err == nil {
				ids[i] = res.Resolved[0].Ref.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.NotEmpty(t, ids[0])
}
