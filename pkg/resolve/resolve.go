// Package resolve maps mentions onto canonical entities: exact key hits in
// the run cache or the store first, then a fuzzy match over a blocked
// candidate set, and a freshly reserved entity when nothing matches.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/match"
	"github.com/barokg/backend/pkg/normalize"
	"github.com/barokg/backend/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Result is the outcome of resolving one document's mentions. Dropped holds
// the mentions that failed validation; they never abort the document.
type Result struct {
	Resolved []common.ResolvedMention
	Dropped  []common.MalformedMentionError
}

// Refs returns the distinct entity refs of the result in first-seen order.
func (r Result) Refs() []common.EntityRef {
	seen := make(map[string]struct{}, len(r.Resolved))
	var out []common.EntityRef
	for _, rm := range r.Resolved {
		if _, ok := seen[rm.Ref.ID]; ok {
			continue
		}
		seen[rm.Ref.ID] = struct{}{}
		out = append(out, rm.Ref)
	}
	return out
}

type Resolver struct {
	lookup  store.EntityLookup
	matcher *match.Matcher
	newID   func() (string, error)
}

type Option func(*Resolver)

// WithIDGenerator replaces the nanoid generator used for new entities.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(r *Resolver) {
		r.newID = fn
	}
}

func New(lookup store.EntityLookup, matcher *match.Matcher, opts ...Option) *Resolver {
	r := &Resolver{
		lookup:  lookup,
		matcher: matcher,
		newID:   func() (string, error) { return gonanoid.New() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pendingKey struct {
	typ    common.EntityType
	key    string
	blocks []string

	// filled by the store phase
	exact      *common.Entity
	candidates []match.Candidate
	reservedID string

	// filled by the decision phase
	ref  common.EntityRef
	kind common.MatchKind
}

// Resolve binds every valid mention of doc to an entity. A store failure
// fails the whole document with a transient error and leaves cache
// untouched. When cache is nil a private cache is used.
func (r *Resolver) Resolve(
	ctx context.Context,
	doc common.Document,
	mentions []common.Mention,
	cache *Cache,
) (Result, error) {
	if cache == nil {
		cache = NewCache()
	}

	var res Result
	textLen := utf8.RuneCountInString(doc.RawText)

	type accepted struct {
		mention common.Mention
		key     string
		slot    int
	}
	var (
		valid []accepted
		keys  []*pendingKey
		index = make(map[cacheKey]int)
	)

	for _, m := range mentions {
		m, key, err := validate(doc, m, textLen)
		if err != nil {
			var mm *common.MalformedMentionError
			if errors.As(err, &mm) {
				res.Dropped = append(res.Dropped, *mm)
				logger.Warn("[Resolve] Dropping mention", "document", doc.ID, "text", m.Text, "reason", mm.Reason)
				continue
			}
			return Result{}, err
		}

		ck := cacheKey{typ: m.Type, key: key}
		slot, ok := index[ck]
		if !ok {
			slot = len(keys)
			index[ck] = slot
			keys = append(keys, &pendingKey{typ: m.Type, key: key, blocks: normalize.BlockKeys(key)})
		}
		valid = append(valid, accepted{mention: m, key: key, slot: slot})
	}

	if err := r.fetch(ctx, keys, cache); err != nil {
		return Result{}, err
	}

	cache.apply(func(v *cacheView) {
		for _, pk := range keys {
			r.decide(v, pk)
		}
	})

	res.Resolved = make([]common.ResolvedMention, 0, len(valid))
	for _, a := range valid {
		pk := keys[a.slot]
		res.Resolved = append(res.Resolved, common.ResolvedMention{
			Mention: a.mention,
			Key:     a.key,
			Ref:     pk.ref,
			Match:   pk.kind,
		})
	}

	logger.Debug("[Resolve] Resolved document", "document", doc.ID, "mentions", len(res.Resolved), "entities", len(keys), "dropped", len(res.Dropped))
	return res, nil
}

// fetch does every store round trip up front so a failure leaves no trace.
func (r *Resolver) fetch(ctx context.Context, keys []*pendingKey, cache *Cache) error {
	limit := r.matcher.Config().MaxCandidates
	for _, pk := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := cache.Get(pk.typ, pk.key); ok {
			continue
		}

		e, err := r.lookup.LookupEntity(ctx, pk.typ, pk.key)
		if err != nil {
			return storeErr("lookup entity", err)
		}
		if e != nil {
			pk.exact = e
			continue
		}

		ents, err := r.lookup.FindCandidates(ctx, pk.typ, pk.blocks, limit)
		if err != nil {
			return storeErr("find candidates", err)
		}
		for _, c := range ents {
			pk.candidates = append(pk.candidates, match.Candidate{
				Key:  c.Key,
				Type: c.Type,
				Ref:  common.EntityRef{ID: c.ID, Type: c.Type, Key: c.Key},
			})
		}

		id, err := r.newID()
		if err != nil {
			return fmt.Errorf("failed to reserve entity id: %w", err)
		}
		pk.reservedID = id
	}
	return nil
}

func (r *Resolver) decide(v *cacheView, pk *pendingKey) {
	if ref, ok := v.get(pk.typ, pk.key); ok {
		pk.ref, pk.kind = ref, common.MatchCache
		return
	}

	if pk.exact != nil {
		pk.ref = common.EntityRef{ID: pk.exact.ID, Type: pk.exact.Type, Key: pk.exact.Key}
		pk.kind = common.MatchStore
		v.put(pk.typ, pk.key, pk.ref)
		return
	}

	// Another document of this run may have cached this key between fetch
	// and decide; reservedID is then unused.
	candidates := append(pk.candidates, v.pendingCandidates(pk.typ, pk.blocks)...)
	if best, score, ok := r.matcher.BestMatch(pk.key, pk.typ, candidates); ok {
		logger.Debug("[Resolve] Fuzzy match", "key", pk.key, "entity", best.Key, "score", score)
		pk.ref, pk.kind = best.Ref, common.MatchFuzzy
		v.put(pk.typ, pk.key, pk.ref)
		return
	}

	pk.ref = common.EntityRef{ID: pk.reservedID, Type: pk.typ, Key: pk.key, New: true}
	pk.kind = common.MatchNew
	v.reserve(pk.ref)
}

func validate(doc common.Document, m common.Mention, textLen int) (common.Mention, string, error) {
	malformed := func(reason string) (common.Mention, string, error) {
		return m, "", &common.MalformedMentionError{Mention: m, Reason: reason}
	}

	if m.DocumentID == "" {
		m.DocumentID = doc.ID
	} else if m.DocumentID != doc.ID {
		return malformed("mention belongs to document " + m.DocumentID)
	}

	if m.Type == "" && m.Label != "" {
		typ, err := common.ParseEntityType(m.Label)
		if err != nil {
			return malformed(err.Error())
		}
		m.Type = typ
	}
	if !m.Type.Valid() {
		return malformed(fmt.Sprintf("unknown entity type %q", m.Type))
	}

	if doc.RawText != "" {
		if m.Span.Start < 0 || m.Span.End < m.Span.Start || m.Span.End > textLen {
			return malformed(fmt.Sprintf("span [%d, %d) outside document of %d runes", m.Span.Start, m.Span.End, textLen))
		}
	}

	key := normalize.Key(m.Text)
	if key == "" {
		return malformed("empty normalized key")
	}
	return m, key, nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return common.Transient(op, err)
}
