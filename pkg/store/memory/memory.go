// Package memory is an in-process GraphStorage used by tests and by
// STORE=memory development runs. It enforces the same uniqueness and
// reference rules as the Postgres schema.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/normalize"
	"github.com/barokg/backend/pkg/store"
)

var (
	_ store.GraphStorage = (*Store)(nil)
	_ store.Tx           = (*memTx)(nil)
)

type entityKey struct {
	typ common.EntityType
	key string
}

type relKey struct {
	source string
	target string
	typ    common.RelationType
}

type state struct {
	entities   map[string]common.Entity
	keys       map[entityKey]string
	aliases    map[entityKey]string
	rels       map[string]common.Relationship
	relKeys    map[relKey]string
	entityDocs map[string]map[string]int
	docs       map[string]common.Document
	merges     []store.MergeRecord
}

func newState() *state {
	return &state{
		entities:   make(map[string]common.Entity),
		keys:       make(map[entityKey]string),
		aliases:    make(map[entityKey]string),
		rels:       make(map[string]common.Relationship),
		relKeys:    make(map[relKey]string),
		entityDocs: make(map[string]map[string]int),
		docs:       make(map[string]common.Document),
	}
}

func (s *state) clone() *state {
	c := &state{
		entities:   make(map[string]common.Entity, len(s.entities)),
		keys:       maps.Clone(s.keys),
		aliases:    maps.Clone(s.aliases),
		rels:       make(map[string]common.Relationship, len(s.rels)),
		relKeys:    maps.Clone(s.relKeys),
		entityDocs: make(map[string]map[string]int, len(s.entityDocs)),
		docs:       maps.Clone(s.docs),
		merges:     slices.Clone(s.merges),
	}
	for id, e := range s.entities {
		c.entities[id] = copyEntity(e)
	}
	for id, r := range s.rels {
		c.rels[id] = copyRelationship(r)
	}
	for id, docs := range s.entityDocs {
		c.entityDocs[id] = maps.Clone(docs)
	}
	return c
}

// Store keeps the committed graph behind a read/write lock. Transactions
// run against a private copy that replaces the committed state on success,
// so readers never observe a partially applied document.
type Store struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *state
	now   func() time.Time

	runMu sync.Mutex
	runs  map[string]store.RunRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		state: newState(),
		now:   time.Now,
		runs:  make(map[string]store.RunRecord),
	}
}

func (s *Store) read() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) LookupEntity(ctx context.Context, typ common.EntityType, key string) (*common.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("lookup entity", err)
	}
	return s.read().lookup(typ, key), nil
}

func (s *Store) FindCandidates(
	ctx context.Context,
	typ common.EntityType,
	blockKeys []string,
	limit int,
) ([]common.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("find candidates", err)
	}
	if len(blockKeys) == 0 || limit <= 0 {
		return nil, nil
	}

	st := s.read()
	var out []common.Entity
	for _, e := range st.entities {
		if e.Type != typ {
			continue
		}
		for _, b := range normalize.BlockKeys(e.Key) {
			if slices.Contains(blockKeys, b) {
				out = append(out, copyEntity(e))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	if err := ctx.Err(); err != nil {
		return common.Entity{}, common.Transient("get entity", err)
	}
	e, ok := s.read().entities[id]
	if !ok {
		return common.Entity{}, fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	return copyEntity(e), nil
}

func (s *Store) ListEntities(ctx context.Context, opts store.ListOptions) ([]common.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("list entities", err)
	}

	st := s.read()
	out := make([]common.Entity, 0, len(st.entities))
	for _, e := range st.entities {
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		out = append(out, copyEntity(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) ListRelationships(ctx context.Context, entityID string) ([]common.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("list relationships", err)
	}
	return s.read().relationshipsOf(entityID), nil
}

func (s *Store) EntityDocuments(ctx context.Context, entityID string) ([]store.EntityDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("entity documents", err)
	}

	docs := s.read().entityDocs[entityID]
	out := make([]store.EntityDocument, 0, len(docs))
	for docID, n := range docs {
		out = append(out, store.EntityDocument{EntityID: entityID, DocumentID: docID, Mentions: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (s *Store) DocumentHashes(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("document hashes", err)
	}

	st := s.read()
	out := make(map[string]string, len(st.docs))
	for id, d := range st.docs {
		out[id] = d.ContentHash
	}
	return out, nil
}

// WithTx runs fn against a private copy of the graph and publishes the copy
// only when fn succeeds and ctx is still live.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return common.Transient("begin transaction", err)
	}

	tx := &memTx{st: s.read().clone(), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return common.Transient("commit transaction", err)
	}

	s.mu.Lock()
	s.state = tx.st
	s.mu.Unlock()
	return nil
}

func (s *Store) Stats(ctx context.Context) (common.GraphStats, error) {
	if err := ctx.Err(); err != nil {
		return common.GraphStats{}, common.Transient("stats", err)
	}

	st := s.read()
	stats := common.GraphStats{
		Entities:      make(map[common.EntityType]int64),
		Relationships: int64(len(st.rels)),
		Documents:     int64(len(st.docs)),
	}
	for _, e := range st.entities {
		stats.Entities[e.Type]++
	}
	return stats, nil
}

// DuplicateKeys scans the entity table itself rather than the key index so
// that a diverging index is detected too.
func (s *Store) DuplicateKeys(ctx context.Context) ([]store.DuplicateKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("duplicate keys", err)
	}

	groups := make(map[entityKey][]string)
	for id, e := range s.read().entities {
		k := entityKey{typ: e.Type, key: e.Key}
		groups[k] = append(groups[k], id)
	}

	var out []store.DuplicateKey
	for k, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		out = append(out, store.DuplicateKey{Type: k.typ, Key: k.key, IDs: ids, Count: len(ids)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *Store) SaveRunState(ctx context.Context, run store.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("save run state", err)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *Store) LoadRunState(ctx context.Context) (store.RunState, error) {
	if err := ctx.Err(); err != nil {
		return store.RunState{}, common.Transient("load run state", err)
	}

	s.runMu.Lock()
	runs := slices.Collect(maps.Values(s.runs))
	s.runMu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })

	var rs store.RunState
	for i := range runs {
		run := runs[i]
		rs.Total++
		switch run.Status {
		case store.RunStatusSucceeded:
			rs.Succeeded++
			rs.LastSuccess = &run
		case store.RunStatusFailed:
			rs.Failed++
		}
		rs.LastRun = &run
	}
	return rs, nil
}

// Merges returns the merge audit trail in the order it was written.
func (s *Store) Merges() []store.MergeRecord {
	return slices.Clone(s.read().merges)
}

func (st *state) lookup(typ common.EntityType, key string) *common.Entity {
	k := entityKey{typ: typ, key: key}
	id, ok := st.keys[k]
	if !ok {
		if id, ok = st.aliases[k]; !ok {
			return nil
		}
	}
	e := copyEntity(st.entities[id])
	return &e
}

func (st *state) relationshipsOf(entityID string) []common.Relationship {
	var out []common.Relationship
	for _, r := range st.rels {
		if r.SourceID == entityID || r.TargetID == entityID {
			out = append(out, copyRelationship(r))
		}
	}
	sortRelationships(out)
	return out
}

func sortRelationships(rels []common.Relationship) {
	sort.Slice(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.TargetID != b.TargetID {
			return a.TargetID < b.TargetID
		}
		return a.Type < b.Type
	})
}

func copyEntity(e common.Entity) common.Entity {
	e.Aliases = slices.Clone(e.Aliases)
	return e
}

func copyRelationship(r common.Relationship) common.Relationship {
	r.Evidence = slices.Clone(r.Evidence)
	return r
}
