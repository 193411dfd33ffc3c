package memory

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/store"
)

type memTx struct {
	st  *state
	now func() time.Time
}

func (tx *memTx) LookupEntityForUpdate(ctx context.Context, typ common.EntityType, key string) (*common.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("lookup entity", err)
	}
	return tx.st.lookup(typ, key), nil
}

func (tx *memTx) GetEntityForUpdate(ctx context.Context, id string) (*common.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("get entity", err)
	}
	e, ok := tx.st.entities[id]
	if !ok {
		return nil, nil
	}
	e = copyEntity(e)
	return &e, nil
}

func (tx *memTx) InsertEntity(ctx context.Context, e common.Entity) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("insert entity", err)
	}
	if e.ID == "" || e.Key == "" || !e.Type.Valid() {
		return fmt.Errorf("insert entity: id, key and a valid type are required")
	}

	k := entityKey{typ: e.Type, key: e.Key}
	if _, ok := tx.st.keys[k]; ok {
		return fmt.Errorf("entity (%s, %q): %w", e.Type, e.Key, common.ErrConstraintConflict)
	}
	if _, ok := tx.st.entities[e.ID]; ok {
		return fmt.Errorf("entity id %s: %w", e.ID, common.ErrConstraintConflict)
	}

	now := tx.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	tx.st.entities[e.ID] = copyEntity(e)
	tx.st.keys[k] = e.ID
	return nil
}

func (tx *memTx) UpdateEntity(ctx context.Context, e common.Entity) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("update entity", err)
	}

	old, ok := tx.st.entities[e.ID]
	if !ok {
		return fmt.Errorf("entity %s: %w", e.ID, common.ErrNotFound)
	}
	if old.Type != e.Type || old.Key != e.Key {
		nk := entityKey{typ: e.Type, key: e.Key}
		if _, taken := tx.st.keys[nk]; taken {
			return fmt.Errorf("entity (%s, %q): %w", e.Type, e.Key, common.ErrConstraintConflict)
		}
		delete(tx.st.keys, entityKey{typ: old.Type, key: old.Key})
		tx.st.keys[nk] = e.ID
	}

	e.CreatedAt = old.CreatedAt
	e.UpdatedAt = tx.now().UTC()
	tx.st.entities[e.ID] = copyEntity(e)
	return nil
}

func (tx *memTx) DeleteEntity(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("delete entity", err)
	}

	e, ok := tx.st.entities[id]
	if !ok {
		return fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	for _, r := range tx.st.rels {
		if r.SourceID == id || r.TargetID == id {
			return fmt.Errorf("entity %s is still referenced by relationship %s", id, r.ID)
		}
	}

	delete(tx.st.entities, id)
	delete(tx.st.keys, entityKey{typ: e.Type, key: e.Key})
	delete(tx.st.entityDocs, id)
	maps.DeleteFunc(tx.st.aliases, func(_ entityKey, target string) bool { return target == id })
	return nil
}

func (tx *memTx) FindRelationship(
	ctx context.Context,
	sourceID, targetID string,
	typ common.RelationType,
) (*common.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("find relationship", err)
	}

	id, ok := tx.st.relKeys[relKey{source: sourceID, target: targetID, typ: typ}]
	if !ok {
		return nil, nil
	}
	r := copyRelationship(tx.st.rels[id])
	return &r, nil
}

func (tx *memTx) FindRelationshipsBetween(ctx context.Context, a, b string) ([]common.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("find relationships", err)
	}

	var out []common.Relationship
	for _, r := range tx.st.rels {
		if (r.SourceID == a && r.TargetID == b) || (r.SourceID == b && r.TargetID == a) {
			out = append(out, copyRelationship(r))
		}
	}
	sortRelationships(out)
	return out, nil
}

func (tx *memTx) RelationshipsOf(ctx context.Context, entityID string) ([]common.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("relationships of", err)
	}
	return tx.st.relationshipsOf(entityID), nil
}

func (tx *memTx) InsertRelationship(ctx context.Context, r common.Relationship) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("insert relationship", err)
	}
	if err := tx.checkEndpoints(r); err != nil {
		return err
	}

	k := relKey{source: r.SourceID, target: r.TargetID, typ: r.Type}
	if _, ok := tx.st.relKeys[k]; ok {
		return fmt.Errorf("relationship (%s, %s, %s): %w", r.SourceID, r.TargetID, r.Type, common.ErrConstraintConflict)
	}
	if _, ok := tx.st.rels[r.ID]; ok {
		return fmt.Errorf("relationship id %s: %w", r.ID, common.ErrConstraintConflict)
	}

	now := tx.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	tx.st.rels[r.ID] = copyRelationship(r)
	tx.st.relKeys[k] = r.ID
	return nil
}

func (tx *memTx) UpdateRelationship(ctx context.Context, r common.Relationship) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("update relationship", err)
	}

	old, ok := tx.st.rels[r.ID]
	if !ok {
		return fmt.Errorf("relationship %s: %w", r.ID, common.ErrNotFound)
	}
	if err := tx.checkEndpoints(r); err != nil {
		return err
	}

	ok1 := relKey{source: old.SourceID, target: old.TargetID, typ: old.Type}
	nk := relKey{source: r.SourceID, target: r.TargetID, typ: r.Type}
	if ok1 != nk {
		if _, taken := tx.st.relKeys[nk]; taken {
			return fmt.Errorf("relationship (%s, %s, %s): %w", r.SourceID, r.TargetID, r.Type, common.ErrConstraintConflict)
		}
		delete(tx.st.relKeys, ok1)
		tx.st.relKeys[nk] = r.ID
	}

	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = tx.now().UTC()
	tx.st.rels[r.ID] = copyRelationship(r)
	return nil
}

func (tx *memTx) DeleteRelationship(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("delete relationship", err)
	}

	r, ok := tx.st.rels[id]
	if !ok {
		return fmt.Errorf("relationship %s: %w", id, common.ErrNotFound)
	}
	delete(tx.st.rels, id)
	delete(tx.st.relKeys, relKey{source: r.SourceID, target: r.TargetID, typ: r.Type})
	return nil
}

func (tx *memTx) EntityDocumentMentions(ctx context.Context, entityID, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, common.Transient("entity document mentions", err)
	}
	return tx.st.entityDocs[entityID][documentID], nil
}

func (tx *memTx) SetEntityDocument(ctx context.Context, entityID, documentID string, mentions int) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("set entity document", err)
	}
	if _, ok := tx.st.entities[entityID]; !ok {
		return fmt.Errorf("entity %s: %w", entityID, common.ErrNotFound)
	}

	docs := tx.st.entityDocs[entityID]
	if docs == nil {
		docs = make(map[string]int)
		tx.st.entityDocs[entityID] = docs
	}
	docs[documentID] = mentions
	return nil
}

func (tx *memTx) MoveEntityDocuments(ctx context.Context, fromID, toID string) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("move entity documents", err)
	}
	if _, ok := tx.st.entities[toID]; !ok {
		return fmt.Errorf("entity %s: %w", toID, common.ErrNotFound)
	}

	from := tx.st.entityDocs[fromID]
	if len(from) == 0 {
		return nil
	}
	to := tx.st.entityDocs[toID]
	if to == nil {
		to = make(map[string]int, len(from))
		tx.st.entityDocs[toID] = to
	}
	for docID, n := range from {
		to[docID] += n
	}
	delete(tx.st.entityDocs, fromID)
	return nil
}

func (tx *memTx) AddKeyAlias(ctx context.Context, typ common.EntityType, key, entityID string) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("add key alias", err)
	}
	if key == "" || !typ.Valid() {
		return fmt.Errorf("add key alias: key and a valid type are required")
	}
	if _, ok := tx.st.entities[entityID]; !ok {
		return fmt.Errorf("entity %s: %w", entityID, common.ErrNotFound)
	}
	tx.st.aliases[entityKey{typ: typ, key: key}] = entityID
	return nil
}

func (tx *memTx) MoveKeyAliases(ctx context.Context, fromID, toID string) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("move key aliases", err)
	}
	if _, ok := tx.st.entities[toID]; !ok {
		return fmt.Errorf("entity %s: %w", toID, common.ErrNotFound)
	}
	for k, id := range tx.st.aliases {
		if id == fromID {
			tx.st.aliases[k] = toID
		}
	}
	return nil
}

func (tx *memTx) RecordDocument(ctx context.Context, doc common.Document) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("record document", err)
	}
	if doc.ID == "" {
		return fmt.Errorf("record document: id is required")
	}
	if doc.LastProcessedAt.IsZero() {
		doc.LastProcessedAt = tx.now().UTC()
	}
	doc.RawText = ""
	doc.Sentences = nil
	tx.st.docs[doc.ID] = doc
	return nil
}

func (tx *memTx) RecordMerge(ctx context.Context, m store.MergeRecord) error {
	if err := ctx.Err(); err != nil {
		return common.Transient("record merge", err)
	}
	if m.MergedAt.IsZero() {
		m.MergedAt = tx.now().UTC()
	}
	tx.st.merges = append(tx.st.merges, m)
	return nil
}

func (tx *memTx) checkEndpoints(r common.Relationship) error {
	if r.ID == "" || r.Type == "" {
		return fmt.Errorf("relationship: id and type are required")
	}
	for _, id := range []string{r.SourceID, r.TargetID} {
		if _, ok := tx.st.entities[id]; !ok {
			return fmt.Errorf("relationship %s references missing entity %s: %w", r.ID, id, common.ErrNotFound)
		}
	}
	return nil
}
