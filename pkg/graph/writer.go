package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/infer"
	"github.com/barokg/backend/pkg/normalize"
	"github.com/barokg/backend/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Batch is everything one document contributes to the graph.
type Batch struct {
	Document      common.Document
	Resolved      []common.ResolvedMention
	Relationships []common.CandidateRelationship
}

// Writer materializes resolved entities and inferred relationships. Each
// Upsert is one store transaction.
type Writer struct {
	store   store.GraphStorage
	scoring infer.Scoring
	newID   func() (string, error)
	now     func() time.Time
}

type WriterOption func(*Writer)

// WithRelationshipIDs replaces the nanoid generator used for new edges.
func WithRelationshipIDs(fn func() (string, error)) WriterOption {
	return func(w *Writer) {
		w.newID = fn
	}
}

// WithClock replaces time.Now for document and merge timestamps.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

func NewWriter(s store.GraphStorage, scoring infer.Scoring, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   s,
		scoring: scoring,
		newID:   func() (string, error) { return gonanoid.New() },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// entityGroup collects the mentions of one ref within a document.
type entityGroup struct {
	ref      common.EntityRef
	aliases  []string
	mentions int
}

// Upsert writes batch atomically. Entities are matched by (type, key),
// relationships by (source, target, type). Replaying a document that was
// already written changes nothing but timestamps.
func (w *Writer) Upsert(ctx context.Context, batch Batch) (common.WriteReport, error) {
	if batch.Document.ID == "" {
		return common.WriteReport{}, errors.New("upsert: document id is required")
	}

	groups := groupMentions(batch.Resolved)

	var report common.WriteReport
	err := w.store.WithTx(ctx, func(tx store.Tx) error {
		report = common.WriteReport{}
		ids := make(map[string]string, len(groups))

		for _, g := range groups {
			id, created, err := w.upsertEntity(ctx, tx, g, batch.Document.ID)
			if err != nil {
				return err
			}
			ids[g.ref.ID] = id
			if created {
				report.EntitiesCreated++
			} else {
				report.EntitiesUpdated++
			}
		}

		for _, cand := range batch.Relationships {
			source, ok := ids[cand.Source.ID]
			if !ok {
				source = cand.Source.ID
			}
			target, ok := ids[cand.Target.ID]
			if !ok {
				target = cand.Target.ID
			}
			if source == target {
				continue
			}

			created, err := w.upsertRelationship(ctx, tx, cand, source, target, batch.Document.ID)
			if err != nil {
				return err
			}
			if created {
				report.RelationshipsCreated++
			} else {
				report.RelationshipsUpdated++
			}
		}

		doc := batch.Document
		doc.EnsureHash()
		doc.LastProcessedAt = w.now().UTC()
		return tx.RecordDocument(ctx, doc)
	})
	if err != nil {
		return common.WriteReport{}, fmt.Errorf("failed to write document %s: %w", batch.Document.ID, err)
	}
	return report, nil
}

func groupMentions(resolved []common.ResolvedMention) []*entityGroup {
	index := make(map[string]*entityGroup)
	var groups []*entityGroup
	for _, rm := range resolved {
		g, ok := index[rm.Ref.ID]
		if !ok {
			g = &entityGroup{ref: rm.Ref}
			index[rm.Ref.ID] = g
			groups = append(groups, g)
		}
		g.mentions++
		if alias := normalize.Display(rm.Mention.Text); alias != "" {
			g.aliases, _ = store.UnionStrings(g.aliases, []string{alias})
		}
	}
	return groups
}

// upsertEntity returns the id the group was written under and whether the
// entity was created.
func (w *Writer) upsertEntity(ctx context.Context, tx store.Tx, g *entityGroup, documentID string) (string, bool, error) {
	existing, err := w.findEntity(ctx, tx, g.ref)
	if err != nil {
		return "", false, err
	}

	if existing == nil {
		e := common.Entity{
			ID:           g.ref.ID,
			Key:          g.ref.Key,
			Type:         g.ref.Type,
			Aliases:      g.aliases,
			MentionCount: int64(g.mentions),
		}
		if len(g.aliases) > 0 {
			e.DisplayName = g.aliases[0]
		}
		err = tx.InsertEntity(ctx, e)
		if err == nil {
			if err := tx.SetEntityDocument(ctx, e.ID, documentID, g.mentions); err != nil {
				return "", false, err
			}
			return e.ID, true, nil
		}
		if !errors.Is(err, common.ErrConstraintConflict) {
			return "", false, err
		}

		// Lost the insert race; the winner's row is updated instead.
		existing, err = tx.LookupEntityForUpdate(ctx, g.ref.Type, g.ref.Key)
		if err != nil {
			return "", false, err
		}
		if existing == nil {
			return "", false, fmt.Errorf("entity (%s, %q): %w", g.ref.Type, g.ref.Key, common.ErrConstraintConflict)
		}
	}

	previous, err := tx.EntityDocumentMentions(ctx, existing.ID, documentID)
	if err != nil {
		return "", false, err
	}

	e := *existing
	e.Aliases, _ = store.UnionStrings(e.Aliases, g.aliases)
	if e.DisplayName == "" && len(e.Aliases) > 0 {
		e.DisplayName = e.Aliases[0]
	}
	e.MentionCount = max(e.MentionCount+int64(g.mentions-previous), 0)

	if err := tx.UpdateEntity(ctx, e); err != nil {
		return "", false, err
	}
	if err := tx.SetEntityDocument(ctx, e.ID, documentID, g.mentions); err != nil {
		return "", false, err
	}
	return e.ID, false, nil
}

// findEntity locates the stored entity for ref. Refs of known entities are
// followed by id; if that entity has since been merged away, or the ref is
// new, the (type, key) pair decides.
func (w *Writer) findEntity(ctx context.Context, tx store.Tx, ref common.EntityRef) (*common.Entity, error) {
	if !ref.New {
		e, err := tx.GetEntityForUpdate(ctx, ref.ID)
		if err != nil || e != nil {
			return e, err
		}
	}
	return tx.LookupEntityForUpdate(ctx, ref.Type, ref.Key)
}

// upsertRelationship folds one candidate into the edges between source and
// target. It reports whether a new edge was inserted.
func (w *Writer) upsertRelationship(
	ctx context.Context,
	tx store.Tx,
	cand common.CandidateRelationship,
	source, target, documentID string,
) (bool, error) {
	directed := cand.Directed && !cand.Type.IsGeneric()
	if !directed {
		source, target = common.CanonicalPair(source, target)
	}

	between, err := tx.FindRelationshipsBetween(ctx, source, target)
	if err != nil {
		return false, err
	}

	var same, generic, specific *common.Relationship
	for i := range between {
		r := &between[i]
		switch {
		case r.Type == cand.Type && r.SourceID == source && r.TargetID == target:
			same = r
		case r.Type.IsGeneric():
			if generic == nil {
				generic = r
			}
		default:
			if specific == nil {
				specific = r
			}
		}
	}

	if cand.Type.IsGeneric() {
		// Specific types are never downgraded: generic evidence lands on
		// the specific edge when there is one.
		edge := same
		if specific != nil {
			edge = specific
		}
		if edge == nil {
			return true, w.insertRelationship(ctx, tx, cand, source, target, directed, documentID)
		}
		w.addEvidence(edge, documentID, cand.Sentences)
		if edge == specific && same != nil {
			foldRelationship(edge, *same)
			if err := tx.DeleteRelationship(ctx, same.ID); err != nil {
				return false, err
			}
		}
		return false, tx.UpdateRelationship(ctx, *edge)
	}

	switch {
	case same != nil:
		w.addEvidence(same, documentID, cand.Sentences)
		if generic != nil {
			foldRelationship(same, *generic)
			if err := tx.DeleteRelationship(ctx, generic.ID); err != nil {
				return false, err
			}
		}
		return false, tx.UpdateRelationship(ctx, *same)
	case generic != nil:
		generic.SourceID, generic.TargetID = source, target
		generic.Type = cand.Type
		generic.Directed = directed
		w.addEvidence(generic, documentID, cand.Sentences)
		return false, tx.UpdateRelationship(ctx, *generic)
	default:
		return true, w.insertRelationship(ctx, tx, cand, source, target, directed, documentID)
	}
}

func (w *Writer) insertRelationship(
	ctx context.Context,
	tx store.Tx,
	cand common.CandidateRelationship,
	source, target string,
	directed bool,
	documentID string,
) error {
	id, err := w.newID()
	if err != nil {
		return fmt.Errorf("failed to generate relationship id: %w", err)
	}
	r := common.Relationship{
		ID:       id,
		SourceID: source,
		TargetID: target,
		Type:     cand.Type,
		Directed: directed,
		Strength: w.scoring.Increment(0, cand.Sentences),
		Evidence: []string{documentID},
	}
	return tx.InsertRelationship(ctx, r)
}

// addEvidence grows r only when documentID has not supported it before.
func (w *Writer) addEvidence(r *common.Relationship, documentID string, sentences int) {
	if r.HasEvidence(documentID) {
		return
	}
	r.Evidence = append(r.Evidence, documentID)
	r.Strength = w.scoring.Increment(r.Strength, sentences)
}

// foldRelationship moves the evidence of from onto into. Strength keeps the
// larger of the two so folding never weakens an edge.
func foldRelationship(into *common.Relationship, from common.Relationship) {
	into.Evidence, _ = store.UnionStrings(into.Evidence, from.Evidence)
	into.Strength = max(into.Strength, from.Strength)
}
