package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/store"
)

// Merge folds duplicateID into survivorID: every edge of the duplicate is
// relinked to the survivor, parallel edges are folded, edges that would
// become self-loops are dropped, aliases and mention counts are combined and
// the duplicate is removed. Its key stays behind as an alias of the survivor.
// An audit row is written in the same transaction.
func (w *Writer) Merge(ctx context.Context, survivorID, duplicateID string) (common.MergeReport, error) {
	if survivorID == "" || duplicateID == "" {
		return common.MergeReport{}, errors.New("merge: both entity ids are required")
	}
	if survivorID == duplicateID {
		return common.MergeReport{}, errors.New("merge: an entity cannot be merged into itself")
	}

	var report common.MergeReport
	err := w.store.WithTx(ctx, func(tx store.Tx) error {
		report = common.MergeReport{SurvivorID: survivorID, RemovedID: duplicateID}

		survivor, err := tx.GetEntityForUpdate(ctx, survivorID)
		if err != nil {
			return err
		}
		duplicate, err := tx.GetEntityForUpdate(ctx, duplicateID)
		if err != nil {
			return err
		}
		if survivor == nil {
			return fmt.Errorf("survivor %s: %w", survivorID, common.ErrNotFound)
		}
		if duplicate == nil {
			return fmt.Errorf("duplicate %s: %w", duplicateID, common.ErrNotFound)
		}
		if survivor.Type != duplicate.Type {
			return fmt.Errorf("merge: cannot merge %s %s into %s %s", duplicate.Type, duplicateID, survivor.Type, survivorID)
		}

		rels, err := tx.RelationshipsOf(ctx, duplicateID)
		if err != nil {
			return err
		}
		for _, r := range rels {
			if err := w.relink(ctx, tx, r, survivorID, duplicateID, &report); err != nil {
				return err
			}
		}

		aliases := append([]string{duplicate.DisplayName}, duplicate.Aliases...)
		survivor.Aliases, report.AliasesAdded = store.UnionStrings(survivor.Aliases, aliases)
		survivor.MentionCount += duplicate.MentionCount

		if err := tx.MoveEntityDocuments(ctx, duplicateID, survivorID); err != nil {
			return err
		}
		// The duplicate's key keeps resolving to the survivor, so later
		// mentions of it do not bring the duplicate back.
		if err := tx.MoveKeyAliases(ctx, duplicateID, survivorID); err != nil {
			return err
		}
		if err := tx.UpdateEntity(ctx, *survivor); err != nil {
			return err
		}
		if err := tx.DeleteEntity(ctx, duplicateID); err != nil {
			return err
		}
		if err := tx.AddKeyAlias(ctx, duplicate.Type, duplicate.Key, survivorID); err != nil {
			return err
		}

		return tx.RecordMerge(ctx, store.MergeRecord{
			SurvivorID:  survivorID,
			RemovedID:   duplicateID,
			RemovedKey:  duplicate.Key,
			RemovedType: duplicate.Type,
			Report:      report,
			MergedAt:    w.now().UTC(),
		})
	})
	if err != nil {
		return common.MergeReport{}, fmt.Errorf("failed to merge %s into %s: %w", duplicateID, survivorID, err)
	}

	logger.Info("[Graph] Merged entities",
		"survivor", survivorID,
		"removed", duplicateID,
		"relinked", report.RelinkedRelationships,
		"folded", report.FoldedRelationships,
		"self_loops", report.DroppedSelfLoops,
	)
	return report, nil
}

// relink moves one edge of the duplicate onto the survivor.
func (w *Writer) relink(
	ctx context.Context,
	tx store.Tx,
	r common.Relationship,
	survivorID, duplicateID string,
	report *common.MergeReport,
) error {
	source, target := r.SourceID, r.TargetID
	if source == duplicateID {
		source = survivorID
	}
	if target == duplicateID {
		target = survivorID
	}
	if source == target {
		report.DroppedSelfLoops++
		return tx.DeleteRelationship(ctx, r.ID)
	}
	if !r.Directed {
		source, target = common.CanonicalPair(source, target)
	}

	between, err := tx.FindRelationshipsBetween(ctx, source, target)
	if err != nil {
		return err
	}

	var same, generic, specific *common.Relationship
	for i := range between {
		e := &between[i]
		switch {
		case e.ID == r.ID:
		case e.Type == r.Type && e.SourceID == source && e.TargetID == target:
			same = e
		case e.Type.IsGeneric():
			if generic == nil {
				generic = e
			}
		default:
			if specific == nil {
				specific = e
			}
		}
	}

	// A parallel edge of the same type, or a specific edge absorbing a
	// generic one, keeps living; r is folded into it.
	into := same
	if into == nil && r.Type.IsGeneric() {
		into = specific
	}
	if into != nil {
		foldRelationship(into, r)
		if err := tx.DeleteRelationship(ctx, r.ID); err != nil {
			return err
		}
		report.FoldedRelationships++
		return tx.UpdateRelationship(ctx, *into)
	}

	if !r.Type.IsGeneric() && generic != nil {
		foldRelationship(&r, *generic)
		if err := tx.DeleteRelationship(ctx, generic.ID); err != nil {
			return err
		}
		report.FoldedRelationships++
	}

	r.SourceID, r.TargetID = source, target
	report.RelinkedRelationships++
	return tx.UpdateRelationship(ctx, r)
}

// CheckIndex verifies that no (type, key) pair is held by more than one
// entity. Duplicates are returned alongside common.ErrIndexCorruption.
func (w *Writer) CheckIndex(ctx context.Context) ([]store.DuplicateKey, error) {
	dups, err := w.store.DuplicateKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check key index: %w", err)
	}
	if len(dups) > 0 {
		for _, d := range dups {
			logger.Error("[Graph] Duplicate entity key", "type", d.Type, "key", d.Key, "ids", d.IDs)
		}
		return dups, fmt.Errorf("%w: %d duplicate keys", common.ErrIndexCorruption, len(dups))
	}
	return nil, nil
}
