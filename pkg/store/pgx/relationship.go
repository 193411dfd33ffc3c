package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

var _ store.Tx = (*pgTx)(nil)

type pgTx struct {
	tx pgxv5.Tx
}

func (t *pgTx) savepoint(ctx context.Context, op string, fn func(tx pgxv5.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return classify(op, err)
	}
	return classify(op, sp.Commit(ctx))
}

const relationshipColumns = `id, source_id, target_id, type, directed, strength, evidence, created_at, updated_at`

func scanRelationship(row rowScanner) (common.Relationship, error) {
	var (
		r   common.Relationship
		typ string
	)
	err := row.Scan(&r.ID, &r.SourceID, &r.TargetID, &typ, &r.Directed, &r.Strength, &r.Evidence, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return common.Relationship{}, err
	}
	r.Type = common.RelationType(typ)
	return r, nil
}

func queryRelationships(ctx context.Context, conn pgxIConn, op, sql string, args ...any) ([]common.Relationship, error) {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []common.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *GraphDBStorage) ListRelationships(ctx context.Context, entityID string) ([]common.Relationship, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return queryRelationships(ctx, s.conn, "list relationships",
		`SELECT `+relationshipColumns+` FROM relationships
		WHERE source_id = $1 OR target_id = $1
		ORDER BY source_id, target_id, type`, entityID)
}

func (t *pgTx) FindRelationship(
	ctx context.Context,
	sourceID, targetID string,
	typ common.RelationType,
) (*common.Relationship, error) {
	r, err := scanRelationship(t.tx.QueryRow(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		WHERE source_id = $1 AND target_id = $2 AND type = $3
		FOR UPDATE`,
		sourceID, targetID, string(typ),
	))
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("find relationship", err)
	}
	return &r, nil
}

func (t *pgTx) FindRelationshipsBetween(ctx context.Context, a, b string) ([]common.Relationship, error) {
	return queryRelationships(ctx, t.tx, "find relationships",
		`SELECT `+relationshipColumns+` FROM relationships
		WHERE (source_id = $1 AND target_id = $2) OR (source_id = $2 AND target_id = $1)
		ORDER BY source_id, target_id, type
		FOR UPDATE`, a, b)
}

func (t *pgTx) RelationshipsOf(ctx context.Context, entityID string) ([]common.Relationship, error) {
	return queryRelationships(ctx, t.tx, "relationships of",
		`SELECT `+relationshipColumns+` FROM relationships
		WHERE source_id = $1 OR target_id = $1
		ORDER BY source_id, target_id, type
		FOR UPDATE`, entityID)
}

func (t *pgTx) InsertRelationship(ctx context.Context, r common.Relationship) error {
	return t.savepoint(ctx, "insert relationship", func(tx pgxv5.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO relationships (id, source_id, target_id, type, directed, strength, evidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.SourceID, r.TargetID, string(r.Type), r.Directed, r.Strength, nonNil(r.Evidence),
		)
		return err
	})
}

func (t *pgTx) UpdateRelationship(ctx context.Context, r common.Relationship) error {
	var tag int64
	err := t.savepoint(ctx, "update relationship", func(tx pgxv5.Tx) error {
		ct, err := tx.Exec(ctx,
			`UPDATE relationships
			SET source_id = $2, target_id = $3, type = $4, directed = $5, strength = $6,
			    evidence = $7, updated_at = now()
			WHERE id = $1`,
			r.ID, r.SourceID, r.TargetID, string(r.Type), r.Directed, r.Strength, nonNil(r.Evidence),
		)
		tag = ct.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if tag == 0 {
		return fmt.Errorf("relationship %s: %w", r.ID, common.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteRelationship(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM relationships WHERE id = $1`, id)
	if err != nil {
		return classify("delete relationship", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("relationship %s: %w", id, common.ErrNotFound)
	}
	return nil
}
