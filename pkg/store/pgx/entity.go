package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/normalize"
	"github.com/barokg/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const entityColumns = `id, type, normalized_key, display_name, aliases, mention_count, created_at, updated_at`

const lookupAliasSQL = `SELECT ` + entityColumns + ` FROM entities
WHERE id = (SELECT entity_id FROM entity_key_aliases WHERE type = $1 AND normalized_key = $2)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (common.Entity, error) {
	var (
		e   common.Entity
		typ string
	)
	err := row.Scan(&e.ID, &typ, &e.Key, &e.DisplayName, &e.Aliases, &e.MentionCount, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return common.Entity{}, err
	}
	e.Type = common.EntityType(typ)
	return e, nil
}

func collectEntities(rows pgxv5.Rows) ([]common.Entity, error) {
	defer rows.Close()

	var out []common.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryEntity(ctx context.Context, conn pgxIConn, op, sql string, args ...any) (*common.Entity, error) {
	e, err := scanEntity(conn.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(op, err)
	}
	return &e, nil
}

func (s *GraphDBStorage) LookupEntity(ctx context.Context, typ common.EntityType, key string) (*common.Entity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	e, err := queryEntity(ctx, s.conn, "lookup entity",
		`SELECT `+entityColumns+` FROM entities WHERE type = $1 AND normalized_key = $2`,
		string(typ), key,
	)
	if err != nil || e != nil {
		return e, err
	}
	return queryEntity(ctx, s.conn, "lookup entity", lookupAliasSQL, string(typ), key)
}

func (s *GraphDBStorage) FindCandidates(
	ctx context.Context,
	typ common.EntityType,
	blockKeys []string,
	limit int,
) ([]common.Entity, error) {
	if len(blockKeys) == 0 || limit <= 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		WHERE type = $1 AND block_keys && $2::text[]
		ORDER BY normalized_key
		LIMIT $3`,
		string(typ), blockKeys, limit,
	)
	if err != nil {
		return nil, classify("find candidates", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, classify("find candidates", err)
	}
	return out, nil
}

func (s *GraphDBStorage) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	e, err := queryEntity(ctx, s.conn, "get entity",
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	if err != nil {
		return common.Entity{}, err
	}
	if e == nil {
		return common.Entity{}, fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	return *e, nil
}

func (s *GraphDBStorage) ListEntities(ctx context.Context, opts store.ListOptions) ([]common.Entity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.conn.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		WHERE ($1 = '' OR type = $1)
		ORDER BY type, normalized_key
		LIMIT $2 OFFSET $3`,
		string(opts.Type), limit, max(opts.Offset, 0),
	)
	if err != nil {
		return nil, classify("list entities", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, classify("list entities", err)
	}
	return out, nil
}

func (s *GraphDBStorage) EntityDocuments(ctx context.Context, entityID string) ([]store.EntityDocument, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.Query(ctx,
		`SELECT entity_id, document_id, mentions FROM entity_documents
		WHERE entity_id = $1 ORDER BY document_id`, entityID)
	if err != nil {
		return nil, classify("entity documents", err)
	}
	defer rows.Close()

	var out []store.EntityDocument
	for rows.Next() {
		var d store.EntityDocument
		if err := rows.Scan(&d.EntityID, &d.DocumentID, &d.Mentions); err != nil {
			return nil, classify("entity documents", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("entity documents", err)
	}
	return out, nil
}

func (s *GraphDBStorage) DuplicateKeys(ctx context.Context) ([]store.DuplicateKey, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.Query(ctx,
		`SELECT type, normalized_key, array_agg(id ORDER BY id), count(*)
		FROM entities
		GROUP BY type, normalized_key
		HAVING count(*) > 1
		ORDER BY type, normalized_key`)
	if err != nil {
		return nil, classify("duplicate keys", err)
	}
	defer rows.Close()

	var out []store.DuplicateKey
	for rows.Next() {
		var (
			d   store.DuplicateKey
			typ string
		)
		if err := rows.Scan(&typ, &d.Key, &d.IDs, &d.Count); err != nil {
			return nil, classify("duplicate keys", err)
		}
		d.Type = common.EntityType(typ)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("duplicate keys", err)
	}
	return out, nil
}

func (t *pgTx) LookupEntityForUpdate(ctx context.Context, typ common.EntityType, key string) (*common.Entity, error) {
	e, err := queryEntity(ctx, t.tx, "lookup entity",
		`SELECT `+entityColumns+` FROM entities WHERE type = $1 AND normalized_key = $2 FOR UPDATE`,
		string(typ), key,
	)
	if err != nil || e != nil {
		return e, err
	}
	return queryEntity(ctx, t.tx, "lookup entity", lookupAliasSQL+` FOR UPDATE`, string(typ), key)
}

func (t *pgTx) GetEntityForUpdate(ctx context.Context, id string) (*common.Entity, error) {
	return queryEntity(ctx, t.tx, "get entity",
		`SELECT `+entityColumns+` FROM entities WHERE id = $1 FOR UPDATE`, id)
}

// InsertEntity runs inside a savepoint so a unique violation leaves the
// surrounding transaction usable for the follow-up update.
func (t *pgTx) InsertEntity(ctx context.Context, e common.Entity) error {
	return t.savepoint(ctx, "insert entity", func(tx pgxv5.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO entities (id, type, normalized_key, display_name, aliases, block_keys, mention_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, string(e.Type), e.Key, util.SanitizePostgresText(e.DisplayName), sanitized(e.Aliases), nonNil(normalize.BlockKeys(e.Key)), e.MentionCount,
		)
		return err
	})
}

func (t *pgTx) UpdateEntity(ctx context.Context, e common.Entity) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE entities
		SET type = $2, normalized_key = $3, display_name = $4, aliases = $5, block_keys = $6,
		    mention_count = $7, updated_at = now()
		WHERE id = $1`,
		e.ID, string(e.Type), e.Key, util.SanitizePostgresText(e.DisplayName), sanitized(e.Aliases), nonNil(normalize.BlockKeys(e.Key)), e.MentionCount,
	)
	if err != nil {
		return classify("update entity", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s: %w", e.ID, common.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteEntity(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM entities WHERE id = $1`, id)
	if err != nil {
		return classify("delete entity", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (t *pgTx) EntityDocumentMentions(ctx context.Context, entityID, documentID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT mentions FROM entity_documents
		WHERE entity_id = $1 AND document_id = $2 FOR UPDATE`,
		entityID, documentID,
	).Scan(&n)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("entity document mentions", err)
	}
	return n, nil
}

func (t *pgTx) SetEntityDocument(ctx context.Context, entityID, documentID string, mentions int) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO entity_documents (entity_id, document_id, mentions)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, document_id) DO UPDATE SET mentions = EXCLUDED.mentions`,
		entityID, documentID, mentions,
	)
	return classify("set entity document", err)
}

func (t *pgTx) MoveEntityDocuments(ctx context.Context, fromID, toID string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO entity_documents (entity_id, document_id, mentions)
		SELECT $2, document_id, mentions FROM entity_documents WHERE entity_id = $1
		ON CONFLICT (entity_id, document_id)
		DO UPDATE SET mentions = entity_documents.mentions + EXCLUDED.mentions`,
		fromID, toID,
	)
	if err != nil {
		return classify("move entity documents", err)
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM entity_documents WHERE entity_id = $1`, fromID)
	return classify("move entity documents", err)
}

func (t *pgTx) AddKeyAlias(ctx context.Context, typ common.EntityType, key, entityID string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO entity_key_aliases (type, normalized_key, entity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (type, normalized_key) DO UPDATE SET entity_id = EXCLUDED.entity_id`,
		string(typ), key, entityID,
	)
	return classify("add key alias", err)
}

func (t *pgTx) MoveKeyAliases(ctx context.Context, fromID, toID string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE entity_key_aliases SET entity_id = $2 WHERE entity_id = $1`,
		fromID, toID,
	)
	return classify("move key aliases", err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// sanitized strips what Postgres refuses in text columns from scraped
// surface forms.
func sanitized(s []string) []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		out = append(out, util.SanitizePostgresText(v))
	}
	return out
}
