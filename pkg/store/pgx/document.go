package pgx

import (
	"context"
	"errors"
	"time"

	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

func (s *GraphDBStorage) DocumentHashes(ctx context.Context) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.conn.Query(ctx, `SELECT id, content_hash FROM documents`)
	if err != nil {
		return nil, classify("document hashes", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, classify("document hashes", err)
		}
		out[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, classify("document hashes", err)
	}
	return out, nil
}

func (t *pgTx) RecordDocument(ctx context.Context, doc common.Document) error {
	processedAt := doc.LastProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO documents (id, url, title, content_hash, last_processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET url = EXCLUDED.url, title = EXCLUDED.title,
		    content_hash = EXCLUDED.content_hash, last_processed_at = EXCLUDED.last_processed_at`,
		doc.ID, doc.URL, util.SanitizePostgresText(doc.Title), doc.ContentHash, processedAt,
	)
	return classify("record document", err)
}

func (t *pgTx) RecordMerge(ctx context.Context, m store.MergeRecord) error {
	mergedAt := m.MergedAt
	if mergedAt.IsZero() {
		mergedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO entity_merges (survivor_id, removed_id, removed_key, removed_type, report, merged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.SurvivorID, m.RemovedID, m.RemovedKey, string(m.RemovedType), m.Report, mergedAt,
	)
	return classify("record merge", err)
}

func (s *GraphDBStorage) Stats(ctx context.Context) (common.GraphStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats := common.GraphStats{Entities: make(map[common.EntityType]int64)}

	rows, err := s.conn.Query(ctx, `SELECT type, count(*) FROM entities GROUP BY type`)
	if err != nil {
		return stats, classify("stats", err)
	}
	for rows.Next() {
		var (
			typ   string
			count int64
		)
		if err := rows.Scan(&typ, &count); err != nil {
			rows.Close()
			return stats, classify("stats", err)
		}
		stats.Entities[common.EntityType(typ)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, classify("stats", err)
	}

	err = s.conn.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM relationships), (SELECT count(*) FROM documents)`,
	).Scan(&stats.Relationships, &stats.Documents)
	return stats, classify("stats", err)
}

func (s *GraphDBStorage) SaveRunState(ctx context.Context, run store.RunRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var finishedAt *time.Time
	if !run.FinishedAt.IsZero() {
		finishedAt = &run.FinishedAt
	}
	_, err := s.conn.Exec(ctx,
		`INSERT INTO ingest_runs (id, mode, status, started_at, finished_at, error,
			documents_seen, documents_processed, documents_failed, documents_deferred, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, finished_at = EXCLUDED.finished_at, error = EXCLUDED.error,
		    documents_seen = EXCLUDED.documents_seen,
		    documents_processed = EXCLUDED.documents_processed,
		    documents_failed = EXCLUDED.documents_failed,
		    documents_deferred = EXCLUDED.documents_deferred,
		    report = EXCLUDED.report`,
		run.ID, run.Mode, string(run.Status), run.StartedAt, finishedAt, run.Error,
		run.DocumentsSeen, run.DocumentsProcessed, run.DocumentsFailed, run.DocumentsDeferred, run.Report,
	)
	return classify("save run state", err)
}

const runColumns = `id, mode, status, started_at, finished_at, error,
	documents_seen, documents_processed, documents_failed, documents_deferred, report`

func scanRun(row rowScanner) (*store.RunRecord, error) {
	var (
		r          store.RunRecord
		status     string
		finishedAt *time.Time
	)
	err := row.Scan(&r.ID, &r.Mode, &status, &r.StartedAt, &finishedAt, &r.Error,
		&r.DocumentsSeen, &r.DocumentsProcessed, &r.DocumentsFailed, &r.DocumentsDeferred, &r.Report)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Status = store.RunStatus(status)
	if finishedAt != nil {
		r.FinishedAt = *finishedAt
	}
	return &r, nil
}

func (s *GraphDBStorage) LoadRunState(ctx context.Context) (store.RunState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		rs  store.RunState
		err error
	)

	rs.LastRun, err = scanRun(s.conn.QueryRow(ctx,
		`SELECT `+runColumns+` FROM ingest_runs ORDER BY started_at DESC LIMIT 1`))
	if err != nil {
		return rs, classify("load run state", err)
	}
	rs.LastSuccess, err = scanRun(s.conn.QueryRow(ctx,
		`SELECT `+runColumns+` FROM ingest_runs WHERE status = $1 ORDER BY started_at DESC LIMIT 1`,
		string(store.RunStatusSucceeded)))
	if err != nil {
		return rs, classify("load run state", err)
	}

	err = s.conn.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE status = $1),
			count(*) FILTER (WHERE status = $2)
		FROM ingest_runs`,
		string(store.RunStatusSucceeded), string(store.RunStatusFailed),
	).Scan(&rs.Total, &rs.Succeeded, &rs.Failed)
	return rs, classify("load run state", err)
}
