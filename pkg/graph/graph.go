// Package graph turns resolved documents into graph writes. It owns the
// per-document pipeline, the transactional writer and the manual merge
// used for quality control.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/barokg/backend/internal/util"
	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/resolve"

	"golang.org/x/sync/errgroup"
)

// ProcessReport summarizes one ProcessDocuments call. Failed documents were
// not written at all; Skipped documents were never started because the
// context was cancelled first.
type ProcessReport struct {
	Processed []string
	Failed    map[string]error
	Skipped   []string
	Dropped   []common.MalformedMentionError
	Report    common.WriteReport
}

// ProcessDocuments resolves, infers and writes every record. A document
// whose store calls keep failing after the bounded retries is reported in
// Failed and the others continue. Fatal errors and cancellation stop the
// call; documents committed before that stay committed.
func (g *GraphClient) ProcessDocuments(
	ctx context.Context,
	records []common.DocumentRecord,
	cache *resolve.Cache,
) (ProcessReport, error) {
	if cache == nil {
		cache = resolve.NewCache()
	}

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.parallelDocuments)
	commitMu := sync.Mutex{}
	reportMu := sync.Mutex{}

	report := ProcessReport{Failed: make(map[string]error)}
	started := make(map[string]bool, len(records))

	logger.Info("[Graph] Processing", "total_documents", len(records))

	for _, record := range records {
		rec := record
		eg.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}

			reportMu.Lock()
			started[rec.Document.ID] = true
			reportMu.Unlock()

			batch, dropped, err := g.prepare(gCtx, rec, cache)
			if err == nil {
				commitMu.Lock()
				// cancellation is honored between documents, never inside one
				if gCtx.Err() != nil {
					commitMu.Unlock()
					reportMu.Lock()
					started[rec.Document.ID] = false
					reportMu.Unlock()
					return nil
				}
				var wr common.WriteReport
				wr, err = g.commit(gCtx, batch)
				commitMu.Unlock()

				if err == nil {
					reportMu.Lock()
					report.Processed = append(report.Processed, rec.Document.ID)
					report.Dropped = append(report.Dropped, dropped...)
					report.Report.Add(wr)
					reportMu.Unlock()
					return nil
				}
			}

			switch {
			case common.IsFatal(err):
				return err
			case gCtx.Err() != nil && errors.Is(err, context.Canceled):
				reportMu.Lock()
				started[rec.Document.ID] = false
				reportMu.Unlock()
				return nil
			}

			logger.Error("[Graph] Document failed", "document", rec.Document.ID, "err", err)
			reportMu.Lock()
			report.Failed[rec.Document.ID] = err
			reportMu.Unlock()
			return nil
		})
	}

	err := eg.Wait()
	for _, rec := range records {
		if !started[rec.Document.ID] {
			report.Skipped = append(report.Skipped, rec.Document.ID)
		}
	}
	if err != nil {
		return report, fmt.Errorf("failed to process documents:\n%w", err)
	}
	if ctx.Err() != nil {
		logger.Warn("[Graph] Processing cancelled", "processed", len(report.Processed), "skipped", len(report.Skipped))
		return report, ctx.Err()
	}

	logger.Info("[Graph] Documents processed",
		"processed", len(report.Processed),
		"failed", len(report.Failed),
		"entities_created", report.Report.EntitiesCreated,
		"relationships_created", report.Report.RelationshipsCreated,
	)
	return report, nil
}

// prepare resolves and infers one document. Transient store failures are
// retried with backoff; resolution has no side effects so every attempt
// starts clean.
func (g *GraphClient) prepare(
	ctx context.Context,
	rec common.DocumentRecord,
	cache *resolve.Cache,
) (Batch, []common.MalformedMentionError, error) {
	doc := rec.Document
	doc.EnsureHash()

	res, err := util.RetryWithBackoff(ctx, g.maxRetries, g.backoff, common.IsRetryable,
		func(ctx context.Context) (resolve.Result, error) {
			return g.resolver.Resolve(ctx, doc, rec.Mentions, cache)
		},
	)
	if err != nil {
		return Batch{}, nil, fmt.Errorf("failed to resolve document %s: %w", doc.ID, err)
	}

	return Batch{
		Document:      doc,
		Resolved:      res.Resolved,
		Relationships: g.inferencer.Infer(doc, res.Resolved),
	}, res.Dropped, nil
}

// commit writes one batch. Once started, a write is not interrupted by
// cancellation of ctx; only the waits between retries are.
func (g *GraphClient) commit(ctx context.Context, batch Batch) (common.WriteReport, error) {
	writeCtx := context.WithoutCancel(ctx)
	return util.RetryWithBackoff(ctx, g.maxRetries, g.backoff, common.IsRetryable,
		func(context.Context) (common.WriteReport, error) {
			return g.writer.Upsert(writeCtx, batch)
		},
	)
}
