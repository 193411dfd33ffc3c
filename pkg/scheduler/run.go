package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/leaselock"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/resolve"
	"github.com/barokg/backend/pkg/store"
)

// RunReport describes one finished run. Counts are partial when the run
// failed: documents committed before the failure are included.
type RunReport struct {
	RunID          string    `json:"run_id"`
	Mode           Mode      `json:"mode"`
	AlreadyRunning bool      `json:"already_running,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Duration       string    `json:"duration"`

	DocumentsSeen      int `json:"documents_seen"`
	DocumentsChanged   int `json:"documents_changed"`
	DocumentsPostponed int `json:"documents_postponed"`

	Processed []string          `json:"processed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Deferred  []string          `json:"deferred,omitempty"`
	Skipped   []string          `json:"skipped,omitempty"`
	Dropped   int               `json:"dropped_mentions"`

	Report common.WriteReport `json:"report"`
	Error  string             `json:"error,omitempty"`
}

// leaseOptions builds the update lock options; wait polls a busy lock for
// up to LockWait.
func (s *Scheduler) leaseOptions(runID string, wait bool) leaselock.Options {
	return leaselock.Options{
		TTL:         s.cfg.LockTTL,
		Wait:        wait && s.cfg.LockWait > 0,
		WaitTimeout: s.cfg.LockWait,
		TokenPrefix: runID + ":",
	}
}

// tryLease takes the update lock without waiting. busy reports a lock held
// by another process while no LockWait is configured; every other failure
// is left to execute, which waits and fails the run.
func (s *Scheduler) tryLease(ctx context.Context, runID string) (*leaselock.Lease, bool) {
	lease, err := s.locker.Acquire(ctx, s.cfg.LockKey, s.leaseOptions(runID, false))
	switch {
	case err == nil:
		return lease, false
	case errors.Is(err, leaselock.ErrBusy) && s.cfg.LockWait <= 0:
		logger.Info("[Scheduler] Update lock held elsewhere", "key", s.cfg.LockKey)
		return nil, true
	}
	return nil, false
}

// execute runs one update. lease is the update lock when the caller already
// holds it; otherwise execute acquires it, waiting up to LockWait.
func (s *Scheduler) execute(ctx context.Context, runID string, mode Mode, lease *leaselock.Lease) (report RunReport, err error) {
	report = RunReport{
		RunID:     runID,
		Mode:      mode,
		StartedAt: s.now().UTC(),
		Failed:    make(map[string]string),
	}

	defer func() {
		report.FinishedAt = s.now().UTC()
		report.Duration = report.FinishedAt.Sub(report.StartedAt).String()
		if err != nil {
			report.Error = err.Error()
		}
		s.persist(report, err)
		if s.observer != nil {
			s.observer.RunFinished(report)
		}
		s.notify(report)
		s.finish(report, err)

		if err != nil {
			logger.Error("[Scheduler] Run failed", "run_id", runID, "err", err)
		} else {
			logger.Info("[Scheduler] Run finished", "run_id", runID, "processed", len(report.Processed), "duration", report.Duration)
		}
	}()

	logger.Info("[Scheduler] Run started", "run_id", runID, "mode", mode)

	if lease == nil {
		lease, err = s.locker.Acquire(ctx, s.cfg.LockKey, s.leaseOptions(runID, true))
		if err != nil {
			return report, fmt.Errorf("failed to acquire update lock: %w", err)
		}
	}
	defer func() {
		if rerr := lease.Release(context.Background()); rerr != nil {
			logger.Warn("[Scheduler] Failed to release update lock", "err", rerr)
		}
	}()
	ctx = lease.Context

	s.persist(report, nil)

	if _, err := s.client.Writer().CheckIndex(ctx); err != nil {
		return report, err
	}

	docs, err := s.changedDocuments(ctx, mode, &report)
	if err != nil {
		return report, err
	}

	records := make([]common.DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		mentions, merr := s.mentions.Mentions(ctx, doc)
		switch {
		case merr == nil:
			records = append(records, common.DocumentRecord{Document: doc, Mentions: mentions})
		case errors.Is(merr, common.ErrModelUnavailable):
			logger.Warn("[Scheduler] Document deferred", "document", doc.ID, "err", merr)
			report.Deferred = append(report.Deferred, doc.ID)
		case errors.Is(merr, context.Canceled):
		default:
			logger.Error("[Scheduler] Failed to load mentions", "document", doc.ID, "err", merr)
			report.Failed[doc.ID] = merr.Error()
		}
	}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("run cancelled: %w", cause(ctx))
	}

	pr, perr := s.client.ProcessDocuments(ctx, records, resolve.NewCache())
	report.Processed = pr.Processed
	report.Skipped = pr.Skipped
	report.Dropped = len(pr.Dropped)
	report.Report = pr.Report
	for id, ferr := range pr.Failed {
		report.Failed[id] = ferr.Error()
	}
	slices.Sort(report.Processed)

	switch {
	case perr != nil && ctx.Err() != nil:
		return report, fmt.Errorf("run cancelled: %w", cause(ctx))
	case perr != nil:
		return report, perr
	case len(report.Failed) > 0:
		return report, fmt.Errorf("%d of %d documents failed", len(report.Failed), report.DocumentsChanged)
	}
	return report, nil
}

// changedDocuments lists the documents the run has to process, ordered by
// id and capped at MaxDocumentsPerRun.
func (s *Scheduler) changedDocuments(ctx context.Context, mode Mode, report *RunReport) ([]common.Document, error) {
	docs, err := s.docs.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	report.DocumentsSeen = len(docs)

	var hashes map[string]string
	if mode != ModeFull {
		hashes, err = s.store.DocumentHashes(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load document hashes: %w", err)
		}
	}

	changed := make([]common.Document, 0, len(docs))
	for _, doc := range docs {
		doc.EnsureHash()
		if mode != ModeFull && hashes[doc.ID] == doc.ContentHash {
			continue
		}
		changed = append(changed, doc)
	}
	slices.SortFunc(changed, func(a, b common.Document) int {
		return cmp.Compare(a.ID, b.ID)
	})

	if limit := s.cfg.MaxDocumentsPerRun; limit > 0 && len(changed) > limit {
		report.DocumentsPostponed = len(changed) - limit
		changed = changed[:limit]
	}
	report.DocumentsChanged = len(changed)

	logger.Info("[Scheduler] Documents to process",
		"seen", report.DocumentsSeen,
		"changed", report.DocumentsChanged,
		"postponed", report.DocumentsPostponed,
	)
	return changed, nil
}

func (s *Scheduler) persist(report RunReport, runErr error) {
	rec := store.RunRecord{
		ID:                 report.RunID,
		Mode:               string(report.Mode),
		Status:             store.RunStatusRunning,
		StartedAt:          report.StartedAt,
		FinishedAt:         report.FinishedAt,
		DocumentsSeen:      report.DocumentsSeen,
		DocumentsProcessed: len(report.Processed),
		DocumentsFailed:    len(report.Failed),
		DocumentsDeferred:  len(report.Deferred),
		Report:             report.Report,
	}
	if !report.FinishedAt.IsZero() {
		rec.Status = store.RunStatusSucceeded
		if runErr != nil {
			rec.Status = store.RunStatusFailed
			rec.Error = runErr.Error()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SaveRunState(ctx, rec); err != nil {
		logger.Error("[Scheduler] Failed to persist run state", "run_id", report.RunID, "err", err)
	}
}

func (s *Scheduler) notify(report RunReport) {
	if s.notifier == nil || len(report.Processed) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.notifier.GraphUpdated(ctx, GraphUpdate{
		RunID:      report.RunID,
		Mode:       report.Mode,
		Documents:  report.Processed,
		Report:     report.Report,
		FinishedAt: report.FinishedAt,
	})
	if err != nil {
		logger.Warn("[Scheduler] Failed to publish graph update", "run_id", report.RunID, "err", err)
	}
}

// cause prefers the lease's cancellation cause, so a lost lock is reported
// as such instead of as a plain cancellation.
func cause(ctx context.Context) error {
	if c := context.Cause(ctx); c != nil {
		return c
	}
	return ctx.Err()
}
