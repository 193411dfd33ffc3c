// Package scheduler runs graph updates single-flight: at most one run is
// active at a time, in this process and across processes sharing the lock.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/graph"
	"github.com/barokg/backend/pkg/leaselock"
	"github.com/barokg/backend/pkg/logger"
	"github.com/barokg/backend/pkg/store"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// Mode selects which documents a run looks at.
type Mode string

const (
	// ModeIncremental processes documents whose content hash changed.
	ModeIncremental Mode = "incremental"
	// ModeFull processes every document.
	ModeFull Mode = "full"
)

// ParseMode maps "", "incremental" and "full" onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeFull:
		return ModeFull, nil
	}
	return "", errors.New("unknown update mode " + s)
}

// DocumentSource lists the documents the crawler currently knows about.
type DocumentSource interface {
	ListDocuments(ctx context.Context) ([]common.Document, error)
}

// MentionSource returns the recognized mentions of a document. It returns a
// *common.ModelUnavailableError when the recognizer cannot serve the
// document right now.
type MentionSource interface {
	Mentions(ctx context.Context, doc common.Document) ([]common.Mention, error)
}

// Notifier is told about runs that changed the graph.
type Notifier interface {
	GraphUpdated(ctx context.Context, update GraphUpdate) error
}

// Observer receives every finished run, successful or not.
type Observer interface {
	RunFinished(report RunReport)
}

// GraphUpdate is the payload of the graph.updated notification.
type GraphUpdate struct {
	RunID      string             `json:"run_id"`
	Mode       Mode               `json:"mode"`
	Documents  []string           `json:"documents"`
	Report     common.WriteReport `json:"report"`
	FinishedAt time.Time          `json:"finished_at"`
}

type Config struct {
	UpdateInterval     time.Duration
	RunOnStart         bool
	LockKey            string
	LockTTL            time.Duration
	LockWait           time.Duration
	MaxDocumentsPerRun int
}

// Totals counts runs since the run history began.
type Totals struct {
	Runs      int64 `json:"runs"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

type Status struct {
	State         State      `json:"state"`
	RunID         string     `json:"run_id,omitempty"`
	Mode          Mode       `json:"mode,omitempty"`
	LastRunAt     time.Time  `json:"last_run_at"`
	LastSuccessAt time.Time  `json:"last_success_at"`
	LastError     string     `json:"last_error,omitempty"`
	LastReport    *RunReport `json:"last_report,omitempty"`
	NextRunAt     time.Time  `json:"next_run_at"`
	Totals        Totals     `json:"totals"`
}

// TriggerResult tells whether Trigger started a run or found one running.
type TriggerResult struct {
	Started        bool   `json:"started"`
	AlreadyRunning bool   `json:"already_running"`
	RunID          string `json:"run_id"`
}

type Scheduler struct {
	cfg      Config
	client   *graph.GraphClient
	store    store.GraphStorage
	docs     DocumentSource
	mentions MentionSource
	locker   leaselock.Locker
	notifier Notifier
	observer Observer
	newRunID func() string
	now      func() time.Time

	mu      sync.Mutex
	status  Status
	claimed Status
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type Option func(*Scheduler)

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// WithLocker replaces the in-process locker, typically with a
// leaselock.Client so several processes share one lock.
func WithLocker(l leaselock.Locker) Option {
	return func(s *Scheduler) {
		s.locker = l
	}
}

func WithRunIDs(fn func() string) Option {
	return func(s *Scheduler) {
		s.newRunID = fn
	}
}

func New(
	cfg Config,
	client *graph.GraphClient,
	storeClient store.GraphStorage,
	docs DocumentSource,
	mentions MentionSource,
	opts ...Option,
) *Scheduler {
	if cfg.LockKey == "" {
		cfg.LockKey = "graph-update"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 24 * time.Hour
	}

	s := &Scheduler{
		cfg:      cfg,
		client:   client,
		store:    storeClient,
		docs:     docs,
		mentions: mentions,
		locker:   leaselock.NewLocal(),
		newRunID: uuid.NewString,
		now:      time.Now,
		status:   Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads the persisted run history so timestamps and totals survive
// restarts. A run that was still marked running belonged to a process that
// died; it is reported as the last error.
func (s *Scheduler) Restore(ctx context.Context) error {
	rs, err := s.store.LoadRunState(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Totals = Totals{Runs: rs.Total, Succeeded: rs.Succeeded, Failed: rs.Failed}
	if rs.LastSuccess != nil {
		s.status.LastSuccessAt = rs.LastSuccess.FinishedAt
	}
	if rs.LastRun != nil {
		s.status.LastRunAt = rs.LastRun.StartedAt
		switch rs.LastRun.Status {
		case store.RunStatusFailed:
			s.status.LastError = rs.LastRun.Error
		case store.RunStatusRunning:
			s.status.LastError = "run " + rs.LastRun.ID + " was interrupted"
		}
	}
	return nil
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.LastReport != nil {
		r := *st.LastReport
		st.LastReport = &r
	}
	return st
}

// Trigger starts a run in the background. If a run is active, here or in
// another process holding the update lock, it reports AlreadyRunning and
// starts nothing. The run outlives ctx; use Cancel to stop it.
func (s *Scheduler) Trigger(ctx context.Context, mode Mode) (TriggerResult, error) {
	runID, runCtx, ok := s.begin(context.WithoutCancel(ctx), mode)
	if !ok {
		return TriggerResult{AlreadyRunning: true, RunID: runID}, nil
	}
	lease, busy := s.tryLease(runCtx, runID)
	if busy {
		s.abandon()
		return TriggerResult{AlreadyRunning: true}, nil
	}

	go func() {
		_, _ = s.execute(runCtx, runID, mode, lease)
	}()
	return TriggerResult{Started: true, RunID: runID}, nil
}

// Run executes a run and blocks until it finishes. If another run is active
// it returns a report with AlreadyRunning set.
func (s *Scheduler) Run(ctx context.Context, mode Mode) (RunReport, error) {
	runID, runCtx, ok := s.begin(ctx, mode)
	if !ok {
		return RunReport{RunID: runID, Mode: mode, AlreadyRunning: true}, nil
	}
	lease, busy := s.tryLease(runCtx, runID)
	if busy {
		s.abandon()
		return RunReport{Mode: mode, AlreadyRunning: true}, nil
	}
	return s.execute(runCtx, runID, mode, lease)
}

// Cancel asks the active run to stop after the document it is writing.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Wait blocks until the active run, if any, has finished.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Start triggers an incremental run every UpdateInterval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.status.NextRunAt = s.now().Add(s.cfg.UpdateInterval)
	s.mu.Unlock()

	logger.Info("[Scheduler] Started", "interval", s.cfg.UpdateInterval.String())

	if s.cfg.RunOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			s.Wait()
			logger.Info("[Scheduler] Stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.status.NextRunAt = s.now().Add(s.cfg.UpdateInterval)
	s.mu.Unlock()

	res, err := s.Trigger(ctx, ModeIncremental)
	if err != nil {
		logger.Error("[Scheduler] Failed to trigger update", "err", err)
		return
	}
	if res.AlreadyRunning {
		logger.Info("[Scheduler] Update already running", "run_id", res.RunID)
	}
}

// begin claims the in-process slot. It returns the active run id and false
// when a run is already going.
func (s *Scheduler) begin(ctx context.Context, mode Mode) (string, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State == StateRunning {
		return s.status.RunID, nil, false
	}

	runID := s.newRunID()
	runCtx, cancel := context.WithCancel(ctx)
	s.claimed = s.status
	s.status.State = StateRunning
	s.status.RunID = runID
	s.status.Mode = mode
	s.status.LastRunAt = s.now().UTC()
	s.cancel = cancel
	s.done = make(chan struct{})
	return runID, runCtx, true
}

// abandon frees the slot claimed by begin without counting a run.
func (s *Scheduler) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.status.State = s.claimed.State
	s.status.RunID = s.claimed.RunID
	s.status.Mode = s.claimed.Mode
	s.status.LastRunAt = s.claimed.LastRunAt

	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// finish records the outcome and frees the in-process slot.
func (s *Scheduler) finish(report RunReport, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil

	s.status.Totals.Runs++
	if runErr != nil {
		s.status.State = StateFailed
		s.status.LastError = runErr.Error()
		s.status.Totals.Failed++
	} else {
		s.status.State = StateIdle
		s.status.LastError = ""
		s.status.LastSuccessAt = report.FinishedAt
		s.status.Totals.Succeeded++
	}
	s.status.LastReport = &report

	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}
