package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

var _ store.GraphStorage = (*GraphDBStorage)(nil)

// GraphDBStorage implements the GraphStorage interface on PostgreSQL. The
// (type, normalized_key) unique index is the authority on entity identity;
// every write runs in a READ COMMITTED transaction.
type GraphDBStorage struct {
	conn    pgxIConn
	timeout time.Duration
}

type GraphDBStorageOption func(*GraphDBStorage)

// WithStoreTimeout bounds every store call and transaction. Zero disables it.
func WithStoreTimeout(d time.Duration) GraphDBStorageOption {
	return func(s *GraphDBStorage) {
		s.timeout = d
	}
}

// NewGraphDBStorageWithConnection creates a new GraphDBStorage using an
// existing pool or connection.
func NewGraphDBStorageWithConnection(
	ctx context.Context,
	conn pgxIConn,
	opts ...GraphDBStorageOption,
) (*GraphDBStorage, error) {
	if conn == nil {
		return nil, errors.New("pgx store: connection is nil")
	}
	s := &GraphDBStorage{conn: conn}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

func (s *GraphDBStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
func (s *GraphDBStorage) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback(context.Background())

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// classify maps driver errors onto the store error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w: %w", op, common.ErrConstraintConflict, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300", pgErr.Code == "57P01":
			return common.Transient(op, err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return common.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return common.Transient(op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return common.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
