// Package pgstore implements docstore.Store on a single Postgres table of
// JSONB documents. Transactions lock the rows they read with FOR UPDATE,
// and subscriptions ride on LISTEN/NOTIFY with a notification per touched
// collection.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/docstore"
)

const (
	defaultChannel  = "docstore_changes"
	defaultMaxBatch = 500
	maxTxAttempts   = 3
)

// Store keeps documents in Postgres.
type Store struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	channel  string
	maxBatch int
	rules    []docstore.Rule
}

type Option func(*Store)

func WithMaxBatchSize(n int) Option {
	return func(s *Store) { s.maxBatch = n }
}

// WithChannel sets the NOTIFY channel; stores sharing a database must agree.
func WithChannel(name string) Option {
	return func(s *Store) { s.channel = name }
}

// WithRules checks every write of an acting user against rules.
func WithRules(rules ...docstore.Rule) Option {
	return func(s *Store) { s.rules = append(s.rules, rules...) }
}

func New(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		pool:     pool,
		logger:   logger.Named("pgstore"),
		channel:  defaultChannel,
		maxBatch: defaultMaxBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) MaxBatchSize() int { return s.maxBatch }

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return docstore.Snapshot{}, err
	}
	snap, err := getDoc(ctx, s.pool, ref, false)
	if err != nil {
		return docstore.Snapshot{}, classify(fmt.Sprintf("get %s", ref), err)
	}
	return snap, nil
}

func getDoc(ctx context.Context, q querier, ref docstore.Ref, forUpdate bool) (docstore.Snapshot, error) {
	query := `
		SELECT data, create_time, update_time
		FROM documents
		WHERE path = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		raw  []byte
		snap = docstore.Snapshot{Ref: ref}
	)
	err := q.QueryRow(ctx, query, ref.Path()).Scan(&raw, &snap.CreateTime, &snap.UpdateTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.Snapshot{Ref: ref}, nil
		}
		return docstore.Snapshot{}, err
	}
	if err := json.Unmarshal(raw, &snap.Data); err != nil {
		return docstore.Snapshot{}, fmt.Errorf("decode %s: %w", ref, err)
	}
	snap.Exists = true
	return snap, nil
}

// Query pushes equality filters into a JSONB containment predicate and
// evaluates the rest of q in Go with the shared docstore semantics.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	docs, err := queryDocs(ctx, s.pool, q)
	if err != nil {
		return nil, classify(fmt.Sprintf("query %s", q), err)
	}
	return docs, nil
}

func queryDocs(ctx context.Context, q querier, query docstore.Query) ([]docstore.Snapshot, error) {
	sql := `
		SELECT id, data, create_time, update_time
		FROM documents
		WHERE collection = $1`
	args := []any{query.Collection}

	if eq := query.EqualityFilters(); len(eq) > 0 {
		contains, err := json.Marshal(eq)
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		sql += ` AND data @> $2::jsonb`
		args = append(args, string(contains))
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	candidates := make([]docstore.Snapshot, 0)
	for rows.Next() {
		var (
			id   string
			raw  []byte
			snap docstore.Snapshot
		)
		if err := rows.Scan(&id, &raw, &snap.CreateTime, &snap.UpdateTime); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal(raw, &snap.Data); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", id, err)
		}
		snap.Ref = docstore.NewRef(query.Collection, id)
		snap.Exists = true
		candidates = append(candidates, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return query.Apply(candidates), nil
}

func (s *Store) Commit(ctx context.Context, writes []docstore.Write) error {
	if s.maxBatch > 0 && len(writes) > s.maxBatch {
		return fmt.Errorf("commit %d writes (max %d): %w", len(writes), s.maxBatch, docstore.ErrBatchTooLarge)
	}
	if len(writes) == 0 {
		return nil
	}
	return s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Queue(writes...)
		return nil
	})
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(pgtx pgx.Tx) error {
			tx := &pgTx{tx: pgtx}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			return s.apply(ctx, pgtx, tx.writes)
		})
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return classify("transaction", err)
		}
		lastErr = err
		s.logger.Debug("retrying transaction", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("transaction after %d attempts: %w: %v", maxTxAttempts, docstore.ErrConflict, lastErr)
}

// apply resolves and persists writes inside pgtx, then notifies listeners
// of every touched collection. NOTIFY is delivered only on commit.
func (s *Store) apply(ctx context.Context, pgtx pgx.Tx, writes []docstore.Write) error {
	if len(writes) == 0 {
		return nil
	}
	if s.maxBatch > 0 && len(writes) > s.maxBatch {
		return fmt.Errorf("transaction with %d writes (max %d): %w", len(writes), s.maxBatch, docstore.ErrBatchTooLarge)
	}

	var now time.Time
	if err := pgtx.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return fmt.Errorf("read server time: %w", err)
	}
	now = now.UTC()

	before := map[string]docstore.Snapshot{}
	staged := map[string]docstore.Snapshot{}
	order := make([]string, 0, len(writes))
	for _, w := range writes {
		if err := w.Ref.Validate(); err != nil {
			return err
		}
		path := w.Ref.Path()
		cur, ok := staged[path]
		if !ok {
			var err error
			cur, err = getDoc(ctx, pgtx, w.Ref, true)
			if err != nil {
				return fmt.Errorf("lock %s: %w", w.Ref, err)
			}
			before[path] = cur
			order = append(order, path)
		}
		next, exists, err := docstore.Apply(cur, w, now)
		if err != nil {
			return err
		}
		snap := docstore.Snapshot{Ref: w.Ref}
		if exists {
			snap = docstore.Snapshot{Ref: w.Ref, Exists: true, Data: next, CreateTime: now, UpdateTime: now}
			if cur.Exists {
				snap.CreateTime = cur.CreateTime
			}
		}
		staged[path] = snap
	}

	if len(s.rules) > 0 {
		reader := txReader{tx: pgtx, staged: staged}
		for _, w := range writes {
			for _, rule := range s.rules {
				if err := rule(ctx, reader, w, before[w.Ref.Path()]); err != nil {
					if !errors.Is(err, docstore.ErrPermissionDenied) {
						err = fmt.Errorf("%w: %v", docstore.ErrPermissionDenied, err)
					}
					return err
				}
			}
		}
	}

	collections := map[string]struct{}{}
	for _, path := range order {
		snap := staged[path]
		collections[snap.Ref.Collection] = struct{}{}
		if !snap.Exists {
			if _, err := pgtx.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
				return fmt.Errorf("delete %s: %w", path, err)
			}
			continue
		}
		raw, err := json.Marshal(snap.Data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		if before[path].Exists {
			_, err = pgtx.Exec(ctx, `
				UPDATE documents SET data = $2::jsonb, update_time = $3
				WHERE path = $1`, path, string(raw), snap.UpdateTime)
		} else {
			// A concurrent insert of the same path surfaces as a unique
			// violation and the whole transaction is retried.
			_, err = pgtx.Exec(ctx, `
				INSERT INTO documents (path, collection, id, data, create_time, update_time)
				VALUES ($1, $2, $3, $4::jsonb, $5, $5)`,
				path, snap.Ref.Collection, snap.Ref.ID, string(raw), snap.UpdateTime)
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	for collection := range collections {
		if _, err := pgtx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, collection); err != nil {
			return fmt.Errorf("notify %s: %w", collection, err)
		}
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	writes []docstore.Write
}

func (t *pgTx) Get(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return docstore.Snapshot{}, err
	}
	snap, err := getDoc(ctx, t.tx, ref, true)
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("get %s: %w", ref, err)
	}
	return snap, nil
}

func (t *pgTx) Queue(writes ...docstore.Write) {
	t.writes = append(t.writes, writes...)
}

type txReader struct {
	tx     pgx.Tx
	staged map[string]docstore.Snapshot
}

func (r txReader) Lookup(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	if snap, ok := r.staged[ref.Path()]; ok {
		return snap, nil
	}
	return getDoc(ctx, r.tx, ref, false)
}

// Postgres error codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeInsufficientPriv     = "42501"
)

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
			return true
		}
	}
	return false
}

// classify maps driver errors onto the docstore sentinels. Errors that
// already wrap a sentinel pass through.
func classify(op string, err error) error {
	for _, sentinel := range []error{
		docstore.ErrNotFound, docstore.ErrAlreadyExists, docstore.ErrPermissionDenied,
		docstore.ErrBatchTooLarge, docstore.ErrInvalidPath, docstore.ErrConflict,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == codeInsufficientPriv {
			return fmt.Errorf("%s: %w", op, docstore.ErrPermissionDenied)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, docstore.ErrUnavailable, err)
}
