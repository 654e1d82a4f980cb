// Package postgres is the database/sql + lib/pq storage back end. Every operation that
// changes a ledger row and a wallet runs in one transaction together with its journal entry.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mlmledger/internal/journal"
	"mlmledger/internal/settings"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
	codeFKViolation     = "23503"
)

// Store implements every repository the services need.
type Store struct {
	db       *sql.DB
	journal  *journal.Journal
	tracer   trace.Tracer
	logger   *zap.Logger
	defaults settings.MLM
	now      func() time.Time
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *zap.Logger, defaults settings.MLM) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db, logger, defaults), nil
}

// New wraps an open database.
func New(db *sql.DB, logger *zap.Logger, defaults settings.MLM) *Store {
	return &Store{
		db:       db,
		journal:  journal.New(db),
		tracer:   otel.Tracer("mlmledger/store/postgres"),
		logger:   logger.Named("postgres"),
		defaults: defaults,
		now:      time.Now,
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Journal returns the ledger journal sharing this store's database.
func (s *Store) Journal() *journal.Journal { return s.journal }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("schema applied")
	return nil
}

// Load serves the journal for GET /members/{id}/ledger.
func (s *Store) Load(ctx context.Context, memberID uuid.UUID, fromVersion, limit int) ([]journal.Entry, error) {
	return s.journal.Load(ctx, memberID, fromVersion, limit)
}

func (s *Store) withTx(ctx context.Context, name string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "store."+name)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	span.SetAttributes(attribute.Bool("tx.committed", true))
	return nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func pqConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("parse uuid %q: %w", r, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func scanNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
