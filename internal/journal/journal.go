// Package journal is the append-only ledger of wallet-affecting events. Entries are
// written in the same transaction as the wallet change they describe.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mlmledger/internal/errs"
	"mlmledger/internal/wallet"
)

var (
	ErrConcurrencyConflict = errs.New(errs.StateConflict, "concurrency conflict: journal version mismatch")
	ErrInvalidVersion      = errs.New(errs.Validation, "invalid version number")
)

// DefaultLimit bounds Load when the caller passes no limit.
const DefaultLimit = 100

type EntryType string

const (
	CommissionPosted    EntryType = "CommissionPosted"
	CommissionApproved  EntryType = "CommissionApproved"
	CommissionCancelled EntryType = "CommissionCancelled"
	WithdrawalRequested EntryType = "WithdrawalRequested"
	WithdrawalApproved  EntryType = "WithdrawalApproved"
	WithdrawalPaid      EntryType = "WithdrawalPaid"
	WithdrawalRejected  EntryType = "WithdrawalRejected"
	MemberAttached      EntryType = "MemberAttached"
)

// Entry is one journaled change to a member's ledger.
type Entry struct {
	ID        int64             `json:"id"`
	MemberID  uuid.UUID         `json:"member_id"`
	Type      EntryType         `json:"type"`
	RefID     uuid.UUID         `json:"ref_id"`
	Amount    decimal.Decimal   `json:"amount"`
	Delta     wallet.Delta      `json:"delta"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
}

// Reader serves journal history.
type Reader interface {
	Load(ctx context.Context, memberID uuid.UUID, fromVersion, limit int) ([]Entry, error)
}

// Journal is the Postgres-backed journal.
type Journal struct {
	db     *sql.DB
	tracer trace.Tracer
}

// New creates a journal over db.
func New(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		tracer: otel.Tracer("mlmledger/journal"),
	}
}

// Append writes entries for one member inside tx, numbering them after the member's
// current version. A concurrent writer that claimed the same version makes the unique
// index fire, which is reported as ErrConcurrencyConflict.
func (j *Journal) Append(ctx context.Context, tx *sql.Tx, memberID uuid.UUID, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, span := j.tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.Int("entry.count", len(entries)),
		),
	)
	defer span.End()

	var current int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM ledger_events
		WHERE member_id = $1
	`, memberID).Scan(&current)
	if err != nil {
		return fmt.Errorf("query current version: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ledger_events (member_id, event_type, ref_id, amount, balance_delta, pending_delta, earned_delta, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		e.MemberID = memberID
		e.Version = current + i + 1
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}

		err = stmt.QueryRowContext(ctx,
			memberID,
			e.Type,
			e.RefID,
			e.Amount,
			e.Delta.Balance,
			e.Delta.Pending,
			e.Delta.TotalEarned,
			metadata,
			e.Version,
			e.CreatedAt,
		).Scan(&e.ID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				span.SetAttributes(attribute.Bool("conflict.detected", true))
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert entry %d: %w", i, err)
		}

		span.AddEvent("entry.appended", trace.WithAttributes(
			attribute.Int64("entry.id", e.ID),
			attribute.Int("entry.version", e.Version),
			attribute.String("entry.type", string(e.Type)),
		))
	}
	return nil
}

// Load returns a member's entries with version >= fromVersion, oldest first.
func (j *Journal) Load(ctx context.Context, memberID uuid.UUID, fromVersion, limit int) ([]Entry, error) {
	if fromVersion < 0 {
		return nil, ErrInvalidVersion
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, span := j.tracer.Start(ctx, "journal.load",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	rows, err := j.db.QueryContext(ctx, selectEntries+`
		WHERE member_id = $1 AND version >= $2
		ORDER BY version ASC
		LIMIT $3
	`, memberID, fromVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

// Stream returns up to batchSize entries across all members with id > fromID.
func (j *Journal) Stream(ctx context.Context, fromID int64, batchSize int) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	rows, err := j.db.QueryContext(ctx, selectEntries+`
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query entry stream: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries.streamed", len(entries)))
	return entries, nil
}

const selectEntries = `
	SELECT id, member_id, event_type, ref_id, amount, balance_delta, pending_delta, earned_delta, metadata, version, created_at
	FROM ledger_events`

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var metadata []byte
		err := rows.Scan(
			&e.ID,
			&e.MemberID,
			&e.Type,
			&e.RefID,
			&e.Amount,
			&e.Delta.Balance,
			&e.Delta.Pending,
			&e.Delta.TotalEarned,
			&metadata,
			&e.Version,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
