package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"mlmledger/internal/hierarchy"
	"mlmledger/internal/journal"
)

const memberColumns = `id, name, COALESCE(sponsor_code, ''), upline_id, path, level, mlm_enabled, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*hierarchy.Member, error) {
	var m hierarchy.Member
	var upline uuid.NullUUID
	var path []string
	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.SponsorCode,
		&upline,
		pq.Array(&path),
		&m.Level,
		&m.MLMEnabled,
		&m.Active,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ids, err := parseUUIDs(path)
	if err != nil {
		return nil, err
	}
	m.UplineID = uuidPtr(upline)
	m.Path = hierarchy.Path(ids)
	return &m, nil
}

func scanMembers(rows *sql.Rows) ([]*hierarchy.Member, error) {
	var members []*hierarchy.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func memberError(err error) error {
	if pqCode(err) == codeUniqueViolation && pqConstraint(err) == "members_sponsor_code_key" {
		return hierarchy.ErrSponsorCodeTaken
	}
	return err
}

// CreateMember inserts a member. A duplicate sponsor code maps to ErrSponsorCodeTaken.
// When the member has an upline, its path is derived from the upline links inside the
// transaction and written back to m.
func (s *Store) CreateMember(ctx context.Context, m *hierarchy.Member) error {
	return s.withTx(ctx, "create_member", func(ctx context.Context, tx *sql.Tx) error {
		if m.UplineID != nil {
			if err := lockHierarchy(ctx, tx); err != nil {
				return err
			}
			path, err := uplineChain(ctx, tx, *m.UplineID, m.ID)
			if err != nil {
				return err
			}
			m.Path = path
			m.Level = len(path)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO members (id, name, sponsor_code, upline_id, path, level, mlm_enabled, active, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
		`, m.ID, m.Name, m.SponsorCode, nullUUID(m.UplineID), pq.Array(uuidStrings(m.Path)), len(m.Path),
			m.MLMEnabled, m.Active, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return memberError(err)
		}
		if m.UplineID == nil {
			return nil
		}
		return s.journal.Append(ctx, tx, m.ID, journal.Entry{
			Type:      journal.MemberAttached,
			RefID:     *m.UplineID,
			Metadata:  map[string]string{"sponsor_id": m.UplineID.String()},
			CreatedAt: m.CreatedAt,
		})
	})
}

// GetMember retrieves a member by ID.
func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*hierarchy.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hierarchy.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetMembers loads the members with the given ids. Unknown ids are skipped.
func (s *Store) GetMembers(ctx context.Context, ids []uuid.UUID) ([]*hierarchy.Member, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ANY($1::uuid[])`,
		pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

// GetMemberBySponsorCode looks up the owner of a normalized code.
func (s *Store) GetMemberBySponsorCode(ctx context.Context, code string) (*hierarchy.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE sponsor_code = $1`, code)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hierarchy.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member by sponsor code: %w", err)
	}
	return m, nil
}

// SetSponsorCode assigns a code to a member that has none yet.
func (s *Store) SetSponsorCode(ctx context.Context, id uuid.UUID, code string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET sponsor_code = $2, updated_at = $3
		WHERE id = $1 AND sponsor_code IS NULL
	`, id, code, s.now().UTC())
	if err != nil {
		return memberError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMember(ctx, id); err != nil {
			return err
		}
		return hierarchy.ErrSponsorCodeTaken
	}
	return nil
}

// hierarchyLockKey identifies the advisory lock held by every transaction that changes
// upline links or paths.
const hierarchyLockKey int64 = 0x6d6c6d74726565

// maxChainLength bounds the upline walk so a corrupted link cycle cannot recurse forever.
const maxChainLength = 100000

func lockHierarchy(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, hierarchyLockKey); err != nil {
		return fmt.Errorf("lock hierarchy: %w", err)
	}
	return nil
}

// uplineChain follows upline_id links from id to the root and returns the chain root first,
// ending with id. It fails with ErrCycle when stop is on the chain.
func uplineChain(ctx context.Context, tx *sql.Tx, id, stop uuid.UUID) (hierarchy.Path, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE chain (id, upline_id, depth) AS (
			SELECT id, upline_id, 1 FROM members WHERE id = $1
			UNION ALL
			SELECT m.id, m.upline_id, c.depth + 1
			FROM members m JOIN chain c ON m.id = c.upline_id
			WHERE c.depth < $2
		)
		SELECT id FROM chain ORDER BY depth DESC
	`, id, maxChainLength)
	if err != nil {
		return nil, fmt.Errorf("walk upline: %w", err)
	}
	defer rows.Close()

	var chain hierarchy.Path
	for rows.Next() {
		var v uuid.UUID
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan upline: %w", err)
		}
		chain = append(chain, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("walk upline: %w", err)
	}

	switch {
	case len(chain) == 0:
		return nil, hierarchy.ErrMemberNotFound
	case chain.Contains(stop):
		return nil, hierarchy.ErrCycle
	case len(chain) >= maxChainLength:
		return nil, hierarchy.ErrUplineCycle
	}
	return chain, nil
}

// lockWallet takes the member's wallet row lock so journal versions are allocated in the
// same order as wallet postings.
func lockWallet(ctx context.Context, tx *sql.Tx, memberID uuid.UUID, now time.Time) error {
	if err := ensureWallet(ctx, tx, memberID, now); err != nil {
		return err
	}
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM wallets WHERE member_id = $1 FOR UPDATE`, memberID).Scan(&one)
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	return nil
}

// SetUpline re-parents a member below uplineID. The sponsor's chain is read from the upline
// links under the hierarchy lock, so a sponsor anywhere in the member's real downline is
// rejected with ErrCycle. Descendant paths are rewritten in the same transaction.
func (s *Store) SetUpline(ctx context.Context, id, uplineID uuid.UUID) (hierarchy.Path, error) {
	var path hierarchy.Path
	err := s.withTx(ctx, "set_upline", func(ctx context.Context, tx *sql.Tx) error {
		if err := lockHierarchy(ctx, tx); err != nil {
			return err
		}
		var err error
		if path, err = uplineChain(ctx, tx, uplineID, id); err != nil {
			return err
		}

		now := s.now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE members SET upline_id = $2, path = $3, level = $4, updated_at = $5
			WHERE id = $1
		`, id, uplineID, pq.Array(uuidStrings(path)), len(path), now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return hierarchy.ErrMemberNotFound
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE members
			SET path = $2::uuid[] || path[array_position(path, $1::uuid):],
			    level = cardinality($2::uuid[]) + cardinality(path) - array_position(path, $1::uuid) + 1,
			    updated_at = $3
			WHERE $1::uuid = ANY(path)
		`, id, pq.Array(uuidStrings(path)), now)
		if err != nil {
			return fmt.Errorf("rebase descendants: %w", err)
		}

		if err := lockWallet(ctx, tx, id, now); err != nil {
			return err
		}
		return s.journal.Append(ctx, tx, id, journal.Entry{
			Type:      journal.MemberAttached,
			RefID:     uplineID,
			Metadata:  map[string]string{"sponsor_id": uplineID.String()},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return path, nil
}

// SetMemberFlags updates enrollment and account status.
func (s *Store) SetMemberFlags(ctx context.Context, id uuid.UUID, mlmEnabled, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET mlm_enabled = $2, active = $3, updated_at = $4 WHERE id = $1
	`, id, mlmEnabled, active, s.now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hierarchy.ErrMemberNotFound
	}
	return nil
}

// ListChildren returns the direct children of every parent, oldest first.
func (s *Store) ListChildren(ctx context.Context, parentIDs []uuid.UUID) ([]*hierarchy.Member, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+` FROM members
		WHERE upline_id = ANY($1::uuid[])
		ORDER BY created_at ASC, id ASC
	`, pq.Array(uuidStrings(parentIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

// CountChildren returns the number of direct children per parent.
func (s *Store) CountChildren(ctx context.Context, parentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(parentIDs))
	if len(parentIDs) == 0 {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT upline_id, COUNT(*) FROM members
		WHERE upline_id = ANY($1::uuid[])
		GROUP BY upline_id
	`, pq.Array(uuidStrings(parentIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to count children: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan child count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// CountDescendants counts members whose path includes id.
func (s *Store) CountDescendants(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM members WHERE $1 = ANY(path)`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count descendants: %w", err)
	}
	return n, nil
}

// ListAllMembers returns every member in creation order.
func (s *Store) ListAllMembers(ctx context.Context) ([]*hierarchy.Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

// UpdatePaths rewrites paths in a single transaction.
func (s *Store) UpdatePaths(ctx context.Context, updates []hierarchy.PathUpdate) error {
	return s.withTx(ctx, "update_paths", func(ctx context.Context, tx *sql.Tx) error {
		if err := lockHierarchy(ctx, tx); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE members SET path = $2, level = $3, updated_at = $4 WHERE id = $1
		`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		now := s.now().UTC()
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.MemberID, pq.Array(uuidStrings(u.Path)), len(u.Path), now); err != nil {
				return fmt.Errorf("update path of %s: %w", u.MemberID, err)
			}
		}
		return nil
	})
}

// SalesTotals sums completed order totals per member.
func (s *Store) SalesTotals(ctx context.Context, memberIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	totals := make(map[uuid.UUID]decimal.Decimal, len(memberIDs))
	if len(memberIDs) == 0 {
		return totals, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, COALESCE(SUM(total), 0) FROM orders
		WHERE member_id = ANY($1::uuid[]) AND status IN ('CONFIRMED', 'SHIPPED', 'DELIVERED')
		GROUP BY member_id
	`, pq.Array(uuidStrings(memberIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to sum sales: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var total decimal.Decimal
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("scan sales total: %w", err)
		}
		totals[id] = total
	}
	return totals, rows.Err()
}
