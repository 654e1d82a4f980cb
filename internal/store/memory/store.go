// Package memory is an in-process storage back end. One mutex serializes every
// operation, which gives each repository call the atomicity of a transaction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmledger/internal/commission"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/journal"
	"mlmledger/internal/settings"
	"mlmledger/internal/wallet"
)

// commissionKey dedupes postings. ref is the order id, or the new member's id for a
// signup bonus.
type commissionKey struct {
	ref      uuid.UUID
	memberID uuid.UUID
	typ      commission.Type
	level    int
}

// Store implements every repository the services need.
type Store struct {
	mu sync.Mutex

	members        map[uuid.UUID]*hierarchy.Member
	codes          map[string]uuid.UUID
	orders         map[uuid.UUID]*commission.Order
	rules          map[uuid.UUID]*commission.Rule
	commissions    map[uuid.UUID]*commission.Commission
	commissionKeys map[commissionKey]uuid.UUID
	wallets        map[uuid.UUID]*wallet.Wallet
	withdrawals    map[uuid.UUID]*wallet.Withdrawal
	entries        map[uuid.UUID][]journal.Entry
	lastEntryID    int64
	settings       *settings.MLM
	defaults       settings.MLM

	now func() time.Time
}

// New creates an empty store. defaults is served by LoadSettings until SaveSettings is called.
func New(defaults settings.MLM) *Store {
	return &Store{
		members:        make(map[uuid.UUID]*hierarchy.Member),
		codes:          make(map[string]uuid.UUID),
		orders:         make(map[uuid.UUID]*commission.Order),
		rules:          make(map[uuid.UUID]*commission.Rule),
		commissions:    make(map[uuid.UUID]*commission.Commission),
		commissionKeys: make(map[commissionKey]uuid.UUID),
		wallets:        make(map[uuid.UUID]*wallet.Wallet),
		withdrawals:    make(map[uuid.UUID]*wallet.Withdrawal),
		entries:        make(map[uuid.UUID][]journal.Entry),
		defaults:       defaults,
		now:            time.Now,
	}
}

// PutOrder stores an order for GetOrder, replacing any previous version.
func (s *Store) PutOrder(o commission.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = &o
}

// GetOrder returns a stored order.
func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (*commission.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, commission.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

// LoadSettings returns the saved configuration, or the defaults.
func (s *Store) LoadSettings(context.Context) (settings.MLM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return s.defaults, nil
	}
	return *s.settings, nil
}

// SaveSettings replaces the configuration.
func (s *Store) SaveSettings(_ context.Context, cfg settings.MLM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &cfg
	return nil
}

// appendEntries journals entries for memberID. Callers hold s.mu.
func (s *Store) appendEntries(memberID uuid.UUID, entries ...journal.Entry) {
	current := len(s.entries[memberID])
	for i, e := range entries {
		s.lastEntryID++
		e.ID = s.lastEntryID
		e.MemberID = memberID
		e.Version = current + i + 1
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now().UTC()
		}
		s.entries[memberID] = append(s.entries[memberID], e)
	}
}

// Load returns a member's journal entries with version >= fromVersion, oldest first.
func (s *Store) Load(_ context.Context, memberID uuid.UUID, fromVersion, limit int) ([]journal.Entry, error) {
	if fromVersion < 0 {
		return nil, journal.ErrInvalidVersion
	}
	if limit <= 0 {
		limit = journal.DefaultLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []journal.Entry
	for _, e := range s.entries[memberID] {
		if e.Version < fromVersion {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// walletFor returns the member's wallet, creating it. Callers hold s.mu.
func (s *Store) walletFor(memberID uuid.UUID) (*wallet.Wallet, error) {
	if w, ok := s.wallets[memberID]; ok {
		return w, nil
	}
	if _, ok := s.members[memberID]; !ok {
		return nil, hierarchy.ErrMemberNotFound
	}
	now := s.now().UTC()
	w := &wallet.Wallet{
		MemberID:    memberID,
		Balance:     decimal.Zero,
		Pending:     decimal.Zero,
		TotalEarned: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.wallets[memberID] = w
	return w, nil
}

// applyDelta mirrors the CHECK constraints of the SQL schema. Callers hold s.mu.
func (s *Store) applyDelta(memberID uuid.UUID, d wallet.Delta, at time.Time) error {
	w, err := s.walletFor(memberID)
	if err != nil {
		return err
	}
	next := d.Apply(*w)
	if !next.Valid() {
		return wallet.ErrWalletInvariant
	}
	next.UpdatedAt = at
	*w = next
	return nil
}

func sortByCreated[T any](items []T, created func(T) time.Time, id func(T) uuid.UUID, desc bool) {
	sort.Slice(items, func(i, j int) bool {
		ci, cj := created(items[i]), created(items[j])
		if !ci.Equal(cj) {
			if desc {
				return ci.After(cj)
			}
			return ci.Before(cj)
		}
		return id(items[i]).String() < id(items[j]).String()
	})
}

func page[T any](items []T, offset, size int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
