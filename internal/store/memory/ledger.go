package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmledger/internal/commission"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/journal"
	"mlmledger/internal/wallet"
)

// ListRules returns rules of typ (all types when empty).
func (s *Store) ListRules(_ context.Context, typ commission.Type, activeOnly bool) ([]commission.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []commission.Rule
	for _, r := range s.rules {
		if typ != "" && r.Type != typ {
			continue
		}
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, *r)
	}
	sortByCreated(out,
		func(r commission.Rule) time.Time { return r.CreatedAt },
		func(r commission.Rule) uuid.UUID { return r.ID },
		false,
	)
	return out, nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(_ context.Context, id uuid.UUID) (*commission.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, commission.ErrRuleNotFound
	}
	out := *r
	return &out, nil
}

// CreateRule inserts a rule.
func (s *Store) CreateRule(_ context.Context, r *commission.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.rules[r.ID] = &c
	return nil
}

// UpdateRule replaces a stored rule.
func (s *Store) UpdateRule(_ context.Context, r *commission.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return commission.ErrRuleNotFound
	}
	c := *r
	s.rules[r.ID] = &c
	return nil
}

func cloneCommission(c *commission.Commission) *commission.Commission {
	out := *c
	return &out
}

// CreateCommission inserts c, applies delta and journals the posting as one unit.
func (s *Store) CreateCommission(_ context.Context, c *commission.Commission, delta wallet.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[c.MemberID]; !ok {
		return hierarchy.ErrMemberNotFound
	}
	var key *commissionKey
	switch {
	case c.OrderID != nil:
		key = &commissionKey{*c.OrderID, c.MemberID, c.Type, c.Level}
	case c.Type == commission.TypeSignup && c.SourceMemberID != nil:
		key = &commissionKey{*c.SourceMemberID, c.MemberID, c.Type, c.Level}
	}
	if key != nil {
		if _, dup := s.commissionKeys[*key]; dup {
			return commission.ErrDuplicate
		}
	}
	if err := s.applyDelta(c.MemberID, delta, c.CreatedAt); err != nil {
		return err
	}

	s.commissions[c.ID] = cloneCommission(c)
	if key != nil {
		s.commissionKeys[*key] = c.ID
	}
	s.appendEntries(c.MemberID, journal.Entry{
		Type:   journal.CommissionPosted,
		RefID:  c.ID,
		Amount: c.Amount,
		Delta:  delta,
		Metadata: map[string]string{
			"type":   string(c.Type),
			"status": string(c.Status),
			"level":  fmt.Sprint(c.Level),
		},
		CreatedAt: c.CreatedAt,
	})
	return nil
}

// ResolveCommission moves a PENDING commission to res.To and shifts the wallet.
func (s *Store) ResolveCommission(_ context.Context, res commission.Resolution) (*commission.Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commissions[res.ID]
	if !ok {
		return nil, commission.ErrCommissionNotFound
	}
	if c.Status != commission.StatusPending {
		return nil, commission.ErrNotPending
	}
	delta := commission.ResolutionDelta(res.To, c.Amount)
	if err := s.applyDelta(c.MemberID, delta, res.At); err != nil {
		return nil, err
	}

	c.Status = res.To
	c.Description = commission.ResolvedDescription(c.Description, res)
	at := res.At
	c.ProcessedAt = &at

	entryType := journal.CommissionApproved
	if res.To == commission.StatusCancelled {
		entryType = journal.CommissionCancelled
	}
	s.appendEntries(c.MemberID, journal.Entry{
		Type:      entryType,
		RefID:     c.ID,
		Amount:    c.Amount,
		Delta:     delta,
		Metadata:  map[string]string{"reason": res.Reason},
		CreatedAt: at,
	})
	return cloneCommission(c), nil
}

// HasOrderCommissions reports whether any commission references the order.
func (s *Store) HasOrderCommissions(_ context.Context, orderID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commissions {
		if c.OrderID != nil && *c.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

// HasSignupBonus reports whether a signup bonus was posted for the new member.
func (s *Store) HasSignupBonus(_ context.Context, newMemberID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commissions {
		if c.Type == commission.TypeSignup && c.SourceMemberID != nil && *c.SourceMemberID == newMemberID {
			return true, nil
		}
	}
	return false, nil
}

// GetCommission retrieves a commission by ID.
func (s *Store) GetCommission(_ context.Context, id uuid.UUID) (*commission.Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commissions[id]
	if !ok {
		return nil, commission.ErrCommissionNotFound
	}
	return cloneCommission(c), nil
}

// ListCommissions returns one page, newest first, plus aggregates over every match.
func (s *Store) ListCommissions(_ context.Context, f commission.Filter) ([]*commission.Commission, int, commission.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := commission.Summary{
		TotalAmount:     decimal.Zero,
		PendingAmount:   decimal.Zero,
		ApprovedAmount:  decimal.Zero,
		CancelledAmount: decimal.Zero,
	}
	var matched []*commission.Commission
	for _, c := range s.commissions {
		if f.MemberID != nil && c.MemberID != *f.MemberID {
			continue
		}
		if f.OrderID != nil && (c.OrderID == nil || *c.OrderID != *f.OrderID) {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		matched = append(matched, cloneCommission(c))
		sum.Count++
		sum.TotalAmount = sum.TotalAmount.Add(c.Amount)
		switch c.Status {
		case commission.StatusPending:
			sum.PendingAmount = sum.PendingAmount.Add(c.Amount)
		case commission.StatusApproved:
			sum.ApprovedAmount = sum.ApprovedAmount.Add(c.Amount)
		case commission.StatusCancelled:
			sum.CancelledAmount = sum.CancelledAmount.Add(c.Amount)
		}
	}
	sortByCreated(matched,
		func(c *commission.Commission) time.Time { return c.CreatedAt },
		func(c *commission.Commission) uuid.UUID { return c.ID },
		true,
	)
	return page(matched, f.Offset(), f.PageSize), sum.Count, sum, nil
}

// GetOrCreateWallet returns the member's wallet, creating a zeroed one on first use.
func (s *Store) GetOrCreateWallet(_ context.Context, memberID uuid.UUID) (*wallet.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.walletFor(memberID)
	if err != nil {
		return nil, err
	}
	out := *w
	return &out, nil
}

// WithdrawalTotals sums paid net amounts and held amounts for a member.
func (s *Store) WithdrawalTotals(_ context.Context, memberID uuid.UUID) (wallet.WithdrawalTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := wallet.WithdrawalTotals{PaidNet: decimal.Zero, Held: decimal.Zero}
	for _, w := range s.withdrawals {
		if w.MemberID != memberID {
			continue
		}
		switch w.Status {
		case wallet.StatusPaid:
			t.PaidNet = t.PaidNet.Add(w.NetAmount)
		case wallet.StatusPending, wallet.StatusApproved:
			t.Held = t.Held.Add(w.Amount)
		}
	}
	return t, nil
}

func cloneWithdrawal(w *wallet.Withdrawal) *wallet.Withdrawal {
	out := *w
	if w.Details != nil {
		out.Details = make(map[string]string, len(w.Details))
		for k, v := range w.Details {
			out.Details[k] = v
		}
	}
	return &out
}

// CreateWithdrawal holds w.Amount from the balance and stores the request.
func (s *Store) CreateWithdrawal(_ context.Context, w *wallet.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wal, err := s.walletFor(w.MemberID)
	if err != nil {
		return err
	}
	if wal.Balance.LessThan(w.Amount) {
		return wallet.ErrInsufficientFunds
	}
	delta := wallet.Delta{Balance: w.Amount.Neg()}
	if err := s.applyDelta(w.MemberID, delta, w.CreatedAt); err != nil {
		return err
	}
	s.withdrawals[w.ID] = cloneWithdrawal(w)
	s.appendEntries(w.MemberID, journal.Entry{
		Type:   journal.WithdrawalRequested,
		RefID:  w.ID,
		Amount: w.Amount,
		Delta:  delta,
		Metadata: map[string]string{
			"method": string(w.Method),
			"fee":    w.Fee.String(),
		},
		CreatedAt: w.CreatedAt,
	})
	return nil
}

var withdrawalEntries = map[wallet.Status]journal.EntryType{
	wallet.StatusApproved: journal.WithdrawalApproved,
	wallet.StatusPaid:     journal.WithdrawalPaid,
	wallet.StatusRejected: journal.WithdrawalRejected,
}

// TransitionWithdrawal is a compare-and-set on status.
func (s *Store) TransitionWithdrawal(_ context.Context, t wallet.Transition) (*wallet.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[t.ID]
	if !ok {
		return nil, wallet.ErrWithdrawalNotFound
	}
	allowed := false
	for _, st := range t.From {
		if w.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, wallet.ErrStateConflict
	}

	var delta wallet.Delta
	if t.Refund {
		delta.Balance = w.Amount
		if err := s.applyDelta(w.MemberID, delta, t.At); err != nil {
			return nil, err
		}
	}

	w.Status = t.To
	if t.Note != "" {
		w.Note = t.Note
	}
	at, actor := t.At, t.ActorID
	w.ProcessedAt = &at
	w.ProcessedBy = &actor
	s.appendEntries(w.MemberID, journal.Entry{
		Type:   withdrawalEntries[t.To],
		RefID:  w.ID,
		Amount: w.Amount,
		Delta:  delta,
		Metadata: map[string]string{
			"actor_id": t.ActorID.String(),
			"note":     t.Note,
		},
		CreatedAt: at,
	})
	return cloneWithdrawal(w), nil
}

// GetWithdrawal retrieves a withdrawal by ID.
func (s *Store) GetWithdrawal(_ context.Context, id uuid.UUID) (*wallet.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, wallet.ErrWithdrawalNotFound
	}
	return cloneWithdrawal(w), nil
}

// ListWithdrawals returns one page, newest first, plus per-status aggregates.
func (s *Store) ListWithdrawals(_ context.Context, f wallet.Filter) ([]*wallet.Withdrawal, int, wallet.ListSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := wallet.ListSummary{
		TotalAmount:    decimal.Zero,
		PendingAmount:  decimal.Zero,
		ApprovedAmount: decimal.Zero,
		PaidAmount:     decimal.Zero,
		RejectedAmount: decimal.Zero,
	}
	var matched []*wallet.Withdrawal
	for _, w := range s.withdrawals {
		if f.MemberID != nil && w.MemberID != *f.MemberID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		matched = append(matched, cloneWithdrawal(w))
		sum.Count++
		sum.TotalAmount = sum.TotalAmount.Add(w.Amount)
		switch w.Status {
		case wallet.StatusPending:
			sum.PendingAmount = sum.PendingAmount.Add(w.Amount)
		case wallet.StatusApproved:
			sum.ApprovedAmount = sum.ApprovedAmount.Add(w.Amount)
		case wallet.StatusPaid:
			sum.PaidAmount = sum.PaidAmount.Add(w.Amount)
		case wallet.StatusRejected:
			sum.RejectedAmount = sum.RejectedAmount.Add(w.Amount)
		}
	}
	sortByCreated(matched,
		func(w *wallet.Withdrawal) time.Time { return w.CreatedAt },
		func(w *wallet.Withdrawal) uuid.UUID { return w.ID },
		true,
	)
	return page(matched, f.Offset(), f.PageSize), sum.Count, sum, nil
}
