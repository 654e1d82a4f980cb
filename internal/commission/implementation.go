// internal/commission/implementation.go
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mlmledger/internal/errs"
	"mlmledger/internal/metrics"
	"mlmledger/internal/settings"
)

// service implements the Service interface.
type service struct {
	repo      Repository
	orders    OrderSource
	hierarchy Hierarchy
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates a new commission service instance.
func NewService(repo Repository, orders OrderSource, h Hierarchy, logger *zap.Logger, m *metrics.Metrics) Service {
	return &service{
		repo:      repo,
		orders:    orders,
		hierarchy: h,
		logger:    logger.Named("commission"),
		metrics:   m,
		now:       time.Now,
	}
}

func (s *service) ruleSet(ctx context.Context, typ Type) (*RuleSet, error) {
	rules, err := s.repo.ListRules(ctx, typ, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load commission rules: %w", err)
	}
	return NewRuleSet(rules), nil
}

// CalculateOrderCommissions walks the purchaser's upline and applies the SALE rule of
// each level. Levels of skipped ancestors stay absent.
func (s *service) CalculateOrderCommissions(ctx context.Context, cfg settings.MLM, order *Order) ([]Calculation, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	buyer, err := s.hierarchy.GetMember(ctx, order.MemberID)
	if err != nil {
		return nil, err
	}
	if !buyer.MLMEnabled || buyer.UplineID == nil {
		return nil, nil
	}

	upline, err := s.hierarchy.GetUpline(ctx, buyer.ID, cfg.MaxLevels)
	if err != nil {
		return nil, fmt.Errorf("failed to load upline: %w", err)
	}
	rules, err := s.ruleSet(ctx, TypeSale)
	if err != nil {
		return nil, err
	}

	var calcs []Calculation
	for _, u := range upline {
		rule, ok := rules.Applicable(TypeSale, u.Level)
		if !ok {
			continue
		}
		amount, ok := rule.Compute(order.Total)
		if !ok {
			continue
		}
		calcs = append(calcs, Calculation{
			MemberID:    u.Member.ID,
			Amount:      amount,
			Level:       u.Level,
			Type:        TypeSale,
			RuleID:      ruleID(rule),
			Description: fmt.Sprintf("Level %d sales commission for order %s", u.Level, order.ID),
		})
	}
	return calcs, nil
}

// CalculateSignupBonus pays the default bonus to the direct sponsor when no SIGNUP rules
// exist, and otherwise applies fixed-amount SIGNUP rules up the sponsor's chain.
func (s *service) CalculateSignupBonus(ctx context.Context, cfg settings.MLM, newMemberID, sponsorID uuid.UUID) ([]Calculation, error) {
	newMember, err := s.hierarchy.GetMember(ctx, newMemberID)
	if err != nil {
		return nil, err
	}
	if newMember.UplineID == nil || *newMember.UplineID != sponsorID {
		return nil, ErrNotReferrer
	}
	if !cfg.Enabled {
		return nil, nil
	}
	sponsor, err := s.hierarchy.GetMember(ctx, sponsorID)
	if err != nil {
		return nil, err
	}
	if !sponsor.Eligible() {
		return nil, nil
	}

	rules, err := s.ruleSet(ctx, TypeSignup)
	if err != nil {
		return nil, err
	}

	if rules.Empty(TypeSignup) {
		if !cfg.DefaultSignupBonus.IsPositive() {
			return nil, nil
		}
		return []Calculation{{
			MemberID:    sponsor.ID,
			Amount:      cfg.DefaultSignupBonus.Round(2),
			Level:       1,
			Type:        TypeSignup,
			Description: fmt.Sprintf("Signup bonus for referring %s", newMemberID),
		}}, nil
	}

	type recipient struct {
		id    uuid.UUID
		level int
	}
	chain := []recipient{{sponsor.ID, 1}}
	if cfg.MaxLevels > 1 {
		upline, err := s.hierarchy.GetUpline(ctx, sponsor.ID, cfg.MaxLevels-1)
		if err != nil {
			return nil, fmt.Errorf("failed to load upline: %w", err)
		}
		for _, u := range upline {
			chain = append(chain, recipient{u.Member.ID, u.Level + 1})
		}
	}

	var calcs []Calculation
	for _, r := range chain {
		rule, ok := rules.Applicable(TypeSignup, r.level)
		if !ok {
			continue
		}
		amount, ok := rule.FixedBonus()
		if !ok {
			continue
		}
		calcs = append(calcs, Calculation{
			MemberID:    r.id,
			Amount:      amount,
			Level:       r.level,
			Type:        TypeSignup,
			RuleID:      ruleID(rule),
			Description: fmt.Sprintf("Level %d signup bonus for referring %s", r.level, newMemberID),
		})
	}
	return calcs, nil
}

// ProcessCommissions posts each calculation as its own atomic unit. Failures are
// collected per item and do not stop the batch.
func (s *service) ProcessCommissions(ctx context.Context, cfg settings.MLM, calcs []Calculation, orderID, sourceMemberID *uuid.UUID) (*ProcessResult, error) {
	status := StatusPending
	if cfg.AutoApprove {
		status = StatusApproved
	}

	result := &ProcessResult{Commissions: []*Commission{}}
	for i, calc := range calcs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		now := s.now().UTC()
		c := &Commission{
			ID:             uuid.New(),
			MemberID:       calc.MemberID,
			OrderID:        orderID,
			SourceMemberID: sourceMemberID,
			Amount:         calc.Amount,
			Type:           calc.Type,
			Level:          calc.Level,
			Status:         status,
			Description:    calc.Description,
			CreatedAt:      now,
		}
		if status == StatusApproved {
			c.ProcessedAt = &now
		}

		if err := s.repo.CreateCommission(ctx, c, PostingDelta(status, c.Amount)); err != nil {
			s.metrics.CommissionFailed()
			s.logger.Error("failed to post commission",
				zap.Int("index", i),
				zap.Stringer("member_id", calc.MemberID),
				zap.Int("level", calc.Level),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, ItemError{
				Index:    i,
				MemberID: calc.MemberID,
				Level:    calc.Level,
				Err:      err,
				Message:  errs.KindOf(err).UserMessage(),
			})
			continue
		}

		s.metrics.CommissionPosted(string(c.Type), string(c.Status), c.Amount)
		result.Created++
		result.Commissions = append(result.Commissions, c)
	}

	if len(calcs) > 0 {
		s.logger.Info("commissions processed",
			zap.Int("created", result.Created),
			zap.Int("failed", len(result.Errors)),
			zap.String("status", string(status)),
		)
	}
	return result, nil
}

// ProcessOrderCommissions pays out a completed order once. Orders that are not yet
// completed and orders already paid out are no-ops.
func (s *service) ProcessOrderCommissions(ctx context.Context, cfg settings.MLM, orderID uuid.UUID) (*ProcessResult, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Completed() {
		s.logger.Debug("order not completed, skipping commissions",
			zap.Stringer("order_id", orderID),
			zap.String("status", string(order.Status)),
		)
		return &ProcessResult{Commissions: []*Commission{}}, nil
	}

	exists, err := s.repo.HasOrderCommissions(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check order commissions: %w", err)
	}
	if exists {
		s.logger.Info("order commissions already posted", zap.Stringer("order_id", orderID))
		return &ProcessResult{Commissions: []*Commission{}}, nil
	}

	calcs, err := s.CalculateOrderCommissions(ctx, cfg, order)
	if err != nil {
		return nil, err
	}
	buyer := order.MemberID
	return s.ProcessCommissions(ctx, cfg, calcs, &order.ID, &buyer)
}

// ProcessSignupBonus calculates and posts the signup bonus for a new member once. A replay
// for a member whose bonus was already posted is a no-op.
func (s *service) ProcessSignupBonus(ctx context.Context, cfg settings.MLM, newMemberID, sponsorID uuid.UUID) (*ProcessResult, error) {
	calcs, err := s.CalculateSignupBonus(ctx, cfg, newMemberID, sponsorID)
	if err != nil {
		return nil, err
	}
	if len(calcs) == 0 {
		return &ProcessResult{Commissions: []*Commission{}}, nil
	}

	exists, err := s.repo.HasSignupBonus(ctx, newMemberID)
	if err != nil {
		return nil, fmt.Errorf("failed to check signup bonus: %w", err)
	}
	if exists {
		s.logger.Info("signup bonus already posted", zap.Stringer("member_id", newMemberID))
		return &ProcessResult{Commissions: []*Commission{}}, nil
	}
	return s.ProcessCommissions(ctx, cfg, calcs, nil, &newMemberID)
}

func (s *service) resolve(ctx context.Context, id uuid.UUID, to Status, reason string) (*Commission, error) {
	c, err := s.repo.ResolveCommission(ctx, Resolution{
		ID:     id,
		To:     to,
		Reason: reason,
		At:     s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrNotPending) {
			s.logger.Warn("commission resolution refused",
				zap.Stringer("commission_id", id),
				zap.String("to", string(to)),
			)
		}
		return nil, err
	}

	s.metrics.CommissionResolved(string(to))
	s.logger.Info("commission resolved",
		zap.Stringer("commission_id", id),
		zap.Stringer("member_id", c.MemberID),
		zap.String("status", string(to)),
		zap.Stringer("amount", c.Amount),
	)
	return c, nil
}

// ApproveCommission moves a pending commission's amount from pending to balance.
func (s *service) ApproveCommission(ctx context.Context, id uuid.UUID) (*Commission, error) {
	return s.resolve(ctx, id, StatusApproved, "")
}

// CancelCommission reverses a pending commission out of pending and total earned.
func (s *service) CancelCommission(ctx context.Context, id uuid.UUID, reason string) (*Commission, error) {
	return s.resolve(ctx, id, StatusCancelled, reason)
}

// GetCommission retrieves a commission by ID.
func (s *service) GetCommission(ctx context.Context, id uuid.UUID) (*Commission, error) {
	return s.repo.GetCommission(ctx, id)
}

// ListCommissions returns one page of commissions with aggregates over the whole filter.
func (s *service) ListCommissions(ctx context.Context, f Filter) (*List, error) {
	f = f.Normalize()
	items, total, summary, err := s.repo.ListCommissions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	return &List{
		Items:    items,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
		Summary:  summary,
	}, nil
}

// CreateRule validates and stores a new rule.
func (s *service) CreateRule(ctx context.Context, cfg settings.MLM, r Rule) (*Rule, error) {
	if err := r.Validate(cfg.MaxLevels); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r.ID = uuid.New()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.repo.CreateRule(ctx, &r); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.logger.Info("commission rule created",
		zap.Stringer("rule_id", r.ID),
		zap.String("type", string(r.Type)),
		zap.Int("level", r.Level),
	)
	return &r, nil
}

// UpdateRule replaces the editable fields of an existing rule.
func (s *service) UpdateRule(ctx context.Context, cfg settings.MLM, r Rule) (*Rule, error) {
	existing, err := s.repo.GetRule(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(cfg.MaxLevels); err != nil {
		return nil, err
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateRule(ctx, &r); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	return &r, nil
}

// DeactivateRule switches a rule off. Rules are never deleted.
func (s *service) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	r, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if !r.Active {
		return nil
	}
	r.Active = false
	r.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateRule(ctx, r); err != nil {
		return fmt.Errorf("failed to deactivate rule: %w", err)
	}
	return nil
}

// ListRules returns the configured rules of typ, or of every type when typ is empty.
func (s *service) ListRules(ctx context.Context, typ Type, activeOnly bool) ([]Rule, error) {
	return s.repo.ListRules(ctx, typ, activeOnly)
}
