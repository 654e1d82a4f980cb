// internal/hierarchy/implementation.go
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mlmledger/internal/errs"
)

// service implements the Service interface.
type service struct {
	repo            Repository
	logger          *zap.Logger
	validate        *validator.Validate
	referralBaseURL string
	now             func() time.Time
}

// NewService creates a new hierarchy service instance.
func NewService(repo Repository, logger *zap.Logger, referralBaseURL string) Service {
	return &service{
		repo:            repo,
		logger:          logger.Named("hierarchy"),
		validate:        validator.New(),
		referralBaseURL: referralBaseURL,
		now:             time.Now,
	}
}

// Register creates a member, issuing a sponsor code when enrolled and placing the member
// under the sponsor identified by SponsorCode.
func (s *service) Register(ctx context.Context, nm NewMember) (*Member, error) {
	if err := s.validate.Struct(nm); err != nil {
		return nil, errs.Wrap(errs.Validation, "invalid member", err)
	}

	id := nm.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now().UTC()
	member := &Member{
		ID:         id,
		Name:       nm.Name,
		Path:       Path{},
		MLMEnabled: nm.MLMEnabled,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if nm.SponsorCode != "" {
		sponsor, err := s.ValidateSponsorCode(ctx, nm.SponsorCode)
		if err != nil {
			return nil, err
		}
		member.UplineID = &sponsor.ID
		member.Path = sponsor.Path.Extend(sponsor.ID)
		member.Level = len(member.Path)
	}

	if !nm.MLMEnabled {
		if err := s.repo.CreateMember(ctx, member); err != nil {
			return nil, fmt.Errorf("failed to create member: %w", err)
		}
		return member, nil
	}

	next := codeCandidates(nm.Name, s.now)
	for {
		code, ok, err := next()
		if err != nil {
			return nil, fmt.Errorf("failed to generate sponsor code: %w", err)
		}
		if !ok {
			return nil, ErrSponsorCodeTaken
		}
		member.SponsorCode = code
		err = s.repo.CreateMember(ctx, member)
		if errors.Is(err, ErrSponsorCodeTaken) {
			s.logger.Debug("sponsor code collision", zap.String("code", code))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create member: %w", err)
		}
		break
	}

	s.logger.Info("member registered",
		zap.Stringer("member_id", member.ID),
		zap.Int("level", member.Level),
		zap.String("sponsor_code", member.SponsorCode),
	)
	return member, nil
}

// GetMember retrieves a member by ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.repo.GetMember(ctx, id)
}

// IssueSponsorCode assigns a code to a member that has none. Uniqueness is enforced by the
// repository; collisions are retried with fresh candidates. A member that already owns a code
// gets it back unchanged.
func (s *service) IssueSponsorCode(ctx context.Context, memberID uuid.UUID, displayName string) (string, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return "", err
	}
	if member.SponsorCode != "" {
		return member.SponsorCode, nil
	}
	if displayName == "" {
		displayName = member.Name
	}

	next := codeCandidates(displayName, s.now)
	for {
		code, ok, err := next()
		if err != nil {
			return "", fmt.Errorf("failed to generate sponsor code: %w", err)
		}
		if !ok {
			return "", ErrSponsorCodeTaken
		}
		err = s.repo.SetSponsorCode(ctx, memberID, code)
		if errors.Is(err, ErrSponsorCodeTaken) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to set sponsor code: %w", err)
		}
		s.logger.Info("sponsor code issued", zap.Stringer("member_id", memberID), zap.String("code", code))
		return code, nil
	}
}

// ValidateSponsorCode resolves a code to an eligible sponsor.
func (s *service) ValidateSponsorCode(ctx context.Context, code string) (*Member, error) {
	code = NormalizeSponsorCode(code)
	if !ValidSponsorCode(code) {
		return nil, ErrInvalidSponsorCode
	}

	sponsor, err := s.repo.GetMemberBySponsorCode(ctx, code)
	if errors.Is(err, ErrMemberNotFound) {
		return nil, ErrSponsorNotFound
	}
	if err != nil {
		return nil, err
	}
	if !sponsor.Active {
		return nil, ErrSponsorInactive
	}
	if !sponsor.MLMEnabled {
		return nil, ErrSponsorMLMDisabled
	}
	return sponsor, nil
}

// Attach places a member below a sponsor. The repository walks the sponsor's upline links in
// the same atomic unit as the write and rewrites the paths of the member's descendants.
func (s *service) Attach(ctx context.Context, memberID, sponsorID uuid.UUID) (Path, error) {
	if memberID == sponsorID {
		return nil, ErrCycle
	}

	path, err := s.repo.SetUpline(ctx, memberID, sponsorID)
	if errors.Is(err, ErrCycle) || errors.Is(err, ErrUplineCycle) {
		s.logger.Warn("attach rejected",
			zap.Stringer("member_id", memberID),
			zap.Stringer("sponsor_id", sponsorID),
			zap.Error(err),
		)
		return nil, err
	}
	if errors.Is(err, ErrMemberNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to attach member: %w", err)
	}
	return path, nil
}

// GetUpline returns eligible ancestors nearest first. Ineligible ancestors leave their level
// empty rather than shifting the ones above.
func (s *service) GetUpline(ctx context.Context, memberID uuid.UUID, maxLevels int) ([]UplineEntry, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if maxLevels <= 0 {
		return nil, nil
	}

	ids := member.Path.Closest(maxLevels)
	if len(ids) == 0 {
		return nil, nil
	}
	ancestors, err := s.repo.GetMembers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load upline: %w", err)
	}
	byID := make(map[uuid.UUID]*Member, len(ancestors))
	for _, a := range ancestors {
		byID[a.ID] = a
	}

	upline := make([]UplineEntry, 0, len(ids))
	for i, id := range ids {
		a, ok := byID[id]
		if !ok || !a.Eligible() {
			continue
		}
		upline = append(upline, UplineEntry{Level: i + 1, Member: a})
	}
	return upline, nil
}

// GetDirectDownline returns the members sponsored directly by memberID.
func (s *service) GetDirectDownline(ctx context.Context, memberID uuid.UUID) ([]*DownlineNode, error) {
	return s.GetDownlineTree(ctx, memberID, 1)
}

// GetDownlineTree expands the downline breadth first, one query per level, stopping at depth.
func (s *service) GetDownlineTree(ctx context.Context, memberID uuid.UUID, depth int) ([]*DownlineNode, error) {
	if depth <= 0 {
		return nil, ErrInvalidDepth
	}
	if depth > MaxTreeDepth {
		depth = MaxTreeDepth
	}
	if _, err := s.repo.GetMember(ctx, memberID); err != nil {
		return nil, err
	}

	var roots []*DownlineNode
	nodes := map[uuid.UUID]*DownlineNode{memberID: nil}
	var order []uuid.UUID
	parents := []uuid.UUID{memberID}

	for d := 1; d <= depth && len(parents) > 0; d++ {
		children, err := s.repo.ListChildren(ctx, parents)
		if err != nil {
			return nil, fmt.Errorf("failed to list downline: %w", err)
		}
		next := make([]uuid.UUID, 0, len(children))
		for _, c := range children {
			if _, seen := nodes[c.ID]; seen || c.UplineID == nil {
				continue
			}
			n := &DownlineNode{
				ID:          c.ID,
				Name:        c.Name,
				SponsorCode: c.SponsorCode,
				Depth:       d,
				Active:      c.Active,
				MLMEnabled:  c.MLMEnabled,
				TotalSales:  decimal.Zero,
				JoinedAt:    c.CreatedAt,
			}
			if parent := nodes[*c.UplineID]; parent != nil {
				parent.Children = append(parent.Children, n)
			} else {
				roots = append(roots, n)
			}
			nodes[c.ID] = n
			order = append(order, c.ID)
			next = append(next, c.ID)
		}
		parents = next
	}

	if len(order) == 0 {
		return roots, nil
	}
	counts, err := s.repo.CountChildren(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("failed to count downline: %w", err)
	}
	sales, err := s.repo.SalesTotals(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("failed to load sales totals: %w", err)
	}
	for _, id := range order {
		n := nodes[id]
		n.DirectCount = counts[id]
		if v, ok := sales[id]; ok {
			n.TotalSales = v
		}
	}
	return roots, nil
}

// CountTotalDownline counts every member whose path includes memberID.
func (s *service) CountTotalDownline(ctx context.Context, memberID uuid.UUID) (int, error) {
	if _, err := s.repo.GetMember(ctx, memberID); err != nil {
		return 0, err
	}
	return s.repo.CountDescendants(ctx, memberID)
}

// RebuildAllPaths recomputes every path from the direct upline links and writes the ones
// that changed. Running it twice writes nothing the second time.
func (s *service) RebuildAllPaths(ctx context.Context) (int, error) {
	members, err := s.repo.ListAllMembers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list members: %w", err)
	}

	paths, err := computePaths(members)
	if err != nil {
		return 0, err
	}

	var updates []PathUpdate
	for _, m := range members {
		p := paths[m.ID]
		if !m.Path.Equal(p) {
			updates = append(updates, PathUpdate{MemberID: m.ID, Path: p})
		}
	}
	sort.Slice(updates, func(i, j int) bool { return len(updates[i].Path) < len(updates[j].Path) })

	if len(updates) > 0 {
		if err := s.repo.UpdatePaths(ctx, updates); err != nil {
			return 0, fmt.Errorf("failed to update paths: %w", err)
		}
	}
	s.logger.Info("hierarchy paths rebuilt", zap.Int("members", len(members)), zap.Int("updated", len(updates)))
	return len(updates), nil
}

// computePaths derives each member's path by walking upline links. Results are memoized so
// the outcome does not depend on input order.
func computePaths(members []*Member) (map[uuid.UUID]Path, error) {
	byID := make(map[uuid.UUID]*Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	paths := make(map[uuid.UUID]Path, len(members))
	for _, m := range members {
		var chain []*Member
		onChain := make(map[uuid.UUID]bool)
		for cur := m; cur != nil; {
			if _, done := paths[cur.ID]; done {
				break
			}
			if onChain[cur.ID] {
				return nil, fmt.Errorf("member %s: %w", cur.ID, ErrUplineCycle)
			}
			onChain[cur.ID] = true
			chain = append(chain, cur)
			if cur.UplineID == nil {
				break
			}
			cur = byID[*cur.UplineID]
		}

		for i := len(chain) - 1; i >= 0; i-- {
			c := chain[i]
			p := Path{}
			if c.UplineID != nil {
				if parent, ok := paths[*c.UplineID]; ok {
					p = parent.Extend(*c.UplineID)
				}
			}
			paths[c.ID] = p
		}
	}
	return paths, nil
}

// SetMLMEnabled enrolls or withdraws a member. Enrolling issues a sponsor code if missing.
func (s *service) SetMLMEnabled(ctx context.Context, memberID uuid.UUID, enabled bool) error {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if err := s.repo.SetMemberFlags(ctx, memberID, enabled, member.Active); err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	if enabled && member.SponsorCode == "" {
		if _, err := s.IssueSponsorCode(ctx, memberID, member.Name); err != nil {
			return err
		}
	}
	return nil
}

// SetActive enables or disables a member account.
func (s *service) SetActive(ctx context.Context, memberID uuid.UUID, active bool) error {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if err := s.repo.SetMemberFlags(ctx, memberID, member.MLMEnabled, active); err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	return nil
}

// ReferralLink returns the member's code and shareable signup link.
func (s *service) ReferralLink(ctx context.Context, memberID uuid.UUID) (*ReferralLink, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if !member.MLMEnabled || member.SponsorCode == "" {
		return nil, ErrNotEnrolled
	}

	link := &ReferralLink{SponsorCode: member.SponsorCode}
	base, err := url.Parse(s.referralBaseURL)
	if err != nil || s.referralBaseURL == "" {
		return link, nil
	}
	q := base.Query()
	q.Set("ref", member.SponsorCode)
	base.RawQuery = q.Encode()
	link.URL = base.String()
	return link, nil
}
