package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmledger/internal/hierarchy"
	"mlmledger/internal/journal"
)

func cloneMember(m *hierarchy.Member) *hierarchy.Member {
	out := *m
	out.Path = append(hierarchy.Path{}, m.Path...)
	if m.UplineID != nil {
		id := *m.UplineID
		out.UplineID = &id
	}
	return &out
}

// CreateMember inserts a member. A duplicate sponsor code maps to ErrSponsorCodeTaken.
// The path of a member with an upline is derived from the upline links and written back to m.
func (s *Store) CreateMember(_ context.Context, m *hierarchy.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.SponsorCode != "" {
		if _, taken := s.codes[m.SponsorCode]; taken {
			return hierarchy.ErrSponsorCodeTaken
		}
	}
	if m.UplineID != nil {
		path, err := s.chainLocked(*m.UplineID, m.ID)
		if err != nil {
			return err
		}
		m.Path = path
		m.Level = len(path)
	}

	c := cloneMember(m)
	c.Level = len(c.Path)
	s.members[c.ID] = c
	if c.SponsorCode != "" {
		s.codes[c.SponsorCode] = c.ID
	}
	if c.UplineID != nil {
		s.appendEntries(c.ID, journal.Entry{
			Type:      journal.MemberAttached,
			RefID:     *c.UplineID,
			Metadata:  map[string]string{"sponsor_id": c.UplineID.String()},
			CreatedAt: c.CreatedAt,
		})
	}
	return nil
}

// GetMember retrieves a member by ID.
func (s *Store) GetMember(_ context.Context, id uuid.UUID) (*hierarchy.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, hierarchy.ErrMemberNotFound
	}
	return cloneMember(m), nil
}

// GetMembers loads the members with the given ids. Unknown ids are skipped.
func (s *Store) GetMembers(_ context.Context, ids []uuid.UUID) ([]*hierarchy.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*hierarchy.Member, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.members[id]; ok {
			out = append(out, cloneMember(m))
		}
	}
	return out, nil
}

// GetMemberBySponsorCode looks up the owner of a normalized code.
func (s *Store) GetMemberBySponsorCode(_ context.Context, code string) (*hierarchy.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	if !ok {
		return nil, hierarchy.ErrMemberNotFound
	}
	return cloneMember(s.members[id]), nil
}

// SetSponsorCode assigns a code to a member that has none yet.
func (s *Store) SetSponsorCode(_ context.Context, id uuid.UUID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return hierarchy.ErrMemberNotFound
	}
	if _, taken := s.codes[code]; taken || m.SponsorCode != "" {
		return hierarchy.ErrSponsorCodeTaken
	}
	m.SponsorCode = code
	m.UpdatedAt = s.now().UTC()
	s.codes[code] = id
	return nil
}

// chainLocked follows upline links from id to the root and returns the chain root first,
// ending with id. It fails with ErrCycle when stop is on the chain. Callers hold s.mu.
func (s *Store) chainLocked(id, stop uuid.UUID) (hierarchy.Path, error) {
	var chain hierarchy.Path
	seen := make(map[uuid.UUID]bool)
	for cur := id; ; {
		if cur == stop {
			return nil, hierarchy.ErrCycle
		}
		if seen[cur] {
			return nil, hierarchy.ErrUplineCycle
		}
		seen[cur] = true
		m, ok := s.members[cur]
		if !ok {
			return nil, hierarchy.ErrMemberNotFound
		}
		chain = append(chain, cur)
		if m.UplineID == nil {
			break
		}
		cur = *m.UplineID
	}
	slices.Reverse(chain)
	return chain, nil
}

// SetUpline re-parents a member below uplineID, rewrites the paths of its descendants and
// journals the attachment. A sponsor in the member's downline is rejected with ErrCycle.
func (s *Store) SetUpline(_ context.Context, id, uplineID uuid.UUID) (hierarchy.Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, hierarchy.ErrMemberNotFound
	}
	path, err := s.chainLocked(uplineID, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	for _, d := range s.members {
		if d.Path.Contains(id) {
			d.Path = d.Path.Rebase(id, path)
			d.Level = len(d.Path)
			d.UpdatedAt = now
		}
	}
	upline := uplineID
	m.UplineID = &upline
	m.Path = path
	m.Level = len(path)
	m.UpdatedAt = now
	s.appendEntries(id, journal.Entry{
		Type:      journal.MemberAttached,
		RefID:     uplineID,
		Metadata:  map[string]string{"sponsor_id": uplineID.String()},
		CreatedAt: now,
	})
	return append(hierarchy.Path{}, path...), nil
}

// SetMemberFlags updates enrollment and account status.
func (s *Store) SetMemberFlags(_ context.Context, id uuid.UUID, mlmEnabled, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return hierarchy.ErrMemberNotFound
	}
	m.MLMEnabled = mlmEnabled
	m.Active = active
	m.UpdatedAt = s.now().UTC()
	return nil
}

// ListChildren returns the direct children of every parent, oldest first.
func (s *Store) ListChildren(_ context.Context, parentIDs []uuid.UUID) ([]*hierarchy.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parents := make(map[uuid.UUID]bool, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = true
	}
	var out []*hierarchy.Member
	for _, m := range s.members {
		if m.UplineID != nil && parents[*m.UplineID] {
			out = append(out, cloneMember(m))
		}
	}
	sortMembers(out)
	return out, nil
}

// CountChildren returns the number of direct children per parent.
func (s *Store) CountChildren(_ context.Context, parentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[uuid.UUID]int, len(parentIDs))
	parents := make(map[uuid.UUID]bool, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = true
	}
	for _, m := range s.members {
		if m.UplineID != nil && parents[*m.UplineID] {
			counts[*m.UplineID]++
		}
	}
	return counts, nil
}

// CountDescendants counts members whose path includes id.
func (s *Store) CountDescendants(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.members {
		if m.Path.Contains(id) {
			n++
		}
	}
	return n, nil
}

// ListAllMembers returns every member in creation order.
func (s *Store) ListAllMembers(context.Context) ([]*hierarchy.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*hierarchy.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, cloneMember(m))
	}
	sortMembers(out)
	return out, nil
}

// UpdatePaths rewrites paths. Every id is checked before anything is written.
func (s *Store) UpdatePaths(_ context.Context, updates []hierarchy.PathUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if _, ok := s.members[u.MemberID]; !ok {
			return hierarchy.ErrMemberNotFound
		}
	}
	now := s.now().UTC()
	for _, u := range updates {
		m := s.members[u.MemberID]
		m.Path = append(hierarchy.Path{}, u.Path...)
		m.Level = len(u.Path)
		m.UpdatedAt = now
	}
	return nil
}

// SalesTotals sums completed order totals per member.
func (s *Store) SalesTotals(_ context.Context, memberIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(memberIDs))
	for _, id := range memberIDs {
		wanted[id] = true
	}
	totals := make(map[uuid.UUID]decimal.Decimal)
	for _, o := range s.orders {
		if wanted[o.MemberID] && o.Status.Completed() {
			totals[o.MemberID] = totals[o.MemberID].Add(o.Total)
		}
	}
	return totals, nil
}

func sortMembers(ms []*hierarchy.Member) {
	sortByCreated(ms,
		func(m *hierarchy.Member) time.Time { return m.CreatedAt },
		func(m *hierarchy.Member) uuid.UUID { return m.ID },
		false,
	)
}
