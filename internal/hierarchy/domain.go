// internal/hierarchy/domain.go
package hierarchy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Member is a participant in the referral tree.
type Member struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	SponsorCode string     `json:"sponsor_code,omitempty"`
	UplineID    *uuid.UUID `json:"upline_id,omitempty"`
	Path        Path       `json:"path"`
	Level       int        `json:"level"`
	MLMEnabled  bool       `json:"mlm_enabled"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Eligible reports whether the member can receive commissions.
func (m *Member) Eligible() bool {
	return m.Active && m.MLMEnabled
}

// Path lists a member's ancestors from the root down to the immediate parent.
type Path []uuid.UUID

// Contains matches ids element by element.
func (p Path) Contains(id uuid.UUID) bool {
	for _, v := range p {
		if v == id {
			return true
		}
	}
	return false
}

// Extend returns a new path with parent appended. The receiver is not modified.
func (p Path) Extend(parent uuid.UUID) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, parent)
}

// Rebase replaces every ancestor above id with prefix. A path without id is returned as is.
func (p Path) Rebase(id uuid.UUID, prefix Path) Path {
	for i, v := range p {
		if v == id {
			out := make(Path, 0, len(prefix)+len(p)-i)
			out = append(out, prefix...)
			return append(out, p[i:]...)
		}
	}
	return p
}

// Closest returns up to n ancestors, nearest first.
func (p Path) Closest(n int) []uuid.UUID {
	if n > len(p) {
		n = len(p)
	}
	out := make([]uuid.UUID, 0, n)
	for i := len(p) - 1; i >= len(p)-n; i-- {
		out = append(out, p[i])
	}
	return out
}

// Equal compares two paths element by element.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// UplineEntry is an eligible ancestor and its position in the chain (1 = direct sponsor).
type UplineEntry struct {
	Level  int     `json:"level"`
	Member *Member `json:"member"`
}

// DownlineNode is one member in a downline report.
type DownlineNode struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	SponsorCode string          `json:"sponsor_code"`
	Depth       int             `json:"depth"`
	Active      bool            `json:"active"`
	MLMEnabled  bool            `json:"mlm_enabled"`
	TotalSales  decimal.Decimal `json:"total_sales"`
	DirectCount int             `json:"direct_count"`
	JoinedAt    time.Time       `json:"joined_at"`
	Children    []*DownlineNode `json:"children,omitempty"`
}

// NewMember carries the data for Register.
type NewMember struct {
	ID          uuid.UUID
	Name        string `validate:"required,max=120"`
	SponsorCode string
	MLMEnabled  bool
}

// ReferralLink is what a member shares to recruit.
type ReferralLink struct {
	SponsorCode string `json:"sponsor_code"`
	URL         string `json:"url"`
}

// PathUpdate is a rewritten path produced by a rebuild.
type PathUpdate struct {
	MemberID uuid.UUID
	Path     Path
}
