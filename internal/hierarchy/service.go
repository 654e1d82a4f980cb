// internal/hierarchy/service.go
package hierarchy

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mlmledger/internal/errs"
)

// MaxTreeDepth caps downline expansion regardless of the requested depth.
const MaxTreeDepth = 10

var (
	ErrMemberNotFound     = errs.New(errs.NotFound, "member not found")
	ErrSponsorNotFound    = errs.New(errs.NotFound, "sponsor code not found")
	ErrInvalidSponsorCode = errs.New(errs.Validation, "invalid sponsor code format")
	ErrSponsorInactive    = errs.New(errs.Disabled, "sponsor account is inactive")
	ErrSponsorMLMDisabled = errs.New(errs.Disabled, "sponsor has left the referral program")
	ErrCycle              = errs.New(errs.IntegrityViolation, "sponsor is already in the member's downline")
	ErrSponsorCodeTaken   = errs.New(errs.StateConflict, "sponsor code already in use")
	ErrInvalidDepth       = errs.New(errs.Validation, "depth must be positive")
	ErrUplineCycle        = errs.New(errs.IntegrityViolation, "upline links form a cycle")
	ErrNotEnrolled        = errs.New(errs.Disabled, "member is not enrolled in the referral program")
)

// Service defines the interface for the hierarchy manager.
type Service interface {
	Register(ctx context.Context, m NewMember) (*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	IssueSponsorCode(ctx context.Context, memberID uuid.UUID, displayName string) (string, error)
	ValidateSponsorCode(ctx context.Context, code string) (*Member, error)
	Attach(ctx context.Context, memberID, sponsorID uuid.UUID) (Path, error)
	GetUpline(ctx context.Context, memberID uuid.UUID, maxLevels int) ([]UplineEntry, error)
	GetDirectDownline(ctx context.Context, memberID uuid.UUID) ([]*DownlineNode, error)
	GetDownlineTree(ctx context.Context, memberID uuid.UUID, depth int) ([]*DownlineNode, error)
	CountTotalDownline(ctx context.Context, memberID uuid.UUID) (int, error)
	RebuildAllPaths(ctx context.Context) (int, error)
	SetMLMEnabled(ctx context.Context, memberID uuid.UUID, enabled bool) error
	SetActive(ctx context.Context, memberID uuid.UUID, active bool) error
	ReferralLink(ctx context.Context, memberID uuid.UUID) (*ReferralLink, error)
}

// Repository is the storage the hierarchy manager needs.
// CreateMember and SetSponsorCode return ErrSponsorCodeTaken when the unique constraint fires.
// CreateMember and SetUpline derive paths by following upline links atomically with the
// write; SetUpline returns ErrCycle for a sponsor in the member's downline and rewrites the
// paths of the member's descendants.
type Repository interface {
	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	GetMembers(ctx context.Context, ids []uuid.UUID) ([]*Member, error)
	GetMemberBySponsorCode(ctx context.Context, code string) (*Member, error)
	SetSponsorCode(ctx context.Context, id uuid.UUID, code string) error
	SetUpline(ctx context.Context, id, uplineID uuid.UUID) (Path, error)
	SetMemberFlags(ctx context.Context, id uuid.UUID, mlmEnabled, active bool) error
	ListChildren(ctx context.Context, parentIDs []uuid.UUID) ([]*Member, error)
	CountChildren(ctx context.Context, parentIDs []uuid.UUID) (map[uuid.UUID]int, error)
	CountDescendants(ctx context.Context, id uuid.UUID) (int, error)
	ListAllMembers(ctx context.Context) ([]*Member, error)
	UpdatePaths(ctx context.Context, updates []PathUpdate) error
	SalesTotals(ctx context.Context, memberIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error)
}
