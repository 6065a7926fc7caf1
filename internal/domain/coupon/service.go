package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Default gift coupon parameters.
const (
	DefaultGiftDiscount = 10
	DefaultGiftTTL      = 30 * 24 * time.Hour
)

// GiftConfig controls the coupons issued by IssueGift.
type GiftConfig struct {
	DiscountPercentage int
	TTL                time.Duration
}

// Service implements coupon lookup, lazy-expiry validation and gift issuance
// on top of a Repository.
type Service struct {
	repo    Repository
	gift    GiftConfig
	now     func() time.Time
	newCode func() (string, error)
}

// NewService creates a coupon Service. Zero GiftConfig fields fall back to a
// 10% discount valid for 30 days.
func NewService(repo Repository, gift GiftConfig) *Service {
	if gift.DiscountPercentage <= 0 {
		gift.DiscountPercentage = DefaultGiftDiscount
	}
	if gift.TTL <= 0 {
		gift.TTL = DefaultGiftTTL
	}
	return &Service{
		repo:    repo,
		gift:    gift,
		now:     time.Now,
		newCode: GenerateCode,
	}
}

// GetActive returns the user's active coupon, or nil when the user has none.
// It never mutates state.
func (s *Service) GetActive(ctx context.Context, userID string) (*Coupon, error) {
	c, err := s.repo.FindActive(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find active coupon")
	}
	return c, nil
}

// Validate looks up an active coupon by code for the user. A coupon found past
// its expiration is deactivated and reported as ErrExpired; there is no
// background sweep, so this is the only place expiry is persisted.
//
// Two concurrent validations of the same expiring coupon may both read it as
// active before either deactivates it.
func (s *Service) Validate(ctx context.Context, code, userID string) (*Coupon, error) {
	c, err := s.repo.FindActiveByCode(ctx, code, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "find coupon")
	}

	if !s.now().Before(c.ExpiresAt) {
		if err := s.repo.Deactivate(ctx, c.ID); err != nil {
			return nil, errors.Wrap(err, "deactivate expired coupon")
		}
		c.Active = false
		return nil, ErrExpired
	}

	return c, nil
}

// Lookup returns the user's coupon with the given code if its discount may be
// honoured right now, or nil otherwise. Unlike Validate it never writes.
func (s *Service) Lookup(ctx context.Context, code, userID string) (*Coupon, error) {
	c, err := s.repo.FindActiveByCode(ctx, code, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find coupon")
	}
	if !c.UsableAt(s.now()) {
		return nil, nil
	}
	return c, nil
}

// IssueGift replaces whatever coupon the user holds with a freshly generated
// gift coupon.
func (s *Service) IssueGift(ctx context.Context, userID string) (*Coupon, error) {
	code, err := s.newCode()
	if err != nil {
		return nil, errors.Wrap(err, "generate code")
	}

	c := &Coupon{
		UserID:             userID,
		Code:               code,
		DiscountPercentage: s.gift.DiscountPercentage,
		ExpiresAt:          s.now().Add(s.gift.TTL),
		Active:             true,
	}
	if err := s.repo.Replace(ctx, c); err != nil {
		return nil, errors.Wrap(err, "replace coupon")
	}
	return c, nil
}

// Deactivate marks the user's coupon with the given code as used. It is a no-op
// when no active coupon matches.
func (s *Service) Deactivate(ctx context.Context, code, userID string) error {
	if err := s.repo.DeactivateByCode(ctx, code, userID); err != nil {
		return errors.Wrap(err, "deactivate coupon")
	}
	return nil
}
