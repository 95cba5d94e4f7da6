// Package profiles manages the per-user profile row: nickname and the
// access tier flag gating enriched overlap statistics.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxNicknameLength = 120

var (
	// ErrInvalidNickname indicates a nickname exceeding storage bounds.
	ErrInvalidNickname = errors.New("profiles: invalid nickname")

	errMissingDatabase = errors.New("profiles: database connection required")
	errMissingUserID   = errors.New("profiles: user id required")
)

// ServiceConfig describes the dependencies of the profile service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service provides profile reads and writes over a pooled connection. The
// ensured set is cached in-process so repeated requests from the same user
// skip the insert-or-ignore round trip.
type Service struct {
	db      *gorm.DB
	now     func() time.Time
	ensured sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Ensure creates the profile row for a user on first sight. The insert is
// keyed on the unique user id, so concurrent first requests cannot create
// duplicates.
func (s *Service) Ensure(ctx context.Context, userID string) error {
	if userID == "" {
		return errMissingUserID
	}
	if _, ok := s.ensured.Load(userID); ok {
		return nil
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&Profile{UserID: userID, CreatedAt: s.now().UTC()}).Error
	if err != nil {
		return err
	}

	s.ensured.Store(userID, struct{}{})
	return nil
}

// Get returns the user's profile, or nil when none exists yet.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, errMissingUserID
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// IsPro reports the user's access tier. A missing profile reads as the
// default tier.
func (s *Service) IsPro(ctx context.Context, userID string) (bool, error) {
	profile, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return profile != nil && profile.IsPro, nil
}

// UpdateNickname upserts the user's display nickname.
func (s *Service) UpdateNickname(ctx context.Context, userID, nickname string) error {
	if userID == "" {
		return errMissingUserID
	}
	trimmed := normalize(nickname)
	if len(trimmed) > maxNicknameLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidNickname, maxNicknameLength)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"nickname", "updated_at"}),
		}).
		Create(&Profile{
			UserID:    userID,
			Nickname:  trimmed,
			CreatedAt: s.now().UTC(),
			UpdatedAt: s.now().UTC(),
		}).Error
}

// ToggleTier flips the user's access tier flag and returns the new value. A
// missing profile toggles from the default tier to pro.
func (s *Service) ToggleTier(ctx context.Context, userID string) (bool, error) {
	current, err := s.IsPro(ctx, userID)
	if err != nil {
		return false, err
	}
	next := !current
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_pro", "updated_at"}),
		}).
		Create(&Profile{
			UserID:    userID,
			IsPro:     next,
			CreatedAt: s.now().UTC(),
			UpdatedAt: s.now().UTC(),
		}).Error
	if err != nil {
		return false, err
	}
	return next, nil
}
