// Package overlap implements the declaration ledger and the overlap
// detection engine: resolving pseudonymous partners, recording declarations
// idempotently, fanning out anonymous alerts once the overlap threshold is
// crossed, and serving tier-gated alert listings.
package overlap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CandorWorksLab/entwine/backend/internal/pseudonym"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// overlapThreshold is the minimum number of distinct declarers required
// before alerts are fanned out and the anonymous room is opened.
const overlapThreshold = 2

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingHasher     = errors.New("pseudonym hasher is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "overlap.service.new"
	opDeclare      = "overlap.declare"
	opListAlerts   = "overlap.list_alerts"
	opMarkAllRead  = "overlap.mark_all_read"
	opHasDeclared  = "overlap.has_declared"
	opGlobalStats  = "overlap.global_stats"
	reasonConflict = "conflict_retry_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// RoomDirectory is the chat-layer boundary the detector uses: ensure the
// anonymous room for a partner hash exists, and resolve room ids for alert
// listings. Implemented by chat.Rooms.
type RoomDirectory interface {
	EnsureRoom(ctx context.Context, partnerHash string) (string, error)
	RoomsByHash(ctx context.Context, partnerHashes []string) (map[string]string, error)
}

// ServiceConfig describes the dependencies of the overlap service.
type ServiceConfig struct {
	Database   *gorm.DB
	Hasher     *pseudonym.Hasher
	IDProvider IDProvider
	Rooms      RoomDirectory
	Cache      StatsCache
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service exposes the declaration and alert operations over a pooled
// database handle. It holds no per-request state; all cross-user invariants
// are enforced by storage-level unique constraints.
type Service struct {
	db         *gorm.DB
	hasher     *pseudonym.Hasher
	idProvider IDProvider
	rooms      RoomDirectory
	cache      StatsCache
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the overlap service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Hasher == nil {
		return nil, newServiceError(opServiceNew, "missing_hasher", errMissingHasher)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		hasher:     cfg.Hasher,
		idProvider: cfg.IDProvider,
		rooms:      cfg.Rooms,
		cache:      cfg.Cache,
		clock:      clock,
		logger:     logger,
	}, nil
}

// DeclareResult reports the outcome of a declaration to the caller. It
// carries the overlap flag only, never any detail about other declarers.
type DeclareResult struct {
	Overlap bool
}

// Declare records a declaration for the raw partner identifier and runs the
// overlap detection pass. Re-declaring the same partner is a silent no-op.
// Alert fanout and room creation failures are logged but do not fail the
// declaration itself: the declarer's own write has already committed, and a
// later declaration's fanout pass covers any declarer missed here.
func (s *Service) Declare(ctx context.Context, userID UserID, rawPartner string, intent Intent) (DeclareResult, error) {
	normalized := pseudonym.NormalizeContact(rawPartner)
	if normalized == "" {
		return DeclareResult{}, ErrPartnerRequired
	}
	hash := s.hasher.Hash(normalized)

	partnerID, err := s.resolveOrCreatePartner(ctx, hash)
	if err != nil {
		s.logError(opDeclare, "partner_resolve_failed", err, zap.String("user_id", userID.String()))
		return DeclareResult{}, newServiceError(opDeclare, "partner_resolve_failed", err)
	}

	if err := s.recordDeclaration(ctx, userID, partnerID, intent); err != nil {
		s.logError(opDeclare, "declaration_insert_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("partner_id", partnerID))
		return DeclareResult{}, newServiceError(opDeclare, "declaration_insert_failed", err)
	}

	count, err := s.countDeclarers(ctx, partnerID)
	if err != nil {
		s.logError(opDeclare, "declarer_count_failed", err, zap.String("partner_id", partnerID))
		return DeclareResult{}, newServiceError(opDeclare, "declarer_count_failed", err)
	}

	if count >= overlapThreshold {
		s.fanOutAlerts(ctx, partnerID)
		s.ensureRoom(ctx, hash, partnerID)
	}

	return DeclareResult{Overlap: count >= overlapThreshold}, nil
}

// resolveOrCreatePartner looks up the partner row for a hash, inserting it
// on first sight. Concurrent first declarations for the same hash race on
// the unique hash index; the loser's insert is a no-op and the follow-up
// lookup observes the winner's row.
func (s *Service) resolveOrCreatePartner(ctx context.Context, hash string) (string, error) {
	var existing Partner
	err := s.db.WithContext(ctx).Where("hash = ?", hash).Take(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	partnerID, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}
	insert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoNothing: true,
		}).
		Create(&Partner{ID: partnerID, Hash: hash, CreatedAt: s.clock().UTC()})
	if insert.Error != nil {
		return "", insert.Error
	}
	if insert.RowsAffected > 0 {
		return partnerID, nil
	}

	// Lost the race: another declarer inserted the row first.
	if err := s.db.WithContext(ctx).Where("hash = ?", hash).Take(&existing).Error; err != nil {
		return "", fmt.Errorf("%s: %w", reasonConflict, err)
	}
	return existing.ID, nil
}

// recordDeclaration performs the insert-or-ignore on the unique
// (user, partner) pair. A duplicate declaration leaves the original row,
// including its intent, untouched.
func (s *Service) recordDeclaration(ctx context.Context, userID UserID, partnerID string, intent Intent) error {
	declarationID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "partner_id"}},
			DoNothing: true,
		}).
		Create(&Declaration{
			ID:        declarationID,
			UserID:    userID.String(),
			PartnerID: partnerID,
			Intent:    intent,
			CreatedAt: s.clock().UTC(),
		}).Error
}

func (s *Service) countDeclarers(ctx context.Context, partnerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Declaration{}).
		Where("partner_id = ?", partnerID).
		Count(&count).Error
	return count, err
}

// fanOutAlerts upserts one alert per current declarer of the partner. The
// insert-or-ignore keyed on (user, partner) means a declarer alerted in an
// earlier pass keeps their row and its read status; declarers who joined
// before the threshold was crossed, and any who join after, all end up with
// exactly one alert. Individual failures are logged and skipped.
func (s *Service) fanOutAlerts(ctx context.Context, partnerID string) {
	var declarerIDs []string
	err := s.db.WithContext(ctx).
		Model(&Declaration{}).
		Where("partner_id = ?", partnerID).
		Pluck("user_id", &declarerIDs).Error
	if err != nil {
		s.logError(opDeclare, "declarer_list_failed", err, zap.String("partner_id", partnerID))
		return
	}

	for _, declarerID := range declarerIDs {
		alertID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opDeclare, "alert_id_failed", err, zap.String("partner_id", partnerID))
			continue
		}
		err = s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "partner_id"}},
				DoNothing: true,
			}).
			Create(&Alert{
				ID:        alertID,
				UserID:    declarerID,
				PartnerID: partnerID,
				Status:    AlertStatusNew,
				CreatedAt: s.clock().UTC(),
			}).Error
		if err != nil {
			s.logError(opDeclare, "alert_upsert_failed", err,
				zap.String("partner_id", partnerID),
				zap.String("alert_user_id", declarerID))
		}
	}
}

func (s *Service) ensureRoom(ctx context.Context, hash, partnerID string) {
	if s.rooms == nil {
		return
	}
	if _, err := s.rooms.EnsureRoom(ctx, hash); err != nil {
		s.logError(opDeclare, "room_ensure_failed", err, zap.String("partner_id", partnerID))
	}
}

// HasDeclared reports whether the user holds a declaration for the partner
// identified by the pseudonymous hash. The chat layer uses this to gate
// room membership.
func (s *Service) HasDeclared(ctx context.Context, userID, partnerHash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Declaration{}).
		Joins("JOIN partners ON partners.id = declarations.partner_id").
		Where("declarations.user_id = ? AND partners.hash = ?", userID, partnerHash).
		Count(&count).Error
	if err != nil {
		s.logError(opHasDeclared, "query_failed", err, zap.String("user_id", userID))
		return false, newServiceError(opHasDeclared, "query_failed", err)
	}
	return count > 0, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("overlap service error", attrs...)
}
