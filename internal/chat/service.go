package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxContentLength = 2000

var (
	// ErrNotRoomMember indicates the caller never declared the partner the
	// room is keyed by.
	ErrNotRoomMember = errors.New("chat: caller is not a room member")
	// ErrEmptyContent indicates a blank message body.
	ErrEmptyContent = errors.New("chat: message content required")
	// ErrContentTooLong indicates a message body over the storage bound.
	ErrContentTooLong = errors.New("chat: message content too long")

	errMissingRooms      = errors.New("chat: room registry is required")
	errMissingMembership = errors.New("chat: membership checker is required")
)

// Membership answers whether a user declared the partner behind a room's
// hash. Implemented by overlap.Service.
type Membership interface {
	HasDeclared(ctx context.Context, userID, partnerHash string) (bool, error)
}

// Publisher fans a durably appended message out to open sessions. The core
// only appends; delivery beyond the append is the publish/subscribe
// channel's concern. Implemented by server.RealtimeDispatcher.
type Publisher interface {
	PublishMessage(message Message)
}

// ServiceConfig describes the dependencies of the message service.
type ServiceConfig struct {
	Database   *gorm.DB
	Rooms      *Rooms
	Members    Membership
	Publisher  Publisher
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service appends and lists room messages, gating both behind declarer
// membership.
type Service struct {
	db         *gorm.DB
	rooms      *Rooms
	members    Membership
	publisher  Publisher
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the message service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	if cfg.Members == nil {
		return nil, errMissingMembership
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		rooms:      cfg.Rooms,
		members:    cfg.Members,
		publisher:  cfg.Publisher,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Append durably stores a message in the room's log and publishes it to the
// notification channel. The caller must hold a declaration for the room's
// partner.
func (s *Service) Append(ctx context.Context, roomID, userID, content string) (Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Message{}, ErrEmptyContent
	}
	if len(trimmed) > maxContentLength {
		return Message{}, ErrContentTooLong
	}

	room, err := s.authorize(ctx, roomID, userID)
	if err != nil {
		return Message{}, err
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, err
	}
	message := Message{
		ID:        messageID,
		RoomID:    room.ID,
		UserID:    userID,
		Content:   trimmed,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, err
	}

	if s.publisher != nil {
		s.publisher.PublishMessage(message)
	}
	return message, nil
}

// ListMessages returns the room's log in append order, gated by membership.
func (s *Service) ListMessages(ctx context.Context, roomID, userID string) ([]Message, error) {
	if _, err := s.authorize(ctx, roomID, userID); err != nil {
		return nil, err
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Authorize resolves the room and verifies membership for a caller. Exposed
// for the realtime stream endpoint, which subscribes without writing.
func (s *Service) Authorize(ctx context.Context, roomID, userID string) error {
	_, err := s.authorize(ctx, roomID, userID)
	return err
}

func (s *Service) authorize(ctx context.Context, roomID, userID string) (Room, error) {
	room, err := s.rooms.RoomByID(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	member, err := s.members.HasDeclared(ctx, userID, room.PartnerHash)
	if err != nil {
		return Room{}, err
	}
	if !member {
		s.logger.Warn("room access denied",
			zap.String("room_id", roomID),
			zap.String("user_id", userID))
		return Room{}, ErrNotRoomMember
	}
	return room, nil
}
