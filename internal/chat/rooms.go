// Package chat persists the anonymous rooms opened for overlapped partners
// and their append-only message logs.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRoomNotFound indicates a lookup for a room id that does not exist.
var ErrRoomNotFound = errors.New("chat: room not found")

var (
	errMissingDatabase   = errors.New("chat: database connection required")
	errMissingIDProvider = errors.New("chat: id provider is required")
)

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// RoomsConfig describes the dependencies of the room registry.
type RoomsConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
}

// Rooms is the registry of anonymous rooms keyed by partner hash. It is the
// overlap detector's room boundary and the message service's room source.
type Rooms struct {
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
}

// NewRooms constructs the room registry.
func NewRooms(cfg RoomsConfig) (*Rooms, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Rooms{db: cfg.Database, idProvider: cfg.IDProvider, clock: clock}, nil
}

// EnsureRoom returns the room id for a partner hash, creating the room on
// first sight. Concurrent creation attempts race on the unique hash index;
// the loser re-reads the winner's row.
func (r *Rooms) EnsureRoom(ctx context.Context, partnerHash string) (string, error) {
	var existing Room
	err := r.db.WithContext(ctx).Where("partner_hash = ?", partnerHash).Take(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	roomID, err := r.idProvider.NewID()
	if err != nil {
		return "", err
	}
	insert := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "partner_hash"}},
			DoNothing: true,
		}).
		Create(&Room{ID: roomID, PartnerHash: partnerHash, CreatedAt: r.clock().UTC()})
	if insert.Error != nil {
		return "", insert.Error
	}
	if insert.RowsAffected > 0 {
		return roomID, nil
	}

	if err := r.db.WithContext(ctx).Where("partner_hash = ?", partnerHash).Take(&existing).Error; err != nil {
		return "", fmt.Errorf("conflict retry failed: %w", err)
	}
	return existing.ID, nil
}

// RoomsByHash resolves room ids for the given partner hashes. Hashes with no
// room are simply absent from the result.
func (r *Rooms) RoomsByHash(ctx context.Context, partnerHashes []string) (map[string]string, error) {
	if len(partnerHashes) == 0 {
		return map[string]string{}, nil
	}
	var rooms []Room
	if err := r.db.WithContext(ctx).Where("partner_hash IN ?", partnerHashes).Find(&rooms).Error; err != nil {
		return nil, err
	}
	result := make(map[string]string, len(rooms))
	for _, room := range rooms {
		result[room.PartnerHash] = room.ID
	}
	return result, nil
}

// RoomByID returns the room for an id, or ErrRoomNotFound.
func (r *Rooms) RoomByID(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := r.db.WithContext(ctx).Where("id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return room, nil
}
