package chat

import "time"

// Room is the anonymous pairwise channel opened for an overlapped partner.
// One room per partner hash, created at most once.
type Room struct {
	ID          string    `gorm:"column:id;primaryKey;size:36;not null"`
	PartnerHash string    `gorm:"column:partner_hash;size:64;not null;uniqueIndex:idx_chat_rooms_hash"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "chat_rooms"
}

// Message is one entry of a room's append-only log. Ordering within a room
// is the append order.
type Message struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	RoomID    string    `gorm:"column:room_id;size:36;not null;index:idx_chat_messages_room_created,priority:1"`
	UserID    string    `gorm:"column:user_id;size:190;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_chat_messages_room_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}
