package overlap

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Intent is a self-reported label describing the declared relationship.
type Intent string

const (
	// IntentExclusive marks a declared exclusive relationship.
	IntentExclusive Intent = "exclusive"
	// IntentCasual marks a declared casual relationship.
	IntentCasual Intent = "casual"
	// IntentUnspecified marks a declaration whose nature was left open.
	IntentUnspecified Intent = "unspecified"
	// IntentAbsent is stored when the declarer supplied no label at all.
	IntentAbsent Intent = ""
)

// AlertStatus tracks whether a declarer has seen an overlap alert.
type AlertStatus string

const (
	// AlertStatusNew marks an alert the declarer has not read yet.
	AlertStatusNew AlertStatus = "new"
	// AlertStatusRead marks an alert the declarer has acknowledged.
	AlertStatusRead AlertStatus = "read"
)

const maxIdentifierLength = 190

var (
	// ErrPartnerRequired indicates the raw partner identifier was empty.
	ErrPartnerRequired = errors.New("overlap: partner identifier required")
	// ErrInvalidIntent indicates a label outside the closed intent set.
	ErrInvalidIntent = errors.New("overlap: invalid intent")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("overlap: invalid user id")
)

// ParseIntent validates a raw intent label. The empty string is accepted and
// stored as an absent intent.
func ParseIntent(raw string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentExclusive:
		return IntentExclusive, nil
	case IntentCasual:
		return IntentCasual, nil
	case IntentUnspecified:
		return IntentUnspecified, nil
	case IntentAbsent:
		return IntentAbsent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidIntent, raw)
	}
}

// UserID represents a validated declarer identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Partner is the shared anonymous node a declaration references. It is
// created lazily on first sight of a pseudonymous key and never mutated.
type Partner struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	Hash      string    `gorm:"column:hash;size:64;not null;uniqueIndex:idx_partners_hash"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Partner) TableName() string {
	return "partners"
}

// Declaration records that a user privately declared a partner. The unique
// pair index guarantees at most one row per (user, partner).
type Declaration struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_declarations_pair,priority:1"`
	PartnerID string    `gorm:"column:partner_id;size:36;not null;uniqueIndex:idx_declarations_pair,priority:2;index:idx_declarations_partner"`
	Intent    Intent    `gorm:"column:intent;size:32;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_declarations_created"`
}

// TableName provides the explicit table binding for GORM.
func (Declaration) TableName() string {
	return "declarations"
}

// Alert notifies a declarer that the overlap threshold was crossed for one
// of their partners. Unique per (user, partner); created only by the fanout
// pass and only mutated by the read-state tracker.
type Alert struct {
	ID        string      `gorm:"column:id;primaryKey;size:36;not null"`
	UserID    string      `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_alerts_pair,priority:1;index:idx_alerts_user_created,priority:1"`
	PartnerID string      `gorm:"column:partner_id;size:36;not null;uniqueIndex:idx_alerts_pair,priority:2"`
	Status    AlertStatus `gorm:"column:status;size:8;not null;default:'new'"`
	CreatedAt time.Time   `gorm:"column:created_at;autoCreateTime;index:idx_alerts_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Alert) TableName() string {
	return "alerts"
}
