package overlap

import (
	"context"
	"time"

	"github.com/CandorWorksLab/entwine/backend/internal/pseudonym"
	"go.uber.org/zap"
)

// upgradePrompt is shown in place of real aggregates for non-pro viewers.
const upgradePrompt = "Upgrade to see overlap details"

// PartnerStats aggregates the other declarers of a partner from the
// viewer's perspective: the viewer's own declaration is always excluded,
// and nothing identifies which specific users declared.
type PartnerStats struct {
	OverlapCount int        `json:"overlap_count"`
	Intents      []Intent   `json:"intents"`
	LastActive   *time.Time `json:"last_active"`
}

// AlertView is a single entry of a user's alert listing. Stats is populated
// for pro viewers; Teaser carries the upgrade prompt for everyone else.
type AlertView struct {
	ID          string        `json:"id"`
	Status      AlertStatus   `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	PartnerHint string        `json:"partner_hint"`
	RoomID      string        `json:"room_id,omitempty"`
	Stats       *PartnerStats `json:"stats,omitempty"`
	Teaser      string        `json:"teaser,omitempty"`
}

// ListAlerts returns the user's alerts newest first, each annotated with the
// partner hint, the anonymous room id when one exists, and either real
// aggregate statistics (pro viewers) or a masked teaser.
func (s *Service) ListAlerts(ctx context.Context, userID UserID, isPro bool) ([]AlertView, error) {
	var alerts []Alert
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Find(&alerts).Error
	if err != nil {
		s.logError(opListAlerts, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListAlerts, "query_failed", err)
	}
	if len(alerts) == 0 {
		return []AlertView{}, nil
	}

	partnerIDs := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		partnerIDs = append(partnerIDs, alert.PartnerID)
	}

	hashByPartner, err := s.partnerHashes(ctx, partnerIDs)
	if err != nil {
		s.logError(opListAlerts, "partner_lookup_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListAlerts, "partner_lookup_failed", err)
	}

	var statsByPartner map[string]*PartnerStats
	if isPro {
		statsByPartner, err = s.othersStats(ctx, userID, partnerIDs)
		if err != nil {
			s.logError(opListAlerts, "stats_query_failed", err, zap.String("user_id", userID.String()))
			return nil, newServiceError(opListAlerts, "stats_query_failed", err)
		}
	}

	roomByHash := s.lookupRooms(ctx, hashByPartner)

	views := make([]AlertView, 0, len(alerts))
	for _, alert := range alerts {
		hash := hashByPartner[alert.PartnerID]
		view := AlertView{
			ID:          alert.ID,
			Status:      alert.Status,
			CreatedAt:   alert.CreatedAt,
			PartnerHint: pseudonym.Hint(hash),
			RoomID:      roomByHash[hash],
		}
		if isPro {
			view.Stats = statsForPartner(statsByPartner, alert.PartnerID)
		} else {
			view.Teaser = upgradePrompt
		}
		views = append(views, view)
	}
	return views, nil
}

// MarkAllRead transitions every new alert of the user to read. Already-read
// alerts and other users' alerts are untouched; repeating the call is a
// no-op.
func (s *Service) MarkAllRead(ctx context.Context, userID UserID) error {
	err := s.db.WithContext(ctx).
		Model(&Alert{}).
		Where("user_id = ? AND status = ?", userID.String(), AlertStatusNew).
		Update("status", AlertStatusRead).Error
	if err != nil {
		s.logError(opMarkAllRead, "update_failed", err, zap.String("user_id", userID.String()))
		return newServiceError(opMarkAllRead, "update_failed", err)
	}
	return nil
}

func (s *Service) partnerHashes(ctx context.Context, partnerIDs []string) (map[string]string, error) {
	var partners []Partner
	if err := s.db.WithContext(ctx).Where("id IN ?", partnerIDs).Find(&partners).Error; err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(partners))
	for _, partner := range partners {
		hashes[partner.ID] = partner.Hash
	}
	return hashes, nil
}

// othersStats aggregates declarations for the given partners excluding the
// viewer's own rows: count, distinct intents, and latest activity.
func (s *Service) othersStats(ctx context.Context, viewer UserID, partnerIDs []string) (map[string]*PartnerStats, error) {
	var declarations []Declaration
	err := s.db.WithContext(ctx).
		Where("partner_id IN ? AND user_id <> ?", partnerIDs, viewer.String()).
		Find(&declarations).Error
	if err != nil {
		return nil, err
	}

	stats := make(map[string]*PartnerStats, len(partnerIDs))
	seenIntents := make(map[string]map[Intent]struct{})
	for _, declaration := range declarations {
		entry := stats[declaration.PartnerID]
		if entry == nil {
			entry = &PartnerStats{Intents: []Intent{}}
			stats[declaration.PartnerID] = entry
			seenIntents[declaration.PartnerID] = make(map[Intent]struct{})
		}
		entry.OverlapCount++
		if declaration.Intent != IntentAbsent {
			if _, seen := seenIntents[declaration.PartnerID][declaration.Intent]; !seen {
				seenIntents[declaration.PartnerID][declaration.Intent] = struct{}{}
				entry.Intents = append(entry.Intents, declaration.Intent)
			}
		}
		createdAt := declaration.CreatedAt
		if entry.LastActive == nil || createdAt.After(*entry.LastActive) {
			last := createdAt
			entry.LastActive = &last
		}
	}
	return stats, nil
}

func (s *Service) lookupRooms(ctx context.Context, hashByPartner map[string]string) map[string]string {
	if s.rooms == nil || len(hashByPartner) == 0 {
		return map[string]string{}
	}
	hashes := make([]string, 0, len(hashByPartner))
	for _, hash := range hashByPartner {
		if hash != "" {
			hashes = append(hashes, hash)
		}
	}
	rooms, err := s.rooms.RoomsByHash(ctx, hashes)
	if err != nil {
		// Room ids are an annotation; the listing still serves without them.
		s.logError(opListAlerts, "room_lookup_failed", err)
		return map[string]string{}
	}
	return rooms
}

func statsForPartner(statsByPartner map[string]*PartnerStats, partnerID string) *PartnerStats {
	if entry, ok := statsByPartner[partnerID]; ok {
		return entry
	}
	return &PartnerStats{Intents: []Intent{}}
}
