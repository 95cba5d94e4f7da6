package overlap

import (
	"context"
	"time"
)

const statsCacheTTL = time.Minute

// GlobalStats holds the public aggregate counters served without auth.
type GlobalStats struct {
	TotalDeclarations int64 `json:"total_declarations"`
	TotalOverlaps     int64 `json:"total_overlaps"`
}

// StatsCache is an optional read-through cache for the global counters. A
// nil entry with a nil error is a miss. Implemented by cache.StatsCache.
type StatsCache interface {
	GetGlobalStats(ctx context.Context) (*GlobalStats, error)
	SetGlobalStats(ctx context.Context, stats GlobalStats, ttl time.Duration) error
}

// GlobalStatsCounts returns the total number of declarations and the number
// of partners whose declarer count has reached the overlap threshold,
// consulting the cache first when one is configured. Cache failures fall
// back to direct counts.
func (s *Service) GlobalStatsCounts(ctx context.Context) (GlobalStats, error) {
	if s.cache != nil {
		cached, err := s.cache.GetGlobalStats(ctx)
		if err != nil {
			s.logError(opGlobalStats, "cache_read_failed", err)
		} else if cached != nil {
			return *cached, nil
		}
	}

	var stats GlobalStats
	err := s.db.WithContext(ctx).
		Model(&Declaration{}).
		Count(&stats.TotalDeclarations).Error
	if err != nil {
		s.logError(opGlobalStats, "declaration_count_failed", err)
		return GlobalStats{}, newServiceError(opGlobalStats, "declaration_count_failed", err)
	}

	overlapQuery := s.db.WithContext(ctx).
		Model(&Declaration{}).
		Select("partner_id").
		Group("partner_id").
		Having("COUNT(*) >= ?", overlapThreshold)
	err = s.db.WithContext(ctx).
		Table("(?) AS overlapped", overlapQuery).
		Count(&stats.TotalOverlaps).Error
	if err != nil {
		s.logError(opGlobalStats, "overlap_count_failed", err)
		return GlobalStats{}, newServiceError(opGlobalStats, "overlap_count_failed", err)
	}

	if s.cache != nil {
		if err := s.cache.SetGlobalStats(ctx, stats, statsCacheTTL); err != nil {
			s.logError(opGlobalStats, "cache_write_failed", err)
		}
	}
	return stats, nil
}
