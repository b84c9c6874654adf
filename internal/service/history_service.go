package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-api/internal/dto"
	"github.com/parley-chat/parley-api/internal/observability"
	"github.com/parley-chat/parley-api/internal/repository"
)

const historyKeyPrefix = "parley:history"

// HistoryService serves paginated room history cache-aside: read through
// the cache, populate on miss with a bounded TTL, and invalidate the
// whole room prefix on any write. Cache trouble never blocks a read;
// the repository is always the fallback of record.
type HistoryService interface {
	GetHistory(ctx context.Context, query dto.HistoryQuery) ([]dto.MessageResponse, error)
	InvalidateRoom(ctx context.Context, roomID string)
}

type historyService struct {
	repo     repository.MessageRepository
	cache    *redis.Client
	ttl      time.Duration
	pageSize int
	logger   zerolog.Logger
}

// NewHistoryService builds the cache-aside history reader. pageSize is
// the configured default page length; requested limits beyond twice
// that fall back to it.
func NewHistoryService(repo repository.MessageRepository, cache *redis.Client, ttl time.Duration, pageSize int, logger zerolog.Logger) HistoryService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &historyService{
		repo:     repo,
		cache:    cache,
		ttl:      ttl,
		pageSize: pageSize,
		logger:   logger.With().Str("component", "history_service").Logger(),
	}
}

func (s *historyService) GetHistory(ctx context.Context, query dto.HistoryQuery) ([]dto.MessageResponse, error) {
	query.Limit = s.normalizeLimit(query.Limit)
	key := historyKey(query)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, key).Result()
		switch {
		case err == nil:
			var page []dto.MessageResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &page); unmarshalErr == nil {
				observability.HistoryCacheLookups().WithLabelValues("hit").Inc()
				return page, nil
			}
			s.logger.Warn().Str("key", key).Msg("discarding undecodable history cache entry")
		case err == redis.Nil:
			observability.HistoryCacheLookups().WithLabelValues("miss").Inc()
		default:
			observability.HistoryCacheLookups().WithLabelValues("error").Inc()
			s.logger.Warn().Err(err).Msg("history cache read failed, falling back to store")
		}
	}

	before := time.Time{}
	if query.Before != nil {
		before = *query.Before
	}

	messages, err := s.repo.ListByRoom(ctx, query.RoomID, before, query.BeforeID, query.Limit)
	if err != nil {
		return nil, err
	}

	page := dto.NewMessageResponseSlice(messages)

	if s.cache != nil {
		if payload, err := json.Marshal(page); err == nil {
			if err := s.cache.Set(ctx, key, payload, s.ttl).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to populate history cache")
			}
		}
	}

	return page, nil
}

// InvalidateRoom drops every cached page for the room. Coarse on
// purpose: pages are cheap to regenerate and a stale page is a
// user-visible bug, so the whole prefix goes.
func (s *historyService) InvalidateRoom(ctx context.Context, roomID string) {
	if s.cache == nil {
		return
	}

	pattern := fmt.Sprintf("%s:%s:*", historyKeyPrefix, roomID)
	iter := s.cache.Scan(ctx, 0, pattern, 0).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("history cache scan failed during invalidation")
		return
	}

	if len(keys) == 0 {
		return
	}

	if err := s.cache.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("history cache invalidation failed")
	}
}

func (s *historyService) normalizeLimit(limit int) int {
	if limit <= 0 || limit > 2*s.pageSize {
		return s.pageSize
	}
	return limit
}

// historyKey expects an already-normalized limit so equivalent queries
// share one cache entry.
func historyKey(query dto.HistoryQuery) string {
	before := int64(0)
	if query.Before != nil {
		before = query.Before.UnixNano()
	}
	return fmt.Sprintf("%s:%s:%d:%s:%d", historyKeyPrefix, query.RoomID, before, query.BeforeID, query.Limit)
}
