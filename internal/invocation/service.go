package invocation

import (
	"context"

	"faasrt/internal/common/cache"
	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Service answers invocation queries from the cache first and the
// repository second. Either backend may be nil.
type Service struct {
	status *StatusCache
	repo   Repository
}

func NewService(status *StatusCache, repo Repository) *Service {
	return &Service{status: status, repo: repo}
}

// Get returns one record. A repository hit is written back to the cache.
func (s *Service) Get(ctx context.Context, requestID string) (Record, error) {
	if requestID == "" {
		return Record{}, appErr.ValidationError("request_id", "required")
	}
	if s.status == nil && s.repo == nil {
		return Record{}, appErr.New(appErr.ServiceUnavailable).WithMessage("invocation storage is not configured")
	}
	if s.repo == nil {
		return s.status.Get(ctx, requestID)
	}
	if s.status == nil {
		rec, found, err := s.repo.Get(ctx, requestID)
		if err != nil {
			return Record{}, err
		}
		if !found {
			return Record{}, appErr.New(appErr.NotFound).WithMessagef("invocation %s not found", requestID)
		}
		return rec, nil
	}

	rec, found, err := cache.GetOrLoad(ctx, s.status.cache, recordKey(requestID), s.status.TTL, s.status.TTL/10,
		func(ctx context.Context) (Record, bool, error) {
			return s.repo.Get(ctx, requestID)
		})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, appErr.New(appErr.NotFound).WithMessagef("invocation %s not found", requestID)
	}
	return rec, nil
}

// Recent lists the newest records of module. The cache answers when it holds
// anything; the repository covers older or evicted history.
func (s *Service) Recent(ctx context.Context, module string, limit int) ([]Record, error) {
	if module == "" {
		return nil, appErr.ValidationError("module", "required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if s.status != nil {
		recs, err := s.status.Recent(ctx, module, limit)
		if err == nil && (len(recs) > 0 || s.repo == nil) {
			return recs, nil
		}
		if err != nil {
			if s.repo == nil {
				return nil, err
			}
			logger.Warn(ctx, "recent invocations cache failed", zap.String("module", module), zap.Error(err))
		}
	}
	if s.repo == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("invocation storage is not configured")
	}
	recs, err := s.repo.ListByModule(ctx, module, limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}
