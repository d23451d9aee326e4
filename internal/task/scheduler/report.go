package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"macrosched/internal/storage"
	logx "macrosched/pkg/logx"
)

const tickWarnThrottle = 5 * time.Minute

// reportTickError logs a failed tick. Warnings are throttled per schedule so a
// broken schedule does not flood the log once a minute.
func (s *Service) reportTickError(id string, err error) {
	if err == nil {
		return
	}
	// Shutdown cancels in-flight ticks.
	if errors.Is(err, context.Canceled) {
		s.log.Debug("schedule tick canceled", logx.String("schedule", id))
		return
	}

	s.warnMu.Lock()
	lm := s.warnLm[id]
	if lm == nil {
		lm = rate.NewLimiter(rate.Every(tickWarnThrottle), 1)
		s.warnLm[id] = lm
	}
	allow := lm.Allow()
	s.warnMu.Unlock()

	if !allow {
		s.log.Debug("schedule tick failed", logx.String("schedule", id), logx.Err(err))
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("schedule target missing", logx.String("schedule", id), logx.Err(err))
		return
	}
	s.log.Warn("schedule tick failed", logx.String("schedule", id), logx.Err(err))
}
