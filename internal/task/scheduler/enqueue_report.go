package scheduler

import (
	"errors"
	"time"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(jobID int64, err error) {
	if err == nil {
		return
	}
	// Overlap skips are normal for jobs that outlast their period.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped: job in flight", logx.Int64("job_id", jobID))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[jobID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[jobID] = now
	s.enqMu.Unlock()

	s.log.Warn("trigger failed to enqueue", logx.Int64("job_id", jobID), logx.Err(err))
}
