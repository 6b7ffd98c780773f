package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "taskd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer qt.release()

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked", logx.Int64("job_id", qt.task.JobID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(ctx)
	}()

	dur := time.Since(start)
	item := HistoryItem{
		ID:         qt.task.ID,
		JobID:      qt.task.JobID,
		Name:       qt.task.Name,
		Trigger:    qt.task.Trigger,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
	}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.Int64("job_id", qt.task.JobID), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	} else {
		s.log.Debug("task completed", logx.Int64("job_id", qt.task.JobID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	s.record(item)
}
