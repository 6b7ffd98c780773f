package scheduler

import "taskd/internal/task/engine"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Running:  running,
		Timezone: s.table.Location().String(),
		Triggers: s.table.Snapshot(),
	}
	if eng, ok := s.engine.(interface{ Snapshot() engine.Snapshot }); ok {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
