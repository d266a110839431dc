package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Env:      s.env.String(),
		Timezone: s.loc.String(),
	}
	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, rt := range s.tasks {
		infos = append(infos, s.infoLocked(rt))
	}
	eng := s.engine
	s.mu.Unlock()

	if eng != nil {
		snap.Engine = eng.Snapshot()
		for i := range infos {
			if st, ok := eng.Stats(infos[i].Name); ok {
				infos[i].Stats = st
			}
		}
	}
	snap.Tasks = infos
	return snap
}

// Task returns the view of one task; ok is false for names InitializeAll never saw.
func (s *Service) Task(name string) (TaskInfo, bool) {
	s.mu.Lock()
	rt, ok := s.index[name]
	if !ok {
		s.mu.Unlock()
		return TaskInfo{Name: name, State: Unregistered.String()}, false
	}
	info := s.infoLocked(rt)
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		info.Stats, _ = eng.Stats(name)
	}
	return info, true
}

func (s *Service) infoLocked(rt *runningTask) TaskInfo {
	info := TaskInfo{
		Name:     rt.def.Name,
		State:    rt.state.String(),
		Expr:     rt.expr,
		Expected: rt.def.ExpectedInterval,
	}
	if rt.sched != nil {
		info.Kind = rt.sched.Kind().String()
	}
	if rt.err != nil {
		info.Error = rt.err.Error()
	}
	if h := rt.handle; h != nil {
		info.Next = h.Next()
		info.Prev = h.Prev()
		info.Fires = h.Fires()
	}
	return info
}
