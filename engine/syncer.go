package engine

import "time"

// syncer fsyncs the active segment on a fixed cadence when the engine is
// configured with SyncInterval. SyncNever and SyncEveryWrite don't need
// this worker (the former never syncs, the latter syncs inline on every
// write), but it is always started so a live config reload (not
// currently exposed, but cheap to leave room for) could flip the policy
// without restarting the engine.
type syncer struct {
	e *Engine
}

func newSyncer(e *Engine) *syncer {
	return &syncer{e: e}
}

func (s *syncer) run() {
	defer s.e.closer.done()
	ticker := time.NewTicker(s.e.opt.syncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.e.closer.stopping():
			return
		case <-ticker.C:
			if s.e.opt.SyncPolicy != SyncInterval {
				continue
			}
			if err := s.e.syncActive(); err != nil {
				s.e.opt.Logger.Warnf("periodic sync failed: %v", err)
			}
		}
	}
}
