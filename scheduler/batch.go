package scheduler

import (
	"github.com/csopesy/csopesy-go/utils"
)

// Batch process generation: a dedicated thread that spawns one process every
// batch-process-freq ticks until told to stop. The spawner callback is the
// registry's batch-create operation, so the scheduler never constructs
// processes itself.

// StartBatchGeneration starts the generator thread. Returns false when it is
// already running or no spawner is registered.
func (s *Scheduler) StartBatchGeneration() bool {
	if s.spawner == nil {
		utils.ErrorLog.Error("batch generation requested without a spawner")
		return false
	}
	if !s.generating.CompareAndSwap(false, true) {
		return false
	}
	s.genWG.Add(1)
	go s.batchLoop()
	utils.InfoLog.Info("batch process generation started",
		"every_ticks", s.cfg.BatchProcessFreq)
	return true
}

// StopBatchGeneration stops the generator thread and joins it. Returns false
// when it was not running.
func (s *Scheduler) StopBatchGeneration() bool {
	if !s.generating.CompareAndSwap(true, false) {
		return false
	}
	s.tickMu.Lock()
	s.tickCond.Broadcast()
	s.tickMu.Unlock()
	s.genWG.Wait()
	utils.InfoLog.Info("batch process generation stopped")
	return true
}

// IsGenerating reports whether the generator thread is live.
func (s *Scheduler) IsGenerating() bool {
	return s.generating.Load()
}

func (s *Scheduler) batchLoop() {
	defer s.genWG.Done()

	interval := uint64(s.cfg.BatchProcessFreq)
	last := s.ticks.Load()

	for {
		s.tickMu.Lock()
		for s.generating.Load() && s.ticks.Load()-last < interval {
			s.tickCond.Wait()
		}
		s.tickMu.Unlock()

		if !s.generating.Load() {
			return
		}

		last = s.ticks.Load()
		s.spawner()
	}
}
