// Package scheduler drives the virtual clock: one tick thread plus N CPU
// workers synchronize on an (N+1)-arity barrier once per tick. The barrier's
// completion function advances the global tick counter and drains the wait
// heap, so workers entering tick k+1 always see that tick's wakeups.
package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csopesy/csopesy-go/config"
	"github.com/csopesy/csopesy-go/memory"
	"github.com/csopesy/csopesy-go/process"
	"github.com/csopesy/csopesy-go/utils"
)

// tickPeriod is the nominal wall-clock length of one tick.
const tickPeriod = time.Millisecond

// Scheduler coordinates the tick thread and the CPU workers.
type Scheduler struct {
	cfg   *config.Config
	alloc *memory.Allocator

	barrier *utils.Barrier

	readyMu sync.Mutex
	ready   []*process.Process

	waitMu sync.Mutex
	wait   waitHeap

	coreMu          sync.Mutex
	coreAssignments []*process.Process
	availableCores  int

	ticks       atomic.Uint64
	activeTicks []uint64 // per core, atomic access
	idleTicks   []uint64 // per core, atomic access

	// stopRequested is observed by the tick completion function, which flips
	// running exactly at a tick boundary so every thread retires on the same
	// tick and nobody strands the barrier.
	stopRequested atomic.Bool
	running       atomic.Bool
	started       bool

	tickMu   sync.Mutex
	tickCond *sync.Cond

	generating atomic.Bool
	spawner    func()
	genWG      sync.WaitGroup

	wg sync.WaitGroup
}

var (
	instance   *Scheduler
	instanceMu sync.Mutex
)

// Init constructs the process-wide scheduler. Runs after allocator and
// registry init.
func Init(cfg *config.Config, alloc *memory.Allocator) *Scheduler {
	s := NewScheduler(cfg, alloc)
	instanceMu.Lock()
	instance = s
	instanceMu.Unlock()
	return s
}

// Get returns the process-wide scheduler.
func Get() *Scheduler {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Shutdown stops and drops the process-wide scheduler.
func Shutdown() {
	instanceMu.Lock()
	s := instance
	instance = nil
	instanceMu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// NewScheduler builds a scheduler for cfg.NumCPU cores.
func NewScheduler(cfg *config.Config, alloc *memory.Allocator) *Scheduler {
	s := &Scheduler{
		cfg:             cfg,
		alloc:           alloc,
		coreAssignments: make([]*process.Process, cfg.NumCPU),
		availableCores:  cfg.NumCPU,
		activeTicks:     make([]uint64, cfg.NumCPU),
		idleTicks:       make([]uint64, cfg.NumCPU),
	}
	s.tickCond = sync.NewCond(&s.tickMu)
	return s
}

// SetSpawner registers the batch-generation callback (the registry's
// create-batch-process operation).
func (s *Scheduler) SetSpawner(spawn func()) {
	s.spawner = spawn
}

// Start launches the tick thread and the CPU workers.
func (s *Scheduler) Start() {
	if s.started {
		return
	}
	s.started = true
	s.running.Store(true)
	s.barrier = utils.NewBarrier(s.cfg.NumCPU+1, s.onTick)

	for i := 0; i < s.cfg.NumCPU; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	s.wg.Add(1)
	go s.tickLoop()

	utils.InfoLog.Info("scheduler started",
		"cores", s.cfg.NumCPU, "policy", s.cfg.Scheduler.String())
}

// Stop retires every thread at the next tick boundary and joins them.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	s.stopRequested.Store(true)
	s.StopBatchGeneration()
	s.wg.Wait()
	s.started = false
	s.stopRequested.Store(false)
	utils.InfoLog.Info("scheduler stopped", "ticks", s.ticks.Load())
}

// onTick is the barrier completion function: it runs once per tick, between
// tick k and tick k+1, on whichever thread arrived last.
func (s *Scheduler) onTick() {
	if s.stopRequested.Load() {
		s.running.Store(false)
	}
	t := s.ticks.Add(1)

	// Wake every sleeper due at or before the new tick.
	s.waitMu.Lock()
	for s.wait.Len() > 0 && s.wait[0].WakeupTick() <= t {
		p := heap.Pop(&s.wait).(*process.Process)
		if p == nil {
			continue
		}
		if p.Finished() {
			p.MarkDone()
			if err := s.alloc.Deallocate(p.PID()); err != nil {
				utils.ErrorLog.Error("deallocation failed", "pid", p.PID(), "error", err)
			}
			continue
		}
		p.SetStatus(process.Ready)
		s.enqueueReady(p)
	}
	s.waitMu.Unlock()

	s.tickCond.Broadcast()
}

// tickLoop is the driver thread: one barrier arrival per nominal tick.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	for s.running.Load() {
		time.Sleep(tickPeriod)
		s.barrier.ArriveAndWait()
	}
	s.barrier.ArriveAndDrop()
}

// workerLoop is one CPU core. Every barrier arrival is preceded by exactly
// one active or idle tick on this core.
func (s *Scheduler) workerLoop(core int) {
	defer s.wg.Done()

	for s.running.Load() {
		proc := s.dequeueReady()
		if proc == nil {
			atomic.AddUint64(&s.idleTicks[core], 1)
			s.barrier.ArriveAndWait()
			continue
		}

		proc.SetStatus(process.Running)
		proc.SetCurrentCore(core)
		s.assignCore(core, proc)

		if s.cfg.Scheduler == config.RR {
			s.executeRR(core, proc)
		} else {
			s.executeFCFS(core, proc)
		}

		s.resetCore(core, proc)
	}
	s.barrier.ArriveAndDrop()
}

// executeFCFS runs the process until it leaves RUNNING.
func (s *Scheduler) executeFCFS(core int, proc *process.Process) {
	for proc.Status() == process.Running && s.running.Load() {
		s.oneStep(proc)
		atomic.AddUint64(&s.activeTicks[core], 1)
		s.barrier.ArriveAndWait()
	}
}

// executeRR runs the process for at most quantum executed steps, then
// preempts it back to the ready queue. Skipped delay ticks do not consume
// quantum.
func (s *Scheduler) executeRR(core int, proc *process.Process) {
	quantum := s.cfg.QuantumCycles
	executed := uint32(0)

	for proc.Status() == process.Running && executed < quantum && s.running.Load() {
		if s.oneStep(proc) {
			executed++
		}
		atomic.AddUint64(&s.activeTicks[core], 1)
		s.barrier.ArriveAndWait()
	}

	if proc.Status() == process.Running && executed >= quantum {
		proc.SetStatus(process.Ready)
		s.enqueueReady(proc)
	}
}

// oneStep advances one instruction line unless this tick is gated by
// delays-per-exec. Reports whether the process actually stepped.
func (s *Scheduler) oneStep(proc *process.Process) bool {
	delays := uint64(s.cfg.DelaysPerExec)
	if delays == 0 || s.ticks.Load()%delays == 0 {
		proc.Step()
		return true
	}
	return false
}

// resetCore releases the core and deallocates a finished process.
func (s *Scheduler) resetCore(core int, proc *process.Process) {
	if proc.Finished() {
		proc.MarkDone()
	}
	if proc.Status() == process.Done {
		if err := s.alloc.Deallocate(proc.PID()); err != nil {
			utils.ErrorLog.Error("deallocation failed", "pid", proc.PID(), "error", err)
		}
	}
	// A woken sleeper may already be running on another core; only clear the
	// assignment while the process is still ours.
	if proc.Status() != process.Running {
		proc.SetCurrentCore(-1)
	}

	s.coreMu.Lock()
	s.coreAssignments[core] = nil
	s.availableCores++
	s.coreMu.Unlock()
}

func (s *Scheduler) assignCore(core int, proc *process.Process) {
	s.coreMu.Lock()
	s.coreAssignments[core] = proc
	s.availableCores--
	s.coreMu.Unlock()
}

// Schedule appends a READY process to the global ready queue.
func (s *Scheduler) Schedule(p *process.Process) {
	p.AttachScheduler(s)
	p.SetStatus(process.Ready)
	s.enqueueReady(p)
}

func (s *Scheduler) enqueueReady(p *process.Process) {
	s.readyMu.Lock()
	s.ready = append(s.ready, p)
	s.readyMu.Unlock()
}

func (s *Scheduler) dequeueReady() *process.Process {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	p := s.ready[0]
	s.ready = s.ready[1:]
	return p
}

// SleepProcess parks a WAITING process in the wait heap (process.Sleeper).
func (s *Scheduler) SleepProcess(p *process.Process) {
	s.waitMu.Lock()
	heap.Push(&s.wait, p)
	s.waitMu.Unlock()
}

// CurrentTick returns the global tick counter (process.Sleeper).
func (s *Scheduler) CurrentTick() uint64 {
	return s.ticks.Load()
}

// ---- accounting ----

// TotalTicks returns the global tick counter.
func (s *Scheduler) TotalTicks() uint64 { return s.ticks.Load() }

// ActiveTicks sums the per-core active counters.
func (s *Scheduler) ActiveTicks() uint64 {
	var sum uint64
	for i := range s.activeTicks {
		sum += atomic.LoadUint64(&s.activeTicks[i])
	}
	return sum
}

// IdleTicks sums the per-core idle counters.
func (s *Scheduler) IdleTicks() uint64 {
	var sum uint64
	for i := range s.idleTicks {
		sum += atomic.LoadUint64(&s.idleTicks[i])
	}
	return sum
}

// CoreTicks returns one core's (active, idle) counters.
func (s *Scheduler) CoreTicks(core int) (active, idle uint64) {
	return atomic.LoadUint64(&s.activeTicks[core]), atomic.LoadUint64(&s.idleTicks[core])
}

// TotalCores returns the configured core count.
func (s *Scheduler) TotalCores() int { return s.cfg.NumCPU }

// AvailableCores returns the number of cores with no process assigned.
func (s *Scheduler) AvailableCores() int {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()
	return s.availableCores
}

// CoreAssignments returns a copy of the per-core process slots.
func (s *Scheduler) CoreAssignments() []*process.Process {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()
	out := make([]*process.Process, len(s.coreAssignments))
	copy(out, s.coreAssignments)
	return out
}

// ReadyCount returns the ready-queue length.
func (s *Scheduler) ReadyCount() int {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return len(s.ready)
}

// WaitCount returns the wait-heap size.
func (s *Scheduler) WaitCount() int {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.wait.Len()
}
