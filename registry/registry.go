// Package registry is the supervisor: it owns the name/PID tables, creates
// processes (scripted, random and batch-generated) and assembles read-only
// snapshots for the presentation boundary. The allocator resolves PIDs
// through the registry, so it never holds process handles.
package registry

import (
	"fmt"
	"sync"

	"github.com/csopesy/csopesy-go/config"
	"github.com/csopesy/csopesy-go/instruction"
	"github.com/csopesy/csopesy-go/memory"
	"github.com/csopesy/csopesy-go/process"
	"github.com/csopesy/csopesy-go/scheduler"
	"github.com/csopesy/csopesy-go/utils"
)

const (
	minScriptInstructions = 1
	maxScriptInstructions = 50
)

// Registry maps names and dense PIDs to process handles.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*process.Process
	byPID  []*process.Process

	nextBatchID int

	cfg   *config.Config
	alloc *memory.Allocator
	sched *scheduler.Scheduler
}

var (
	instance   *Registry
	instanceMu sync.Mutex
)

// Init constructs the process-wide registry and wires the allocator's PID
// resolver and the scheduler's batch spawner. Runs after allocator init and
// before scheduler start.
func Init(cfg *config.Config, alloc *memory.Allocator, sched *scheduler.Scheduler) *Registry {
	r := NewRegistry(cfg, alloc, sched)
	instanceMu.Lock()
	instance = r
	instanceMu.Unlock()
	return r
}

// Get returns the process-wide registry.
func Get() *Registry {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Shutdown drops the process-wide registry.
func Shutdown() {
	instanceMu.Lock()
	instance = nil
	instanceMu.Unlock()
}

// NewRegistry builds a registry and wires it into the allocator and
// scheduler.
func NewRegistry(cfg *config.Config, alloc *memory.Allocator, sched *scheduler.Scheduler) *Registry {
	r := &Registry{
		byName: make(map[string]*process.Process),
		cfg:    cfg,
		alloc:  alloc,
		sched:  sched,
	}
	alloc.SetResolver(func(pid int) memory.PageHolder {
		p := r.ByPID(pid)
		if p == nil {
			return nil
		}
		return p
	})
	if sched != nil {
		sched.SetSpawner(r.SpawnBatch)
	}
	return r
}

// AttachScheduler wires a scheduler constructed after the registry, keeping
// the boot order Config, Allocator, Registry, Scheduler.
func (r *Registry) AttachScheduler(sched *scheduler.Scheduler) {
	r.mu.Lock()
	r.sched = sched
	r.mu.Unlock()
	sched.SetSpawner(r.SpawnBatch)
}

// ByName looks a process up by name, nil when unknown.
func (r *Registry) ByName(name string) *process.Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ByPID looks a process up by PID, nil when unknown.
func (r *Registry) ByPID(pid int) *process.Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if pid < 0 || pid >= len(r.byPID) {
		return nil
	}
	return r.byPID[pid]
}

// List returns every process in PID order.
func (r *Registry) List() []*process.Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*process.Process, len(r.byPID))
	copy(out, r.byPID)
	return out
}

// Count returns the number of processes ever created.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPID)
}

// register reserves the name and assigns the next dense PID.
func (r *Registry) register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[name]; taken {
		return 0, fmt.Errorf("process name %q is already in use", name)
	}
	pid := len(r.byPID)
	// Reserve the slot; the handle lands in publish.
	r.byPID = append(r.byPID, nil)
	r.byName[name] = nil
	return pid, nil
}

func (r *Registry) publish(pid int, name string, p *process.Process) {
	r.mu.Lock()
	r.byPID[pid] = p
	r.byName[name] = p
	r.mu.Unlock()
}

// Create builds a process with a randomly generated program and schedules
// it. The memory footprint is a random power of two in
// [min-mem-per-proc, max-mem-per-proc].
func (r *Registry) Create(name string) (*process.Process, error) {
	pid, err := r.register(name)
	if err != nil {
		return nil, err
	}

	mem := randomPowerOfTwo(r.cfg.MinMemPerProc, r.cfg.MaxMemPerProc)
	lines := instruction.RandomNum(int(r.cfg.MinInstructions), int(r.cfg.MaxInstructions))

	p := process.New(pid, name, mem, r.alloc)
	program := instruction.Generate(pid, name, lines, mem)
	if err := p.SubmitInstructions(program, true); err != nil {
		return nil, err
	}
	r.publish(pid, name, p)

	if r.sched != nil {
		r.sched.Schedule(p)
	}
	return p, nil
}

// CreateWithMemory builds a random-program process with a fixed footprint
// (used by `screen -s`, which sizes processes at mem-per-proc).
func (r *Registry) CreateWithMemory(name string, mem int) (*process.Process, error) {
	if !utils.IsPowerOfTwo(mem) || mem < config.MinMemSize || mem > config.MaxMemSize {
		return nil, fmt.Errorf("memory size %d must be a power of two in [%d, %d]",
			mem, config.MinMemSize, config.MaxMemSize)
	}
	pid, err := r.register(name)
	if err != nil {
		return nil, err
	}

	lines := instruction.RandomNum(int(r.cfg.MinInstructions), int(r.cfg.MaxInstructions))
	p := process.New(pid, name, mem, r.alloc)
	program := instruction.Generate(pid, name, lines, mem)
	if err := p.SubmitInstructions(program, true); err != nil {
		return nil, err
	}
	r.publish(pid, name, p)

	if r.sched != nil {
		r.sched.Schedule(p)
	}
	return p, nil
}

// CreateScripted builds a process from a semicolon-separated instruction
// string (`screen -c`). Validates the instruction count and that text plus
// symbol table fit inside the declared memory size.
func (r *Registry) CreateScripted(name string, mem int, script string) (*process.Process, error) {
	if !utils.IsPowerOfTwo(mem) || mem < config.MinMemSize || mem > config.MaxMemSize {
		return nil, fmt.Errorf("memory size %d must be a power of two in [%d, %d]",
			mem, config.MinMemSize, config.MaxMemSize)
	}

	// Parse against a provisional PID; the real one is assigned only after
	// validation so failures leave no side effects.
	provisional, err := instruction.ParseScriptList(script, -1)
	if err != nil {
		return nil, err
	}
	count := len(provisional)
	if count < minScriptInstructions || count > maxScriptInstructions {
		return nil, fmt.Errorf("instruction count %d out of range [%d, %d]",
			count, minScriptInstructions, maxScriptInstructions)
	}
	if 2*count+64 > mem {
		return nil, fmt.Errorf("memory size %d cannot hold %d instructions plus the symbol table",
			mem, count)
	}

	pid, err := r.register(name)
	if err != nil {
		return nil, err
	}

	program, err := instruction.ParseScriptList(script, pid)
	if err != nil {
		return nil, err
	}

	p := process.New(pid, name, mem, r.alloc)
	if err := p.SubmitInstructions(program, true); err != nil {
		return nil, err
	}
	r.publish(pid, name, p)

	if r.sched != nil {
		r.sched.Schedule(p)
	}
	return p, nil
}

// SpawnBatch creates the next auto-generated process (scheduler callback).
func (r *Registry) SpawnBatch() {
	for {
		r.mu.Lock()
		name := fmt.Sprintf("process_%02d", r.nextBatchID)
		r.nextBatchID++
		_, taken := r.byName[name]
		r.mu.Unlock()
		if taken {
			continue
		}
		if _, err := r.Create(name); err != nil {
			utils.ErrorLog.Error("batch process creation failed", "name", name, "error", err)
		}
		return
	}
}

// randomPowerOfTwo draws a power of two uniformly from [lo, hi] by exponent.
func randomPowerOfTwo(lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	loExp, hiExp := 0, 0
	for 1<<loExp < lo {
		loExp++
	}
	for 1<<hiExp < hi {
		hiExp++
	}
	return 1 << instruction.RandomNum(loExp, hiExp)
}
