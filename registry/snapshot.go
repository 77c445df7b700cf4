package registry

import (
	"time"

	"github.com/csopesy/csopesy-go/memory"
)

// ProcessInfo is one process row in a snapshot.
type ProcessInfo struct {
	Name        string
	PID         int
	Status      string
	CurrentLine int
	TotalLines  int
	Core        int
	Created     time.Time
	Memory      int
	Violated    bool
	BadAddress  int
}

// Snapshot is a copied view of the whole system, consumed by process-smi,
// vmstat and report-util. Assembling one reads the subsystems in a fixed
// order (registry, processes, allocator, scheduler), each under its own lock;
// the locks are not held together, so the parts may come from slightly
// different moments.
type Snapshot struct {
	Processes []ProcessInfo

	UsedMemory int
	FreeMemory int
	TotalMemory int

	PagedIn  uint64
	PagedOut uint64
	Frames   []memory.FrameView

	TotalTicks  uint64
	ActiveTicks uint64
	IdleTicks   uint64

	TotalCores     int
	AvailableCores int
	// CoreProcesses holds the PID running on each core, -1 when idle.
	CoreProcesses []int

	Generating bool
}

// Snapshot assembles the current view.
func (r *Registry) Snapshot() Snapshot {
	var snap Snapshot

	for _, p := range r.List() {
		if p == nil {
			continue
		}
		violated, badAddr := p.Violated()
		snap.Processes = append(snap.Processes, ProcessInfo{
			Name:        p.Name(),
			PID:         p.PID(),
			Status:      p.Status().String(),
			CurrentLine: p.CurrentLine(),
			TotalLines:  p.TotalLines(),
			Core:        p.CurrentCore(),
			Created:     p.Created(),
			Memory:      p.RequiredMemory(),
			Violated:    violated,
			BadAddress:  badAddr,
		})
	}

	snap.UsedMemory = r.alloc.UsedMemory()
	snap.FreeMemory = r.alloc.FreeMemory()
	snap.TotalMemory = snap.UsedMemory + snap.FreeMemory
	snap.PagedIn = r.alloc.NumPagedIn()
	snap.PagedOut = r.alloc.NumPagedOut()
	snap.Frames = r.alloc.FrameTable()

	if r.sched != nil {
		snap.TotalTicks = r.sched.TotalTicks()
		snap.ActiveTicks = r.sched.ActiveTicks()
		snap.IdleTicks = r.sched.IdleTicks()
		snap.TotalCores = r.sched.TotalCores()
		snap.AvailableCores = r.sched.AvailableCores()
		snap.Generating = r.sched.IsGenerating()

		for _, p := range r.sched.CoreAssignments() {
			if p == nil {
				snap.CoreProcesses = append(snap.CoreProcesses, -1)
			} else {
				snap.CoreProcesses = append(snap.CoreProcesses, p.PID())
			}
		}
	}

	return snap
}

// CPUUtilization returns the active share of all elapsed core ticks as a
// percentage.
func (s Snapshot) CPUUtilization() float64 {
	total := s.ActiveTicks + s.IdleTicks
	if total == 0 {
		return 0
	}
	return 100 * float64(s.ActiveTicks) / float64(total)
}
