// Package process implements the simulated process: instruction stream,
// variable table, segmented virtual address space and per-process page
// table. A process is mutated only by the worker currently running it and by
// the scheduler's wakeup step.
package process

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/csopesy/csopesy-go/instruction"
	"github.com/csopesy/csopesy-go/memory"
	"github.com/csopesy/csopesy-go/utils"
)

// Status is the lifecycle state. DONE is terminal.
type Status int

const (
	Ready Status = iota
	Running
	Waiting
	Done
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Waiting:
		return "WAITING"
	case Done:
		return "DONE"
	}
	return "UNKNOWN"
}

const (
	instructionSize = 2
	maxVariables    = 32
	symbolTableSize = maxVariables * instructionSize // 32 variables x 2 bytes
)

// Sleeper is the scheduler surface a SLEEP needs.
type Sleeper interface {
	SleepProcess(p *Process)
	CurrentTick() uint64
}

// Process is one simulated process.
type Process struct {
	pid     int
	name    string
	created time.Time

	// mu guards status, variables, logs, lines and core. ptMu guards the
	// page table alone, so the allocator can update entries (under its own
	// paging lock) without deadlocking against a process mid-access: the
	// process never holds ptMu while calling into the allocator.
	mu   sync.Mutex
	ptMu sync.Mutex

	status      Status
	core        int
	currentLine int
	totalLines  int
	pc          int

	instructions   []*instruction.Instruction
	requiredMemory int
	numPages       int
	pageTable      []memory.PageEntry

	vars map[string]int // name -> byte address in the DATA segment
	logs []string

	wakeupTick uint64
	submitted  bool
	finished   bool
	doneOnce   bool

	violated      bool
	violationAddr int

	alloc *memory.Allocator
	sched Sleeper
}

// New creates a process with its base memory footprint. Instruction bytes
// are accounted later by SubmitInstructions.
func New(pid int, name string, requiredMemory int, alloc *memory.Allocator) *Process {
	p := &Process{
		pid:            pid,
		name:           name,
		created:        time.Now(),
		status:         Ready,
		core:           -1,
		requiredMemory: requiredMemory,
		vars:           make(map[string]int),
		alloc:          alloc,
	}
	utils.InfoLog.Info("process created", "pid", pid, "name", name, "memory", requiredMemory)
	return p
}

// AttachScheduler wires the sleep target. Set before dispatch.
func (p *Process) AttachScheduler(s Sleeper) {
	p.mu.Lock()
	p.sched = s
	p.mu.Unlock()
}

// SubmitInstructions finalizes the program. Must be called exactly once
// before dispatch. When accountText is set, the instruction bytes are added
// to the memory footprint.
func (p *Process) SubmitInstructions(list []*instruction.Instruction, accountText bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.submitted {
		return fmt.Errorf("process %s: instructions already submitted", p.name)
	}
	p.submitted = true
	p.instructions = list

	total := 0
	for _, in := range list {
		total += in.LineCount()
	}
	p.totalLines = total

	if accountText {
		p.requiredMemory += len(list) * instructionSize
	}

	frameSize := p.alloc.FrameSize()
	p.numPages = utils.CeilDiv(p.requiredMemory, frameSize)

	p.ptMu.Lock()
	p.pageTable = make([]memory.PageEntry, p.numPages)
	for i := range p.pageTable {
		p.pageTable[i].Frame = -1
	}
	p.ptMu.Unlock()

	utils.InfoLog.Info("instructions submitted",
		"pid", p.pid, "count", len(list), "total_lines", total,
		"required_memory", p.requiredMemory, "pages", p.numPages)
	return nil
}

// Segment boundaries, in bytes from address 0.

// TextEnd returns the end of the text segment.
func (p *Process) TextEnd() int { return len(p.instructions) * instructionSize }

// DataEnd returns the end of the symbol-table segment.
func (p *Process) DataEnd() int { return p.TextEnd() + symbolTableSize }

// HeapEnd returns the end of the address space.
func (p *Process) HeapEnd() int { return p.requiredMemory }

// Step executes one logical line of the current instruction. Advancing past
// the last line finishes the process.
func (p *Process) Step() {
	p.mu.Lock()
	if p.status != Running || p.pc >= len(p.instructions) {
		p.mu.Unlock()
		return
	}
	in := p.instructions[p.pc]
	p.mu.Unlock()

	instruction.Execute(in, p)

	p.mu.Lock()
	if p.status == Done {
		// The step shut the process down.
		p.mu.Unlock()
		return
	}
	if in.Complete() {
		p.pc++
	}
	if p.currentLine < p.totalLines {
		p.currentLine++
	}
	if p.currentLine >= p.totalLines {
		p.finished = true
		if p.status != Waiting {
			p.markDoneLocked()
		}
	}
	p.mu.Unlock()
}

// MarkDone forces the terminal state, writing the log file once. Idempotent.
func (p *Process) MarkDone() {
	p.mu.Lock()
	p.markDoneLocked()
	p.mu.Unlock()
}

// markDoneLocked runs under p.mu.
func (p *Process) markDoneLocked() {
	if p.doneOnce {
		return
	}
	p.doneOnce = true
	p.finished = true
	p.setStatusLocked(Done)
	lines := make([]string, len(p.logs))
	copy(lines, p.logs)
	writeLogFile(p.name, lines)
}

// LogDir is where per-process log files land.
var LogDir = "logs"

// writeLogFile dumps the accumulated PRINT records to LogDir/<name>.txt.
func writeLogFile(name string, lines []string) {
	if err := os.MkdirAll(LogDir, 0755); err != nil {
		utils.ErrorLog.Error("could not create logs directory", "error", err)
		return
	}
	path := filepath.Join(LogDir, name+".txt")
	f, err := os.Create(path)
	if err != nil {
		utils.ErrorLog.Error("could not open process log file", "process", name, "error", err)
		return
	}
	defer f.Close()
	for _, line := range lines {
		fmt.Fprintln(f, line)
	}
}

// Shutdown terminates the process after a memory access violation.
func (p *Process) Shutdown(badAddr int) {
	p.mu.Lock()
	if p.status == Done {
		p.mu.Unlock()
		return
	}
	p.violated = true
	p.violationAddr = badAddr
	record := fmt.Sprintf(
		"Process %s shut down due to memory access violation error that occurred at %s. 0x%X invalid.",
		p.name, time.Now().Format("15:04:05"), badAddr)
	p.logs = append(p.logs, record)
	utils.InfoLog.Warn("memory access violation",
		"pid", p.pid, "name", p.name, "address", fmt.Sprintf("0x%X", badAddr))
	p.markDoneLocked()
	p.mu.Unlock()
}

// SetStatus transitions the lifecycle state. DONE is sticky.
func (p *Process) SetStatus(s Status) {
	p.mu.Lock()
	p.setStatusLocked(s)
	p.mu.Unlock()
}

func (p *Process) setStatusLocked(s Status) {
	if p.status == s || p.status == Done {
		return
	}
	prev := p.status
	p.status = s
	utils.InfoLog.Info(fmt.Sprintf("(%d) - %s -> %s", p.pid, prev, s))
}

// Sleep parks the process until currentTick + ticks. A zero-tick sleep still
// yields the rest of this tick.
func (p *Process) Sleep(ticks uint8) {
	p.mu.Lock()
	sched := p.sched
	p.mu.Unlock()

	var now uint64
	if sched != nil {
		now = sched.CurrentTick()
	}
	p.mu.Lock()
	p.wakeupTick = now + uint64(ticks)
	p.setStatusLocked(Waiting)
	p.mu.Unlock()

	if sched != nil {
		sched.SleepProcess(p)
	}
}

// Log appends a formatted PRINT record.
func (p *Process) Log(message string) {
	p.mu.Lock()
	line := fmt.Sprintf("(%s) Core:%d \"%s\"",
		time.Now().Format("01/02/2006, 03:04:05 PM"), p.core, message)
	p.logs = append(p.logs, line)
	p.mu.Unlock()
}

// ---- accessors ----

func (p *Process) PID() int             { return p.pid }
func (p *Process) Name() string         { return p.name }
func (p *Process) Created() time.Time   { return p.created }
func (p *Process) RequiredMemory() int  { return p.requiredMemory }
func (p *Process) NumPages() int        { return p.numPages }
func (p *Process) TotalLines() int      { return p.totalLines }

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) CurrentLine() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLine
}

// Finished reports whether every line has executed.
func (p *Process) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Violated reports whether the process was shut down by an access violation,
// and at which address.
func (p *Process) Violated() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.violated, p.violationAddr
}

func (p *Process) WakeupTick() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wakeupTick
}

// CurrentCore returns the core the process is running on, -1 if none.
func (p *Process) CurrentCore() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core
}

func (p *Process) SetCurrentCore(core int) {
	p.mu.Lock()
	p.core = core
	p.mu.Unlock()
}

// LogLines returns a copy of the accumulated PRINT records.
func (p *Process) LogLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.logs))
	copy(out, p.logs)
	return out
}

// VariableCount returns the number of declared symbols.
func (p *Process) VariableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vars)
}
