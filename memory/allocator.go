// Package memory implements the demand-paging allocator: a fixed frame
// table with FIFO replacement, pin bits, a dirty-bit eviction optimization
// and a textual backing store with run-length compression.
package memory

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/csopesy/csopesy-go/config"
	"github.com/csopesy/csopesy-go/utils"
)

// DefaultStorePath is the backing store used by the live system. Tests point
// allocators at temp files.
const DefaultStorePath = "csopesy-backing-store.txt"

// maxFaultAttempts bounds the pinned-victim retry loop. Exhausting it means
// a pin leaked, which is an internal bug, not a recoverable state.
const maxFaultAttempts = 10000

// Allocator owns all physical frames. One mutex serializes every public
// operation; critical sections are short.
type Allocator struct {
	mu sync.Mutex

	frames     []Frame
	freeFrames []int // FIFO of free frame indices
	victims    []int // FIFO of occupied frames in admission order

	frameSize   int
	totalFrames int
	allocated   int

	pagedIn  uint64
	pagedOut uint64

	storePath string
	resolve   func(pid int) PageHolder
}

var (
	instance   *Allocator
	instanceMu sync.Mutex
)

// Init constructs the process-wide allocator and truncates the backing
// store. Must run after config load and before registry/scheduler init.
func Init(cfg *config.Config) (*Allocator, error) {
	a, err := NewAllocator(cfg, DefaultStorePath)
	if err != nil {
		return nil, err
	}
	instanceMu.Lock()
	instance = a
	instanceMu.Unlock()
	return a, nil
}

// Get returns the process-wide allocator.
func Get() *Allocator {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Shutdown drops the process-wide allocator.
func Shutdown() {
	instanceMu.Lock()
	instance = nil
	instanceMu.Unlock()
}

// NewAllocator builds an allocator with its own backing store file. The
// store is truncated: swap contents never persist across runs.
func NewAllocator(cfg *config.Config, storePath string) (*Allocator, error) {
	total := cfg.NumFrames()
	a := &Allocator{
		frames:      make([]Frame, total),
		freeFrames:  make([]int, 0, total),
		frameSize:   cfg.MemPerFrame,
		totalFrames: total,
		storePath:   storePath,
	}
	for i := range a.frames {
		a.frames[i].PID = -1
		a.freeFrames = append(a.freeFrames, i)
	}
	if err := a.truncateStore(); err != nil {
		return nil, fmt.Errorf("initializing backing store: %w", err)
	}

	utils.InfoLog.Info("paging allocator initialized",
		"total_frames", total, "frame_size", a.frameSize, "store", storePath)
	return a, nil
}

// SetResolver registers the PID-to-holder lookup. The registry wires this at
// init so the allocator never holds process handles.
func (a *Allocator) SetResolver(resolve func(pid int) PageHolder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolve = resolve
}

// FrameSize returns the configured bytes per frame.
func (a *Allocator) FrameSize() int { return a.frameSize }

func (a *Allocator) holder(pid int) (PageHolder, error) {
	if a.resolve == nil {
		return nil, fmt.Errorf("allocator has no process resolver")
	}
	h := a.resolve(pid)
	if h == nil {
		return nil, fmt.Errorf("no process with pid %d", pid)
	}
	return h, nil
}

// HandlePageFault loads (pid, page) into some frame, evicting if necessary.
// On success the page is resident and unpinned; the caller pins it before
// touching frame contents and faults again if the pin misses.
func (a *Allocator) HandlePageFault(pid, page int) error {
	a.mu.Lock()
	holder, err := a.holder(pid)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("page fault (%d,%d): %w", pid, page, err)
	}

	// Load page contents once, before hunting for a frame.
	var data []*Word
	if holder.PageEntry(page).InBackingStore {
		data, err = a.swapIn(pid, page)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("page fault (%d,%d): %w", pid, page, err)
		}
	} else {
		data = holder.PageData(page)
	}
	a.mu.Unlock()

	for attempts := 0; ; attempts++ {
		a.mu.Lock()
		if frame := a.allocateFrame(pid, page, data); frame >= 0 {
			holder.SwapPageIn(page, frame)
			a.pagedIn++
			a.mu.Unlock()
			return nil
		}

		evicted, err := a.evictVictim()
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("page fault (%d,%d): %w", pid, page, err)
		}
		if evicted {
			frame := a.allocateFrame(pid, page, data)
			if frame < 0 {
				a.mu.Unlock()
				return fmt.Errorf("page fault (%d,%d): no frame after successful eviction", pid, page)
			}
			holder.SwapPageIn(page, frame)
			a.pagedIn++
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()

		// Every candidate is pinned; pins only span a single frame access,
		// so yield and retry.
		if attempts >= maxFaultAttempts {
			return fmt.Errorf("page fault (%d,%d): all eviction candidates pinned", pid, page)
		}
		runtime.Gosched()
	}
}

// allocateFrame installs the page in a free frame, under a.mu. Returns -1
// when no free frame exists.
func (a *Allocator) allocateFrame(pid, page int, data []*Word) int {
	if len(a.freeFrames) == 0 {
		return -1
	}
	frame := a.freeFrames[0]
	a.freeFrames = a.freeFrames[1:]

	slots := make([]*Word, a.frameSize/2)
	copy(slots, data)
	a.frames[frame] = Frame{PID: pid, Page: page, Data: slots}
	a.victims = append(a.victims, frame)
	a.allocated++
	return frame
}

// evictVictim frees the oldest unpinned frame, writing it to the backing
// store only when dirty. Returns false when every candidate is pinned.
// Runs under a.mu.
func (a *Allocator) evictVictim() (bool, error) {
	victim := a.victimFrame()
	if victim < 0 {
		return false, nil
	}

	f := &a.frames[victim]
	holder, err := a.holder(f.PID)
	if err != nil {
		return false, fmt.Errorf("evicting frame %d: %w", victim, err)
	}

	entry := holder.PageEntry(f.Page)
	if f.Dirty {
		if err := a.swapOut(victim); err != nil {
			return false, fmt.Errorf("evicting frame %d: %w", victim, err)
		}
		holder.SwapPageOut(f.Page, true)
		a.pagedOut++
	} else {
		// Clean page: skip the write. The entry stays marked stored only if
		// an earlier swap-out already left a record; otherwise the next
		// fault regenerates the (unchanged) initial contents.
		holder.SwapPageOut(f.Page, entry.InBackingStore)
	}

	utils.InfoLog.Info("frame evicted",
		"frame", victim, "pid", f.PID, "page", f.Page, "dirty", f.Dirty)
	a.freeFrame(victim)
	return true, nil
}

// victimFrame pops the FIFO victim queue, rotating past pinned frames.
// Returns -1 after a full rotation finds nothing evictable. Runs under a.mu.
func (a *Allocator) victimFrame() int {
	for i := len(a.victims); i > 0; i-- {
		victim := a.victims[0]
		a.victims = a.victims[1:]
		if !a.frames[victim].Pinned {
			return victim
		}
		a.victims = append(a.victims, victim)
	}
	return -1
}

// freeFrame clears the frame and returns it to the free list. Runs under a.mu.
func (a *Allocator) freeFrame(frame int) {
	a.frames[frame] = Frame{PID: -1}
	a.freeFrames = append(a.freeFrames, frame)
	for i, v := range a.victims {
		if v == frame {
			a.victims = append(a.victims[:i], a.victims[i+1:]...)
			break
		}
	}
	a.allocated--
}

// PinFrame sets the pin bit iff the frame still holds (pid, page). A false
// return means the frame was stolen between fault and access; the caller
// must fault again.
func (a *Allocator) PinFrame(frame, pid, page int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := &a.frames[frame]
	if f.PID != pid || f.Page != page {
		return false
	}
	f.Pinned = true
	return true
}

// ReadFrameWord returns the word at the even byte offset and clears the pin.
// An empty slot means a misaligned access, which the alignment rule makes
// impossible; hitting it is a fatal internal error.
func (a *Allocator) ReadFrameWord(frame, offset int) (Word, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := &a.frames[frame]
	f.Pinned = false

	slot := offset / 2
	if slot < 0 || slot >= len(f.Data) || f.Data[slot] == nil {
		return Word{}, fmt.Errorf("frame %d offset %d: empty slot, possible misaligned address", frame, offset)
	}
	return *f.Data[slot], nil
}

// WriteFrameWord stores a 16-bit value at the even byte offset, clears the
// pin and marks the frame dirty.
func (a *Allocator) WriteFrameWord(frame, offset int, value uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := &a.frames[frame]
	f.Pinned = false

	slot := offset / 2
	if slot < 0 || slot >= len(f.Data) {
		return fmt.Errorf("frame %d offset %d: out of frame bounds", frame, offset)
	}
	f.Data[slot] = ValueWord(value)
	f.Dirty = true
	return nil
}

// Deallocate frees every frame owned by pid and removes its records from
// the backing store. Safe to call more than once.
func (a *Allocator) Deallocate(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	freed := 0
	for i := range a.frames {
		if a.frames[i].PID == pid {
			a.freeFrame(i)
			freed++
		}
	}
	if err := a.rewriteStoreExcluding(pid); err != nil {
		return fmt.Errorf("deallocating pid %d: %w", pid, err)
	}

	if freed > 0 {
		utils.InfoLog.Info("process memory deallocated", "pid", pid, "frames_freed", freed)
	}
	return nil
}

// UsedMemory returns allocated bytes.
func (a *Allocator) UsedMemory() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated * a.frameSize
}

// FreeMemory returns unallocated bytes.
func (a *Allocator) FreeMemory() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return (a.totalFrames - a.allocated) * a.frameSize
}

// NumPagedIn returns the lifetime count of pages loaded into frames.
func (a *Allocator) NumPagedIn() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pagedIn
}

// NumPagedOut returns the lifetime count of pages written to the store.
func (a *Allocator) NumPagedOut() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pagedOut
}

// FrameTable returns an ownership snapshot for vmstat's frame dump.
func (a *Allocator) FrameTable() []FrameView {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]FrameView, len(a.frames))
	for i, f := range a.frames {
		out[i] = FrameView{PID: f.PID, Page: f.Page, Pinned: f.Pinned}
	}
	return out
}

// FreeFrameCount returns the current length of the free list.
func (a *Allocator) FreeFrameCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freeFrames)
}
