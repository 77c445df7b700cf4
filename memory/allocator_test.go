package memory

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/csopesy/csopesy-go/config"
	"github.com/csopesy/csopesy-go/instruction"
)

// fakeHolder is a minimal page-table owner for exercising the allocator
// without real processes.
type fakeHolder struct {
	mu      sync.Mutex
	entries map[int]PageEntry
	initial map[int][]*Word
	words   int

	swapOuts []int // pages, in eviction order
}

func newFakeHolder(frameSize, pages int) *fakeHolder {
	h := &fakeHolder{
		entries: make(map[int]PageEntry),
		initial: make(map[int][]*Word),
		words:   frameSize / 2,
	}
	for p := 0; p < pages; p++ {
		h.entries[p] = PageEntry{Frame: -1}
		data := make([]*Word, h.words)
		for i := range data {
			data[i] = ValueWord(0)
		}
		h.initial[p] = data
	}
	return h
}

func (h *fakeHolder) PageEntry(page int) PageEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[page]
}

func (h *fakeHolder) PageData(page int) []*Word {
	h.mu.Lock()
	defer h.mu.Unlock()
	data := make([]*Word, h.words)
	copy(data, h.initial[page])
	return data
}

func (h *fakeHolder) SwapPageIn(page, frame int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entries[page]
	e.Valid = true
	e.Frame = frame
	e.Dirty = false
	h.entries[page] = e
}

func (h *fakeHolder) SwapPageOut(page int, inStore bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entries[page]
	e.Valid = false
	e.Frame = -1
	e.InBackingStore = inStore
	h.entries[page] = e
	h.swapOuts = append(h.swapOuts, page)
}

func testConfig(maxMem, frame int) *config.Config {
	cfg := config.Default()
	cfg.MaxOverallMem = maxMem
	cfg.MemPerFrame = frame
	return cfg
}

// newTestAllocator builds an allocator over a temp backing store with one
// fake holder resolved for every PID.
func newTestAllocator(t *testing.T, maxMem, frame int, holders map[int]*fakeHolder) (*Allocator, string) {
	t.Helper()
	store := filepath.Join(t.TempDir(), "backing-store.txt")
	a, err := NewAllocator(testConfig(maxMem, frame), store)
	if err != nil {
		t.Fatal(err)
	}
	a.SetResolver(func(pid int) PageHolder {
		h, ok := holders[pid]
		if !ok {
			return nil
		}
		return h
	})
	return a, store
}

func storeContents(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func frameOf(t *testing.T, h *fakeHolder, page int) int {
	t.Helper()
	e := h.PageEntry(page)
	if !e.Valid {
		t.Fatalf("page %d is not resident", page)
	}
	return e.Frame
}

func TestPageFaultInstallsPage(t *testing.T) {
	h := newFakeHolder(16, 2)
	a, _ := newTestAllocator(t, 32, 16, map[int]*fakeHolder{0: h})

	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}

	e := h.PageEntry(0)
	if !e.Valid || e.Frame < 0 {
		t.Fatalf("entry after fault = %+v", e)
	}
	if a.NumPagedIn() != 1 {
		t.Errorf("paged in = %d, want 1", a.NumPagedIn())
	}
	if a.UsedMemory() != 16 || a.FreeMemory() != 16 {
		t.Errorf("used/free = %d/%d, want 16/16", a.UsedMemory(), a.FreeMemory())
	}
}

func TestFIFOVictimOrder(t *testing.T) {
	// Property: with no pinning, the k-th eviction is the k-th admitted
	// frame. 2 frames, 4 pages of one process.
	h := newFakeHolder(16, 4)
	a, _ := newTestAllocator(t, 32, 16, map[int]*fakeHolder{0: h})

	for page := 0; page < 4; page++ {
		if err := a.HandlePageFault(0, page); err != nil {
			t.Fatal(err)
		}
	}

	// Admissions: 0, 1; faulting 2 evicts 0, faulting 3 evicts 1.
	want := []int{0, 1}
	if len(h.swapOuts) != 2 || h.swapOuts[0] != want[0] || h.swapOuts[1] != want[1] {
		t.Errorf("eviction order = %v, want %v", h.swapOuts, want)
	}
}

func TestPinnedFramesAreSkipped(t *testing.T) {
	h := newFakeHolder(16, 3)
	a, _ := newTestAllocator(t, 32, 16, map[int]*fakeHolder{0: h})

	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.HandlePageFault(0, 1); err != nil {
		t.Fatal(err)
	}

	// Pin the FIFO front; the next eviction must take page 1's frame.
	if !a.PinFrame(frameOf(t, h, 0), 0, 0) {
		t.Fatal("pin refused")
	}
	if err := a.HandlePageFault(0, 2); err != nil {
		t.Fatal(err)
	}

	if len(h.swapOuts) != 1 || h.swapOuts[0] != 1 {
		t.Errorf("eviction order = %v, want [1]", h.swapOuts)
	}
	if e := h.PageEntry(0); !e.Valid {
		t.Error("pinned page was evicted")
	}
}

func TestPinFrameRejectsWrongOwner(t *testing.T) {
	h := newFakeHolder(16, 1)
	a, _ := newTestAllocator(t, 32, 16, map[int]*fakeHolder{0: h})

	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}
	frame := frameOf(t, h, 0)

	if a.PinFrame(frame, 9, 0) {
		t.Error("pin accepted wrong pid")
	}
	if a.PinFrame(frame, 0, 5) {
		t.Error("pin accepted wrong page")
	}
	if !a.PinFrame(frame, 0, 0) {
		t.Error("pin refused rightful owner")
	}
}

func TestDirtyBitPolicy(t *testing.T) {
	// Property: a page evicted without writes is not appended to the store;
	// a written page is.
	h := newFakeHolder(16, 4)
	a, store := newTestAllocator(t, 32, 16, map[int]*fakeHolder{0: h})

	// Page 0: clean. Page 1: written.
	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.HandlePageFault(0, 1); err != nil {
		t.Fatal(err)
	}
	f1 := frameOf(t, h, 1)
	if !a.PinFrame(f1, 0, 1) {
		t.Fatal("pin refused")
	}
	if err := a.WriteFrameWord(f1, 0, 77); err != nil {
		t.Fatal(err)
	}

	// Evict both by faulting two more pages.
	if err := a.HandlePageFault(0, 2); err != nil {
		t.Fatal(err)
	}
	contents := storeContents(t, store)
	if contents != "" {
		t.Errorf("clean eviction wrote to the store:\n%s", contents)
	}
	if e := h.PageEntry(0); e.InBackingStore {
		t.Error("clean never-stored page marked as stored")
	}

	if err := a.HandlePageFault(0, 3); err != nil {
		t.Fatal(err)
	}
	contents = storeContents(t, store)
	if !strings.Contains(contents, "0 1\n") {
		t.Errorf("dirty eviction missing record header:\n%s", contents)
	}
	if !strings.Contains(contents, "V 0 77") {
		t.Errorf("dirty eviction missing written value:\n%s", contents)
	}
	if e := h.PageEntry(1); !e.InBackingStore {
		t.Error("dirty evicted page not marked as stored")
	}
	if a.NumPagedOut() != 1 {
		t.Errorf("paged out = %d, want 1 (only the dirty page)", a.NumPagedOut())
	}
}

func TestRunLengthCompression(t *testing.T) {
	// 8 consecutive words of 0x1234 compress to `V 0 4660 x8`
	// and read back intact after fault-in.
	h := newFakeHolder(16, 3)
	a, store := newTestAllocator(t, 32, 16, map[int]*fakeHolder{0: h})

	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}
	for w := 0; w < 8; w++ {
		f := frameOf(t, h, 0)
		if !a.PinFrame(f, 0, 0) {
			t.Fatal("pin refused")
		}
		if err := a.WriteFrameWord(f, w*2, 0x1234); err != nil {
			t.Fatal(err)
		}
	}

	if err := a.HandlePageFault(1, 0); err == nil {
		t.Fatal("expected lookup failure for unknown pid")
	}

	// Fill the second frame, then fault a third page: FIFO evicts page 0.
	if err := a.HandlePageFault(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := a.HandlePageFault(0, 2); err != nil {
		t.Fatal(err)
	}
	if e := h.PageEntry(0); e.Valid {
		t.Fatal("page 0 should have been evicted")
	}

	contents := storeContents(t, store)
	if !strings.Contains(contents, "V 0 4660 x8") {
		t.Fatalf("store missing run-length record:\n%s", contents)
	}

	// Fault page 0 back in and check every word.
	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}
	for w := 0; w < 8; w++ {
		f := frameOf(t, h, 0)
		if !a.PinFrame(f, 0, 0) {
			t.Fatal("pin refused")
		}
		word, err := a.ReadFrameWord(f, w*2)
		if err != nil {
			t.Fatal(err)
		}
		if word.Value != 0x1234 {
			t.Errorf("word %d = %#x, want 0x1234", w, word.Value)
		}
	}
}

func TestSwapRoundTripWithInstructions(t *testing.T) {
	// Property: swap_in(swap_out(page)) == page for pages mixing values and
	// instruction handles.
	h := newFakeHolder(16, 2)
	in, err := instruction.ParseSerialized(`PRINT 0 1 x "The value of x is: "`)
	if err != nil {
		t.Fatal(err)
	}
	h.initial[0][0] = InstrWord(in)
	h.initial[0][1] = ValueWord(500)
	h.initial[0][2] = ValueWord(500)
	h.initial[0][3] = ValueWord(9)

	a, _ := newTestAllocator(t, 16, 16, map[int]*fakeHolder{0: h})

	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}
	// Dirty the page so eviction really writes it out.
	f := frameOf(t, h, 0)
	if !a.PinFrame(f, 0, 0) {
		t.Fatal("pin refused")
	}
	if err := a.WriteFrameWord(f, 8, 0xBEEF); err != nil {
		t.Fatal(err)
	}

	// One frame total: faulting page 1 evicts page 0.
	if err := a.HandlePageFault(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}

	f = frameOf(t, h, 0)
	checks := []struct {
		offset int
		instr  bool
		value  uint16
	}{
		{0, true, 0},
		{2, false, 500},
		{4, false, 500},
		{6, false, 9},
		{8, false, 0xBEEF},
	}
	for _, c := range checks {
		if !a.PinFrame(f, 0, 0) {
			t.Fatal("pin refused")
		}
		word, err := a.ReadFrameWord(f, c.offset)
		if err != nil {
			t.Fatal(err)
		}
		if c.instr {
			if !word.IsInstr() {
				t.Errorf("offset %d: want instruction handle", c.offset)
			} else if word.Instr.Serialize() != in.Serialize() {
				t.Errorf("offset %d: instruction changed across swap", c.offset)
			}
		} else if word.IsInstr() || word.Value != c.value {
			t.Errorf("offset %d = %+v, want value %d", c.offset, word, c.value)
		}
	}
}

func TestDeallocateFreesFramesAndStore(t *testing.T) {
	h0 := newFakeHolder(16, 2)
	h1 := newFakeHolder(16, 2)
	a, store := newTestAllocator(t, 32, 16, map[int]*fakeHolder{0: h0, 1: h1})

	// Fill both frames, dirty them, then churn so both hit the store.
	for _, pid := range []int{0, 1} {
		if err := a.HandlePageFault(pid, 0); err != nil {
			t.Fatal(err)
		}
		h := h0
		if pid == 1 {
			h = h1
		}
		f := frameOf(t, h, 0)
		if !a.PinFrame(f, pid, 0) {
			t.Fatal("pin refused")
		}
		if err := a.WriteFrameWord(f, 0, uint16(100+pid)); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.HandlePageFault(0, 1); err != nil { // evicts pid 0 page 0
		t.Fatal(err)
	}
	if err := a.HandlePageFault(1, 1); err != nil { // evicts pid 1 page 0
		t.Fatal(err)
	}

	contents := storeContents(t, store)
	if !strings.Contains(contents, "0 0\n") || !strings.Contains(contents, "1 0\n") {
		t.Fatalf("store missing records before dealloc:\n%s", contents)
	}

	if err := a.Deallocate(0); err != nil {
		t.Fatal(err)
	}

	contents = storeContents(t, store)
	if strings.Contains(contents, "0 0\n") {
		t.Errorf("pid 0 records survived dealloc:\n%s", contents)
	}
	if !strings.Contains(contents, "1 0\n") {
		t.Errorf("pid 1 records lost during pid 0 dealloc:\n%s", contents)
	}
	for i, f := range a.FrameTable() {
		if f.PID == 0 {
			t.Errorf("frame %d still owned by pid 0", i)
		}
	}

	// Property: deallocate is idempotent.
	before := a.FreeFrameCount()
	beforeStore := storeContents(t, store)
	if err := a.Deallocate(0); err != nil {
		t.Fatal(err)
	}
	if a.FreeFrameCount() != before || storeContents(t, store) != beforeStore {
		t.Error("second deallocate changed allocator state")
	}
}

func TestFreeListMatchesFrameOwnership(t *testing.T) {
	// Property: frame.pid == -1 iff the frame is on the free list.
	h := newFakeHolder(16, 2)
	a, _ := newTestAllocator(t, 64, 16, map[int]*fakeHolder{0: h})

	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.HandlePageFault(0, 1); err != nil {
		t.Fatal(err)
	}

	free := 0
	for _, f := range a.FrameTable() {
		if f.PID == -1 {
			free++
		}
	}
	if free != a.FreeFrameCount() {
		t.Errorf("free frames by ownership = %d, free list = %d", free, a.FreeFrameCount())
	}
	if free != 2 {
		t.Errorf("free = %d, want 2 of 4", free)
	}

	if err := a.Deallocate(0); err != nil {
		t.Fatal(err)
	}
	if a.FreeFrameCount() != 4 {
		t.Errorf("free after dealloc = %d, want 4", a.FreeFrameCount())
	}
}

func TestPagingWithEvictionCounters(t *testing.T) {
	// 2 frames, 3 single-page holders writing then
	// reading. All complete; paged_in >= 3, paged_out >= 1; store drains
	// after every holder is deallocated.
	holders := map[int]*fakeHolder{
		0: newFakeHolder(16, 1),
		1: newFakeHolder(16, 1),
		2: newFakeHolder(16, 1),
	}
	a, store := newTestAllocator(t, 32, 16, holders)

	touch := func(pid int) {
		h := holders[pid]
		for {
			e := h.PageEntry(0)
			if !e.Valid {
				if err := a.HandlePageFault(pid, 0); err != nil {
					t.Fatal(err)
				}
				continue
			}
			if !a.PinFrame(e.Frame, pid, 0) {
				continue
			}
			if err := a.WriteFrameWord(e.Frame, 0, uint16(pid)); err != nil {
				t.Fatal(err)
			}
			break
		}
		for {
			e := h.PageEntry(0)
			if !e.Valid {
				if err := a.HandlePageFault(pid, 0); err != nil {
					t.Fatal(err)
				}
				continue
			}
			if !a.PinFrame(e.Frame, pid, 0) {
				continue
			}
			word, err := a.ReadFrameWord(e.Frame, 0)
			if err != nil {
				t.Fatal(err)
			}
			if word.Value != uint16(pid) {
				t.Fatalf("pid %d read back %d", pid, word.Value)
			}
			break
		}
	}

	for round := 0; round < 2; round++ {
		for pid := 0; pid < 3; pid++ {
			touch(pid)
		}
	}

	if a.NumPagedIn() < 3 {
		t.Errorf("paged in = %d, want >= 3", a.NumPagedIn())
	}
	if a.NumPagedOut() < 1 {
		t.Errorf("paged out = %d, want >= 1", a.NumPagedOut())
	}
	if storeContents(t, store) == "" {
		t.Error("store empty while pages are swapped out")
	}

	for pid := 0; pid < 3; pid++ {
		if err := a.Deallocate(pid); err != nil {
			t.Fatal(err)
		}
	}
	if contents := storeContents(t, store); contents != "" {
		t.Errorf("store not empty after all deallocations:\n%s", contents)
	}
	if a.FreeFrameCount() != 2 {
		t.Errorf("free frames = %d, want 2", a.FreeFrameCount())
	}
}

func TestReadFrameWordEmptySlotFails(t *testing.T) {
	// Text-free holder but with a hole: instruction slots exist only where
	// initial data put them.
	h := newFakeHolder(16, 1)
	h.initial[0][3] = nil
	a, _ := newTestAllocator(t, 16, 16, map[int]*fakeHolder{0: h})

	if err := a.HandlePageFault(0, 0); err != nil {
		t.Fatal(err)
	}
	f := frameOf(t, h, 0)
	if _, err := a.ReadFrameWord(f, 6); err == nil {
		t.Error("reading an empty slot must fail")
	}
}
