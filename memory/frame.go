package memory

import "github.com/csopesy/csopesy-go/instruction"

// Word is one 16-bit slot of a frame: either a raw value or an instruction
// handle (text pages). A nil *Word is an empty slot.
type Word struct {
	Instr *instruction.Instruction
	Value uint16
}

// IsInstr reports whether the word holds an instruction handle.
func (w *Word) IsInstr() bool { return w != nil && w.Instr != nil }

// ValueWord builds a plain 16-bit word.
func ValueWord(v uint16) *Word { return &Word{Value: v} }

// InstrWord builds an instruction-handle word.
func InstrWord(in *instruction.Instruction) *Word { return &Word{Instr: in} }

// PageEntry is one row of a per-process page table.
type PageEntry struct {
	Valid          bool
	InBackingStore bool
	Frame          int
	Dirty          bool
}

// Frame is one mem-per-frame slot of physical memory. A free frame has
// PID == -1. Data is word-indexed: byte offset 2*i lives in Data[i].
type Frame struct {
	PID    int
	Page   int
	Data   []*Word
	Pinned bool
	Dirty  bool
}

// FrameView is a read-only copy of a frame's ownership for snapshots.
type FrameView struct {
	PID    int
	Page   int
	Pinned bool
}

// PageHolder is what the allocator needs from the owner of a page. The
// allocator stores only PIDs and resolves holders through a registered
// lookup, so it never owns process handles.
type PageHolder interface {
	// PageEntry returns the current page-table entry for page.
	PageEntry(page int) PageEntry
	// PageData produces the initial contents of a never-stored page:
	// instruction handles for text, zeroed words elsewhere.
	PageData(page int) []*Word
	// SwapPageIn points the page-table entry at frame and marks it valid.
	SwapPageIn(page, frame int)
	// SwapPageOut invalidates the entry; inStore records whether a backing
	// store record now exists for the page.
	SwapPageOut(page int, inStore bool)
}
