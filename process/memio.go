package process

import (
	"fmt"

	"github.com/csopesy/csopesy-go/memory"
	"github.com/csopesy/csopesy-go/utils"
)

// Memory access. Every touch goes through the page table: fault the page in
// if invalid, pin the frame for the access, then read or write through the
// allocator (which clears the pin). A pin that misses means the frame was
// stolen between fault and access, so the loop faults again.

// DeclareVariable inserts name -> fresh DATA address if the symbol table has
// space, writing the initial value through the allocator. First-wins; a
// declaration that would cross required_memory fails.
func (p *Process) DeclareVariable(name string, value uint16) {
	p.mu.Lock()
	if _, exists := p.vars[name]; exists {
		p.mu.Unlock()
		return
	}
	if len(p.vars) >= maxVariables {
		p.mu.Unlock()
		return
	}
	addr := p.TextEnd() + len(p.vars)*instructionSize
	if addr+instructionSize > p.requiredMemory {
		utils.InfoLog.Warn("declaration would cross process memory",
			"pid", p.pid, "var", name, "address", addr)
		p.mu.Unlock()
		return
	}
	p.vars[name] = addr
	p.mu.Unlock()

	p.writeWord(addr, value)
}

// SetVariable stores value into an already-declared variable. Silently does
// nothing when the name is unknown.
func (p *Process) SetVariable(name string, value uint16) {
	p.mu.Lock()
	addr, ok := p.vars[name]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.writeWord(addr, value)
}

// Variable reads a variable, auto-declaring it to 0 when absent. Returns 0
// when the symbol table is full.
func (p *Process) Variable(name string) uint16 {
	p.mu.Lock()
	addr, ok := p.vars[name]
	p.mu.Unlock()
	if !ok {
		p.DeclareVariable(name, 0)
		p.mu.Lock()
		addr, ok = p.vars[name]
		p.mu.Unlock()
		if !ok {
			return 0
		}
	}
	return p.readWord(addr)
}

// ReadHeap performs a 16-bit aligned heap read. Odd addresses round down.
// Out-of-segment access shuts the process down; ok is false in that case.
func (p *Process) ReadHeap(addr int) (uint16, bool) {
	eff := addr &^ 1
	if eff < p.DataEnd() || eff >= p.HeapEnd() {
		p.Shutdown(eff)
		return 0, false
	}
	return p.readWord(eff), true
}

// WriteHeap performs a 16-bit aligned heap write with the same bounds rule.
func (p *Process) WriteHeap(addr int, value uint16) bool {
	eff := addr &^ 1
	if eff < p.DataEnd() || eff >= p.HeapEnd() {
		p.Shutdown(eff)
		return false
	}
	p.writeWord(eff, value)
	return true
}

// readWord resolves one 16-bit word at an even byte address.
func (p *Process) readWord(addr int) uint16 {
	frameSize := p.alloc.FrameSize()
	page := addr / frameSize
	offset := addr % frameSize

	for {
		frame, ok := p.residentFrame(page)
		if !ok {
			continue
		}
		word, err := p.alloc.ReadFrameWord(frame, offset)
		if err != nil {
			// Impossible under the alignment rule; fatal internal error.
			utils.ErrorLog.Error("frame read failed", "pid", p.pid, "page", page, "error", err)
			panic(err)
		}
		if word.IsInstr() {
			return 0
		}
		return word.Value
	}
}

// writeWord stores one 16-bit word at an even byte address.
func (p *Process) writeWord(addr int, value uint16) {
	frameSize := p.alloc.FrameSize()
	page := addr / frameSize
	offset := addr % frameSize

	for {
		frame, ok := p.residentFrame(page)
		if !ok {
			continue
		}
		if err := p.alloc.WriteFrameWord(frame, offset, value); err != nil {
			utils.ErrorLog.Error("frame write failed", "pid", p.pid, "page", page, "error", err)
			panic(err)
		}
		p.markPageDirty(page)
		return
	}
}

// residentFrame faults the page in when needed and pins its frame. ok=false
// means the caller must retry (the frame was stolen before the pin landed).
func (p *Process) residentFrame(page int) (int, bool) {
	entry := p.PageEntry(page)
	if !entry.Valid {
		if err := p.alloc.HandlePageFault(p.pid, page); err != nil {
			utils.ErrorLog.Error("page fault failed", "pid", p.pid, "page", page, "error", err)
			panic(err)
		}
		return 0, false
	}
	if !p.alloc.PinFrame(entry.Frame, p.pid, page) {
		return 0, false
	}
	return entry.Frame, true
}

// ---- allocator callbacks (memory.PageHolder) ----

// PageEntry returns the page-table row.
func (p *Process) PageEntry(page int) memory.PageEntry {
	p.ptMu.Lock()
	defer p.ptMu.Unlock()
	if page < 0 || page >= len(p.pageTable) {
		return memory.PageEntry{Frame: -1}
	}
	return p.pageTable[page]
}

// PageData builds the initial contents of a never-stored page: instruction
// handles for text slots, zeroed words everywhere else.
func (p *Process) PageData(page int) []*memory.Word {
	frameSize := p.alloc.FrameSize()
	words := frameSize / 2
	data := make([]*memory.Word, words)
	textEnd := p.TextEnd()

	for w := 0; w < words; w++ {
		byteOff := page*frameSize + w*2
		if byteOff >= p.requiredMemory {
			break
		}
		if byteOff < textEnd {
			data[w] = memory.InstrWord(p.instructions[byteOff/instructionSize])
		} else {
			data[w] = memory.ValueWord(0)
		}
	}
	return data
}

// SwapPageIn points the entry at its new frame. Pages are clean on fault-in.
func (p *Process) SwapPageIn(page, frame int) {
	p.ptMu.Lock()
	defer p.ptMu.Unlock()
	if page < 0 || page >= len(p.pageTable) {
		return
	}
	p.pageTable[page].Valid = true
	p.pageTable[page].Frame = frame
	p.pageTable[page].Dirty = false
}

// SwapPageOut invalidates the entry. inStore records whether a backing-store
// record exists for the page.
func (p *Process) SwapPageOut(page int, inStore bool) {
	p.ptMu.Lock()
	defer p.ptMu.Unlock()
	if page < 0 || page >= len(p.pageTable) {
		return
	}
	p.pageTable[page].Valid = false
	p.pageTable[page].Frame = -1
	p.pageTable[page].InBackingStore = inStore
}

func (p *Process) markPageDirty(page int) {
	p.ptMu.Lock()
	defer p.ptMu.Unlock()
	if page >= 0 && page < len(p.pageTable) {
		p.pageTable[page].Dirty = true
	}
}

// DebugString summarizes the process for screen -r.
func (p *Process) DebugString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s (pid %d) %s line %d/%d mem %d bytes",
		p.name, p.pid, p.status, p.currentLine, p.totalLines, p.requiredMemory)
}
