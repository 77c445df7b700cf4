package memory

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/csopesy/csopesy-go/instruction"
	"github.com/csopesy/csopesy-go/utils"
)

// Backing-store wire format, one record per page:
//
//	<pid> <page>
//	V <offset> <u16>        one 16-bit value at even byte offset
//	V <offset> <u16> xN     N consecutive identical values, 2 bytes each
//	I <offset> <serialized-instruction>
//
// Records are appended on swap-out; the whole store is rewritten through a
// temp file when a process is deallocated.

func (a *Allocator) truncateStore() error {
	f, err := os.Create(a.storePath)
	if err != nil {
		return err
	}
	return f.Close()
}

// swapOut appends the frame's page record to the backing store. Runs under
// a.mu.
func (a *Allocator) swapOut(frame int) error {
	f := &a.frames[frame]

	file, err := os.OpenFile(a.storePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening backing store: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	fmt.Fprintf(w, "%d %d\n", f.PID, f.Page)

	for i := 0; i < len(f.Data); {
		word := f.Data[i]
		switch {
		case word == nil:
			i++
		case word.IsInstr():
			// Text pages only ever hold single-line kinds; a kind with no
			// wire form has nothing to record.
			if ser := word.Instr.Serialize(); ser != "" {
				fmt.Fprintf(w, "I %d %s\n", i*2, ser)
			}
			i++
		default:
			value := word.Value
			start := i
			count := 1
			i++
			for i < len(f.Data) && f.Data[i] != nil && !f.Data[i].IsInstr() && f.Data[i].Value == value {
				count++
				i++
			}
			if count > 1 {
				fmt.Fprintf(w, "V %d %d x%d\n", start*2, value, count)
			} else {
				fmt.Fprintf(w, "V %d %d\n", start*2, value)
			}
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing backing store: %w", err)
	}

	utils.InfoLog.Info("page swapped out", "pid", f.PID, "page", f.Page, "frame", frame)
	return nil
}

// swapIn reads the page's record(s) from the backing store into a fresh
// word buffer. When a page was swapped out more than once, later records
// overwrite earlier ones, so the last write wins. Runs under a.mu.
func (a *Allocator) swapIn(pid, page int) ([]*Word, error) {
	file, err := os.Open(a.storePath)
	if err != nil {
		return nil, fmt.Errorf("opening backing store: %w", err)
	}
	defer file.Close()

	data := make([]*Word, a.frameSize/2)
	inTarget := false

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if filePID, filePage, ok := parseRecordHeader(line); ok {
			inTarget = filePID == pid && filePage == page
			continue
		}
		if !inTarget {
			continue
		}
		if err := applyStoreEntry(data, line); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading backing store: %w", err)
	}

	utils.InfoLog.Info("page swapped in", "pid", pid, "page", page)
	return data, nil
}

// parseRecordHeader matches `<pid> <page>` lines that start a page record.
func parseRecordHeader(line string) (pid, page int, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, false
	}
	pid, err1 := strconv.Atoi(fields[0])
	page, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return pid, page, true
}

func applyStoreEntry(data []*Word, line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	fields := strings.Fields(trimmed)

	switch fields[0] {
	case "V":
		if len(fields) < 3 {
			return fmt.Errorf("malformed store entry: %q", line)
		}
		offset, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("malformed store offset: %q", line)
		}
		value, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return fmt.Errorf("malformed store value: %q", line)
		}
		count := 1
		if len(fields) == 4 && strings.HasPrefix(fields[3], "x") {
			count, err = strconv.Atoi(fields[3][1:])
			if err != nil || count < 1 {
				return fmt.Errorf("malformed run length: %q", line)
			}
		}
		for i := 0; i < count; i++ {
			slot := offset/2 + i
			if slot >= 0 && slot < len(data) {
				data[slot] = ValueWord(uint16(value))
			}
		}

	case "I":
		if len(fields) < 3 {
			return fmt.Errorf("malformed store entry: %q", line)
		}
		offset, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("malformed store offset: %q", line)
		}
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "I"))
		sp := strings.IndexAny(rest, " \t")
		if sp < 0 {
			return fmt.Errorf("malformed store entry: %q", line)
		}
		in, err := instruction.ParseSerialized(strings.TrimSpace(rest[sp+1:]))
		if err != nil {
			return fmt.Errorf("deserializing stored instruction: %w", err)
		}
		slot := offset / 2
		if slot >= 0 && slot < len(data) {
			data[slot] = InstrWord(in)
		}

	default:
		return fmt.Errorf("unknown store entry: %q", line)
	}
	return nil
}

// rewriteStoreExcluding streams the store through a temp file, dropping
// every record whose header PID matches, then atomically renames the temp
// file over the store. Runs under a.mu.
func (a *Allocator) rewriteStoreExcluding(pid int) error {
	in, err := os.Open(a.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening backing store: %w", err)
	}
	defer in.Close()

	tempPath := a.storePath + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating temp store: %w", err)
	}

	w := bufio.NewWriter(out)
	skipping := false

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if filePID, _, ok := parseRecordHeader(line); ok {
			skipping = filePID == pid
			if skipping {
				continue
			}
			fmt.Fprintln(w, line)
			continue
		}
		if skipping {
			continue
		}
		fmt.Fprintln(w, line)
	}
	if err := sc.Err(); err != nil {
		out.Close()
		os.Remove(tempPath)
		return fmt.Errorf("reading backing store: %w", err)
	}

	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tempPath)
		return fmt.Errorf("writing temp store: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing temp store: %w", err)
	}
	in.Close()

	if err := os.Rename(tempPath, a.storePath); err != nil {
		return fmt.Errorf("replacing backing store: %w", err)
	}
	return nil
}
