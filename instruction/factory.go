package instruction

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// Random-instruction synthesis. Content is a function of configuration and
// the shared RNG only: callers seed once at startup (from the rng-seed config
// key or a startup-time value) and every generated program draws from the
// same stream.

const (
	maxNestedLevels = 3
	maxVariables    = 32
	instructionSize = 2
	symbolTableSize = 64
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(1))
)

// Seed reseeds the generator RNG.
func Seed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	rng = rand.New(rand.NewSource(seed))
}

// RandomNum returns a uniform int in [min, max].
func RandomNum(min, max int) int {
	if max <= min {
		return min
	}
	rngMu.Lock()
	defer rngMu.Unlock()
	return min + rng.Intn(max-min+1)
}

// Generate synthesizes a program of totalLines logical lines for a process
// with the given base memory footprint (excluding text). FOR loops are
// pre-expanded, so the returned slice has exactly totalLines entries, each a
// single-line instruction. READ/WRITE addresses are drawn from
// [TEXT_end, HEAP_end + requiredMemory/100), leaving roughly one percent of
// accesses deliberately out of range.
func Generate(pid int, processName string, totalLines, requiredMemory int) []*Instruction {
	textEnd := totalLines * instructionSize
	heapEnd := textEnd + requiredMemory
	errorMemory := requiredMemory / 100
	lo, hi := textEnd, heapEnd+errorMemory

	declared := make(map[string]struct{})
	instructions := make([]*Instruction, 0, totalLines)
	accumulated := 0

	for accumulated < totalLines {
		remaining := totalLines - accumulated
		in := createRandom(pid, processName, declared, 0, remaining, lo, hi)
		lines := in.LineCount()
		if lines > remaining || lines < 1 {
			continue
		}
		instructions = append(instructions, in.Expand()...)
		accumulated += lines
	}

	return instructions
}

func newVarName(declared map[string]struct{}) string {
	n := len(declared)
	for {
		name := fmt.Sprintf("var_%d", n)
		if _, taken := declared[name]; !taken {
			return name
		}
		n++
	}
}

func existingVarName(declared map[string]struct{}) string {
	if len(declared) == 0 {
		return newVarName(declared)
	}
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[RandomNum(0, len(names)-1)]
}

func randomVarName(declared map[string]struct{}) string {
	useExisting := len(declared) > 0 && RandomNum(0, 1) == 0
	if useExisting {
		return existingVarName(declared)
	}
	return newVarName(declared)
}

func randomOperand(declared map[string]struct{}) Operand {
	if RandomNum(0, 1) == 0 {
		return Var(randomVarName(declared))
	}
	return Lit(uint16(RandomNum(0, 0xFFFF)))
}

func noteDeclared(declared map[string]struct{}, name string) {
	if len(declared) < maxVariables {
		declared[name] = struct{}{}
	}
}

func createRandom(pid int, processName string, declared map[string]struct{},
	nestLevel, maxLines, lo, hi int) *Instruction {

	msg := fmt.Sprintf("Hello world from %s.", processName)
	loopable := nestLevel < maxNestedLevels && maxLines > 1

	top := 6
	if loopable {
		top = 7
	}

	switch RandomNum(0, top) {
	case 0: // PRINT
		if len(declared) == 0 {
			return &Instruction{Kind: KindPrint, PID: pid, Message: msg}
		}
		name := existingVarName(declared)
		return &Instruction{
			Kind: KindPrint, PID: pid,
			Message: fmt.Sprintf("The value of %s is: ", name), VarName: name,
		}

	case 1: // DECLARE
		name := newVarName(declared)
		noteDeclared(declared, name)
		return &Instruction{
			Kind: KindDeclare, PID: pid,
			VarName: name, Value: uint16(RandomNum(0, 0xFFFF)),
		}

	case 2: // SLEEP
		return &Instruction{Kind: KindSleep, PID: pid, Ticks: uint8(RandomNum(1, 255))}

	case 3: // ADD
		dest := randomVarName(declared)
		noteDeclared(declared, dest)
		return &Instruction{
			Kind: KindAdd, PID: pid, Dest: dest,
			Lhs: randomOperand(declared), Rhs: randomOperand(declared),
		}

	case 4: // SUB
		dest := randomVarName(declared)
		noteDeclared(declared, dest)
		return &Instruction{
			Kind: KindSub, PID: pid, Dest: dest,
			Lhs: randomOperand(declared), Rhs: randomOperand(declared),
		}

	case 5: // WRITE
		addr := RandomNum(lo, hi-instructionSize)
		if RandomNum(0, 1) == 1 {
			return &Instruction{
				Kind: KindWrite, PID: pid, Address: addr,
				Value: uint16(RandomNum(0, 0xFFFF)),
			}
		}
		return &Instruction{
			Kind: KindWrite, PID: pid, Address: addr,
			HasVar: true, WriteVar: randomVarName(declared),
		}

	case 6: // READ
		return &Instruction{
			Kind: KindRead, PID: pid,
			VarName: randomVarName(declared), Address: RandomNum(lo, hi-instructionSize),
		}

	case 7:
		return createForLoop(pid, processName, maxLines, declared, nestLevel+1, lo, hi)
	}

	return &Instruction{Kind: KindPrint, PID: pid, Message: "Fallback Instruction"}
}

func createForLoop(pid int, processName string, maxLines int,
	declared map[string]struct{}, nestLevel, lo, hi int) *Instruction {

	if maxLines <= 1 || nestLevel > maxNestedLevels {
		return &Instruction{Kind: KindPrint, PID: pid, Message: "Invalid FOR loop"}
	}

	// Loop count in [2,5], body sized so loops*bodyLines never exceeds the
	// caller's remaining budget.
	maxLoopCount := maxLines
	if maxLoopCount > 5 {
		maxLoopCount = 5
	}
	loopCount := RandomNum(2, maxLoopCount)
	maxBodyLines := maxLines / loopCount
	target := RandomNum(1, maxBodyLines)

	var body []*Instruction
	accumulated := 0
	for accumulated < target {
		remaining := target - accumulated
		in := createRandom(pid, processName, declared, nestLevel+1, remaining, lo, hi)
		lines := in.LineCount()
		if accumulated+lines > target {
			continue
		}
		accumulated += lines
		body = append(body, in)
	}

	return &Instruction{Kind: KindFor, PID: pid, Loops: loopCount, Body: body}
}
