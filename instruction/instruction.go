// Package instruction models the bytecode executed by simulated processes:
// a closed sum type of eight kinds, executed by a single dispatch on the
// kind tag. Instructions hold the owning PID, never a process handle; all
// process interaction goes through the Runner interface.
package instruction

import (
	"fmt"
	"strconv"
)

// Kind tags the instruction variants.
type Kind int

const (
	KindPrint Kind = iota
	KindDeclare
	KindAdd
	KindSub
	KindSleep
	KindRead
	KindWrite
	KindFor
)

func (k Kind) String() string {
	switch k {
	case KindPrint:
		return "PRINT"
	case KindDeclare:
		return "DECLARE"
	case KindAdd:
		return "ADD"
	case KindSub:
		return "SUB"
	case KindSleep:
		return "SLEEP"
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindFor:
		return "FOR"
	}
	return "UNKNOWN"
}

// Operand is either a u16 literal or a variable name.
type Operand struct {
	IsVar bool
	Var   string
	Value uint16
}

// Lit builds a literal operand.
func Lit(v uint16) Operand { return Operand{Value: v} }

// Var builds a variable operand.
func Var(name string) Operand { return Operand{IsVar: true, Var: name} }

func (o Operand) String() string {
	if o.IsVar {
		return o.Var
	}
	return strconv.Itoa(int(o.Value))
}

// Instruction is the sum type. Only the fields of the tagged kind are
// meaningful. FOR carries an inner (loop, index) cursor so a structured FOR
// can be stepped one logical line at a time.
type Instruction struct {
	Kind Kind
	PID  int

	Message string // PRINT
	VarName string // PRINT (optional), DECLARE, READ
	Value   uint16 // DECLARE, WRITE literal

	Dest     string  // ADD, SUB
	Lhs, Rhs Operand // ADD, SUB

	Ticks uint8 // SLEEP

	Address  int    // READ, WRITE
	WriteVar string // WRITE by variable
	HasVar   bool   // WRITE: value comes from WriteVar

	Loops int // FOR
	Body  []*Instruction

	curLoop  int
	curIndex int
}

// Runner is the surface an instruction needs from its process. process.Process
// implements it.
type Runner interface {
	DeclareVariable(name string, value uint16)
	SetVariable(name string, value uint16)
	Variable(name string) uint16
	// ReadHeap returns ok=false when the access shut the process down.
	ReadHeap(addr int) (uint16, bool)
	WriteHeap(addr int, value uint16) bool
	Sleep(ticks uint8)
	Log(message string)
	Name() string
}

// LineCount reports the number of logical lines this instruction occupies:
// 1 for every kind except FOR, which counts totalLoops x body lines.
func (in *Instruction) LineCount() int {
	if in.Kind != KindFor {
		return 1
	}
	body := 0
	for _, b := range in.Body {
		body += b.LineCount()
	}
	return in.Loops * body
}

// Complete reports whether the instruction has finished executing. Always
// true except for a FOR that has iterations left.
func (in *Instruction) Complete() bool {
	if in.Kind != KindFor {
		return true
	}
	return in.curLoop >= in.Loops
}

// Reset rewinds a FOR's cursor, recursively. Needed when an inner FOR must
// run again on the next outer iteration.
func (in *Instruction) Reset() {
	if in.Kind != KindFor {
		return
	}
	in.curLoop = 0
	in.curIndex = 0
	for _, b := range in.Body {
		b.Reset()
	}
}

// Expand flattens a FOR into its fully unrolled single-line sequence. Other
// kinds expand to themselves. Single-line instructions carry no execution
// state, so the unrolled sequence may alias them.
func (in *Instruction) Expand() []*Instruction {
	if in.Kind != KindFor {
		return []*Instruction{in}
	}
	out := make([]*Instruction, 0, in.LineCount())
	for i := 0; i < in.Loops; i++ {
		for _, b := range in.Body {
			out = append(out, b.Expand()...)
		}
	}
	return out
}

// ExpandAll unrolls every FOR in the list.
func ExpandAll(list []*Instruction) []*Instruction {
	out := make([]*Instruction, 0, len(list))
	for _, in := range list {
		out = append(out, in.Expand()...)
	}
	return out
}

// Execute runs one logical line of in against r. For single-line kinds that
// is the whole instruction; for a structured FOR it is one line of the body.
func Execute(in *Instruction, r Runner) {
	switch in.Kind {
	case KindPrint:
		msg := in.Message
		if in.VarName != "" {
			msg += strconv.Itoa(int(r.Variable(in.VarName)))
		}
		r.Log(msg)

	case KindDeclare:
		r.DeclareVariable(in.VarName, in.Value)

	case KindAdd, KindSub:
		lhs := resolveOperand(in.Lhs, r)
		rhs := resolveOperand(in.Rhs, r)
		var result uint16
		if in.Kind == KindAdd {
			sum := uint32(lhs) + uint32(rhs)
			if sum > 0xFFFF {
				sum = 0xFFFF
			}
			result = uint16(sum)
		} else {
			if lhs < rhs {
				result = 0
			} else {
				result = lhs - rhs
			}
		}
		// First-wins declare keeps unknown destinations writable without
		// disturbing existing ones.
		r.DeclareVariable(in.Dest, 0)
		r.SetVariable(in.Dest, result)

	case KindSleep:
		r.Sleep(in.Ticks)

	case KindRead:
		value, ok := r.ReadHeap(in.Address)
		if !ok {
			return
		}
		r.DeclareVariable(in.VarName, value)
		r.SetVariable(in.VarName, value)

	case KindWrite:
		value := in.Value
		if in.HasVar {
			value = r.Variable(in.WriteVar)
		}
		r.WriteHeap(in.Address, value)

	case KindFor:
		if in.curLoop >= in.Loops || len(in.Body) == 0 {
			return
		}
		cur := in.Body[in.curIndex]
		Execute(cur, r)
		if cur.Complete() {
			in.curIndex = (in.curIndex + 1) % len(in.Body)
			if in.curIndex == 0 {
				in.curLoop++
			}
			if cur.Kind == KindFor {
				cur.Reset()
			}
		}

	default:
		panic(fmt.Sprintf("instruction: unknown kind %d", in.Kind))
	}
}

func resolveOperand(op Operand, r Runner) uint16 {
	if op.IsVar {
		return r.Variable(op.Var)
	}
	return op.Value
}
