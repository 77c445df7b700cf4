package instruction

import (
	"fmt"
	"strconv"
	"strings"
)

// The wire format matches the backing-store records: one line per
// instruction. FOR has no wire form: submission expands every FOR, so the
// instructions a process holds — and the text pages the allocator ever
// swaps — are single-line kinds only.

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Serialize renders the instruction in its wire form. Returns "" for FOR,
// which is never persisted.
func (in *Instruction) Serialize() string {
	switch in.Kind {
	case KindPrint:
		hasVar := in.VarName != ""
		var sb strings.Builder
		fmt.Fprintf(&sb, "PRINT %d %s ", in.PID, boolDigit(hasVar))
		if hasVar {
			sb.WriteString(in.VarName)
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Quote(in.Message))
		return sb.String()

	case KindDeclare:
		return fmt.Sprintf("DECLARE %s %d %d", in.VarName, in.Value, in.PID)

	case KindAdd, KindSub:
		op := 0
		if in.Kind == KindSub {
			op = 1
		}
		return fmt.Sprintf("ARITH %s %s %s %d %d", in.Dest, in.Lhs, in.Rhs, op, in.PID)

	case KindSleep:
		return fmt.Sprintf("SLEEP %d %d", in.Ticks, in.PID)

	case KindRead:
		return fmt.Sprintf("READ %s %d %d", in.VarName, in.Address, in.PID)

	case KindWrite:
		if in.HasVar {
			return fmt.Sprintf("WRITE 1 %d %s %d", in.Address, in.WriteVar, in.PID)
		}
		return fmt.Sprintf("WRITE 0 %d %d %d", in.Address, in.Value, in.PID)
	}
	return ""
}

// ParseSerialized rebuilds a single-line instruction from its wire form.
func ParseSerialized(text string) (*Instruction, error) {
	line := strings.TrimSpace(text)
	if line == "" {
		return nil, fmt.Errorf("empty instruction line")
	}

	fields := strings.Fields(line)

	switch fields[0] {
	case "PRINT":
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed PRINT: %q", line)
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed PRINT pid: %q", line)
		}
		hasVar := fields[2] == "1"
		varName := ""
		if hasVar {
			if len(fields) < 4 {
				return nil, fmt.Errorf("malformed PRINT var: %q", line)
			}
			varName = fields[3]
		}
		quote := strings.Index(line, `"`)
		if quote < 0 {
			return nil, fmt.Errorf("PRINT without message: %q", line)
		}
		msg, err := strconv.Unquote(line[quote:])
		if err != nil {
			return nil, fmt.Errorf("malformed PRINT message %q: %v", line, err)
		}
		return &Instruction{Kind: KindPrint, PID: pid, Message: msg, VarName: varName}, nil

	case "DECLARE":
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed DECLARE: %q", line)
		}
		value, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("malformed DECLARE value: %q", line)
		}
		pid, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("malformed DECLARE pid: %q", line)
		}
		return &Instruction{Kind: KindDeclare, PID: pid, VarName: fields[1], Value: uint16(value)}, nil

	case "ARITH":
		if len(fields) != 6 {
			return nil, fmt.Errorf("malformed ARITH: %q", line)
		}
		op, err := strconv.Atoi(fields[4])
		if err != nil || (op != 0 && op != 1) {
			return nil, fmt.Errorf("malformed ARITH op: %q", line)
		}
		pid, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, fmt.Errorf("malformed ARITH pid: %q", line)
		}
		kind := KindAdd
		if op == 1 {
			kind = KindSub
		}
		return &Instruction{
			Kind: kind, PID: pid, Dest: fields[1],
			Lhs: parseOperandToken(fields[2]), Rhs: parseOperandToken(fields[3]),
		}, nil

	case "SLEEP":
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed SLEEP: %q", line)
		}
		ticks, err := strconv.ParseUint(fields[1], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("malformed SLEEP ticks: %q", line)
		}
		pid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("malformed SLEEP pid: %q", line)
		}
		return &Instruction{Kind: KindSleep, PID: pid, Ticks: uint8(ticks)}, nil

	case "READ":
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed READ: %q", line)
		}
		addr, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("malformed READ address: %q", line)
		}
		pid, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("malformed READ pid: %q", line)
		}
		return &Instruction{Kind: KindRead, PID: pid, VarName: fields[1], Address: addr}, nil

	case "WRITE":
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed WRITE: %q", line)
		}
		hasVar := fields[1] == "1"
		addr, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("malformed WRITE address: %q", line)
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("malformed WRITE pid: %q", line)
		}
		in := &Instruction{Kind: KindWrite, PID: pid, Address: addr, HasVar: hasVar}
		if hasVar {
			in.WriteVar = fields[3]
		} else {
			value, err := strconv.ParseUint(fields[3], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("malformed WRITE value: %q", line)
			}
			in.Value = uint16(value)
		}
		return in, nil
	}

	return nil, fmt.Errorf("unknown instruction type: %q", fields[0])
}

func parseOperandToken(token string) Operand {
	if v, err := strconv.ParseUint(token, 10, 16); err == nil {
		return Lit(uint16(v))
	}
	return Var(token)
}
