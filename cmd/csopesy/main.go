// Command csopesy is the interactive shell over the emulator core. It is a
// thin boundary: every command maps to a registry, scheduler or allocator
// operation, and this is the only layer that prints errors to the user.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/csopesy/csopesy-go/config"
	"github.com/csopesy/csopesy-go/instruction"
	"github.com/csopesy/csopesy-go/memory"
	"github.com/csopesy/csopesy-go/registry"
	"github.com/csopesy/csopesy-go/scheduler"
	"github.com/csopesy/csopesy-go/utils"
)

const (
	configPath = "config.txt"
	reportPath = "csopesy-log.txt"
)

type handlerFunc func(args []string)

var (
	cfg         *config.Config
	initialized bool
	commands    map[string]handlerFunc
)

func main() {
	if err := utils.InitLoggerFile("info", "csopesy", "csopesy.log"); err != nil {
		utils.InitLogger("info", "csopesy")
	}

	commands = map[string]handlerFunc{
		"initialize":      cmdInitialize,
		"screen":          cmdScreen,
		"scheduler-start": cmdSchedulerStart,
		"scheduler-stop":  cmdSchedulerStop,
		"process-smi":     cmdProcessSMI,
		"vmstat":          cmdVMStat,
		"report-util":     cmdReportUtil,
	}

	fmt.Println("CSOPESY emulator. Type 'initialize' to boot, 'exit' to quit.")

	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("root:\\> ")
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		args := tokenize(line)
		name := args[0]

		if name == "exit" {
			shutdown()
			return
		}
		if name != "initialize" && !initialized {
			fmt.Println("Please run 'initialize' first.")
			continue
		}

		handler, ok := commands[name]
		if !ok {
			fmt.Printf("Unknown command: %s\n", name)
			continue
		}
		handler(args[1:])
	}
	shutdown()
}

func cmdInitialize(args []string) {
	if initialized {
		fmt.Println("Already initialized.")
		return
	}

	cfg = config.Load(configPath)
	if cfg.HasSeed {
		instruction.Seed(cfg.RNGSeed)
	} else {
		instruction.Seed(time.Now().UnixNano())
	}

	alloc, err := memory.Init(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize memory: %v\n", err)
		return
	}
	r := registry.Init(cfg, alloc, nil)
	sched := scheduler.Init(cfg, alloc)
	r.AttachScheduler(sched)
	sched.Start()

	initialized = true
	fmt.Printf("Initialized: %d cores, %s scheduler, %d bytes memory, %d-byte frames.\n",
		cfg.NumCPU, cfg.Scheduler, cfg.MaxOverallMem, cfg.MemPerFrame)
}

func shutdown() {
	if !initialized {
		return
	}
	// Reverse of init order: Scheduler, Registry, Allocator.
	scheduler.Shutdown()
	registry.Shutdown()
	memory.Shutdown()
	initialized = false
	fmt.Println("Shutdown complete.")
}

func cmdScreen(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: screen -s <name> | -r <name> | -ls | -c <name> <mem> \"<instr;...>\"")
		return
	}
	switch args[0] {
	case "-s":
		if len(args) != 2 {
			fmt.Println("Usage: screen -s <name>")
			return
		}
		p, err := registry.Get().CreateWithMemory(args[1], cfg.MemPerProc)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Created process %s (pid %d, %d bytes).\n", p.Name(), p.PID(), p.RequiredMemory())

	case "-r":
		if len(args) != 2 {
			fmt.Println("Usage: screen -r <name>")
			return
		}
		attachScreen(args[1])

	case "-ls":
		fmt.Print(screenList())

	case "-c":
		if len(args) != 4 {
			fmt.Println("Usage: screen -c <name> <mem> \"<instr;...>\"")
			return
		}
		mem, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Printf("Invalid memory size: %s\n", args[2])
			return
		}
		p, err := registry.Get().CreateScripted(args[1], mem, args[3])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Created process %s (pid %d, %d instructions).\n",
			p.Name(), p.PID(), p.TotalLines())

	default:
		fmt.Printf("Unknown screen flag: %s\n", args[0])
	}
}

func attachScreen(name string) {
	p := registry.Get().ByName(name)
	if p == nil {
		fmt.Printf("Process %s not found.\n", name)
		return
	}
	fmt.Println(p.DebugString())
	if violated, addr := p.Violated(); violated {
		fmt.Printf("Process %s shut down due to memory access violation. 0x%X invalid.\n", name, addr)
	}
	for _, line := range p.LogLines() {
		fmt.Println(line)
	}
}

func screenList() string {
	snap := registry.Get().Snapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "CPU utilization: %.2f%%\n", snap.CPUUtilization())
	fmt.Fprintf(&sb, "Cores used: %d\n", snap.TotalCores-snap.AvailableCores)
	fmt.Fprintf(&sb, "Cores available: %d\n\n", snap.AvailableCores)

	sb.WriteString("----------------------------------------\n")
	sb.WriteString("Running processes:\n")
	for _, p := range snap.Processes {
		if p.Status == "DONE" {
			continue
		}
		fmt.Fprintf(&sb, "%-12s (%s) Core: %-3d %d / %d\n",
			p.Name, p.Created.Format("01/02/2006 03:04:05PM"), p.Core, p.CurrentLine, p.TotalLines)
	}
	sb.WriteString("\nFinished processes:\n")
	for _, p := range snap.Processes {
		if p.Status != "DONE" {
			continue
		}
		fmt.Fprintf(&sb, "%-12s (%s) Finished   %d / %d\n",
			p.Name, p.Created.Format("01/02/2006 03:04:05PM"), p.CurrentLine, p.TotalLines)
	}
	sb.WriteString("----------------------------------------\n")
	return sb.String()
}

func cmdSchedulerStart(args []string) {
	if scheduler.Get().StartBatchGeneration() {
		fmt.Printf("Started batch process generation every %d CPU ticks.\n", cfg.BatchProcessFreq)
	} else {
		fmt.Println("Batch process generation is already running.")
	}
}

func cmdSchedulerStop(args []string) {
	if scheduler.Get().StopBatchGeneration() {
		fmt.Println("Stopped batch process generation.")
	} else {
		fmt.Println("Batch process generation is not currently running.")
	}
}

func cmdProcessSMI(args []string) {
	snap := registry.Get().Snapshot()

	fmt.Println("---------------------------------------------")
	fmt.Println("| PROCESS-SMI v1.0        Driver: csopesy-go |")
	fmt.Println("---------------------------------------------")
	fmt.Printf("CPU utilization: %.2f%%\n", snap.CPUUtilization())
	fmt.Printf("Memory usage: %d / %d bytes\n", snap.UsedMemory, snap.TotalMemory)
	fmt.Println("---------------------------------------------")
	fmt.Println("Running processes and memory usage:")
	for _, p := range snap.Processes {
		if p.Status == "DONE" {
			continue
		}
		fmt.Printf("%-12s %d bytes\n", p.Name, p.Memory)
	}
	fmt.Println("---------------------------------------------")
}

func cmdVMStat(args []string) {
	snap := registry.Get().Snapshot()

	fmt.Printf("%12d bytes total memory\n", snap.TotalMemory)
	fmt.Printf("%12d bytes used memory\n", snap.UsedMemory)
	fmt.Printf("%12d bytes free memory\n", snap.FreeMemory)
	fmt.Printf("%12d idle cpu ticks\n", snap.IdleTicks)
	fmt.Printf("%12d active cpu ticks\n", snap.ActiveTicks)
	fmt.Printf("%12d total cpu ticks\n", snap.ActiveTicks+snap.IdleTicks)
	fmt.Printf("%12d num paged in\n", snap.PagedIn)
	fmt.Printf("%12d num paged out\n", snap.PagedOut)

	fmt.Println("\n=== Memory Frame Table ===")
	fmt.Printf("%6s | %10s | %10s\n", "Frame", "Process ID", "Page #")
	fmt.Println("-------+------------+-----------")
	for i, f := range snap.Frames {
		if f.PID == -1 {
			fmt.Printf("%6d | %10s | %10s\n", i, "-", "-")
		} else {
			fmt.Printf("%6d | %10d | %10d\n", i, f.PID, f.Page)
		}
	}
	fmt.Println("==========================")
}

func cmdReportUtil(args []string) {
	report := screenList()
	if err := os.WriteFile(reportPath, []byte(report), 0644); err != nil {
		fmt.Printf("Could not write report: %v\n", err)
		return
	}
	fmt.Printf("Report generated at %s\n", reportPath)
}

// tokenize splits a command line on whitespace. A double quote at the start
// of a token opens a quoted argument that runs to the line's last quote, so
// only the outermost pair delimits it and quotes inside a script
// (PRINT("hello world")) stay part of the token.
func tokenize(line string) []string {
	var out []string
	i, n := 0, len(line)

	for i < n {
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}
		if line[i] == '"' {
			j := strings.LastIndexByte(line, '"')
			if j > i {
				out = append(out, line[i+1:j])
				i = j + 1
				continue
			}
			// Unterminated quote: take the rest verbatim.
			out = append(out, line[i+1:])
			break
		}
		start := i
		for i < n && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		out = append(out, line[start:i])
	}
	return out
}
