package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/csopesy/csopesy-go/config"
	"github.com/csopesy/csopesy-go/instruction"
	"github.com/csopesy/csopesy-go/memory"
	"github.com/csopesy/csopesy-go/process"
	"github.com/csopesy/csopesy-go/scheduler"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "csopesy-logs")
	if err == nil {
		process.LogDir = dir
	}
	instruction.Seed(99)
	code := m.Run()
	if dir != "" {
		os.RemoveAll(dir)
	}
	os.Exit(code)
}

// newSystem boots allocator + registry + scheduler against a temp store.
// The scheduler is constructed but only started when start is set.
func newSystem(t *testing.T, mutate func(*config.Config), start bool) (*Registry, *scheduler.Scheduler, *memory.Allocator) {
	t.Helper()
	cfg := config.Default()
	cfg.NumCPU = 2
	cfg.MinInstructions = 5
	cfg.MaxInstructions = 10
	if mutate != nil {
		mutate(cfg)
	}

	alloc, err := memory.NewAllocator(cfg, filepath.Join(t.TempDir(), "store.txt"))
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.NewScheduler(cfg, alloc)
	r := NewRegistry(cfg, alloc, sched)

	if start {
		sched.Start()
		t.Cleanup(sched.Stop)
	}
	return r, sched, alloc
}

func TestCreateAssignsDensePIDs(t *testing.T) {
	r, _, _ := newSystem(t, nil, false)

	for i := 0; i < 5; i++ {
		p, err := r.Create(fmt.Sprintf("proc%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if p.PID() != i {
			t.Errorf("pid = %d, want dense %d", p.PID(), i)
		}
	}
	if r.Count() != 5 {
		t.Errorf("count = %d, want 5", r.Count())
	}
	if p := r.ByName("proc3"); p == nil || p.PID() != 3 {
		t.Error("lookup by name failed")
	}
	if p := r.ByPID(4); p == nil || p.Name() != "proc4" {
		t.Error("lookup by pid failed")
	}
	if r.ByPID(99) != nil || r.ByName("nope") != nil {
		t.Error("unknown lookups must return nil")
	}
}

func TestCreateRejectsDuplicateNames(t *testing.T) {
	r, _, _ := newSystem(t, nil, false)
	if _, err := r.Create("twin"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("twin"); err == nil {
		t.Error("duplicate name accepted")
	}
	if _, err := r.CreateScripted("twin", 256, `PRINT("x")`); err == nil {
		t.Error("duplicate name accepted by scripted create")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1 (no side effects)", r.Count())
	}
}

func TestCreateScriptedValidation(t *testing.T) {
	r, _, _ := newSystem(t, nil, false)

	cases := []struct {
		name   string
		mem    int
		script string
	}{
		{"badmem", 100, `PRINT("x")`},       // not a power of two
		{"toosmall", 32, `PRINT("x")`},      // below 64
		{"toobig", 131072, `PRINT("x")`},    // above 65536
		{"noroom", 64, strings.Repeat(`PRINT("x"); `, 20) + `PRINT("x")`}, // 2*21+64 > 64
		{"badinstr", 256, `FLY 1 2`},
		{"empty", 256, `;`},
	}
	for _, c := range cases {
		if _, err := r.CreateScripted(c.name, c.mem, c.script); err == nil {
			t.Errorf("CreateScripted(%s) accepted invalid input", c.name)
		}
	}
	if r.Count() != 0 {
		t.Errorf("failed creates left %d processes behind", r.Count())
	}

	// 50 instructions in 256 bytes: 2*50 + 64 <= 256 is allowed.
	big := strings.TrimSuffix(strings.Repeat(`PRINT("x"); `, 50), "; ")
	if _, err := r.CreateScripted("limit", 256, big); err != nil {
		t.Errorf("50-instruction script rejected: %v", err)
	}
	if _, err := r.CreateScripted("over", 256, big+`; PRINT("x")`); err == nil {
		t.Error("51-instruction script accepted")
	}
}

func TestGeneratedProcessRespectsConfig(t *testing.T) {
	r, _, _ := newSystem(t, func(cfg *config.Config) {
		cfg.MinInstructions = 20
		cfg.MaxInstructions = 30
		cfg.MinMemPerProc = 64
		cfg.MaxMemPerProc = 256
	}, false)

	for i := 0; i < 10; i++ {
		p, err := r.Create(fmt.Sprintf("gen%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if p.TotalLines() < 20 || p.TotalLines() > 30 {
			t.Errorf("total lines = %d, want within [20, 30]", p.TotalLines())
		}
		base := p.RequiredMemory() - 2*p.TotalLines()
		switch base {
		case 64, 128, 256:
		default:
			t.Errorf("base memory = %d, want a power of two in [64, 256]", base)
		}
	}
}

func TestScriptedProcessRunsEndToEnd(t *testing.T) {
	r, sched, alloc := newSystem(t, func(cfg *config.Config) {
		cfg.NumCPU = 1
		cfg.Scheduler = config.FCFS
	}, true)

	p, err := r.CreateScripted("adder", 128, `DECLARE x 65530; ADD x x 10; PRINT("x=" + x)`)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.Status() != process.Done {
		if time.Now().After(deadline) {
			t.Fatalf("process stuck at %v line %d", p.Status(), p.CurrentLine())
		}
		time.Sleep(200 * time.Microsecond)
	}
	// The worker frees a finished process's memory after that tick's barrier;
	// stopping joins the worker so the release has happened.
	sched.Stop()

	logs := p.LogLines()
	if len(logs) == 0 || !strings.Contains(logs[len(logs)-1], `"x=65535"`) {
		t.Errorf("logs = %v, want final x=65535", logs)
	}
	if used := alloc.UsedMemory(); used != 0 {
		t.Errorf("used memory after completion = %d, want 0", used)
	}
}

func TestSnapshotConsistency(t *testing.T) {
	r, sched, _ := newSystem(t, func(cfg *config.Config) {
		cfg.NumCPU = 3
	}, false)

	if _, err := r.CreateScripted("s1", 128, `SLEEP 10`); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateScripted("s2", 128, `PRINT("hello")`); err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()
	if len(snap.Processes) != 2 {
		t.Fatalf("snapshot has %d processes, want 2", len(snap.Processes))
	}
	if snap.Processes[0].Name != "s1" || snap.Processes[1].PID != 1 {
		t.Errorf("snapshot rows out of order: %+v", snap.Processes)
	}
	if snap.TotalMemory != snap.UsedMemory+snap.FreeMemory {
		t.Error("memory totals disagree")
	}
	if snap.TotalCores != 3 || len(snap.CoreProcesses) != 3 {
		t.Errorf("cores = %d/%d, want 3/3", snap.TotalCores, len(snap.CoreProcesses))
	}
	_ = sched
}

func TestBatchSpawnNamesProcesses(t *testing.T) {
	r, sched, _ := newSystem(t, func(cfg *config.Config) {
		cfg.BatchProcessFreq = 1
		cfg.MinInstructions = 2
		cfg.MaxInstructions = 4
	}, true)

	if !sched.StartBatchGeneration() {
		t.Fatal("batch generation did not start")
	}
	time.Sleep(20 * time.Millisecond)
	sched.StopBatchGeneration()

	if r.Count() == 0 {
		t.Fatal("batch generation created no processes")
	}
	if p := r.ByName("process_00"); p == nil {
		t.Error("first batch process should be named process_00")
	}
}

func TestViolationSurfacesInSnapshot(t *testing.T) {
	r, _, _ := newSystem(t, func(cfg *config.Config) {
		cfg.NumCPU = 1
	}, true)

	p, err := r.CreateScripted("victim", 128, `WRITE 0x0 42`)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.Status() != process.Done {
		if time.Now().After(deadline) {
			t.Fatal("violating process did not stop")
		}
		time.Sleep(200 * time.Microsecond)
	}

	snap := r.Snapshot()
	var row *ProcessInfo
	for i := range snap.Processes {
		if snap.Processes[i].Name == "victim" {
			row = &snap.Processes[i]
		}
	}
	if row == nil {
		t.Fatal("victim missing from snapshot")
	}
	if !row.Violated || row.BadAddress != 0 {
		t.Errorf("violation row = %+v", row)
	}
	if row.Status != "DONE" {
		t.Errorf("status = %s, want DONE", row.Status)
	}
}
