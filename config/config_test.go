package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `num-cpu 4
scheduler "rr"
quantum-cycles 5
batch-process-freq 1
min-ins 1000
max-ins 2000
delays-per-exec 0
max-overall-mem 16384
mem-per-frame 16
min-mem-per-proc 64
max-mem-per-proc 1024
mem-per-proc 512
`)
	cfg := Load(path)

	if cfg.NumCPU != 4 {
		t.Errorf("NumCPU = %d, want 4", cfg.NumCPU)
	}
	if cfg.Scheduler != RR {
		t.Errorf("Scheduler = %v, want RR", cfg.Scheduler)
	}
	if cfg.QuantumCycles != 5 {
		t.Errorf("QuantumCycles = %d, want 5", cfg.QuantumCycles)
	}
	if cfg.DelaysPerExec != 0 {
		t.Errorf("DelaysPerExec = %d, want 0", cfg.DelaysPerExec)
	}
	// mem-per-frame 16 lies below MinMemSize and is raised to 64.
	if cfg.MaxOverallMem != 16384 || cfg.MemPerFrame != 64 {
		t.Errorf("memory = %d/%d, want 16384/64", cfg.MaxOverallMem, cfg.MemPerFrame)
	}
	if got := cfg.NumFrames(); got != 256 {
		t.Errorf("NumFrames = %d, want 256", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	def := Default()
	if *cfg != *def {
		t.Errorf("missing file config = %+v, want defaults %+v", cfg, def)
	}
}

func TestLoadClamping(t *testing.T) {
	path := writeConfig(t, `num-cpu 500
quantum-cycles 0
max-overall-mem 100
mem-per-frame 7
mem-per-proc 70000
`)
	cfg := Load(path)

	if cfg.NumCPU != 128 {
		t.Errorf("NumCPU = %d, want clamp to 128", cfg.NumCPU)
	}
	if cfg.QuantumCycles != 1 {
		t.Errorf("QuantumCycles = %d, want clamp to 1", cfg.QuantumCycles)
	}
	if cfg.MaxOverallMem != 64 {
		t.Errorf("MaxOverallMem = %d, want clamp down to 64", cfg.MaxOverallMem)
	}
	if cfg.MemPerFrame != 64 {
		t.Errorf("MemPerFrame = %d, want clamp up to 64", cfg.MemPerFrame)
	}
	if cfg.MemPerProc != 65536 {
		t.Errorf("MemPerProc = %d, want clamp to 65536", cfg.MemPerProc)
	}
}

func TestLoadUnknownKeysIgnored(t *testing.T) {
	path := writeConfig(t, `bogus-key 42
num-cpu 2
another-unknown "hello"
`)
	cfg := Load(path)
	if cfg.NumCPU != 2 {
		t.Errorf("NumCPU = %d, want 2", cfg.NumCPU)
	}
	if cfg.Scheduler != FCFS {
		t.Errorf("Scheduler = %v, want default FCFS", cfg.Scheduler)
	}
}

func TestLoadSchedulerVariants(t *testing.T) {
	cases := []struct {
		raw  string
		want SchedulerType
	}{
		{`scheduler fcfs`, FCFS},
		{`scheduler "fcfs"`, FCFS},
		{`scheduler rr`, RR},
		{`scheduler "RR"`, RR},
		{`scheduler nonsense`, FCFS},
	}
	for _, c := range cases {
		cfg := Load(writeConfig(t, c.raw+"\n"))
		if cfg.Scheduler != c.want {
			t.Errorf("%q: Scheduler = %v, want %v", c.raw, cfg.Scheduler, c.want)
		}
	}
}

func TestLoadRNGSeed(t *testing.T) {
	cfg := Load(writeConfig(t, "rng-seed 12345\n"))
	if !cfg.HasSeed || cfg.RNGSeed != 12345 {
		t.Errorf("seed = (%v, %d), want (true, 12345)", cfg.HasSeed, cfg.RNGSeed)
	}
	if Default().HasSeed {
		t.Error("default config should not carry a seed")
	}
}

func TestLoadSwapsInvertedRanges(t *testing.T) {
	cfg := Load(writeConfig(t, "min-ins 50\nmax-ins 10\n"))
	if cfg.MinInstructions != 10 || cfg.MaxInstructions != 50 {
		t.Errorf("ins range = [%d, %d], want [10, 50]", cfg.MinInstructions, cfg.MaxInstructions)
	}
}
