package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/csopesy/csopesy-go/utils"
)

// SchedulerType selects the short-term scheduling policy.
type SchedulerType int

const (
	FCFS SchedulerType = iota
	RR
)

func (s SchedulerType) String() string {
	if s == RR {
		return "rr"
	}
	return "fcfs"
}

// Memory sizes are clamped to powers of two inside this range (bytes).
const (
	MinMemSize = 64
	MaxMemSize = 65536
)

// Config is the immutable parameter set loaded once at boot. No other
// component writes it after Load returns.
type Config struct {
	NumCPU           int
	Scheduler        SchedulerType
	QuantumCycles    uint32
	BatchProcessFreq uint32
	MinInstructions  uint32
	MaxInstructions  uint32
	DelaysPerExec    uint32

	MaxOverallMem int
	MemPerFrame   int
	MinMemPerProc int
	MaxMemPerProc int
	MemPerProc    int

	// RNGSeed seeds instruction generation when HasSeed is set.
	RNGSeed int64
	HasSeed bool
}

// Default returns the configuration used when the config file is missing.
func Default() *Config {
	return &Config{
		NumCPU:           4,
		Scheduler:        FCFS,
		QuantumCycles:    5,
		BatchProcessFreq: 1,
		MinInstructions:  1000,
		MaxInstructions:  2000,
		DelaysPerExec:    0,
		MaxOverallMem:    16384,
		MemPerFrame:      16,
		MinMemPerProc:    64,
		MaxMemPerProc:    1024,
		MemPerProc:       512,
	}
}

// NumFrames returns the size of the physical frame table.
func (c *Config) NumFrames() int {
	return c.MaxOverallMem / c.MemPerFrame
}

// stripQuotes removes one pair of surrounding double quotes, if present.
func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// clampMemSize forces v to a power of two in [MinMemSize, MaxMemSize],
// warning when the input is not already valid: values below the range are
// raised to MinMemSize, everything else is clamped down.
func clampMemSize(key string, v int) int {
	clamped := utils.Clamp(v, MinMemSize, MaxMemSize)
	if !utils.IsPowerOfTwo(clamped) {
		clamped = utils.FloorPowerOfTwo(clamped)
	}
	if clamped != v {
		utils.InfoLog.Warn("memory size clamped", "key", key, "given", v, "used", clamped)
	}
	return clamped
}

// Load parses whitespace-separated `key value` pairs from path. Unknown keys
// warn and are skipped; numeric fields are clamped; a file that cannot be
// opened yields the defaults with a warning.
func Load(path string) *Config {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		utils.ErrorLog.Warn("could not open config file, using defaults", "path", path, "error", err)
		return cfg
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Split(bufio.ScanWords)

	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}

	parseUint32 := func(key, raw string, min uint32) (uint32, bool) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			utils.InfoLog.Warn("invalid numeric value", "key", key, "value", raw)
			return 0, false
		}
		if v < int64(min) {
			utils.InfoLog.Warn("value below minimum, clamped", "key", key, "given", v, "used", min)
			return min, true
		}
		if v > int64(^uint32(0)) {
			return ^uint32(0), true
		}
		return uint32(v), true
	}

	for {
		key, ok := next()
		if !ok {
			break
		}
		raw, ok := next()
		if !ok {
			utils.InfoLog.Warn("config key without value", "key", key)
			break
		}
		raw = stripQuotes(raw)

		switch key {
		case "num-cpu":
			v, err := strconv.Atoi(raw)
			if err != nil {
				utils.InfoLog.Warn("invalid numeric value", "key", key, "value", raw)
				continue
			}
			cfg.NumCPU = utils.Clamp(v, 1, 128)
		case "scheduler":
			switch strings.ToLower(raw) {
			case "fcfs":
				cfg.Scheduler = FCFS
			case "rr":
				cfg.Scheduler = RR
			default:
				utils.InfoLog.Warn("unknown scheduler, keeping default", "value", raw)
			}
		case "quantum-cycles":
			if v, ok := parseUint32(key, raw, 1); ok {
				cfg.QuantumCycles = v
			}
		case "batch-process-freq":
			if v, ok := parseUint32(key, raw, 1); ok {
				cfg.BatchProcessFreq = v
			}
		case "min-ins":
			if v, ok := parseUint32(key, raw, 1); ok {
				cfg.MinInstructions = v
			}
		case "max-ins":
			if v, ok := parseUint32(key, raw, 1); ok {
				cfg.MaxInstructions = v
			}
		case "delays-per-exec":
			if v, ok := parseUint32(key, raw, 0); ok {
				cfg.DelaysPerExec = v
			}
		case "max-overall-mem":
			if v, err := strconv.Atoi(raw); err == nil {
				cfg.MaxOverallMem = clampMemSize(key, v)
			}
		case "mem-per-frame":
			if v, err := strconv.Atoi(raw); err == nil {
				cfg.MemPerFrame = clampMemSize(key, v)
			}
		case "min-mem-per-proc":
			if v, err := strconv.Atoi(raw); err == nil {
				cfg.MinMemPerProc = clampMemSize(key, v)
			}
		case "max-mem-per-proc":
			if v, err := strconv.Atoi(raw); err == nil {
				cfg.MaxMemPerProc = clampMemSize(key, v)
			}
		case "mem-per-proc":
			if v, err := strconv.Atoi(raw); err == nil {
				cfg.MemPerProc = clampMemSize(key, v)
			}
		case "rng-seed":
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				cfg.RNGSeed = v
				cfg.HasSeed = true
			}
		default:
			utils.InfoLog.Warn("unknown config key", "key", key)
		}
	}

	if cfg.MinInstructions > cfg.MaxInstructions {
		utils.InfoLog.Warn("min-ins above max-ins, swapping",
			"min", cfg.MinInstructions, "max", cfg.MaxInstructions)
		cfg.MinInstructions, cfg.MaxInstructions = cfg.MaxInstructions, cfg.MinInstructions
	}
	if cfg.MinMemPerProc > cfg.MaxMemPerProc {
		cfg.MinMemPerProc, cfg.MaxMemPerProc = cfg.MaxMemPerProc, cfg.MinMemPerProc
	}
	if cfg.MemPerFrame > cfg.MaxOverallMem {
		utils.InfoLog.Warn("mem-per-frame above max-overall-mem, clamped",
			"given", cfg.MemPerFrame, "used", cfg.MaxOverallMem)
		cfg.MemPerFrame = cfg.MaxOverallMem
	}

	utils.InfoLog.Info("configuration loaded",
		"num_cpu", cfg.NumCPU,
		"scheduler", cfg.Scheduler.String(),
		"quantum_cycles", cfg.QuantumCycles,
		"batch_process_freq", cfg.BatchProcessFreq,
		"delays_per_exec", cfg.DelaysPerExec,
		"max_overall_mem", cfg.MaxOverallMem,
		"mem_per_frame", cfg.MemPerFrame)

	return cfg
}
