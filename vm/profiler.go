package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/goslang/pkg/bytecode"
)

// Profiler counts executed instructions per opcode and calls per function.
// A function is identified by its entry pc. Counters are atomic so a report
// can be read while a run is still in progress.

// FunctionProfile holds profiling data for a single function.
type FunctionProfile struct {
	Entry int    // entry pc of the function
	Calls uint64 // atomic counter for calls
	IsHot bool   // true once Calls reached HotThreshold
}

// Profiler collects counters for one run.
type Profiler struct {
	ops       [256]atomic.Uint64
	functions sync.Map // entry pc -> *FunctionProfile

	// HotThreshold is the call count at which a function becomes hot.
	HotThreshold uint64 // Default: 100

	// OnHot is called once per function when it becomes hot.
	OnHot func(profile *FunctionProfile)

	hotCount atomic.Uint64
}

// NewProfiler creates a new profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

// RecordOp counts one executed instruction.
func (p *Profiler) RecordOp(op bytecode.Opcode) {
	p.ops[op].Add(1)
}

// RecordCall counts one call of the function entering at entry.
// Returns true if this call caused the function to become hot.
func (p *Profiler) RecordCall(entry int) bool {
	val, _ := p.functions.LoadOrStore(entry, &FunctionProfile{Entry: entry})
	profile := val.(*FunctionProfile)

	count := atomic.AddUint64(&profile.Calls, 1)
	if !profile.IsHot && count >= p.HotThreshold {
		profile.IsHot = true
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(profile)
		}
		return true
	}
	return false
}

// Function returns the profile for the function entering at entry, or nil.
func (p *Profiler) Function(entry int) *FunctionProfile {
	if val, ok := p.functions.Load(entry); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Instructions uint64            `json:"instructions"`
	Functions    int               `json:"functions"`
	HotFunctions int               `json:"hot_functions"`
	Calls        uint64            `json:"calls"`
	Ops          map[string]uint64 `json:"ops,omitempty"`
	Top          []FunctionCount   `json:"top,omitempty"`
}

// FunctionCount pairs a function entry with its call count.
type FunctionCount struct {
	Entry int    `json:"entry"`
	Calls uint64 `json:"calls"`
}

// Stats returns aggregate profiling statistics with the five most called
// functions.
func (p *Profiler) Stats() ProfilerStats {
	stats := ProfilerStats{Ops: p.OpCounts()}
	for _, n := range stats.Ops {
		stats.Instructions += n
	}
	p.functions.Range(func(_, value any) bool {
		profile := value.(*FunctionProfile)
		stats.Functions++
		stats.Calls += atomic.LoadUint64(&profile.Calls)
		if profile.IsHot {
			stats.HotFunctions++
		}
		return true
	})
	stats.Top = p.TopFunctions(5)
	return stats
}

// OpCounts returns the non-zero instruction counts by opcode name.
func (p *Profiler) OpCounts() map[string]uint64 {
	out := make(map[string]uint64)
	for i := range p.ops {
		if n := p.ops[i].Load(); n > 0 {
			out[bytecode.Opcode(i).String()] = n
		}
	}
	return out
}

// TopFunctions returns the n most called functions, most called first.
// Ties are broken by entry pc.
func (p *Profiler) TopFunctions(n int) []FunctionCount {
	var all []FunctionCount
	p.functions.Range(func(key, value any) bool {
		profile := value.(*FunctionProfile)
		all = append(all, FunctionCount{key.(int), atomic.LoadUint64(&profile.Calls)})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Calls != all[j].Calls {
			return all[i].Calls > all[j].Calls
		}
		return all[i].Entry < all[j].Entry
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	for i := range p.ops {
		p.ops[i].Store(0)
	}
	p.functions = sync.Map{}
	p.hotCount.Store(0)
}
