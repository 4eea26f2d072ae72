// Package metrics collects runtime statistics: counters, gauges and meters
// registered by name, with optional reporting to InfluxDB.
package metrics

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/Zollkron/gamerchain-sub000/log"
)

// Enabled is checked by the constructor functions for all of the standard
// metrics. If it is true, the metric returned is a stub.
//
// This global kill-switch helps quantify the observer effect and makes for
// less cluttered pprof profiles.
var Enabled = false

// enablerFlags is the CLI flag names to use to enable metrics collections.
var enablerFlags = []string{"metrics"}

// init enables or disables the metrics system. Since we need this to run
// before any other code gets to create meters and timers, we'll actually do
// an ugly hack and peek into the command line args for the metrics flag.
func init() {
	for _, arg := range os.Args {
		flag := strings.TrimLeft(arg, "-")
		for _, enabler := range enablerFlags {
			if !Enabled && flag == enabler {
				Enabled = true
			}
		}
	}
}

// Enable switches the metrics system on. Must run before metrics are created.
func Enable() {
	Enabled = true
}

// CollectProcessMetrics periodically collects various metrics about the
// running process.
func CollectProcessMetrics(refresh time.Duration) {
	// Short circuit if the metrics system is disabled
	if !Enabled {
		return
	}
	log.Debug("Starting process metrics collection", "refresh", refresh)

	// Create the various data collectors
	var (
		cpustats = make([]CPUStats, 2)
		memstats = make([]runtime.MemStats, 2)
	)
	// Define the various metrics to collect
	var (
		cpuSysLoad    = GetOrRegisterGauge("system/cpu/sysload", DefaultRegistry)
		cpuSysWait    = GetOrRegisterGauge("system/cpu/syswait", DefaultRegistry)
		cpuProcLoad   = GetOrRegisterGauge("system/cpu/procload", DefaultRegistry)
		cpuGoroutines = GetOrRegisterGauge("system/cpu/goroutines", DefaultRegistry)

		memAllocs = GetOrRegisterMeter("system/memory/allocs", DefaultRegistry)
		memFrees  = GetOrRegisterMeter("system/memory/frees", DefaultRegistry)
		memHeld   = GetOrRegisterGauge("system/memory/held", DefaultRegistry)
		memUsed   = GetOrRegisterGauge("system/memory/used", DefaultRegistry)
		memPauses = GetOrRegisterMeter("system/memory/pauses", DefaultRegistry)
	)
	// Iterate loading the different stats and updating the meters
	for i := 1; ; i++ {
		location1 := i % 2
		location2 := (i - 1) % 2

		ReadCPUStats(&cpustats[location1])
		cpuSysLoad.Update((cpustats[location1].GlobalTime - cpustats[location2].GlobalTime) / refreshFreq)
		cpuSysWait.Update((cpustats[location1].GlobalWait - cpustats[location2].GlobalWait) / refreshFreq)
		cpuProcLoad.Update((cpustats[location1].LocalTime - cpustats[location2].LocalTime) / refreshFreq)
		cpuGoroutines.Update(int64(runtime.NumGoroutine()))

		runtime.ReadMemStats(&memstats[location1])
		memAllocs.Mark(int64(memstats[location1].Mallocs - memstats[location2].Mallocs))
		memFrees.Mark(int64(memstats[location1].Frees - memstats[location2].Frees))
		memHeld.Update(int64(memstats[location1].HeapSys - memstats[location1].HeapReleased))
		memUsed.Update(int64(memstats[location1].Alloc))
		memPauses.Mark(int64(memstats[location1].PauseTotalNs - memstats[location2].PauseTotalNs))

		time.Sleep(refresh)
	}
}

const refreshFreq = int64(3) // refresh rate in seconds used to scale CPU loads

// CPUStats is the system and process CPU stats.
type CPUStats struct {
	GlobalTime int64 // Time spent by the CPU working on all processes
	GlobalWait int64 // Time spent by waiting on disk for all processes
	LocalTime  int64 // Time spent by the CPU working on this process
}
