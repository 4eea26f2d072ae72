//go:build !js
// +build !js

package metrics

import (
	"github.com/shirou/gopsutil/cpu"

	"github.com/Zollkron/gamerchain-sub000/log"
)

// cpuUsageScale converts gopsutil's second resolution CPU times to the
// centisecond resolution of getProcessCPUTime.
const cpuUsageScale = 100

// ReadCPUStats retrieves the current CPU stats.
func ReadCPUStats(stats *CPUStats) {
	// passed through to gopsutil
	timeStats, err := cpu.Times(false)
	if err != nil {
		log.Error("Could not read cpu stats", "err", err)
		return
	}
	if len(timeStats) == 0 {
		log.Error("Empty cpu stats")
		return
	}
	// requesting all cpu times will always return an array with only one time stats entry
	timeStat := timeStats[0]
	stats.GlobalTime = int64((timeStat.User + timeStat.Nice + timeStat.System) * cpuUsageScale)
	stats.GlobalWait = int64(timeStat.Iowait * cpuUsageScale)
	stats.LocalTime = getProcessCPUTime()
}
