package pilot

import (
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

type CPUMetric struct {
	TimeStat       cpu.TimesStat
	PercentageUsed float64
}

// HostMetrics is a point-in-time view of the machine hosting the pilot,
// served by the coordinator's monitor API.
type HostMetrics struct {
	Load   load.AvgStat
	CPU    CPUMetric
	Disk   disk.UsageStat
	Memory mem.VirtualMemoryStat
}

// DetectCores reports the logical core count, falling back to 1 when the
// platform query fails. The local and Docker pilots fall back to it when
// constructed with a total core count below 1.
func DetectCores() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func getCPUUsage(stats cpu.TimesStat) float64 {
	idle := stats.Idle + stats.Iowait
	nonIdle := stats.User + stats.Nice + stats.System + stats.Irq + stats.Softirq + stats.Steal

	total := idle + nonIdle
	if total == 0 {
		return 0.00
	}
	return (total - idle) / total
}

func ReadHostMetrics() HostMetrics {
	var m HostMetrics
	if res, err := load.Avg(); err == nil {
		m.Load = *res
	}
	if res, err := disk.Usage("/"); err == nil {
		m.Disk = *res
	}
	if res, err := mem.VirtualMemory(); err == nil {
		m.Memory = *res
	}
	if res, err := cpu.Times(false); err == nil && len(res) > 0 {
		m.CPU = CPUMetric{TimeStat: res[0], PercentageUsed: getCPUUsage(res[0])}
	}
	return m
}
