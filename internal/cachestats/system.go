package cachestats

import (
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// SystemUsage 描述主机负载与内存，以及本进程的 goroutine 数。
type SystemUsage struct {
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
	CPUs           int     `json:"cpus"`
	MemTotal       uint64  `json:"mem_total"`
	MemUsed        uint64  `json:"mem_used"`
	MemAvailable   uint64  `json:"mem_available"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemUsedHuman   string  `json:"mem_used_human"`
	Goroutines     int     `json:"goroutines"`
}

// hostUsage 通过 gopsutil 读取系统负载与内存；任一项失败时整体返回错误。
func hostUsage() (*SystemUsage, error) {
	avg, err := load.Avg()
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	return &SystemUsage{
		Load1:          avg.Load1,
		Load5:          avg.Load5,
		Load15:         avg.Load15,
		CPUs:           runtime.NumCPU(),
		MemTotal:       vm.Total,
		MemUsed:        vm.Used,
		MemAvailable:   vm.Available,
		MemUsedPercent: vm.UsedPercent,
		MemUsedHuman:   humanize.IBytes(vm.Used),
		Goroutines:     runtime.NumGoroutine(),
	}, nil
}
