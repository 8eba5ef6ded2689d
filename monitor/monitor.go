// Package monitor collects host and Go runtime telemetry and fills it
// into reply messages for the manage.monitor operation, using the dotted
// paths monitor.os.* and monitor.jvm.*. The jvm paths are kept for wire
// compatibility with older post offices; they carry the Go runtime's
// allocator and goroutine statistics.
package monitor

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mopmsg/mop/message"
)

// Fill adds all telemetry to m.
func Fill(m *message.Message) {
	FillOS(m)
	FillRuntime(m)
}

// FillOS fills host telemetry under monitor.os.*. Collection failures are
// reported in the message itself (valid=false plus an errorMessage), not
// as an error, so a partial reply still goes out.
func FillOS(m *message.Message) {
	info, err := host.Info()
	if err != nil {
		fillOSError(m, err)
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		fillOSError(m, err)
		return
	}

	m.PutDotted("monitor.os.valid", true)
	m.PutDotted("monitor.os.os", osName(info.OS))
	m.PutDotted("monitor.os.hostName", info.Hostname)
	m.PutDotted("monitor.os.kernelName", info.OS)
	m.PutDotted("monitor.os.kernelVersion", info.KernelVersion)
	m.PutDotted("monitor.os.architecture", info.KernelArch)
	m.PutDotted("monitor.os.totalMemory", int64(vm.Total))
	m.PutDotted("monitor.os.usedMemory", int64(vm.Used))
	m.PutDotted("monitor.os.freeMemory", int64(vm.Available))

	// One instantaneous probe; a zero-interval call reports usage since
	// boot, which is what the status consumers expect.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.PutDotted("monitor.os.cpuBusyPct", percents[0])
		m.PutDotted("monitor.os.cpuIdlePct", 100-percents[0])
	}
}

func fillOSError(m *message.Message, err error) {
	m.PutDotted("monitor.os.valid", false)
	m.PutDotted("monitor.os.errorMessage", err.Error())
}

func osName(kernel string) string {
	switch strings.ToLower(kernel) {
	case "darwin":
		return "OSX"
	case "linux":
		return "Linux"
	default:
		return kernel
	}
}

// FillRuntime fills Go runtime telemetry under monitor.jvm.*.
func FillRuntime(m *message.Message) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m.PutDotted("monitor.jvm.usedBytes", int64(stats.HeapInuse))
	m.PutDotted("monitor.jvm.freeBytes", int64(stats.HeapIdle))
	m.PutDotted("monitor.jvm.allocatedBytes", int64(stats.HeapSys))
	m.PutDotted("monitor.jvm.availableBytes", int64(stats.Sys-stats.HeapInuse))
	m.PutDotted("monitor.jvm.maxBytes", int64(stats.Sys))
	m.PutDotted("monitor.jvm.cpus", runtime.NumCPU())
	m.PutDotted("monitor.jvm.totalThreads", runtime.NumGoroutine())
	m.PutDotted("monitor.jvm.runningThreads", runtime.NumGoroutine())
	m.PutDotted("monitor.jvm.newThreads", 0)
	m.PutDotted("monitor.jvm.blockedThreads", 0)
	m.PutDotted("monitor.jvm.waitingThreads", 0)
	m.PutDotted("monitor.jvm.timedWaitingThreads", 0)
	m.PutDotted("monitor.jvm.terminatedThreads", 0)
}
