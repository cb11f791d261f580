package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// SystemProbe checks host CPU, memory, swap, disk, and network-error
// counters against configurable thresholds. Grounded on checks/system.py's
// SystemHealthCheck, using gopsutil/v3 in place of psutil.
type SystemProbe struct {
	name    string
	timeout time.Duration

	CPUThreshold      float64
	MemoryThreshold   float64
	DiskThreshold     float64
	SwapThreshold     float64
	DiskMountpoints   []string
	NetErrorThreshold uint64
}

// NewSystemProbe builds a SystemProbe with the teacher's default
// thresholds (80% CPU, 85% memory, 90% disk, 50% swap).
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{
		name:              "system",
		timeout:           2 * time.Second,
		CPUThreshold:      80.0,
		MemoryThreshold:   85.0,
		DiskThreshold:     90.0,
		SwapThreshold:     50.0,
		DiskMountpoints:   []string{"/"},
		NetErrorThreshold: 1000,
	}
}

func (p *SystemProbe) Name() string           { return p.name }
func (p *SystemProbe) Timeout() time.Duration { return p.timeout }

func (p *SystemProbe) Check(ctx context.Context) CheckResult {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return CheckResult{Status: StatusUnknown, Message: fmt.Sprintf("failed to read cpu: %v", err)}
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnknown, Message: fmt.Sprintf("failed to read memory: %v", err)}
	}
	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnknown, Message: fmt.Sprintf("failed to read swap: %v", err)}
	}

	details := map[string]any{
		"cpu_percent":    cpuPercent,
		"memory_percent": vmem.UsedPercent,
		"swap_percent":   swap.UsedPercent,
	}

	var critical, issues []string

	if cpuPercent > p.CPUThreshold {
		if cpuPercent > 95 {
			critical = append(critical, fmt.Sprintf("CPU usage critical: %.1f%%", cpuPercent))
		} else {
			issues = append(issues, fmt.Sprintf("CPU usage high: %.1f%%", cpuPercent))
		}
	}
	if vmem.UsedPercent > p.MemoryThreshold {
		if vmem.UsedPercent > 95 {
			critical = append(critical, fmt.Sprintf("memory usage critical: %.1f%%", vmem.UsedPercent))
		} else {
			issues = append(issues, fmt.Sprintf("memory usage high: %.1f%%", vmem.UsedPercent))
		}
	}
	if swap.UsedPercent > p.SwapThreshold {
		issues = append(issues, fmt.Sprintf("swap usage high: %.1f%%", swap.UsedPercent))
	}

	diskDetails := make([]map[string]any, 0, len(p.DiskMountpoints))
	for _, mountpoint := range p.DiskMountpoints {
		usage, err := disk.UsageWithContext(ctx, mountpoint)
		if err != nil {
			continue
		}
		diskDetails = append(diskDetails, map[string]any{
			"mountpoint": mountpoint,
			"percent":    usage.UsedPercent,
		})
		if usage.UsedPercent > p.DiskThreshold {
			if usage.UsedPercent > 95 {
				critical = append(critical, fmt.Sprintf("disk %s critical: %.1f%%", mountpoint, usage.UsedPercent))
			} else {
				issues = append(issues, fmt.Sprintf("disk %s high: %.1f%%", mountpoint, usage.UsedPercent))
			}
		}
	}
	details["disk"] = diskDetails

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		total := counters[0]
		errTotal := total.Errin + total.Errout
		dropTotal := total.Dropin + total.Dropout
		details["network_errors"] = errTotal
		details["network_drops"] = dropTotal
		if p.NetErrorThreshold > 0 && errTotal > p.NetErrorThreshold {
			issues = append(issues, fmt.Sprintf("network errors detected: %d", errTotal))
		}
		if p.NetErrorThreshold > 0 && dropTotal > p.NetErrorThreshold {
			issues = append(issues, fmt.Sprintf("network packet drops: %d", dropTotal))
		}
	}

	switch {
	case len(critical) > 0:
		return CheckResult{Status: StatusUnhealthy, Message: "system resources critical: " + joinIssues(append(critical, issues...)), Details: details}
	case len(issues) > 0:
		return CheckResult{Status: StatusDegraded, Message: "system resources degraded: " + joinIssues(issues), Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: "system resources are healthy", Details: details}
	}
}

func joinIssues(issues []string) string {
	out := ""
	for i, issue := range issues {
		if i > 0 {
			out += ", "
		}
		out += issue
	}
	return out
}
