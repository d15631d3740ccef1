// Package sysinfo collects host resource usage for the admin `server` reply.
//
// Collection is best effort: each probe that fails leaves its fields at zero
// rather than failing the whole snapshot, so the reply degrades gracefully on
// platforms where a given gopsutil source is unavailable.
package sysinfo

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// cpuSampleInterval is how long the CPU probe measures. Long enough for a
// stable percentage, short enough that the chat reply stays snappy.
const cpuSampleInterval = 200 * time.Millisecond

// Snapshot is one host resource reading.
type Snapshot struct {
	CPUPercent float64
	NumCPU     int
	MemUsed    uint64
	MemTotal   uint64
	MemPercent float64
	Load1      float64 // zero on platforms without load averages
	Uptime     time.Duration
	OS         string
	Arch       string
}

// Collect gathers a snapshot. It never returns an error; probes that fail
// leave their fields zeroed.
func Collect(ctx context.Context) *Snapshot {
	s := &Snapshot{
		NumCPU: runtime.NumCPU(),
		OS:     runtime.GOOS,
		Arch:   runtime.GOARCH,
	}

	if percents, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemUsed = vm.Used
		s.MemTotal = vm.Total
		s.MemPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		s.Uptime = time.Duration(info.Uptime) * time.Second
	}
	return s
}

// Summary renders the snapshot as reply lines for the chat bot.
func (s *Snapshot) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CPU: %.1f%% (%d核", s.CPUPercent, s.NumCPU)
	if s.Load1 > 0 {
		fmt.Fprintf(&b, ", 负载 %.2f", s.Load1)
	}
	b.WriteString(")\n")
	if s.MemTotal > 0 {
		fmt.Fprintf(&b, "内存: %s / %s (%.1f%%)\n",
			humanize.IBytes(s.MemUsed), humanize.IBytes(s.MemTotal), s.MemPercent)
	}
	fmt.Fprintf(&b, "系统: %s/%s", s.OS, s.Arch)
	if s.Uptime > 0 {
		fmt.Fprintf(&b, ", 已运行 %s", FormatUptime(s.Uptime))
	}
	return b.String()
}

// FormatUptime renders a duration as coarse 天/小时/分钟 units.
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%d天%d小时", days, hours)
	case hours > 0:
		return fmt.Sprintf("%d小时%d分钟", hours, mins)
	default:
		return fmt.Sprintf("%d分钟", mins)
	}
}
