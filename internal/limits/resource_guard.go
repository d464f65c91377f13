package limits

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceGuardConfig holds the static admission limits. No
// auto-calculation: explicit limits give deterministic behavior under load.
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // reject new subscriber streams above this CPU %
	MemoryLimitBytes   int64   // reject when process memory estimate exceeds this
	SampleInterval     time.Duration
}

// ResourceGuard is the admission controller for subscriber streams: a
// connection is accepted only while the connection count, CPU, and memory
// are inside the configured envelope. CPU and memory are sampled on a
// background ticker, never in the accept path.
type ResourceGuard struct {
	cfg    ResourceGuardConfig
	logger zerolog.Logger

	currentConns *int64 // server-owned counter, atomic access
	proc         *process.Process

	currentCPU atomic.Value // float64
	currentMem atomic.Value // float64, used percent
	currentRSS atomic.Int64 // process resident bytes
}

// NewResourceGuard wires the guard to the server's live connection
// counter.
func NewResourceGuard(cfg ResourceGuardConfig, logger zerolog.Logger, currentConns *int64) *ResourceGuard {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 15 * time.Second
	}
	g := &ResourceGuard{
		cfg:          cfg,
		logger:       logger.With().Str("component", "resource_guard").Logger(),
		currentConns: currentConns,
	}
	g.currentCPU.Store(0.0)
	g.currentMem.Store(0.0)
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		g.proc = proc
	}
	return g
}

// StartMonitoring launches the sampling loop. Returns immediately.
func (g *ResourceGuard) StartMonitoring(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *ResourceGuard) sample() {
	// Non-blocking sample (interval 0 compares against the previous call).
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		g.currentMem.Store(vm.UsedPercent)
	}
	if g.proc != nil {
		if mi, err := g.proc.MemoryInfo(); err == nil {
			g.currentRSS.Store(int64(mi.RSS))
		}
	}
}

// ShouldAccept decides admission for one new subscriber stream and names
// the rejection reason for logs and metrics.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	conns := atomic.LoadInt64(g.currentConns)
	if conns >= int64(g.cfg.MaxConnections) {
		return false, fmt.Sprintf("at capacity (%d/%d)", conns, g.cfg.MaxConnections)
	}
	if cpuPct, ok := g.currentCPU.Load().(float64); ok && g.cfg.CPURejectThreshold > 0 && cpuPct > g.cfg.CPURejectThreshold {
		return false, fmt.Sprintf("cpu %.1f%% above threshold %.1f%%", cpuPct, g.cfg.CPURejectThreshold)
	}
	// Reject near the memory ceiling, not at it, so in-flight work can
	// still allocate.
	if g.cfg.MemoryLimitBytes > 0 {
		if rss := g.currentRSS.Load(); rss > g.cfg.MemoryLimitBytes/10*9 {
			return false, fmt.Sprintf("memory %d bytes near limit %d", rss, g.cfg.MemoryLimitBytes)
		}
	}
	return true, ""
}

// Snapshot reports the guard's view for the health endpoint.
func (g *ResourceGuard) Snapshot() (cpuPct, memPct float64, goroutines int) {
	cpuPct, _ = g.currentCPU.Load().(float64)
	memPct, _ = g.currentMem.Load().(float64)
	return cpuPct, memPct, runtime.NumGoroutine()
}
