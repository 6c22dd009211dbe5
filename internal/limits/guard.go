package limits

import (
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/wsrpc/internal/monitoring"
)

// ResourceGuard enforces static admission limits: a hard connection cap and
// a CPU safety valve. Static configuration over auto-tuning, so behavior
// under load is predictable.
type ResourceGuard struct {
	maxConnections int
	cpuLimit       float64 // allocated cores
	cpuThreshold   float64 // percent of allocation

	currentCPU uint64 // percent of allocation, stored as float64 bits

	connCount func() int
	proc      *process.Process
	logger    zerolog.Logger
}

func NewResourceGuard(maxConnections int, cpuLimit, cpuThreshold float64, connCount func() int, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{
		maxConnections: maxConnections,
		cpuLimit:       cpuLimit,
		cpuThreshold:   cpuThreshold,
		connCount:      connCount,
		logger:         logger.With().Str("component", "resource_guard").Logger(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		g.logger.Error().Err(err).Msg("Process handle unavailable, CPU guard disabled")
	} else {
		g.proc = proc
	}
	return g
}

// ShouldAccept decides whether a new connection may be admitted. Returns the
// rejection reason when not.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if g.connCount() >= g.maxConnections {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		return false, "max connections reached"
	}
	if cpu := g.CurrentCPU(); cpu > g.cpuThreshold {
		monitoring.ConnectionsRejected.WithLabelValues("cpu").Inc()
		return false, "cpu above reject threshold"
	}
	return true, ""
}

// CurrentCPU is the last sampled CPU usage as a percent of the configured
// allocation.
func (g *ResourceGuard) CurrentCPU() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.currentCPU))
}

// Monitor samples process CPU on the interval until done closes.
func (g *ResourceGuard) Monitor(done <-chan struct{}, interval time.Duration) {
	if g.proc == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			percent, err := g.proc.CPUPercent()
			if err != nil {
				g.logger.Debug().Err(err).Msg("CPU sample failed")
				continue
			}
			// gopsutil reports percent of one core; normalize to the
			// configured allocation.
			if g.cpuLimit > 0 {
				percent /= g.cpuLimit
			}
			atomic.StoreUint64(&g.currentCPU, math.Float64bits(percent))
		}
	}
}
