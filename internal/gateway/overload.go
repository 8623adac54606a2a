package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/temscope/eventgw/internal/config"
	"github.com/temscope/eventgw/internal/logging"
)

const cpuSampleWindow = time.Second

// sampleFunc returns host CPU and memory utilisation in percent.
type sampleFunc func(ctx context.Context) (cpuPercent, memPercent float64, err error)

// OverloadGuard sheds request/response traffic while the host is above the
// configured CPU or memory threshold.
type OverloadGuard struct {
	cfg        config.OverloadConfig
	log        *zap.Logger
	sample     sampleFunc
	overloaded atomic.Bool
}

func NewOverloadGuard(cfg config.OverloadConfig, log *zap.Logger) *OverloadGuard {
	return &OverloadGuard{cfg: cfg, log: logging.OrNop(log), sample: hostUsage}
}

func hostUsage(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, vm.UsedPercent, nil
}

// Run samples the host every interval until ctx is done.
func (o *OverloadGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		o.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *OverloadGuard) check(ctx context.Context) {
	cpuPercent, memPercent, err := o.sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Error("host usage sample failed", zap.Error(err))
		}
		o.overloaded.Store(false)
		return
	}

	over := cpuPercent > o.cfg.MaxCPUPercent || memPercent > o.cfg.MaxMemPercent
	if over != o.overloaded.Swap(over) {
		o.log.Warn("overload state changed",
			zap.Bool("overloaded", over),
			zap.Float64("cpu_percent", cpuPercent),
			zap.Float64("mem_percent", memPercent))
	}
}

func (o *OverloadGuard) Overloaded() bool {
	return o != nil && o.overloaded.Load()
}

func (o *OverloadGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.Overloaded() {
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}
