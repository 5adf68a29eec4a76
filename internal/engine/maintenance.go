package engine

import (
	"context"
	"time"

	"github.com/arborist-labs/mnemo/internal/loadshed"
	"github.com/arborist-labs/mnemo/internal/logging"
)

// Default cadences for the two consolidation cycles (spec §4.7/§5:
// "background tasks run on timers").
const (
	DefaultMicroCycleInterval = 5 * time.Minute
	DefaultFullCycleInterval  = 1 * time.Hour

	// DefaultCPUOverloadThreshold is the host CPU% above which background
	// maintenance defers to foreground store/retrieve traffic.
	DefaultCPUOverloadThreshold = 85.0
)

// StartMaintenance launches the micro and full consolidation cycles on
// their own timers, guarded by a host CPU monitor so a busy host doesn't
// have background maintenance competing with foreground requests for the
// same CPU (spec §5's storage port is shared between the two, so easing
// off under pressure is the cooperative thing to do). Zero intervals take
// the package defaults. The returned func stops both timers and the
// monitor; calls after the first are no-ops.
func (e *Engine) StartMaintenance(ctx context.Context, microEvery, fullEvery time.Duration) func() {
	if microEvery <= 0 {
		microEvery = DefaultMicroCycleInterval
	}
	if fullEvery <= 0 {
		fullEvery = DefaultFullCycleInterval
	}

	monitor := loadshed.NewCPUMonitor(DefaultCPUOverloadThreshold)
	monitor.Start()
	e.consolidate.SetLoadMonitor(monitor)

	stopCh := make(chan struct{})
	go e.runCycleLoop(ctx, "micro", microEvery, stopCh, e.consolidate.RunMicroCycle)
	go e.runCycleLoop(ctx, "full", fullEvery, stopCh, func(ctx context.Context) error {
		return e.consolidate.RunFullCycle(ctx, 0)
	})

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(stopCh)
		monitor.Stop()
	}
}

func (e *Engine) runCycleLoop(ctx context.Context, name string, every time.Duration, stopCh <-chan struct{}, run func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				logging.Info("engine", "%s cycle failed: %v", name, err)
			}
		}
	}
}
