package wipe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WatchdogConfig holds stall detection configuration.
type WatchdogConfig struct {
	CheckInterval time.Duration
	StallTimeout  time.Duration
	// MissThreshold is the number of consecutive checks a real-mode target
	// may be absent from the inventory before its operation is failed.
	MissThreshold int
}

// WatchdogRecordFunc is an optional callback invoked for every operation
// the watchdog resolves; reason is "stalled" or "device_missing".
type WatchdogRecordFunc func(reason string)

// Watchdog resolves operations whose runner stopped reporting or whose
// device vanished, so that no operation stays non-terminal forever.
type Watchdog struct {
	orch   *Orchestrator
	cfg    WatchdogConfig
	misses map[string]int
	mu     sync.Mutex
	onFire WatchdogRecordFunc
	logger *zap.Logger
}

// NewWatchdog creates a Watchdog over orch.
func NewWatchdog(orch *Orchestrator, cfg WatchdogConfig, logger *zap.Logger) *Watchdog {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = 10 * time.Minute
	}
	if cfg.MissThreshold == 0 {
		cfg.MissThreshold = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		orch:   orch,
		cfg:    cfg,
		misses: make(map[string]int),
		logger: logger,
	}
}

// SetMetricsRecord configures the resolution callback.
func (w *Watchdog) SetMetricsRecord(fn WatchdogRecordFunc) {
	w.onFire = fn
}

// Start runs the check loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll inspects every non-terminal operation once.
func (w *Watchdog) CheckAll(ctx context.Context) {
	ops := w.orch.running()
	now := time.Now().UTC()

	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup

	for _, op := range ops {
		wg.Add(1)
		go func(op *operation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			op.mu.RLock()
			id, target, mode, beat := op.id, op.target, op.mode, op.heartbeat
			op.mu.RUnlock()

			if idle := now.Sub(beat); idle > w.cfg.StallTimeout {
				w.resolve(id, "stalled", "no runner output for "+idle.Truncate(time.Second).String())
				return
			}
			if mode != ModeReal {
				return
			}

			present, err := w.orch.inventory.Exists(ctx, target)
			if err != nil {
				w.logger.Warn("watchdog: inventory query failed", zap.String("target", target), zap.Error(err))
				return
			}

			w.mu.Lock()
			if present {
				delete(w.misses, id)
			} else {
				w.misses[id]++
			}
			count := w.misses[id]
			w.mu.Unlock()

			if count >= w.cfg.MissThreshold {
				w.resolve(id, "device_missing", "target device "+target+" disappeared")
			}
		}(op)
	}

	wg.Wait()
}

func (w *Watchdog) resolve(id, kind, reason string) {
	w.mu.Lock()
	delete(w.misses, id)
	w.mu.Unlock()

	if err := w.orch.Abort(id, reason); err != nil {
		// Finished on its own between the scan and now.
		return
	}
	w.logger.Warn("watchdog: operation resolved to failed",
		zap.String("id", id),
		zap.String("kind", kind),
		zap.String("reason", reason),
	)
	if w.onFire != nil {
		w.onFire(kind)
	}
}
