// Package janitor implements the Background Janitor of spec §4.I: a
// periodic TTL-expiry sweep on the two persistent tiers, plus inline L1
// size maintenance.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hcsr/internal/config"
	"hcsr/internal/l1"
	"hcsr/internal/tier"
)

// constantDelay runs every fixed interval, starting one interval from now.
// Grounded on the teacher's scheduling.constantDelay (cron.Schedule with a
// simple Next = t.Add(delay)).
type constantDelay struct{ delay time.Duration }

func (c constantDelay) Next(t time.Time) time.Time { return t.Add(c.delay) }

// Janitor runs the TTL sweep on a cron-backed schedule. Grounded on the
// teacher's usecase/scheduling.Scheduler (cron.Cron + constantDelay +
// context-cancellation Start/Stop), narrowed from a general multi-action
// scheduler to the single fixed sweep action spec §4.I describes.
type Janitor struct {
	cronRunner *cron.Cron
	l1         *l1.Store
	shortTerm  *tier.Collection
	longTerm   *tier.Collection
	cfg        config.JanitorConfig
	log        *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New builds a Janitor. It does nothing until Start is called.
func New(l1Store *l1.Store, shortTerm, longTerm *tier.Collection, cfg config.JanitorConfig, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		cronRunner: cron.New(),
		l1:         l1Store,
		shortTerm:  shortTerm,
		longTerm:   longTerm,
		cfg:        cfg,
		log:        log,
	}
}

// Start begins the periodic sweep if cfg.Enabled; otherwise it is a no-op.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started || !j.cfg.Enabled {
		return nil
	}

	interval := j.cfg.Interval
	if interval <= 0 {
		interval = 300 * time.Second
	}

	j.ctx, j.cancel = context.WithCancel(ctx)
	j.cronRunner.Schedule(constantDelay{delay: interval}, cron.FuncJob(func() {
		j.mu.Lock()
		sweepCtx := j.ctx
		j.mu.Unlock()
		if sweepCtx == nil {
			return
		}
		j.runOnce(sweepCtx)
	}))
	j.cronRunner.Start()
	j.started = true
	return nil
}

// Stop halts the sweep at the next quantum, per spec §4.I's cancellation
// clause.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return
	}
	if j.cancel != nil {
		j.cancel()
	}
	<-j.cronRunner.Stop().Done()
	j.started = false
}

// runOnce performs exactly one TTL sweep across both persistent tiers and
// trims L1 if its bound was somehow exceeded (spec §4.I: "L1 does not
// require the janitor... but the janitor may trim if the bound is
// exceeded").
func (j *Janitor) runOnce(ctx context.Context) {
	start := time.Now()

	shortN, err := j.shortTerm.SweepExpired(ctx, start)
	if err != nil {
		j.log.Warn("janitor: short_term sweep failed", "error", err)
	}
	longN, err := j.longTerm.SweepExpired(ctx, start)
	if err != nil {
		j.log.Warn("janitor: long_term sweep failed", "error", err)
	}

	trimmed := j.trimL1()

	j.log.Info("janitor: sweep complete",
		"short_term_deleted", shortN, "long_term_deleted", longN,
		"l1_trimmed", trimmed, "elapsed", time.Since(start))
}

func (j *Janitor) trimL1() int {
	trimmed := 0
	for j.l1.Len() > j.l1.Capacity() {
		items := j.l1.GetAllSortedDesc()
		if len(items) == 0 {
			break
		}
		oldest := items[len(items)-1]
		j.l1.Remove(oldest.ID)
		trimmed++
	}
	return trimmed
}

// RunNow triggers an out-of-band sweep, used by tests and by a manual
// admin operation.
func (j *Janitor) RunNow(ctx context.Context) {
	j.runOnce(ctx)
}

func (j *Janitor) String() string {
	return fmt.Sprintf("janitor(enabled=%v interval=%s)", j.cfg.Enabled, j.cfg.Interval)
}
