package core

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runtarahq/runtara/persistence"
)

// DefaultWakePollInterval is how often the wake scheduler checks for due
// sleeping instances.
const DefaultWakePollInterval = 5 * time.Second

// DefaultWakeBatchSize bounds how many due instances are fetched per tick.
const DefaultWakeBatchSize = 100

// DefaultWakeConcurrency bounds how many ResumeInstance calls run at once.
const DefaultWakeConcurrency = 8

// DefaultWakeMaxBackoff caps the exponential backoff applied to an instance
// whose resume attempt fails.
const DefaultWakeMaxBackoff = time.Minute

// Resumer relaunches a suspended instance, handed to the wake scheduler so
// it never needs to know about runner/environment concerns directly.
type Resumer interface {
	ResumeInstance(ctx context.Context, instanceID string) error
}

// WakeScheduler polls for sleeping instances whose wake time has elapsed
// and hands each to a Resumer, with a bounded worker pool and exponential
// backoff on repeated failure (spec.md §4.4 "Wake scheduler").
type WakeScheduler struct {
	store        persistence.Store
	resumer      Resumer
	logger       *slog.Logger
	metrics      *metricsRef

	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration

	rng      *rand.Rand
	attempts map[string]int
}

// metricsRef keeps WakeScheduler decoupled from the concrete metrics package
// import cycle while still letting Service share its *metrics.CoreMetrics.
type metricsRef struct {
	onAttempt func(outcome string)
}

// NewWakeScheduler builds a scheduler over store, delegating resumes to resumer.
func NewWakeScheduler(store persistence.Store, resumer Resumer, logger *slog.Logger) *WakeScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeScheduler{
		store:        store,
		resumer:      resumer,
		logger:       logger,
		PollInterval: DefaultWakePollInterval,
		BatchSize:    DefaultWakeBatchSize,
		Concurrency:  DefaultWakeConcurrency,
		BaseBackoff:  time.Second,
		MaxBackoff:   DefaultWakeMaxBackoff,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		attempts:     make(map[string]int),
	}
}

// OnAttempt registers a callback invoked with "woken" or "failed" after each
// resume attempt, used to feed core/metrics without an import cycle.
func (w *WakeScheduler) OnAttempt(fn func(outcome string)) {
	w.metrics = &metricsRef{onAttempt: fn}
}

// Run blocks, ticking every PollInterval until ctx is cancelled.
func (w *WakeScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.logger.Error("wake scheduler tick failed", "error", err)
			}
		}
	}
}

func (w *WakeScheduler) tick(ctx context.Context) error {
	due, err := w.store.GetSleepingInstancesDue(ctx, w.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(w.Concurrency)
	for _, inst := range due {
		inst := inst
		group.Go(func() error {
			w.resumeOne(gctx, inst)
			return nil
		})
	}
	return group.Wait()
}

func (w *WakeScheduler) resumeOne(ctx context.Context, inst *persistence.Instance) {
	attempt := w.attempts[inst.InstanceID]
	if attempt > 0 {
		delay := computeBackoff(attempt, w.BaseBackoff, w.MaxBackoff, w.rng)
		time.Sleep(delay)
	}

	if err := w.resumer.ResumeInstance(ctx, inst.InstanceID); err != nil {
		w.attempts[inst.InstanceID] = attempt + 1
		w.logger.Warn("resume attempt failed", "instance_id", inst.InstanceID, "attempt", attempt, "error", err)
		w.report("failed")
		return
	}

	delete(w.attempts, inst.InstanceID)
	if err := w.store.ClearInstanceSleep(ctx, inst.InstanceID); err != nil {
		w.logger.Error("clear sleep after resume failed", "instance_id", inst.InstanceID, "error", err)
		return
	}
	if err := w.store.UpdateInstanceStatus(ctx, inst.InstanceID, persistence.StatusPending, nil); err != nil {
		w.logger.Error("set pending after resume failed", "instance_id", inst.InstanceID, "error", err)
		return
	}
	w.report("woken")
}

func (w *WakeScheduler) report(outcome string) {
	if w.metrics != nil && w.metrics.onAttempt != nil {
		w.metrics.onAttempt(outcome)
	}
}

// computeBackoff returns base*2^attempt capped at maxDelay, plus jitter in
// [0, base) to avoid every due instance retrying in lockstep.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay + time.Duration(rng.Int63n(int64(base)))
}
