/*
scheduler.go - Automated points expiry scheduler

PURPOSE:
  Runs the points expiry sweep for every workshop on a cron schedule
  (EXPIRY_SCHEDULE, default "@daily"). The sweep itself is idempotent per
  client per day, so a missed or repeated run is harmless.

DESIGN:
  - robfig/cron drives the schedule; overlapping runs are skipped
  - Each run calls Engine.ExpireAllWorkshops with the scheduler clock
  - Failures are logged per workshop and never stop the scheduler

USAGE:
  scheduler, err := NewExpiryScheduler(engine, "@daily", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerExpiry endpoint (manual sweep)
  - loyalty/expiry.go: ExpirePoints
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/observability"
)

// ExpiryScheduler handles the automated expiry sweep.
type ExpiryScheduler struct {
	Engine   *loyalty.Engine
	Schedule string
	Enabled  bool
	Now      func() time.Time

	logger  *observability.Logger
	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	running bool
}

// NewExpiryScheduler creates a scheduler. An empty schedule disables it.
func NewExpiryScheduler(engine *loyalty.Engine, schedule string, logger *observability.Logger) (*ExpiryScheduler, error) {
	es := &ExpiryScheduler{
		Engine:   engine,
		Schedule: schedule,
		Enabled:  schedule != "",
		Now:      time.Now,
		logger:   logger,
	}
	if !es.Enabled {
		return es, nil
	}

	cl := cronLogger{logger: logger}
	es.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := es.cron.AddFunc(schedule, es.RunNow)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry schedule %q: %w", schedule, err)
	}
	es.entryID = id
	return es, nil
}

// Start begins the scheduler.
func (es *ExpiryScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	ctx := schedulerContext()
	if !es.Enabled {
		es.logger.Info(ctx, "expiry scheduler disabled, not starting")
		return
	}
	if es.running {
		return
	}
	es.cron.Start()
	es.running = true

	es.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "schedule", Value: es.Schedule},
		observability.Field{Key: "next_run", Value: es.NextRunTime().Format(time.RFC3339)},
	), "expiry scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (es *ExpiryScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.running {
		return
	}
	<-es.cron.Stop().Done()
	es.running = false
	es.logger.Info(schedulerContext(), "expiry scheduler stopped")
}

// RunNow sweeps every workshop immediately.
func (es *ExpiryScheduler) RunNow() {
	ctx := schedulerContext()
	asOf := es.Now().UTC()

	reports, err := es.Engine.ExpireAllWorkshops(ctx, asOf)
	var expired int64
	for _, r := range reports {
		expired += r.PointsExpired
	}
	if err != nil {
		es.logger.Error(ctx, "expiry sweep failed", err)
	}
	es.logger.Metrics(ctx,
		observability.MetricField{Key: "workshops", Value: len(reports)},
		observability.MetricField{Key: "points_expired", Value: expired},
	)
}

// NextRunTime returns when the next scheduled sweep will occur, or the zero
// time when the scheduler is disabled.
func (es *ExpiryScheduler) NextRunTime() time.Time {
	if es.cron == nil {
		return time.Time{}
	}
	if next := es.cron.Entry(es.entryID).Next; !next.IsZero() {
		return next
	}
	sched, err := cron.ParseStandard(es.Schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(es.Now().UTC())
}

func schedulerContext() context.Context {
	return observability.WithFields(context.Background(),
		observability.Field{Key: "component", Value: "scheduler"})
}

// cronLogger adapts observability.Logger to cron.Logger.
type cronLogger struct {
	logger *observability.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(withKeyValues(keysAndValues), msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error(withKeyValues(keysAndValues), msg, err)
}

func withKeyValues(kv []interface{}) context.Context {
	ctx := schedulerContext()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = observability.WithFields(ctx, observability.Field{
			Key:   fmt.Sprint(kv[i]),
			Value: fmt.Sprint(kv[i+1]),
		})
	}
	return ctx
}
