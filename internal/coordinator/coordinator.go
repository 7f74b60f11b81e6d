// Package coordinator owns the cached account snapshot. It refreshes it
// on an interval, swaps it atomically on success and keeps the previous
// one on failure so readers never observe a partial payload.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydroqc/hydroqcd/internal/config"
	"github.com/hydroqc/hydroqcd/internal/hydro"
	"github.com/hydroqc/hydroqcd/internal/models"
	"github.com/hydroqc/hydroqcd/internal/peaks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrRefreshInFlight is returned when a refresh is skipped because a
// prior one for the same entry is still outstanding.
var ErrRefreshInFlight = errors.New("refresh already in flight")

var (
	RefreshSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hydroqc_refresh_successes_total",
		Help: "Number of successful data refreshes.",
	})
	RefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hydroqc_refresh_failures_total",
		Help: "Number of failed data refreshes.",
	})
	LastSuccessTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hydroqc_last_refresh_success_timestamp_seconds",
		Help: "Unix timestamp of the last successful refresh.",
	})
)

// Snapshot is one immutable, fully fetched payload. Replaced wholesale
// on every successful refresh, never edited in place.
type Snapshot struct {
	Data      models.Tree
	Events    []peaks.Event
	FetchedAt time.Time
}

// Coordinator periodically fetches account data from the configured
// client and publishes the last good snapshot.
type Coordinator struct {
	client   hydro.DataClient
	logger   *logrus.Logger
	mode     config.Mode
	interval time.Duration
	preheat  time.Duration

	snapshot atomic.Pointer[Snapshot]
	failed   atomic.Bool

	// refreshMu enforces at most one refresh in flight; scheduled ticks
	// that find it held are skipped, never queued.
	refreshMu sync.Mutex

	cron *cron.Cron

	subMu       sync.Mutex
	subscribers []func(*Snapshot)
	failSubs    []func(error)
}

// New creates a coordinator for the given client. Refresh is not called
// until Start or an explicit Refresh.
func New(client hydro.DataClient, cfg config.HydroConfig, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		client:   client,
		logger:   logger,
		mode:     cfg.Mode,
		interval: cfg.Interval(),
		preheat:  cfg.Preheat(),
		cron:     cron.New(),
	}
}

// Start schedules periodic refreshes.
func (c *Coordinator) Start() error {
	spec := fmt.Sprintf("@every %s", c.interval)
	_, err := c.cron.AddFunc(spec, c.collect)
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the schedule. An in-flight refresh completes.
func (c *Coordinator) Stop() {
	c.cron.Stop()
}

// collect runs one scheduled refresh with a bounded timeout.
func (c *Coordinator) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInFlight) {
		c.logger.WithError(err).Error("Scheduled refresh failed")
	}
}

// Refresh fetches the current payload and atomically replaces the live
// snapshot. On any fetch or decode failure the previous snapshot stays
// visible and the cycle is marked failed so readers can report
// unavailable instead of stale-but-claimed-fresh data.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.refreshMu.TryLock() {
		c.logger.Debug("Skipping refresh, previous one still in flight")
		return ErrRefreshInFlight
	}
	defer c.refreshMu.Unlock()

	tree, err := c.client.Fetch(ctx)
	if err != nil {
		c.failed.Store(true)
		RefreshFailures.Inc()
		c.logger.WithError(err).Warn("Refresh failed, keeping previous snapshot")
		c.notifyFailure(err)
		return err
	}

	snap := &Snapshot{
		Data:      tree,
		Events:    eventsFromTree(tree),
		FetchedAt: time.Now(),
	}
	c.snapshot.Store(snap)
	c.failed.Store(false)
	RefreshSuccesses.Inc()
	LastSuccessTimestamp.Set(float64(snap.FetchedAt.Unix()))

	c.logger.WithFields(logrus.Fields{
		"mode":   string(c.mode),
		"events": len(snap.Events),
	}).Debug("Snapshot refreshed")

	c.notify(snap)
	return nil
}

// Subscribe registers a callback invoked after every successful
// refresh.
func (c *Coordinator) Subscribe(fn func(*Snapshot)) {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.subMu.Unlock()
}

// SubscribeFailure registers a callback invoked after every failed
// refresh cycle. Readers that precompute or cache anything derived from
// the snapshot must invalidate it here; the staleness flag alone cannot
// reach data already handed out.
func (c *Coordinator) SubscribeFailure(fn func(error)) {
	c.subMu.Lock()
	c.failSubs = append(c.failSubs, fn)
	c.subMu.Unlock()
}

func (c *Coordinator) notify(snap *Snapshot) {
	c.subMu.Lock()
	subs := make([]func(*Snapshot), len(c.subscribers))
	copy(subs, c.subscribers)
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (c *Coordinator) notifyFailure(err error) {
	c.subMu.Lock()
	subs := make([]func(error), len(c.failSubs))
	copy(subs, c.failSubs)
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(err)
	}
}

// Snapshot returns the last good snapshot, nil before the first
// successful refresh.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// LastUpdateFailed reports whether the most recent refresh cycle
// failed.
func (c *Coordinator) LastUpdateFailed() bool {
	return c.failed.Load()
}

// LastSuccess returns the time of the last successful refresh, zero if
// there has been none.
func (c *Coordinator) LastSuccess() time.Time {
	if snap := c.snapshot.Load(); snap != nil {
		return snap.FetchedAt
	}
	return time.Time{}
}

// Mode returns the configured operating mode.
func (c *Coordinator) Mode() config.Mode {
	return c.mode
}

// PreHeat classifies the snapshot's peak events into the pre-heat
// signal set as of now.
func (c *Coordinator) PreHeat(now time.Time) peaks.State {
	snap := c.snapshot.Load()
	if snap == nil {
		return peaks.State{}
	}
	return peaks.Classify(snap.Events, now, c.preheat)
}

// eventsFromTree rebuilds typed peak events from the snapshot branches
// the clients populate. Unparseable entries are dropped; the clients
// already logged them at fetch time.
func eventsFromTree(tree models.Tree) []peaks.Event {
	var raw []any
	if v, ok := tree["peak_events"].([]any); ok {
		raw = v
	} else if pc, ok := tree["public_client"].(models.Tree); ok {
		if v, ok := pc["events"].([]any); ok {
			raw = v
		}
	}

	events := make([]peaks.Event, 0, len(raw))
	for _, item := range raw {
		rec, ok := item.(models.Tree)
		if !ok {
			continue
		}
		start, sok := rec["start"].(time.Time)
		end, eok := rec["end"].(time.Time)
		if !sok || !eok {
			continue
		}
		critical, _ := rec["critical"].(bool)
		offer, _ := rec["offer"].(string)
		slot, _ := rec["time_slot"].(string)
		sector, _ := rec["sector"].(string)
		events = append(events, peaks.NewEvent(offer, start, end, slot, sector, critical))
	}
	return events
}
