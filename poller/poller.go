// Package poller runs snapshot cycles: one bulk read of every subscribed
// device, diffed field by field against the parameter store.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/metrics"
	"github.com/stepherg/fhemsync/notice"
	"github.com/stepherg/fhemsync/notify"
	"github.com/stepherg/fhemsync/registry"
	"github.com/stepherg/fhemsync/store"
)

// NoticeKey is the rate-limit key of snapshot failure notices.
const NoticeKey = "snapshot"

type State int

const (
	Idle State = iota
	Requesting
	Reconciling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Reconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// BulkReader is the part of fhemsync.Backend a poller needs.
type BulkReader interface {
	BulkRead(ctx context.Context, filter string) (*fhemsync.Snapshot, error)
}

// CycleResult describes one finished snapshot cycle.
type CycleResult struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Forced    bool          `json:"forced"`
	Devices   int           `json:"devices"`
	Published int           `json:"published"`
	Invalid   int           `json:"invalid"`
	Err       error         `json:"-"`
}

// OK reports whether the cycle completed.
func (r CycleResult) OK() bool { return r.Err == nil }

type Options struct {
	Backend  BulkReader
	Registry *registry.Registry
	Store    *store.Store
	// Filter returns the current snapshot filter.
	Filter func() string
	// Interval is the debounce guard and the timer period.
	Interval time.Duration
	Clock    fhemsync.Clock
	Notices  *notice.Toaster
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// Context bounds timer-driven cycles. Defaults to context.Background.
	Context context.Context
}

// Poller is safe for concurrent use. At most one cycle runs at a time; a
// trigger arriving while one is in flight is dropped.
type Poller struct {
	opts   Options
	cycles *notify.Channel[CycleResult]

	mu        sync.Mutex
	state     State
	interval  time.Duration
	lastStart time.Time // zero forces the next trigger
	inFlight  bool
	timer     fhemsync.Timer
	timerGen  uint64
	last      CycleResult
	hasResult bool
}

func New(opts Options) (*Poller, error) {
	if opts.Backend == nil || opts.Registry == nil || opts.Store == nil {
		return nil, errors.New("poller: backend, registry and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = fhemsync.RealClock{}
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Filter == nil {
		opts.Filter = func() string { return opts.Registry.Filters().Snapshot }
	}
	if opts.Interval <= 0 {
		opts.Interval = fhemsync.DefaultOptions().Snapshot.Interval
	}
	return &Poller{
		opts:     opts,
		interval: opts.Interval,
		cycles:   notify.New[CycleResult]("snapshot-cycle", opts.Logger),
	}, nil
}

// OnCycle registers fn to run after every cycle, failed ones included.
func (p *Poller) OnCycle(fn func(CycleResult)) {
	p.cycles.Subscribe(fn)
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastResult returns the most recent cycle result, if any cycle finished.
func (p *Poller) LastResult() (CycleResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasResult
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval changes the debounce guard and the period of the next
// scheduled cycle.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
	p.opts.Logger.Debug().Dur("interval", d).Msg("snapshot interval changed")
}

// ResetDebounce makes the next trigger run regardless of the interval.
func (p *Poller) ResetDebounce() {
	p.mu.Lock()
	p.lastStart = time.Time{}
	p.mu.Unlock()
}

// StartInterval (re)arms the timer: the first cycle runs after delay, later
// ones every interval. A delay of zero or less means one interval.
func (p *Poller) StartInterval(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if delay <= 0 {
		delay = p.interval
	}
	p.armLocked(delay)
	p.opts.Logger.Debug().Dur("delay", delay).Msg("snapshot timer started")
}

func (p *Poller) armLocked(delay time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerGen++
	gen := p.timerGen
	p.timer = p.opts.Clock.AfterFunc(delay, func() { p.fire(gen) })
}

func (p *Poller) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.timerGen {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	_, _ = p.Trigger(p.opts.Context, false)

	p.mu.Lock()
	if gen == p.timerGen {
		p.armLocked(p.interval)
	}
	p.mu.Unlock()
}

// Stop disarms the timer. A cycle already in flight completes.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerGen++
}

// Trigger runs one cycle unless the debounce guard or an in-flight cycle
// suppresses it; force bypasses the guard. ran reports whether a cycle ran.
func (p *Poller) Trigger(ctx context.Context, force bool) (ran bool, err error) {
	now := p.opts.Clock.Now()
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		p.opts.Metrics.SnapshotDone("skipped", 0)
		return false, nil
	}
	if !force && !p.lastStart.IsZero() && now.Sub(p.lastStart) < p.interval {
		p.mu.Unlock()
		p.opts.Logger.Debug().Dur("since_last", now.Sub(p.lastStart)).Msg("snapshot debounced")
		p.opts.Metrics.SnapshotDone("skipped", 0)
		return false, nil
	}
	p.inFlight = true
	p.state = Requesting
	p.lastStart = now
	p.mu.Unlock()

	res := p.run(ctx, now, force)

	p.mu.Lock()
	p.inFlight = false
	p.state = Idle
	p.last = res
	p.hasResult = true
	p.mu.Unlock()

	p.cycles.Publish(res)
	return true, res.Err
}

func (p *Poller) run(ctx context.Context, started time.Time, force bool) CycleResult {
	log := p.opts.Logger
	res := CycleResult{Started: started, Forced: force}
	ids := p.opts.Registry.IDs()
	p.opts.Store.Invalidate(ids)

	filter := p.opts.Filter()
	log.Debug().Str("filter", filter).Bool("forced", force).Msg("start snapshot")
	snap, err := p.opts.Backend.BulkRead(ctx, filter)
	if err != nil {
		res.Err = err
		res.Duration = p.opts.Clock.Now().Sub(started)
		res.Invalid = len(p.opts.Store.Invalid(ids))
		log.Warn().Err(err).Msg("snapshot request failed")
		p.opts.Notices.Warn(NoticeKey, "Failed to get data from FHEM: "+err.Error())
		p.opts.Metrics.SnapshotDone("failed", 0)
		return res
	}

	p.mu.Lock()
	p.state = Reconciling
	p.mu.Unlock()

	res.Devices, res.Published = p.reconcile(snap)
	res.Duration = p.opts.Clock.Now().Sub(started)
	res.Invalid = len(p.opts.Store.Invalid(ids))
	p.opts.Notices.Reset(NoticeKey)
	p.opts.Metrics.SnapshotDone("ok", res.Duration)
	log.Info().Int("devices", res.Devices).Int("published", res.Published).
		Int("invalid", res.Invalid).Dur("duration", res.Duration).Msg("snapshot done")
	return res
}

// reconcile walks devices in result order and each device's groups in
// internals, attributes, readings order.
func (p *Poller) reconcile(snap *fhemsync.Snapshot) (devices, published int) {
	for _, dev := range snap.Results {
		if fhemsync.IsInfrastructure(dev.Name) {
			continue
		}
		devices++
		for _, group := range dev.Groups() {
			for _, f := range group {
				id := fhemsync.IdentityOf(dev.Name, f.Name)
				if !p.opts.Registry.Subscribed(id) {
					continue
				}
				param, changed := p.opts.Store.ApplySnapshot(id, f.Value, f.Time)
				p.opts.Logger.Debug().Str("id", string(id)).Str("value", f.Value).
					Str("time", f.Time).Bool("update", changed).Msg("reconcile")
				if !changed {
					continue
				}
				p.opts.Registry.Publish(param)
				p.opts.Metrics.Published("snapshot")
				published++
			}
		}
	}
	return devices, published
}
