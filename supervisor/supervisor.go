// Package supervisor decides when the engine is online and restarts the
// stream when it goes silent.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/metrics"
)

type State int

const (
	Offline State = iota
	Online
	// Degraded is online with a stale stream or a failing snapshot.
	Degraded
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Snapshotter is the poller as seen by the supervisor.
type Snapshotter interface {
	Trigger(ctx context.Context, force bool) (bool, error)
	ResetDebounce()
	StartInterval(delay time.Duration)
	Stop()
}

// Streamer is the stream client as seen by the supervisor.
type Streamer interface {
	Start(immediate bool)
	Restart()
	Stop()
	Enabled() bool
	LastEvent() time.Time
	LastActivity() time.Time
}

type Options struct {
	Poller Snapshotter
	Stream Streamer
	// StreamEnabled is the configured stream switch. SetOnline only starts
	// the stream when it is set.
	StreamEnabled     bool
	MaxAge            time.Duration // 0 disables staleness detection
	HealthPeriod      time.Duration
	OnlineMinInterval time.Duration
	VisibilitySettle  time.Duration
	OnlineDelay       time.Duration
	Clock             fhemsync.Clock
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
	Context           context.Context
}

type Supervisor struct {
	opts Options

	mu             sync.Mutex
	online         bool
	lastSetOnline  time.Time
	staleSince     time.Time // zero while the stream is healthy
	snapshotFailed bool
	settle         fhemsync.Timer
}

func New(opts Options) (*Supervisor, error) {
	if opts.Poller == nil || opts.Stream == nil {
		return nil, errors.New("supervisor: poller and stream are required")
	}
	d := fhemsync.DefaultOptions()
	if opts.HealthPeriod <= 0 {
		opts.HealthPeriod = d.Supervisor.HealthPeriod
	}
	if opts.OnlineMinInterval <= 0 {
		opts.OnlineMinInterval = d.Supervisor.OnlineMinInterval
	}
	if opts.VisibilitySettle <= 0 {
		opts.VisibilitySettle = d.Supervisor.VisibilitySettle
	}
	if opts.OnlineDelay <= 0 {
		opts.OnlineDelay = d.Snapshot.OnlineDelay
	}
	if opts.Clock == nil {
		opts.Clock = fhemsync.RealClock{}
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Supervisor{opts: opts}, nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Supervisor) stateLocked() State {
	switch {
	case !s.online:
		return Offline
	case !s.staleSince.IsZero() || s.snapshotFailed:
		return Degraded
	default:
		return Online
	}
}

func (s *Supervisor) publishStateLocked() {
	s.opts.Metrics.SetOnline(float64(s.stateLocked()))
}

// SetOnline marks the engine online. Calls within OnlineMinInterval of the
// last transition are ignored. On transition the next snapshot is forced and
// scheduled after OnlineDelay, and the stream is started if it is configured
// but not running. It reports whether a transition happened.
func (s *Supervisor) SetOnline() bool {
	now := s.opts.Clock.Now()
	s.mu.Lock()
	if !s.lastSetOnline.IsZero() && now.Sub(s.lastSetOnline) <= s.opts.OnlineMinInterval {
		s.mu.Unlock()
		return false
	}
	s.lastSetOnline = now
	s.online = true
	s.publishStateLocked()
	s.mu.Unlock()

	s.opts.Poller.ResetDebounce()
	s.opts.Poller.StartInterval(s.opts.OnlineDelay)
	if s.opts.StreamEnabled && !s.opts.Stream.Enabled() {
		s.opts.Stream.Start(true)
	}
	s.opts.Logger.Info().Msg("online")
	return true
}

// SetOffline stops the snapshot timer and the stream. The next SetOnline
// always transitions.
func (s *Supervisor) SetOffline() {
	s.mu.Lock()
	s.online = false
	s.lastSetOnline = time.Time{}
	s.staleSince = time.Time{}
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.publishStateLocked()
	s.mu.Unlock()

	s.opts.Poller.Stop()
	s.opts.Stream.Stop()
	s.opts.Logger.Info().Msg("offline")
}

// HealthCheck restarts a stream that has been silent for longer than MaxAge
// and forces a snapshot. The restart counts as stream activity, so a stream
// that stays silent is restarted again only after another MaxAge. It reports
// whether a restart happened.
func (s *Supervisor) HealthCheck() bool {
	if s.opts.MaxAge <= 0 || !s.opts.Stream.Enabled() {
		return false
	}
	now := s.opts.Clock.Now()
	silent := now.Sub(s.opts.Stream.LastActivity())

	s.mu.Lock()
	if !s.staleSince.IsZero() && s.opts.Stream.LastEvent().After(s.staleSince) {
		s.staleSince = time.Time{}
		s.opts.Logger.Info().Msg("stream recovered")
		s.publishStateLocked()
	}
	if silent <= s.opts.MaxAge {
		s.mu.Unlock()
		return false
	}
	s.staleSince = now
	s.online = true
	s.publishStateLocked()
	s.mu.Unlock()

	s.opts.Logger.Warn().Dur("silent", silent).Msg("no stream event within max age, restart polling")
	s.opts.Stream.Restart()
	s.opts.Poller.ResetDebounce()
	if _, err := s.opts.Poller.Trigger(s.opts.Context, true); err != nil {
		s.opts.Logger.Debug().Err(err).Msg("snapshot after stale stream failed")
	}
	return true
}

// ObserveSnapshot records the outcome of a snapshot cycle.
func (s *Supervisor) ObserveSnapshot(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := err != nil
	if failed == s.snapshotFailed {
		return
	}
	s.snapshotFailed = failed
	s.publishStateLocked()
}

// VisibilityChanged runs a health check VisibilitySettle after the page
// became visible again.
func (s *Supervisor) VisibilityChanged(visible bool) {
	if !visible {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settle != nil {
		s.settle.Stop()
	}
	s.opts.Logger.Debug().Dur("settle", s.opts.VisibilitySettle).Msg("visible again, health check scheduled")
	s.settle = s.opts.Clock.AfterFunc(s.opts.VisibilitySettle, func() {
		s.mu.Lock()
		s.settle = nil
		s.mu.Unlock()
		s.HealthCheck()
	})
}

// Run performs a health check every HealthPeriod until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	t := s.opts.Clock.NewTicker(s.opts.HealthPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Chan():
			s.HealthCheck()
		}
	}
}
