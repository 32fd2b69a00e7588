// Package session wires the synchronization engine together and exposes the
// widget-facing API: register a reading, read a parameter, send a command.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/metrics"
	"github.com/stepherg/fhemsync/notice"
	"github.com/stepherg/fhemsync/notify"
	"github.com/stepherg/fhemsync/poller"
	"github.com/stepherg/fhemsync/registry"
	"github.com/stepherg/fhemsync/runtime"
	"github.com/stepherg/fhemsync/store"
	"github.com/stepherg/fhemsync/stream"
	"github.com/stepherg/fhemsync/supervisor"
	"github.com/stepherg/fhemsync/translate"
)

const noticeCommand = "command"

// Backend is everything the session needs from the server.
type Backend interface {
	fhemsync.Backend
	fhemsync.Commander
	FetchToken(ctx context.Context) (string, error)
}

type Options struct {
	fhemsync.Options

	// Backend defaults to a FHEMWEB adapter for Options.BaseURL.
	Backend Backend
	// Notices receives user-visible warnings. Defaults to the logger.
	Notices notice.Sink
	// Registerer receives the engine's metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// TokenTimeout bounds the retries of the CSRF token fetch at start.
	TokenTimeout time.Duration
	Clock        fhemsync.Clock
	Logger       zerolog.Logger
}

// Session is the explicit context shared by every component. It lives from
// New until Stop.
type Session struct {
	id      string
	opts    Options
	log     zerolog.Logger
	backend Backend

	registry   *registry.Registry
	store      *store.Store
	poller     *poller.Poller
	stream     *stream.Client
	supervisor *supervisor.Supervisor
	notices    *notice.Toaster
	metrics    *metrics.Metrics
	updateDone *notify.Channel[poller.CycleResult]

	// ctx lives from New until Stop and bounds every snapshot and dial.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func New(opts Options) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = fhemsync.RealClock{}
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 30 * time.Second
	}
	id := uuid.NewString()
	log := opts.Logger.With().Str("session", id).Logger()

	backend := opts.Backend
	if backend == nil {
		ad, err := runtime.NewFHEMWebAdapter(runtime.FHEMWebOptions{
			BaseURL: opts.BaseURL,
			Auth:    opts.Auth,
			Logger:  log.With().Str("component", "runtime").Logger(),
		})
		if err != nil {
			return nil, fmt.Errorf("create backend: %w", err)
		}
		backend = ad
	}

	sink := opts.Notices
	if sink == nil {
		sink = notice.LogSink{Logger: log.With().Str("component", "notice").Logger()}
	}

	st := store.New(opts.Clock)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		opts:    opts,
		log:     log,
		backend: backend,
		ctx:     ctx,
		cancel:  cancel,
		notices: notice.New(notice.Options{Sink: sink, Limit: opts.Toast, Clock: opts.Clock}),
		store:   st,
		registry: registry.New(registry.Options{
			SnapshotFilter: opts.Snapshot.Filter,
			StreamFilter:   opts.Stream.Filter,
			Resolve: func(p fhemsync.Parameter) fhemsync.Parameter {
				if cur, ok := st.Get(p.ID); ok {
					return cur
				}
				return p
			},
			Logger: log.With().Str("component", "registry").Logger(),
		}),
		updateDone: notify.New[poller.CycleResult]("update-done", log),
	}
	if opts.Registerer != nil {
		s.metrics = metrics.New(opts.Registerer)
	}

	interval := opts.Snapshot.Interval
	if opts.Stream.Enabled && opts.Snapshot.IntervalWithStream > 0 {
		interval = opts.Snapshot.IntervalWithStream
	}

	var err error
	s.poller, err = poller.New(poller.Options{
		Backend:  backend,
		Registry: s.registry,
		Store:    s.store,
		Interval: interval,
		Clock:    opts.Clock,
		Notices:  s.notices,
		Metrics:  s.metrics,
		Logger:   log.With().Str("component", "poller").Logger(),
		Context:  ctx,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.stream, err = stream.New(stream.Options{
		Opener:         backend,
		Registry:       s.registry,
		Store:          s.store,
		ReconnectDelay: opts.Stream.ReconnectDelay,
		Clock:          opts.Clock,
		Notices:        s.notices,
		Metrics:        s.metrics,
		Logger:         log.With().Str("component", "stream").Logger(),
		Context:        ctx,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.supervisor, err = supervisor.New(supervisor.Options{
		Poller:            s.poller,
		Stream:            s.stream,
		StreamEnabled:     opts.Stream.Enabled,
		MaxAge:            opts.Stream.MaxAge,
		HealthPeriod:      opts.Supervisor.HealthPeriod,
		OnlineMinInterval: opts.Supervisor.OnlineMinInterval,
		VisibilitySettle:  opts.Supervisor.VisibilitySettle,
		OnlineDelay:       opts.Snapshot.OnlineDelay,
		Clock:             opts.Clock,
		Metrics:           s.metrics,
		Logger:            log.With().Str("component", "supervisor").Logger(),
	})
	if err != nil {
		cancel()
		return nil, err
	}

	s.poller.OnCycle(func(res poller.CycleResult) {
		s.supervisor.ObserveSnapshot(res.Err)
		if res.OK() {
			s.updateDone.Publish(res)
		}
	})
	s.registry.OnRecompute(func(fhemsync.Filters) {
		s.poller.ResetDebounce()
		if s.isStarted() && s.stream.Enabled() {
			s.stream.Restart()
		}
	})
	return s, nil
}

// ID identifies this session in logs.
func (s *Session) ID() string { return s.id }

// Registry exposes the subscription registry.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Store exposes the parameter store.
func (s *Session) Store() *store.Store { return s.store }

func (s *Session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// RegisterReading subscribes to a raw "device-field" identity. An empty
// identity yields a subscriber that never fires.
func (s *Session) RegisterReading(raw string) notify.Subscriber[fhemsync.Parameter] {
	return s.registry.Register(raw)
}

// GetParameter returns the stored parameter for device and field.
func (s *Session) GetParameter(device, field string) (fhemsync.Parameter, bool) {
	if device == "" {
		return fhemsync.Parameter{}, false
	}
	if field == "" {
		field = fhemsync.StateField
	}
	return s.store.Get(fhemsync.IdentityOf(device, field))
}

// SendCommand submits a command line. Failures are also shown as a notice.
func (s *Session) SendCommand(ctx context.Context, cmdline string) error {
	err := s.backend.SendCommand(ctx, cmdline)
	if err != nil {
		s.metrics.Command("failed")
		s.log.Warn().Err(err).Str("cmd", cmdline).Msg("command failed")
		s.notices.Warn(noticeCommand+":"+cmdline, "FHEM Command failed: "+err.Error()+" cmd="+cmdline)
		return err
	}
	s.metrics.Command("ok")
	s.log.Debug().Str("cmd", cmdline).Msg("command sent")
	return nil
}

// Transmit joins a widget command ("set", device, reading, value) and sends it.
func (s *Session) Transmit(ctx context.Context, verb, device, set, value string) error {
	cmdline, err := translate.BuildCommand(verb, device, set, value)
	if err != nil {
		return err
	}
	if err := s.SendCommand(ctx, cmdline); err != nil {
		return err
	}
	s.notices.Notify(notice.Info, cmdline)
	return nil
}

// Set writes value to a reading named by a raw identity.
func (s *Session) Set(ctx context.Context, raw, value string) error {
	cmdline, err := translate.BuildSet(raw, value)
	if err != nil {
		return err
	}
	return s.SendCommand(ctx, cmdline)
}

// OnUpdateDone registers fn to run after every successful snapshot cycle.
func (s *Session) OnUpdateDone(fn func(poller.CycleResult)) {
	s.updateDone.Subscribe(fn)
}

// InvalidIdentities lists subscribed identities the last snapshot did not
// confirm.
func (s *Session) InvalidIdentities() []fhemsync.Identity {
	return s.store.Invalid(s.registry.IDs())
}

// Start fetches the CSRF token, computes the filters, goes online and runs
// the health check loop until Stop. Call it after the initial readings are
// registered.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return fhemsync.ErrStopped
	case s.started:
		s.mu.Unlock()
		return fhemsync.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.fetchToken(ctx)
	s.registry.RecomputeFilters()
	s.supervisor.SetOnline()
	s.poller.StartInterval(s.opts.Snapshot.InitialDelay)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.supervisor.Run(s.ctx)
	}()
	s.log.Info().Int("subscriptions", len(s.registry.IDs())).Bool("stream", s.opts.Stream.Enabled).
		Dur("interval", s.poller.Interval()).Msg("session started")
	return nil
}

// fetchToken retries transient failures. A server without csrf protection
// answers without a token; commands are then sent with an empty one.
func (s *Session) fetchToken(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	op := func() (string, error) {
		token, err := s.backend.FetchToken(ctx)
		if errors.Is(err, fhemsync.ErrNoToken) || errors.Is(err, fhemsync.ErrAccessDenied) {
			return "", backoff.Permanent(err)
		}
		return token, err
	}
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(s.opts.TokenTimeout))
	switch {
	case err == nil:
		s.log.Debug().Msg("got csrf token")
	case errors.Is(err, fhemsync.ErrNoToken):
		s.log.Info().Msg("FHEM sent no csrf token")
	default:
		s.log.Warn().Err(err).Msg("failed to get csrf token")
		s.notices.Warn("token", "Failed to get csrf token from FHEM: "+err.Error())
	}
}

// Stop goes offline, cancels in-flight snapshots and stream dials, and waits
// for the health check loop to end. A stopped session cannot be restarted.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fhemsync.ErrNotStarted
	}
	s.started = false
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.supervisor.SetOffline()
	s.wg.Wait()
	s.log.Info().Msg("session stopped")
	return nil
}

// Refresh forces an immediate snapshot.
func (s *Session) Refresh(ctx context.Context) error {
	s.poller.ResetDebounce()
	_, err := s.poller.Trigger(ctx, true)
	return err
}

func (s *Session) SetOnline() bool { return s.supervisor.SetOnline() }

func (s *Session) SetOffline() { s.supervisor.SetOffline() }

func (s *Session) VisibilityChanged(visible bool) { s.supervisor.VisibilityChanged(visible) }

// HealthCheck runs one health check now.
func (s *Session) HealthCheck() bool { return s.supervisor.HealthCheck() }

// Status is a point-in-time view of the engine.
type Status struct {
	Session       string              `json:"session"`
	State         string              `json:"state"`
	Stream        string              `json:"stream"`
	StreamEnabled bool                `json:"streamEnabled"`
	LastEvent     *time.Time          `json:"lastEvent,omitempty"`
	LastClose     string              `json:"lastClose,omitempty"`
	Poller        string              `json:"poller"`
	Interval      string              `json:"interval"`
	LastSnapshot  *poller.CycleResult `json:"lastSnapshot,omitempty"`
	SnapshotError string              `json:"snapshotError,omitempty"`
	Subscriptions int                 `json:"subscriptions"`
	Parameters    int                 `json:"parameters"`
	Invalid       []fhemsync.Identity `json:"invalid,omitempty"`
}

func (s *Session) Status() Status {
	st := Status{
		Session:       s.id,
		State:         s.supervisor.State().String(),
		Stream:        s.stream.State().String(),
		StreamEnabled: s.stream.Enabled(),
		Poller:        s.poller.State().String(),
		Interval:      s.poller.Interval().String(),
		Subscriptions: len(s.registry.IDs()),
		Parameters:    s.store.Len(),
		Invalid:       s.InvalidIdentities(),
	}
	if t := s.stream.LastEvent(); !t.IsZero() {
		st.LastEvent = &t
	}
	if ce := s.stream.LastClose(); ce != nil {
		st.LastClose = ce.Reason
	}
	if res, ok := s.poller.LastResult(); ok {
		st.LastSnapshot = &res
		if res.Err != nil {
			st.SnapshotError = res.Err.Error()
		}
	}
	return st
}
