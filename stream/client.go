// Package stream keeps an inform connection to FHEM open and merges its
// incremental events into the parameter store.
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/metrics"
	"github.com/stepherg/fhemsync/notice"
	"github.com/stepherg/fhemsync/registry"
	"github.com/stepherg/fhemsync/store"
)

// Notice keys.
const (
	NoticeError      = "stream-error"
	NoticeDisconnect = "stream-disconnect"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Backoff waits for the reconnect timer.
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Opener is the part of fhemsync.Backend a stream client needs.
type Opener interface {
	OpenStream(ctx context.Context, filter string, since time.Time) (fhemsync.Stream, error)
}

type Options struct {
	Opener   Opener
	Registry *registry.Registry
	Store    *store.Store
	// Filter returns the current stream filter.
	Filter func() string
	// Backoff yields the delay before reconnecting after an unexpected
	// close. Defaults to a constant ReconnectDelay.
	Backoff        backoff.BackOff
	ReconnectDelay time.Duration
	Clock          fhemsync.Clock
	Notices        *notice.Toaster
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	Context        context.Context
}

// Client owns at most one open connection. Every connection runs its own
// read loop goroutine; close events from connections other than the active
// one are ignored.
type Client struct {
	opts Options

	mu        sync.Mutex
	state     State
	enabled   bool
	active    fhemsync.Stream
	activeID  string
	timer     fhemsync.Timer
	timerGen  uint64
	lastEvent time.Time
	lastStart time.Time
	lastClose *fhemsync.CloseError
}

func New(opts Options) (*Client, error) {
	if opts.Opener == nil || opts.Registry == nil || opts.Store == nil {
		return nil, errors.New("stream: opener, registry and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = fhemsync.RealClock{}
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Filter == nil {
		opts.Filter = func() string { return opts.Registry.Filters().Stream }
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = fhemsync.DefaultOptions().Stream.ReconnectDelay
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewConstantBackOff(opts.ReconnectDelay)
	}
	return &Client{opts: opts}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enabled reports whether the client is supposed to be connected.
func (c *Client) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// LastEvent is the arrival time of the last message batch.
func (c *Client) LastEvent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// LastActivity is the later of the last message batch and the last
// connection attempt. A connection younger than the staleness limit is not
// stale even if it has not delivered anything yet.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastStart.After(c.lastEvent) {
		return c.lastStart
	}
	return c.lastEvent
}

// LastClose returns the most recent close of the active connection.
func (c *Client) LastClose() *fhemsync.CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClose
}

// Start connects unless a connection is open or being opened. While a
// reconnect is pending, immediate skips the remaining wait.
func (c *Client) Start(immediate bool) {
	c.mu.Lock()
	c.enabled = true
	switch c.state {
	case Connecting, Connected:
		c.mu.Unlock()
		return
	case Backoff:
		if !immediate {
			c.mu.Unlock()
			return
		}
		c.stopTimerLocked()
	}
	c.mu.Unlock()
	c.connect()
}

// Restart drops the current connection and reconnects without delay.
func (c *Client) Restart() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	old := c.detachLocked()
	c.mu.Unlock()

	c.opts.Logger.Info().Msg("restart stream")
	if old != nil {
		_ = old.Close()
	}
	c.connect()
}

// Stop closes the connection and cancels any pending reconnect.
func (c *Client) Stop() {
	c.mu.Lock()
	c.enabled = false
	c.stopTimerLocked()
	old := c.detachLocked()
	c.state = Disconnected
	c.mu.Unlock()

	if old != nil {
		c.opts.Logger.Info().Msg("stop stream")
		_ = old.Close()
	}
}

// detachLocked forgets the active connection so its close event is ignored.
func (c *Client) detachLocked() fhemsync.Stream {
	old := c.active
	c.active = nil
	c.activeID = ""
	c.opts.Metrics.SetStreamConnected(false)
	return old
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Client) connect() {
	now := c.opts.Clock.Now()
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.lastStart = now
	since := c.lastEvent
	if since.IsZero() {
		since = now
	}
	gen := c.timerGen
	c.mu.Unlock()

	filter := c.opts.Filter()
	st, err := c.opts.Opener.OpenStream(c.opts.Context, filter, since)

	c.mu.Lock()
	if !c.enabled || gen != c.timerGen || c.state != Connecting {
		// stopped or restarted while dialing
		c.mu.Unlock()
		if st != nil {
			_ = st.Close()
		}
		return
	}
	if err != nil {
		c.opts.Logger.Warn().Err(err).Str("filter", filter).Msg("stream connect failed")
		c.opts.Notices.Warn(NoticeError, "Error while longpoll: "+err.Error())
		c.scheduleLocked(fhemsync.AsCloseError(err))
		c.mu.Unlock()
		return
	}
	c.active = st
	c.activeID = st.ID()
	c.state = Connected
	c.opts.Backoff.Reset()
	c.opts.Metrics.SetStreamConnected(true)
	c.mu.Unlock()

	c.opts.Notices.Reset(NoticeError)
	c.opts.Notices.Reset(NoticeDisconnect)
	c.opts.Logger.Info().Str("conn", st.ID()).Str("filter", filter).Time("since", since).Msg("stream started")
	go c.readLoop(st)
}

func (c *Client) readLoop(st fhemsync.Stream) {
	for {
		data, err := st.Read()
		if err != nil {
			c.closed(st, err)
			return
		}
		if !c.isActive(st) {
			continue
		}
		c.HandleMessage(data)
	}
}

func (c *Client) isActive(st fhemsync.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID != "" && c.activeID == st.ID()
}

func (c *Client) closed(st fhemsync.Stream, err error) {
	var ce *fhemsync.CloseError
	if !errors.As(err, &ce) {
		if c.isActive(st) {
			c.opts.Logger.Warn().Err(err).Str("conn", st.ID()).Msg("error while longpoll")
			c.opts.Notices.Warn(NoticeError, "Error while longpoll")
		}
		ce = fhemsync.AsCloseError(err)
	}
	c.opts.Logger.Info().Str("conn", st.ID()).Int("code", ce.Code).Str("reason", ce.Reason).Msg("stream closed")
	_ = st.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID == "" || st.ID() != c.activeID {
		return
	}
	c.detachLocked()
	c.scheduleLocked(ce)
}

// scheduleLocked arms the reconnect timer after an unexpected close.
func (c *Client) scheduleLocked(ce *fhemsync.CloseError) {
	c.lastClose = ce
	if !c.enabled {
		c.state = Disconnected
		return
	}
	delay := c.opts.Backoff.NextBackOff()
	if delay == backoff.Stop {
		c.opts.Logger.Warn().Msg("stream reconnect budget exhausted")
		c.state = Disconnected
		c.enabled = false
		return
	}
	c.state = Backoff
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = c.opts.Clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.opts.Metrics.Reconnect()
	c.opts.Notices.Warn(NoticeDisconnect, "Disconnected from FHEM: "+ce.Reason+" Retry to connect in "+delay.String())
	c.opts.Logger.Info().Dur("delay", delay).Msg("stream reconnect scheduled")
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.state != Backoff {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.connect()
}

// HandleMessage applies one message batch and returns the number of events
// applied. Lines for identities nobody subscribed are skipped; the last event
// time advances for every batch.
func (c *Client) HandleMessage(data []byte) int {
	log := c.opts.Logger
	c.opts.Metrics.StreamMessage()
	applied := 0
	for _, line := range strings.Split(string(data), "\n") {
		ev, ok, err := ParseLine(line)
		if err != nil {
			log.Debug().Err(err).Msg("skip stream line")
			c.opts.Metrics.StreamLine("malformed")
			continue
		}
		if !ok || !c.opts.Registry.Subscribed(ev.ID) {
			c.opts.Metrics.StreamLine("ignored")
			continue
		}
		p := c.opts.Store.ApplyEvent(ev)
		applied++
		c.opts.Metrics.StreamLine("applied")
		log.Debug().Str("id", string(ev.ID)).Stringer("kind", ev.Kind).Str("value", ev.Value).Msg("stream event")
		if ev.Kind.Publishes() {
			c.opts.Registry.Publish(p)
			c.opts.Metrics.Published("stream")
		}
	}
	now := c.opts.Clock.Now()
	c.mu.Lock()
	c.lastEvent = now
	c.mu.Unlock()
	return applied
}
