// Package notice surfaces user-visible warnings ("toasts"). Repeated warnings
// for the same failure are rate limited so a flapping connection does not
// flood the screen.
package notice

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stepherg/fhemsync"
)

type Level int

const (
	Info Level = iota
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Sink displays a notice. The widget layer plugs its toast renderer in here.
type Sink interface {
	Show(level Level, text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(level Level, text string)

func (f SinkFunc) Show(level Level, text string) { f(level, text) }

// LogSink writes notices to a zerolog logger.
type LogSink struct{ Logger zerolog.Logger }

func (s LogSink) Show(level Level, text string) {
	switch level {
	case Error:
		s.Logger.Error().Str("notice", text).Msg("notice")
	case Warn:
		s.Logger.Warn().Str("notice", text).Msg("notice")
	default:
		s.Logger.Info().Str("notice", text).Msg("notice")
	}
}

type Options struct {
	Sink Sink
	// Limit is the number of notices allowed per Window; 0 disables notices.
	Limit int
	// Window is the rate window, also the minimum gap between two warnings
	// sharing a key. Defaults to 20s, the time an error toast stays visible.
	Window time.Duration
	Clock  fhemsync.Clock
}

type Toaster struct {
	sink   Sink
	window time.Duration
	clock  fhemsync.Clock

	global *rate.Limiter

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

func New(opts Options) *Toaster {
	if opts.Window <= 0 {
		opts.Window = 20 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = fhemsync.RealClock{}
	}
	if opts.Sink == nil {
		opts.Sink = LogSink{Logger: zerolog.Nop()}
	}
	t := &Toaster{sink: opts.Sink, window: opts.Window, clock: opts.Clock, keys: map[string]*rate.Limiter{}}
	if opts.Limit > 0 {
		t.global = rate.NewLimiter(rate.Every(opts.Window/time.Duration(opts.Limit)), opts.Limit)
	}
	return t
}

// Notify shows text unless notices are disabled or the global budget is spent.
func (t *Toaster) Notify(level Level, text string) bool {
	if t == nil || t.global == nil {
		return false
	}
	if !t.global.AllowN(t.clock.Now(), 1) {
		return false
	}
	t.sink.Show(level, text)
	return true
}

// Warn shows text at most once per window for key.
func (t *Toaster) Warn(key, text string) bool {
	if t == nil || t.global == nil {
		return false
	}
	t.mu.Lock()
	lim, ok := t.keys[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.window), 1)
		t.keys[key] = lim
	}
	allowed := lim.AllowN(t.clock.Now(), 1)
	t.mu.Unlock()
	if !allowed {
		return false
	}
	return t.Notify(Error, text)
}

// Reset forgets the rate state for key, so the next failure is shown again.
// Called after the failing operation recovers.
func (t *Toaster) Reset(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.keys, key)
	t.mu.Unlock()
}
