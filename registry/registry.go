// Package registry tracks which readings widgets asked for and owns one
// notification channel per identity.
package registry

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/notify"
)

// Options configures a Registry.
type Options struct {
	SnapshotFilter string // overrides the computed snapshot filter
	StreamFilter   string // overrides the computed stream filter
	// Resolve maps a published parameter to the one delivered to observers.
	// The session points it at the parameter store.
	Resolve func(fhemsync.Parameter) fhemsync.Parameter
	Logger  zerolog.Logger
}

// Registry de-duplicates subscriptions by identity. Subscriptions and
// channels are never removed.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	subs     map[fhemsync.Identity]fhemsync.Subscription
	order    []fhemsync.Identity
	channels map[fhemsync.Identity]*notify.Channel[fhemsync.Parameter]
	onChange []func(fhemsync.Filters)
}

func New(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		subs:     make(map[fhemsync.Identity]fhemsync.Subscription),
		channels: make(map[fhemsync.Identity]*notify.Channel[fhemsync.Parameter]),
	}
}

// Register records a subscription for raw and returns its channel. An empty
// raw string yields a no-op subscriber.
func (r *Registry) Register(raw string) notify.Subscriber[fhemsync.Parameter] {
	sub, ok := fhemsync.ParseIdentity(raw)
	if !ok {
		return notify.Noop[fhemsync.Parameter]()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[sub.ID]; !exists {
		r.subs[sub.ID] = sub
		r.order = append(r.order, sub.ID)
		r.opts.Logger.Debug().Str("id", string(sub.ID)).Str("device", sub.Device).
			Str("field", sub.Field).Msg("new subscription")
	}
	return r.channelLocked(sub.ID)
}

// Lookup returns the subscription for id.
func (r *Registry) Lookup(id fhemsync.Identity) (fhemsync.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// Subscribed reports whether any widget registered id.
func (r *Registry) Subscribed(id fhemsync.Identity) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Channel returns (creating if absent) the channel for id.
func (r *Registry) Channel(id fhemsync.Identity) *notify.Channel[fhemsync.Parameter] {
	r.mu.RLock()
	ch, ok := r.channels[id]
	r.mu.RUnlock()
	if ok {
		return ch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelLocked(id)
}

func (r *Registry) channelLocked(id fhemsync.Identity) *notify.Channel[fhemsync.Parameter] {
	ch, ok := r.channels[id]
	if !ok {
		ch = notify.New[fhemsync.Parameter](string(id), r.opts.Logger)
		if r.opts.Resolve != nil {
			ch.Resolve(r.opts.Resolve)
		}
		r.channels[id] = ch
	}
	return ch
}

// Publish fans p out on its identity's channel.
func (r *Registry) Publish(p fhemsync.Parameter) {
	r.Channel(p.ID).Publish(p)
}

// Subscriptions returns all subscriptions in registration order.
func (r *Registry) Subscriptions() []fhemsync.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fhemsync.Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id])
	}
	return out
}

// IDs returns all subscribed identities in registration order.
func (r *Registry) IDs() []fhemsync.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]fhemsync.Identity(nil), r.order...)
}

// OnRecompute registers fn to run after every RecomputeFilters. The session
// uses it to force the next snapshot.
func (r *Registry) OnRecompute(fn func(fhemsync.Filters)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// Filters derives the distinct devices and fields across all subscriptions
// and builds both network filters from them.
func (r *Registry) Filters() fhemsync.Filters {
	r.mu.RLock()
	devices := distinct(r.order, func(id fhemsync.Identity) string { return r.subs[id].Device })
	fields := distinct(r.order, func(id fhemsync.Identity) string { return r.subs[id].Field })
	r.mu.RUnlock()

	deviceList := ".*"
	if len(devices) > 0 {
		deviceList = strings.Join(devices, ",")
	}
	fieldList := strings.Join(fields, " ")

	f := fhemsync.Filters{
		Devices:  devices,
		Fields:   fields,
		Snapshot: deviceList + " " + fieldList,
		Stream:   deviceList + ", " + fieldList,
	}
	if r.opts.SnapshotFilter != "" {
		f.Snapshot = r.opts.SnapshotFilter
	}
	if r.opts.StreamFilter != "" {
		f.Stream = r.opts.StreamFilter
	}
	return f
}

// RecomputeFilters is Filters plus the recompute hooks. Call it after the
// set of subscriptions changed.
func (r *Registry) RecomputeFilters() fhemsync.Filters {
	f := r.Filters()
	r.opts.Logger.Info().Int("devices", len(f.Devices)).Int("fields", len(f.Fields)).
		Str("snapshot_filter", f.Snapshot).Str("stream_filter", f.Stream).Msg("filters recomputed")

	r.mu.RLock()
	hooks := append([]func(fhemsync.Filters){}, r.onChange...)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(f)
	}
	return f
}

// distinct keeps first-seen order, which keeps filters stable across runs.
func distinct(ids []fhemsync.Identity, key func(fhemsync.Identity) string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		k := key(id)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
