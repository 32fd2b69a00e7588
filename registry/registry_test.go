package registry

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/store"
)

func newRegistry() *Registry {
	return New(Options{Logger: zerolog.Nop()})
}

func TestRegisterIdentities(t *testing.T) {
	cases := []struct {
		raw  string
		want fhemsync.Identity
	}{
		{"dev-field", "dev-field"},
		{"dev:field", "dev-field"},
		{"dev-STATE", "dev"},
		{"dev:STATE", "dev"},
		{"dev", "dev"},
		{"lamp1-brightness", "lamp1-brightness"},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			r := newRegistry()
			r.Register(tc.raw)
			assert.True(t, r.Subscribed(tc.want))
			assert.Equal(t, []fhemsync.Identity{tc.want}, r.IDs())
		})
	}
}

func TestRegisterDeduplicates(t *testing.T) {
	r := newRegistry()
	a := r.Register("lamp1-STATE")
	b := r.Register("lamp1")
	c := r.Register("lamp1:STATE")

	assert.Len(t, r.Subscriptions(), 1)
	assert.Same(t, a, b)
	assert.Same(t, b, c)
}

func TestRegisterEmptyIsNoop(t *testing.T) {
	r := newRegistry()
	s := r.Register("")
	require.NotNil(t, s)
	assert.NotPanics(t, func() { s.Subscribe(func(fhemsync.Parameter) {}) })
	assert.Empty(t, r.Subscriptions())
}

func TestPublishReachesRegisteredObservers(t *testing.T) {
	r := newRegistry()
	var got []fhemsync.Parameter
	r.Register("lamp1-brightness").Subscribe(func(p fhemsync.Parameter) { got = append(got, p) })

	r.Publish(fhemsync.Parameter{ID: "lamp1-brightness", Value: "80"})
	r.Publish(fhemsync.Parameter{ID: "lamp2", Value: "on"})

	require.Len(t, got, 1)
	assert.Equal(t, "80", got[0].Value)
}

func TestLatePublishDeliversStoredValue(t *testing.T) {
	st := store.New(nil)
	r := New(Options{
		Logger: zerolog.Nop(),
		Resolve: func(p fhemsync.Parameter) fhemsync.Parameter {
			if cur, ok := st.Get(p.ID); ok {
				return cur
			}
			return p
		},
	})
	var got []string
	r.Register("lamp1").Subscribe(func(p fhemsync.Parameter) { got = append(got, p.Value) })

	// snapshot writes "on", then the stream writes and publishes "off"
	// before the snapshot's publish goes out
	fromSnapshot, changed := st.ApplySnapshot("lamp1", "on", "")
	require.True(t, changed)
	fromStream := st.ApplyEvent(fhemsync.Event{ID: "lamp1", Kind: fhemsync.UpdateState, Value: "off"})
	r.Publish(fromStream)
	r.Publish(fromSnapshot)

	assert.Equal(t, []string{"off", "off"}, got, "observers end on the stored value")
	cur, _ := st.Get("lamp1")
	assert.Equal(t, "off", cur.Value)
}

func TestRecomputeFilters(t *testing.T) {
	r := newRegistry()
	r.Register("lamp1-STATE")
	r.Register("lamp1-brightness")
	r.Register("heater:temperature")
	r.Register("lamp2")

	var hooked fhemsync.Filters
	r.OnRecompute(func(f fhemsync.Filters) { hooked = f })

	f := r.RecomputeFilters()
	assert.Equal(t, []string{"lamp1", "heater", "lamp2"}, f.Devices)
	assert.Equal(t, []string{"STATE", "brightness", "temperature"}, f.Fields)
	assert.Equal(t, "lamp1,heater,lamp2 STATE brightness temperature", f.Snapshot)
	assert.Equal(t, "lamp1,heater,lamp2, STATE brightness temperature", f.Stream)
	assert.Equal(t, f, hooked)
}

func TestRecomputeFiltersEmpty(t *testing.T) {
	f := newRegistry().RecomputeFilters()
	assert.Empty(t, f.Devices)
	assert.Empty(t, f.Fields)
	assert.Equal(t, ".* ", f.Snapshot)
	assert.Equal(t, ".*, ", f.Stream)
}

func TestRecomputeFiltersOverrides(t *testing.T) {
	r := New(Options{SnapshotFilter: "room=living", StreamFilter: "room=living, .*", Logger: zerolog.Nop()})
	r.Register("lamp1")
	f := r.RecomputeFilters()
	assert.Equal(t, "room=living", f.Snapshot)
	assert.Equal(t, "room=living, .*", f.Stream)
	assert.Equal(t, []string{"lamp1"}, f.Devices)
}

func TestFiltersSkipsHooks(t *testing.T) {
	r := newRegistry()
	r.Register("lamp1-pct")
	calls := 0
	r.OnRecompute(func(fhemsync.Filters) { calls++ })

	f := r.Filters()
	assert.Equal(t, "lamp1 pct", f.Snapshot)
	assert.Zero(t, calls)

	r.RecomputeFilters()
	assert.Equal(t, 1, calls)
}
