package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/internal/clocktest"
	"github.com/stepherg/fhemsync/notice"
	"github.com/stepherg/fhemsync/registry"
	"github.com/stepherg/fhemsync/store"
)

type fakeStream struct {
	id     string
	msgs   chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, msgs: make(chan []byte, 8), errs: make(chan error, 1), closed: make(chan struct{})}
}

func (f *fakeStream) ID() string { return f.id }

func (f *fakeStream) Read() ([]byte, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case err := <-f.errs:
		return nil, err
	case <-f.closed:
		return nil, &fhemsync.CloseError{Code: 1000, Reason: "closed locally"}
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type dial struct {
	filter string
	since  time.Time
}

type fakeOpener struct {
	mu      sync.Mutex
	dials   []dial
	streams []*fakeStream
	err     error
}

func (o *fakeOpener) OpenStream(_ context.Context, filter string, since time.Time) (fhemsync.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dials = append(o.dials, dial{filter, since})
	if o.err != nil {
		return nil, o.err
	}
	s := newFakeStream(fmt.Sprintf("conn-%d", len(o.dials)))
	o.streams = append(o.streams, s)
	return s, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.dials)
}

func (o *fakeOpener) stream(i int) *fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streams[i]
}

type fixture struct {
	clock   *clocktest.Clock
	opener  *fakeOpener
	reg     *registry.Registry
	store   *store.Store
	client  *Client
	mu      sync.Mutex
	notices []string
}

func (f *fixture) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

var epoch = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clocktest.New(epoch),
		opener: &fakeOpener{},
		reg:    registry.New(registry.Options{Logger: zerolog.Nop()}),
	}
	f.store = store.New(f.clock)
	toaster := notice.New(notice.Options{
		Limit: 10,
		Clock: f.clock,
		Sink: notice.SinkFunc(func(_ notice.Level, text string) {
			f.mu.Lock()
			f.notices = append(f.notices, text)
			f.mu.Unlock()
		}),
	})
	c, err := New(Options{
		Opener:         f.opener,
		Registry:       f.reg,
		Store:          f.store,
		ReconnectDelay: 10 * time.Second,
		Clock:          f.clock,
		Notices:        toaster,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	f.client = c
	t.Cleanup(c.Stop)
	return f
}

func TestHandleMessageClassification(t *testing.T) {
	f := newFixture(t)
	var got []fhemsync.Parameter
	f.reg.Register("dev").Subscribe(func(p fhemsync.Parameter) { got = append(got, p) })
	f.store.ApplySnapshot("dev", "off", "2024-01-01 09:00:00")

	f.client.HandleMessage([]byte(`["dev-ts","12:00:00","12:00:00"]`))
	p, _ := f.store.Get("dev")
	assert.Equal(t, "off", p.Value)
	assert.Equal(t, "12:00:00", p.SourceTimestamp)
	require.Len(t, got, 1)

	f.client.HandleMessage([]byte(`["dev","21","21"]`))
	p, _ = f.store.Get("dev")
	assert.Equal(t, "21", p.Value)
	assert.Equal(t, "12:00:00", p.SourceTimestamp)
	assert.Len(t, got, 1, "plain value updates wait for their -ts line")

	f.clock.Advance(time.Minute)
	f.client.HandleMessage([]byte(`["dev","on","<b>on</b>"]`))
	p, _ = f.store.Get("dev")
	assert.Equal(t, "on", p.Value)
	assert.Equal(t, "2024-01-01 10:01:00", p.SourceTimestamp)
	assert.Equal(t, epoch.Add(time.Minute), p.LocalUpdateTime)
	require.Len(t, got, 2)

	f.client.HandleMessage([]byte(`["dev","",""]`))
	p, _ = f.store.Get("dev")
	assert.Equal(t, "on", p.Value)
	require.Len(t, got, 3)
}

func TestHandleMessageBatch(t *testing.T) {
	f := newFixture(t)
	count := 0
	f.reg.Register("lamp1").Subscribe(func(fhemsync.Parameter) { count++ })

	batch := "[\"other\",\"on\",\"<b>on</b>\"]\n" +
		"garbage]\n" +
		"\n" +
		"[\"FHEMWEB_WEB_192.168.1.10_54321\",\"Connected\",\"<i>Connected</i>\"]\n" +
		"[\"lamp1\",\"on\",\"<b>on</b>\"]\n"
	applied := f.client.HandleMessage([]byte(batch))
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, count)
	_, ok := f.store.Get("other")
	assert.False(t, ok)

	f.clock.Advance(time.Minute)
	assert.Zero(t, f.client.HandleMessage([]byte("\n")))
	assert.Equal(t, epoch.Add(time.Minute), f.client.LastEvent())
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("lamp1-pct")

	f.client.Start(false)
	f.client.Start(false)
	f.client.Start(true)

	require.Equal(t, 1, f.opener.count())
	assert.Equal(t, Connected, f.client.State())
	assert.True(t, f.client.Enabled())
	assert.Equal(t, "lamp1, pct", f.opener.dials[0].filter)
	assert.Equal(t, epoch, f.opener.dials[0].since)
	assert.Equal(t, epoch, f.client.LastActivity())
}

func TestEventsFlowThroughReadLoop(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var values []string
	f.reg.Register("lamp1").Subscribe(func(p fhemsync.Parameter) {
		mu.Lock()
		values = append(values, p.Value)
		mu.Unlock()
	})
	f.client.Start(false)

	f.opener.stream(0).msgs <- []byte("[\"lamp1\",\"on\",\"<b>on</b>\"]\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "on", values[0])
}

func TestUnexpectedCloseReconnectsAfterBackoff(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("lamp1")
	f.client.Start(false)
	f.clock.Advance(30 * time.Second)
	f.client.HandleMessage([]byte("\n"))

	f.opener.stream(0).errs <- &fhemsync.CloseError{Code: 1001, Reason: "going away"}
	require.Eventually(t, func() bool { return f.client.State() == Backoff }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1001, f.client.LastClose().Code)
	assert.Equal(t, 1, f.noticeCount())

	f.clock.Advance(9 * time.Second)
	assert.Equal(t, 1, f.opener.count())
	f.clock.Advance(time.Second)
	require.Equal(t, 2, f.opener.count())
	assert.Equal(t, Connected, f.client.State())
	assert.Equal(t, epoch.Add(30*time.Second), f.opener.dials[1].since, "cursor resumes at the last event")
}

func TestTransportErrorWarnsAndReconnects(t *testing.T) {
	f := newFixture(t)
	f.client.Start(false)

	f.opener.stream(0).errs <- errors.New("connection reset by peer")
	require.Eventually(t, func() bool { return f.client.State() == Backoff }, time.Second, 5*time.Millisecond)
	assert.Equal(t, fhemsync.CloseAbnormal, f.client.LastClose().Code)
	assert.Equal(t, 2, f.noticeCount())
}

func TestRestartReconnectsWithoutDelay(t *testing.T) {
	f := newFixture(t)
	f.client.Start(false)
	first := f.opener.stream(0)

	f.client.Restart()
	assert.True(t, first.isClosed())
	require.Equal(t, 2, f.opener.count())
	assert.Equal(t, Connected, f.client.State())

	// the old connection's close must not schedule anything
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, Connected, f.client.State())
	assert.Zero(t, f.noticeCount())
}

func TestStopCancelsReconnect(t *testing.T) {
	f := newFixture(t)
	f.client.Start(false)
	f.opener.stream(0).errs <- &fhemsync.CloseError{Code: 1006, Reason: "abnormal"}
	require.Eventually(t, func() bool { return f.client.State() == Backoff }, time.Second, 5*time.Millisecond)

	f.client.Stop()
	assert.False(t, f.client.Enabled())
	assert.Equal(t, Disconnected, f.client.State())
	assert.Zero(t, f.clock.Pending())

	f.client.Restart()
	assert.Equal(t, 1, f.opener.count(), "restart is a no-op while disabled")
}

func TestStartSkipsPendingBackoffWhenImmediate(t *testing.T) {
	f := newFixture(t)
	f.client.Start(false)
	f.opener.stream(0).errs <- &fhemsync.CloseError{Code: 1006, Reason: "abnormal"}
	require.Eventually(t, func() bool { return f.client.State() == Backoff }, time.Second, 5*time.Millisecond)

	f.client.Start(false)
	assert.Equal(t, 1, f.opener.count())
	f.client.Start(true)
	assert.Equal(t, 2, f.opener.count())
	assert.Zero(t, f.clock.Pending())
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	f := newFixture(t)
	f.opener.err = fhemsync.ErrAccessDenied
	f.client.Start(false)

	assert.Equal(t, Backoff, f.client.State())
	assert.Equal(t, 1, f.clock.Pending())

	f.opener.mu.Lock()
	f.opener.err = nil
	f.opener.mu.Unlock()
	f.clock.Advance(10 * time.Second)
	assert.Equal(t, Connected, f.client.State())
}
