package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/fhemsync"
)

func TestStreamURL(t *testing.T) {
	u, _ := url.Parse("https://fhem.local:8083/fhem/")
	s := NewStreamAdapter(StreamOptions{BaseURL: u, Logger: zerolog.Nop()})
	s.now = func() time.Time { return time.UnixMilli(1700000000500) }

	got := s.StreamURL("lamp1,lamp2, STATE pct", time.UnixMilli(1700000000000))
	assert.True(t, strings.HasPrefix(got, "wss://fhem.local:8083/fhem/?XHR=1&inform="), got)
	assert.True(t, strings.HasSuffix(got, "&timestamp=1700000000500"), got)

	parsed, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "type=status;filter=lamp1,lamp2, STATE pct;since=1700000000000;fmt=JSON", parsed.Query().Get("inform"))
}

func TestOpenStreamReadAndClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Basic dXNlcjpwYXNz" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Contains(t, r.URL.Query().Get("inform"), "filter=lamp1, STATE")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte("[\"lamp1\",\"on\",\"<b>on</b>\"]\n"))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	ad, err := NewFHEMWebAdapter(FHEMWebOptions{
		BaseURL: srv.URL + "/fhem/",
		Auth:    fhemsync.BasicAuth{Username: "user", Password: "pass"},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	st, err := ad.OpenStream(context.Background(), "lamp1, STATE", time.Now())
	require.NoError(t, err)
	defer st.Close()
	assert.NotEmpty(t, st.ID())

	data, err := st.Read()
	require.NoError(t, err)
	assert.Equal(t, "[\"lamp1\",\"on\",\"<b>on</b>\"]\n", string(data))

	_, err = st.Read()
	ce := fhemsync.AsCloseError(err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, CloseReason(websocket.CloseGoingAway), ce.Reason)
	assert.ErrorIs(t, err, fhemsync.ErrStreamClosed)
}

func TestOpenStreamDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	ad, err := NewFHEMWebAdapter(FHEMWebOptions{BaseURL: srv.URL, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = ad.OpenStream(context.Background(), ".*, ", time.Now())
	assert.ErrorIs(t, err, fhemsync.ErrAccessDenied)
}

func TestCloseReason(t *testing.T) {
	assert.Contains(t, CloseReason(1000), "Normal closure")
	assert.Contains(t, CloseReason(1006), "abnormally")
	assert.Contains(t, CloseReason(1015), "TLS handshake")
	assert.Equal(t, "Unknown reason", CloseReason(4000))
}
