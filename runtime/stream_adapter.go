package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stepherg/fhemsync"
)

// StreamAdapter opens FHEMWEB inform websockets. Each connection carries a
// fresh id so a close event can be matched against the connection the
// stream client currently considers active.
type StreamAdapter struct {
	baseURL *url.URL
	auth    fhemsync.AuthStrategy
	dialer  *websocket.Dialer
	log     zerolog.Logger
	now     func() time.Time
}

// StreamOptions configures a StreamAdapter.
type StreamOptions struct {
	BaseURL *url.URL // http(s) FHEMWEB url; the scheme is switched to ws(s)
	Auth    fhemsync.AuthStrategy
	Dialer  *websocket.Dialer
	Logger  zerolog.Logger
}

func NewStreamAdapter(o StreamOptions) *StreamAdapter {
	d := o.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &StreamAdapter{baseURL: o.BaseURL, auth: o.Auth, dialer: d, log: o.Logger, now: time.Now}
}

// StreamURL builds the inform url for filter, replaying events since the
// given time.
func (s *StreamAdapter) StreamURL(filter string, since time.Time) string {
	u := *s.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	inform := fmt.Sprintf("type=status;filter=%s;since=%d;fmt=JSON", filter, since.UnixMilli())
	u.RawQuery = "XHR=1&inform=" + escape(inform) + "&timestamp=" + strconv.FormatInt(s.now().UnixMilli(), 10)
	return u.String()
}

func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// OpenStream dials the inform websocket.
func (s *StreamAdapter) OpenStream(ctx context.Context, filter string, since time.Time) (fhemsync.Stream, error) {
	target := s.StreamURL(filter, since)
	header := http.Header{}
	if s.auth != nil {
		if v, e := s.auth.AuthorizationValue(); e == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("dial stream: %w", fhemsync.ErrAccessDenied)
			case http.StatusNotFound:
				return nil, fmt.Errorf("dial stream: %w", fhemsync.ErrNotFound)
			}
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	id := uuid.NewString()
	s.log.Debug().Str("conn", id).Str("url", target).Msg("stream connected")
	return &wsStream{id: id, conn: conn}, nil
}

type wsStream struct {
	id   string
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func (w *wsStream) ID() string { return w.id }

// Read returns the next text message. Close frames and dead connections both
// surface as *fhemsync.CloseError; a dead connection without a close frame
// reports 1006 and wraps the transport error.
func (w *wsStream) Read() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &fhemsync.CloseError{Code: ce.Code, Reason: CloseReason(ce.Code)}
			}
			return nil, &TransportError{Err: err}
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsStream) Close() error {
	w.closeOnce.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// TransportError is a stream failure without a close handshake. The stream
// client treats it as an abnormal close.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "stream transport error: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }
