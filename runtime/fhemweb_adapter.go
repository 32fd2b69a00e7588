package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/translate"
)

// CSRFHeader carries the session anti-forgery token in FHEMWEB responses.
const CSRFHeader = "X-FHEM-csrfToken"

// FHEMWebAdapter talks to a FHEMWEB instance: bulk reads and commands over
// HTTP, incremental events over the inform websocket.
type FHEMWebAdapter struct {
	client  *http.Client
	baseURL *url.URL
	auth    fhemsync.AuthStrategy
	stream  *StreamAdapter
	log     zerolog.Logger

	mu    sync.RWMutex
	token string
}

// FHEMWebOptions configures a new adapter.
type FHEMWebOptions struct {
	BaseURL        string
	Client         *http.Client
	Auth           fhemsync.AuthStrategy
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// NewFHEMWebAdapter builds a FHEMWebAdapter.
func NewFHEMWebAdapter(o FHEMWebOptions) (*FHEMWebAdapter, error) {
	if o.BaseURL == "" {
		return nil, errors.New("BaseURL required")
	}
	u, err := url.Parse(o.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	c := o.Client
	if c == nil {
		c = &http.Client{Timeout: func() time.Duration {
			if o.RequestTimeout > 0 {
				return o.RequestTimeout
			}
			return 15 * time.Second
		}()}
	}
	a := &FHEMWebAdapter{client: c, baseURL: u, auth: o.Auth, log: o.Logger}
	a.stream = NewStreamAdapter(StreamOptions{BaseURL: u, Auth: o.Auth, Logger: o.Logger})
	return a, nil
}

// Token returns the last fetched CSRF token.
func (a *FHEMWebAdapter) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// FetchToken asks FHEMWEB for the session CSRF token. FHEMWEB instances with
// csrf disabled send no header; that yields ErrNoToken and an empty token.
func (a *FHEMWebAdapter) FetchToken(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("XHR", "1")
	resp, _, err := a.get(ctx, q)
	if err != nil {
		return "", err
	}
	token := resp.Header.Get(CSRFHeader)
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	if token == "" {
		return "", fhemsync.ErrNoToken
	}
	a.log.Debug().Msg("got csrf token from FHEM")
	return token, nil
}

// BulkRead issues "jsonlist2 <filter>" and decodes the result.
func (a *FHEMWebAdapter) BulkRead(ctx context.Context, filter string) (*fhemsync.Snapshot, error) {
	cmd, err := translate.BuildList(filter)
	if err != nil {
		return nil, err
	}
	body, err := a.command(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var probe struct {
		Results *[]fhemsync.DeviceRecord `json:"Results"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", fhemsync.ErrMalformedSnapshot, err)
	}
	if probe.Results == nil {
		return nil, fmt.Errorf("%w: result is null", fhemsync.ErrMalformedSnapshot)
	}
	return &fhemsync.Snapshot{Results: *probe.Results}, nil
}

// SendCommand submits a free-text command line.
func (a *FHEMWebAdapter) SendCommand(ctx context.Context, cmdline string) error {
	if strings.TrimSpace(cmdline) == "" {
		return errors.New("empty command")
	}
	_, err := a.command(ctx, cmdline)
	return err
}

// OpenStream opens the inform websocket.
func (a *FHEMWebAdapter) OpenStream(ctx context.Context, filter string, since time.Time) (fhemsync.Stream, error) {
	return a.stream.OpenStream(ctx, filter, since)
}

func (a *FHEMWebAdapter) command(ctx context.Context, cmdline string) ([]byte, error) {
	q := url.Values{}
	q.Set("cmd", cmdline)
	q.Set("fwcsrf", a.Token())
	q.Set("XHR", "1")
	a.log.Debug().Str("cmd", cmdline).Msg("send to FHEM")
	_, body, err := a.get(ctx, q)
	return body, err
}

func (a *FHEMWebAdapter) get(ctx context.Context, q url.Values) (*http.Response, []byte, error) {
	u := *a.baseURL
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	if cmd := q.Get("cmd"); translate.IsList(cmd) {
		req.Header.Set("Accept", "application/json")
	}
	if a.auth != nil {
		if h, err := a.auth.AuthorizationValue(); err == nil && h != "" {
			req.Header.Set("Authorization", h)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, fhemsync.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, nil, fhemsync.ErrAccessDenied
	case resp.StatusCode >= 500:
		return nil, nil, fhemsync.ErrBackendUnavailable
	default:
		return nil, nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
