package fhemsync

import (
	"encoding/base64"
	"time"
)

// AuthStrategy acquires an authorization header value (e.g., "Basic ...").
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified header value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

// BasicAuth passes FHEMWEB credentials through as HTTP basic auth.
type BasicAuth struct {
	Username string
	Password string
}

func (b BasicAuth) AuthorizationValue() (string, error) {
	if b.Username == "" {
		return "", nil
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(b.Username+":"+b.Password)), nil
}

// Options configures a synchronization session.
type Options struct {
	BaseURL string // FHEMWEB url, e.g. http://fhem:8083/fhem/
	Auth    AuthStrategy

	Snapshot   SnapshotConfig
	Stream     StreamConfig
	Supervisor SupervisorConfig

	// Toast limits user-visible notices: 0 disables them, n allows a burst of n.
	Toast int
}

type SnapshotConfig struct {
	Interval           time.Duration // streaming disabled
	IntervalWithStream time.Duration
	InitialDelay       time.Duration // first cycle after start
	OnlineDelay        time.Duration // first cycle after coming online
	Filter             string        // overrides the computed filter
}

type StreamConfig struct {
	Enabled        bool
	Filter         string // overrides the computed filter
	MaxAge         time.Duration
	ReconnectDelay time.Duration
}

type SupervisorConfig struct {
	HealthPeriod      time.Duration
	OnlineMinInterval time.Duration
	VisibilitySettle  time.Duration
}

// DefaultOptions gives the defaults FHEM tablet pages use.
func DefaultOptions() Options {
	return Options{
		BaseURL: "http://localhost:8083/fhem/",
		Snapshot: SnapshotConfig{
			Interval:           30 * time.Second,
			IntervalWithStream: 15 * time.Minute,
			InitialDelay:       500 * time.Millisecond,
			OnlineDelay:        time.Second,
		},
		Stream: StreamConfig{
			Enabled:        true,
			MaxAge:         240 * time.Second,
			ReconnectDelay: 10 * time.Second,
		},
		Supervisor: SupervisorConfig{
			HealthPeriod:      60 * time.Second,
			OnlineMinInterval: 60 * time.Second,
			VisibilitySettle:  3 * time.Second,
		},
		Toast: 5,
	}
}
