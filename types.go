package fhemsync

import (
	"context"
	"time"
)

// Identity is the canonical key for a device+field pair. The STATE field of a
// device is keyed by the bare device name; every other field is "device-field".
type Identity string

// StateField is the distinguished field whose identity is the device name.
const StateField = "STATE"

// TimeLayout is the timestamp format FHEM uses for reading times.
const TimeLayout = "2006-01-02 15:04:05"

// Subscription records which device and field an identity reads.
type Subscription struct {
	ID     Identity
	Device string
	Field  string
}

// Parameter is the last known state of one identity.
//
// Value and SourceTimestamp come from the server. LocalUpdateTime is the wall
// clock time the value was applied locally. Valid is cleared at the start of
// every snapshot cycle and set again when the snapshot (or a stream value
// update) confirms the parameter.
type Parameter struct {
	ID              Identity  `json:"id"`
	Value           string    `json:"value"`
	SourceTimestamp string    `json:"time"`
	LocalUpdateTime time.Time `json:"update"`
	Valid           bool      `json:"valid"`
}

// Filters are the server-side filters derived from the current subscriptions.
type Filters struct {
	Devices  []string
	Fields   []string
	Snapshot string // jsonlist2 device spec
	Stream   string // inform filter
}

// Snapshot is the decoded result of one bulk read.
type Snapshot struct {
	Results []DeviceRecord `json:"Results"`
}

// DeviceRecord is one device entry of a bulk read, with its three field groups.
type DeviceRecord struct {
	Name       string     `json:"Name"`
	Internals  FieldGroup `json:"Internals"`
	Attributes FieldGroup `json:"Attributes"`
	Readings   FieldGroup `json:"Readings"`
}

// Groups returns the field groups in reconciliation order.
func (d DeviceRecord) Groups() []FieldGroup {
	return []FieldGroup{d.Internals, d.Attributes, d.Readings}
}

// FieldValue is a reported value with its optional server timestamp.
type FieldValue struct {
	Name  string
	Value string
	Time  string
}

// UpdateKind classifies how an incremental event changes a parameter.
type UpdateKind int

const (
	// UpdateTimestamp changes only the source timestamp.
	UpdateTimestamp UpdateKind = iota
	// UpdateState changes the value and stamps the local time as source time.
	UpdateState
	// UpdateValue changes only the value.
	UpdateValue
	// UpdateTrigger changes nothing but still notifies observers.
	UpdateTrigger
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateTimestamp:
		return "timestamp"
	case UpdateState:
		return "state"
	case UpdateValue:
		return "value"
	case UpdateTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// Publishes reports whether an update of this kind notifies observers.
// Plain value updates are followed by a "-ts" companion line from the
// server, which carries the notification.
func (k UpdateKind) Publishes() bool {
	return k != UpdateValue
}

// Event is one parsed stream line.
type Event struct {
	ID    Identity
	Kind  UpdateKind
	Value string
	HTML  string
}

// Backend is the transport used by the synchronization engine.
type Backend interface {
	// BulkRead fetches a complete snapshot scoped to the snapshot filter.
	BulkRead(ctx context.Context, filter string) (*Snapshot, error)
	// OpenStream opens an incremental event stream for the stream filter,
	// replaying events newer than since.
	OpenStream(ctx context.Context, filter string, since time.Time) (Stream, error)
}

// Commander submits free-text command lines to the server.
type Commander interface {
	SendCommand(ctx context.Context, cmdline string) error
}

// Stream is one open event stream connection.
type Stream interface {
	// ID identifies this connection for matching close events.
	ID() string
	// Read blocks until the next message batch arrives. When the connection
	// ends it returns a *CloseError.
	Read() ([]byte, error)
	Close() error
}
