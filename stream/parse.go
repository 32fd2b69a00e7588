package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stepherg/fhemsync"
)

// ErrMalformedLine is returned for a line that looks like an event but does
// not decode as [key, value, html].
var ErrMalformedLine = errors.New("malformed stream line")

// timestampSuffix marks the companion line carrying a reading's new time.
const timestampSuffix = "-ts"

// ParseLine decodes one inform line. ok is false for lines that carry no
// event: blank lines, partial lines and lines about FHEMWEB's own
// connections.
func ParseLine(line string) (ev fhemsync.Event, ok bool, err error) {
	line = strings.TrimRight(line, "\r")
	if line == "" || !strings.HasSuffix(line, "]") || fhemsync.IsInfrastructure(line) {
		return fhemsync.Event{}, false, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(line), &parts); err != nil {
		return fhemsync.Event{}, false, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if len(parts) < 3 {
		return fhemsync.Event{}, false, fmt.Errorf("%w: %d elements", ErrMalformedLine, len(parts))
	}
	key, okKey := fhemsync.ScalarString(parts[0])
	value, okValue := fhemsync.ScalarString(parts[1])
	html, okHTML := fhemsync.ScalarString(parts[2])
	if !okKey || !okValue || !okHTML || key == "" || key == timestampSuffix {
		return fhemsync.Event{}, false, fmt.Errorf("%w: %s", ErrMalformedLine, line)
	}

	ev = fhemsync.Event{ID: fhemsync.Identity(key), Value: value, HTML: html}
	switch {
	case strings.HasSuffix(key, timestampSuffix):
		ev.ID = fhemsync.Identity(strings.TrimSuffix(key, timestampSuffix))
		ev.Kind = fhemsync.UpdateTimestamp
	case value != html:
		ev.Kind = fhemsync.UpdateState
	case value == "":
		ev.Kind = fhemsync.UpdateTrigger
	default:
		ev.Kind = fhemsync.UpdateValue
	}
	return ev, true, nil
}
