package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/fhemsync"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		want fhemsync.Event
	}{
		{"timestamp", `["dev-ts","12:00:00","12:00:00"]`, fhemsync.Event{ID: "dev", Kind: fhemsync.UpdateTimestamp, Value: "12:00:00", HTML: "12:00:00"}},
		{"value", `["dev","21","21"]`, fhemsync.Event{ID: "dev", Kind: fhemsync.UpdateValue, Value: "21", HTML: "21"}},
		{"state", `["dev","on","<b>on</b>"]`, fhemsync.Event{ID: "dev", Kind: fhemsync.UpdateState, Value: "on", HTML: "<b>on</b>"}},
		{"trigger", `["dev-pct","",""]`, fhemsync.Event{ID: "dev-pct", Kind: fhemsync.UpdateTrigger}},
		{"reading timestamp", `["dev-pct-ts","2024-01-01 10:00:00","2024-01-01 10:00:00"]`, fhemsync.Event{ID: "dev-pct", Kind: fhemsync.UpdateTimestamp, Value: "2024-01-01 10:00:00", HTML: "2024-01-01 10:00:00"}},
		{"number", `["dev-temp",21.5,"21.5"]`, fhemsync.Event{ID: "dev-temp", Kind: fhemsync.UpdateValue, Value: "21.5", HTML: "21.5"}},
		{"carriage return", "[\"dev\",\"1\",\"1\"]\r", fhemsync.Event{ID: "dev", Kind: fhemsync.UpdateValue, Value: "1", HTML: "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok, err := ParseLine(tc.line)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.want, ev)
		})
	}
}

func TestParseLineIgnored(t *testing.T) {
	for _, line := range []string{
		"",
		`["dev","on"`,
		`["FHEMWEB_WEB_192.168.1.10_54321","Connected","Connected"]`,
		"   ",
	} {
		_, ok, err := ParseLine(line)
		assert.NoError(t, err, line)
		assert.False(t, ok, line)
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		`not json]`,
		`["dev","on"]`,
		`["","on","on"]`,
		`["-ts","x","x"]`,
		`[{"a":1},"on","on"]`,
	} {
		_, ok, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrMalformedLine, line)
		assert.False(t, ok, line)
	}
}
