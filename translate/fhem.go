// Package translate builds FHEM command lines.
package translate

import (
	"errors"
	"strings"

	"github.com/stepherg/fhemsync"
)

var (
	errEmptyFilter = errors.New("fhem: empty filter")
	errMissingVerb = errors.New("fhem: missing command")
)

// BuildList constructs the bulk read command for a snapshot filter.
func BuildList(filter string) (string, error) {
	if strings.TrimSpace(filter) == "" {
		return "", errEmptyFilter
	}
	return "jsonlist2 " + filter, nil
}

// IsList reports whether cmdline is a bulk read, which answers with JSON.
func IsList(cmdline string) bool {
	return strings.HasPrefix(cmdline, "jsonlist")
}

// BuildCommand joins a widget command line, e.g. "set lamp1 on" or
// "setreading lamp1 brightness 80". Empty parts are dropped.
func BuildCommand(verb string, parts ...string) (string, error) {
	if strings.TrimSpace(verb) == "" {
		return "", errMissingVerb
	}
	out := []string{verb}
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " "), nil
}

// BuildSet targets the device and field a raw reading identity names. A
// STATE reading becomes "set <device> <value>", any other field
// "set <device> <field> <value>".
func BuildSet(rawReading, value string) (string, error) {
	sub, ok := fhemsync.ParseIdentity(rawReading)
	if !ok {
		return "", fhemsync.ErrInvalidIdentity
	}
	if sub.Field == fhemsync.StateField {
		return BuildCommand("set", sub.Device, value)
	}
	return BuildCommand("set", sub.Device, sub.Field, value)
}
