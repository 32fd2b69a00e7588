package fhemsync

import (
	"regexp"
	"strings"
)

var deviceReadingRe = regexp.MustCompile(`^([^-:]+)[-:](.*)$`)

// ParseIdentity splits a raw "device-field" or "device:field" string. A raw
// string without a separator names the device's STATE field. The second return
// is false when raw is empty.
func ParseIdentity(raw string) (Subscription, bool) {
	if raw == "" {
		return Subscription{}, false
	}
	device, field := raw, StateField
	if m := deviceReadingRe.FindStringSubmatch(raw); m != nil {
		device, field = m[1], m[2]
	}
	return Subscription{ID: IdentityOf(device, field), Device: device, Field: field}, true
}

// IdentityOf derives the identity for a device and field.
func IdentityOf(device, field string) Identity {
	if field == StateField {
		return Identity(device)
	}
	return Identity(device + "-" + field)
}

var webInternalRe = regexp.MustCompile(`WEB_\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}_\d{5}`)

// IsInfrastructure reports whether s names (or mentions) one of FHEMWEB's
// per-connection pseudo-devices, which never carry widget data.
func IsInfrastructure(s string) bool {
	return strings.Contains(s, "FHEMWEB") && webInternalRe.MatchString(s)
}
