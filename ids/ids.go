// Package ids flags packet payloads that contain well known exploit markers.
// Detection is advisory, it never blocks a packet on its own.
package ids

import "strings"

type Signature struct {
	Name   string
	Marker string // lower case
}

// Signatures are checked in order, first match wins.
var Signatures = []Signature{
	{Name: "sqli", Marker: "union select"},
	{Name: "xss", Marker: "<script"},
	{Name: "shell", Marker: "/bin/sh"},
	{Name: "rce", Marker: "cmd.exe"},
}

// Scan returns the first signature found in the payload.
func Scan(payload string) (Signature, bool) {
	if payload == "" {
		return Signature{}, false
	}
	lower := strings.ToLower(payload)
	for _, sig := range Signatures {
		if strings.Contains(lower, sig.Marker) {
			return sig, true
		}
	}
	return Signature{}, false
}
