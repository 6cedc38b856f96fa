// Package pgpvalidator checks whether a byte sequence is a well-formed
// OpenPGP-encrypted envelope under a strict subset of RFC 4880: new-format
// packet tags only, session-key packets (PKESK/SKESK) followed by exactly
// one Symmetrically Encrypted and Integrity Protected Data packet (SEIPD)
// as the last packet in the stream. It does not decrypt or verify anything;
// it only validates packet framing.
package pgpvalidator

import (
	"encoding/base64"
	"strings"
)

// OpenPGP packet type IDs relevant to this validator.
const (
	packetPKESK = 1
	packetSKESK = 3
	packetSEIPD = 18
)

const (
	beginMarker = "-----BEGIN PGP MESSAGE-----"
	endMarker   = "-----END PGP MESSAGE-----"
	versionHdr  = "Version: "
)

// CheckOpenPGPPayload reports whether payload is a legal sequence of
// new-format OpenPGP packets, where every non-last packet is a PKESK or
// SKESK and the last packet (ending exactly at the end of payload) is a
// SEIPD packet. Any truncation, overrun, or old-format packet tag is a
// rejection.
func CheckOpenPGPPayload(payload []byte) bool {
	i := 0
	n := len(payload)

	for i < n {
		// New-format packets only: both high bits of the tag octet set.
		if payload[i]&0xC0 != 0xC0 {
			return false
		}
		packetType := payload[i] & 0x3F
		i++
		if i >= n {
			return false
		}

		// Partial body lengths: first octet in [224, 255). Skip the
		// indicated chunk and read the next length octet, repeating as
		// long as partial lengths continue.
		for payload[i] >= 224 && payload[i] < 255 {
			partialLen := 1 << (payload[i] & 0x1F)
			i += 1 + partialLen
			if i >= n {
				return false
			}
		}

		var bodyLen int
		switch {
		case payload[i] < 192:
			// One-octet length.
			bodyLen = int(payload[i])
			i++
		case payload[i] < 224:
			// Two-octet length.
			if i+1 >= n {
				return false
			}
			bodyLen = ((int(payload[i]) - 192) << 8) + int(payload[i+1]) + 192
			i += 2
		case payload[i] == 255:
			// Five-octet length.
			if i+4 >= n {
				return false
			}
			bodyLen = (int(payload[i+1]) << 24) | (int(payload[i+2]) << 16) |
				(int(payload[i+3]) << 8) | int(payload[i+4])
			i += 5
		default:
			// Unreachable: partial lengths were handled above.
			return false
		}

		i += bodyLen

		switch {
		case i == n:
			// Last packet must be SEIPD.
			return packetType == packetSEIPD
		case i > n:
			return false
		case packetType != packetPKESK && packetType != packetSKESK:
			return false
		}
	}

	return false
}

// CheckArmoredPayload reports whether payload is well-formed ASCII-armored
// text enclosing an OpenPGP message meeting CheckOpenPGPPayload. outgoing
// controls whether a "Version: " armor header is permitted (disallowed
// outgoing, stripped incoming).
func CheckArmoredPayload(payload string, outgoing bool) bool {
	start := strings.Index(payload, beginMarker)
	if start < 0 {
		return false
	}
	rest := payload[start+len(beginMarker):]
	rest = strings.TrimLeft(rest, " \t\r\n\v\f")

	end := strings.Index(rest, endMarker)
	if end < 0 {
		return false
	}
	rest = rest[:end]

	if strings.HasPrefix(rest, versionHdr) {
		if outgoing {
			return false
		}
		idx := strings.Index(rest, "\r\n")
		if idx < 0 {
			return false
		}
		rest = rest[idx+2:]
	}

	for strings.HasPrefix(rest, "\r\n") {
		rest = rest[2:]
	}

	// Strip the ASCII-armor CRC24 checksum suffix (everything from the
	// last '=' onward), without validating it.
	if idx := strings.LastIndex(rest, "="); idx >= 0 {
		rest = rest[:idx]
	}

	rest = stripWhitespace(rest)

	decoded, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return false
	}

	return CheckOpenPGPPayload(decoded)
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n', '\v', '\f':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
