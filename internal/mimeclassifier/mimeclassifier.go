// Package mimeclassifier decides whether a parsed MIME message is a valid
// OpenPGP/MIME encrypted envelope, or a valid Secure-Join handshake. Both
// predicates walk the part tree; neither mutates it.
package mimeclassifier

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/textproto"

	"github.com/themadorg/madfilter/internal/pgpvalidator"
)

// Message is a parsed top-level MIME message: header plus raw, unparsed
// body bytes.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// ParseMessage splits raw into a header and body. It does not decode or
// validate the body; that happens lazily in IsEncrypted/IsSecureJoin.
func ParseMessage(raw []byte) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	return &Message{Header: header, Body: body}, nil
}

type part struct {
	contentType string
	body        []byte
}

// nonMultipartParts returns every non-multipart descendant part of a body
// with the given Content-Type, in document order. A body whose Content-Type
// is absent or unparseable, or is not itself multipart/*, is a single leaf
// part.
func nonMultipartParts(contentType string, body []byte) ([]part, error) {
	mediatype, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediatype, "multipart/") {
		return []part{{contentType: contentType, body: body}}, nil
	}

	mpr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	var parts []part
	for {
		p, err := mpr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		partBody, err := io.ReadAll(p)
		if err != nil {
			return nil, err
		}
		sub, err := nonMultipartParts(p.Header.Get("Content-Type"), partBody)
		if err != nil {
			return nil, err
		}
		parts = append(parts, sub...)
	}
	return parts, nil
}

// IsEncrypted reports whether m is a well-formed multipart/encrypted
// OpenPGP envelope: exactly two non-multipart descendant parts, the first
// application/pgp-encrypted with body "Version: 1", the second
// application/octet-stream whose body passes the armored-payload check.
func (m *Message) IsEncrypted(outgoing bool) bool {
	contentType := m.Header.Get("Content-Type")
	mediatype, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediatype != "multipart/encrypted" {
		return false
	}

	parts, err := nonMultipartParts(contentType, m.Body)
	if err != nil || len(parts) != 2 {
		return false
	}
	control, payload := parts[0], parts[1]

	controlType, _, err := mime.ParseMediaType(control.contentType)
	if err != nil || controlType != "application/pgp-encrypted" {
		return false
	}
	if utf8.Valid(control.body) && strings.TrimSpace(string(control.body)) != "Version: 1" {
		return false
	}

	payloadType, _, err := mime.ParseMediaType(payload.contentType)
	if err != nil || payloadType != "application/octet-stream" {
		return false
	}
	if !utf8.Valid(payload.body) {
		return false
	}
	return pgpvalidator.CheckArmoredPayload(string(payload.body), outgoing)
}

// IsSecureJoin reports whether m is a Secure-Join handshake message: a
// Secure-Join header of exactly "vc-request" or "vg-request", exactly one
// non-multipart descendant part, that part being text/plain whose trimmed,
// lowercased body is "secure-join: vc-request" or "secure-join: vg-request".
func (m *Message) IsSecureJoin() bool {
	sj := m.Header.Get("Secure-Join")
	if sj != "vc-request" && sj != "vg-request" {
		return false
	}

	contentType := m.Header.Get("Content-Type")
	parts, err := nonMultipartParts(contentType, m.Body)
	if err != nil || len(parts) != 1 {
		return false
	}
	p := parts[0]

	partType, _, err := mime.ParseMediaType(p.contentType)
	if err != nil || partType != "text/plain" {
		return false
	}

	text := strings.ToLower(strings.TrimSpace(string(p.body)))
	return text == "secure-join: vc-request" || text == "secure-join: vg-request"
}
