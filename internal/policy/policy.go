// Package policy combines mode, headers, addresses, the MIME classifier's
// verdict, and configuration into an accept/reject-with-code decision for
// one SMTP transaction.
package policy

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/themadorg/madfilter/internal/config"
	"github.com/themadorg/madfilter/internal/mimeclassifier"
)

// Mode is which direction of traffic a proxy instance enforces policy for.
type Mode int

const (
	// Outgoing is user -> world.
	Outgoing Mode = iota
	// Incoming is world -> user.
	Incoming
)

// rejectEncryptionNeeded is the literal SMTP reply line (without trailing
// CRLF) an encryption-policy rejection is answered with.
const (
	rejectEncryptionNeeded = "523 Encryption Needed: Invalid Unencrypted Mail"
)

// Decide evaluates msg against mailFrom/rcptTos under config and mode. It
// returns (true, "") to accept; on rejection it returns false and the
// literal SMTP reply line to answer the transaction with.
func Decide(msg *mimeclassifier.Message, mailFrom string, rcptTos []string, cfg *config.Config, mode Mode) (accept bool, rejectLine string) {
	if mode == Outgoing {
		return decideOutgoing(msg, mailFrom, rcptTos, cfg)
	}
	return decideIncoming(msg, mailFrom, rcptTos, cfg)
}

func decideOutgoing(msg *mimeclassifier.Message, mailFrom string, rcptTos []string, cfg *config.Config) (bool, string) {
	if fromAddr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		if !strings.EqualFold(fromAddr.Address, mailFrom) {
			return false, fmt.Sprintf("500 Invalid FROM <%s> for <%s>", fromAddr.Address, mailFrom)
		}
	}

	if msg.IsEncrypted(true) || msg.IsSecureJoin() {
		return true, ""
	}

	for _, s := range cfg.PassthroughSenders {
		if s == mailFrom {
			return true, ""
		}
	}

	if isSelfSentAutocryptSetup(msg, mailFrom, rcptTos) {
		return true, ""
	}

	for _, rcpt := range rcptTos {
		if !recipientMatchesPassthrough(rcpt, cfg.PassthroughRecipients) {
			return false, rejectEncryptionNeeded
		}
	}

	return true, ""
}

func decideIncoming(msg *mimeclassifier.Message, mailFrom string, rcptTos []string, cfg *config.Config) (bool, string) {
	if msg.IsEncrypted(false) || msg.IsSecureJoin() {
		return true, ""
	}

	if isMailerDaemonBounce(msg) {
		return true, ""
	}

	for _, rcpt := range rcptTos {
		if cfg.IncomingCleartextAllowed(rcpt) {
			continue
		}
		return false, rejectEncryptionNeeded
	}

	return true, ""
}

func isSelfSentAutocryptSetup(msg *mimeclassifier.Message, mailFrom string, rcptTos []string) bool {
	if len(rcptTos) != 1 || !strings.EqualFold(rcptTos[0], mailFrom) {
		return false
	}
	if msg.Header.Get("Subject") != "Autocrypt Setup Message" {
		return false
	}
	return strings.HasPrefix(msg.Header.Get("Content-Type"), "multipart/mixed")
}

func isMailerDaemonBounce(msg *mimeclassifier.Message) bool {
	if msg.Header.Get("Auto-Submitted") == "" {
		return false
	}
	fromHdr := msg.Header.Get("From")
	addr, err := mail.ParseAddress(fromHdr)
	if err != nil || !strings.HasPrefix(strings.ToLower(addr.Address), "mailer-daemon@") {
		return false
	}
	return strings.HasPrefix(msg.Header.Get("Content-Type"), "multipart/report")
}

func recipientMatchesPassthrough(recipient string, patterns []string) bool {
	for _, p := range patterns {
		if recipient == p {
			return true
		}
		if strings.HasPrefix(p, "@") && strings.HasSuffix(recipient, p) {
			return true
		}
	}
	return false
}
