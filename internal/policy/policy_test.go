package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/themadorg/madfilter/internal/config"
	"github.com/themadorg/madfilter/internal/mimeclassifier"
)

func mkdirAndMarker(userDir string) error {
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(userDir, "enforceE2EEincoming"), nil, 0o644)
}

func parse(t *testing.T, raw string) *mimeclassifier.Message {
	t.Helper()
	msg, err := mimeclassifier.ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	return msg
}

func TestDecideOutgoing_UnencryptedRejected(t *testing.T) {
	msg := parse(t, "Subject: hi\r\n\r\nhello\r\n")
	cfg := &config.Config{}

	accept, reject := Decide(msg, "a@dom", []string{"x@other"}, cfg, Outgoing)
	if accept {
		t.Fatal("unencrypted outgoing mail to an outside recipient must be rejected")
	}
	if reject != rejectEncryptionNeeded {
		t.Fatalf("unexpected reject line: %q", reject)
	}
}

func TestDecideOutgoing_FromMismatch(t *testing.T) {
	msg := parse(t, "From: Other Name <other@dom>\r\n\r\nhello\r\n")
	cfg := &config.Config{}

	accept, reject := Decide(msg, "a@dom", []string{"x@other"}, cfg, Outgoing)
	if accept {
		t.Fatal("a From header that disagrees with the envelope sender must be rejected")
	}
	want := "500 Invalid FROM <other@dom> for <a@dom>"
	if reject != want {
		t.Fatalf("reject = %q, want %q", reject, want)
	}
}

func TestDecideOutgoing_UnparseableFromSkipsMismatchCheck(t *testing.T) {
	msg := parse(t, "From: undisclosed-recipients:;\r\n\r\nhello\r\n")
	cfg := &config.Config{PassthroughSenders: []string{"a@dom"}}

	accept, _ := Decide(msg, "a@dom", []string{"x@other"}, cfg, Outgoing)
	if !accept {
		t.Fatal("an unparseable From header must not itself cause rejection; it should fall through to the rest of the policy")
	}
}

func TestDecideOutgoing_PassthroughSender(t *testing.T) {
	msg := parse(t, "Subject: hi\r\n\r\nhello\r\n")
	cfg := &config.Config{PassthroughSenders: []string{"a@dom"}}

	accept, _ := Decide(msg, "a@dom", []string{"x@other"}, cfg, Outgoing)
	if !accept {
		t.Fatal("a passthrough sender's mail must be accepted unencrypted")
	}
}

func TestDecideOutgoing_PassthroughRecipientDomain(t *testing.T) {
	msg := parse(t, "Subject: hi\r\n\r\nhello\r\n")
	cfg := &config.Config{PassthroughRecipients: []string{"@other"}}

	accept, _ := Decide(msg, "a@dom", []string{"x@other"}, cfg, Outgoing)
	if !accept {
		t.Fatal("a recipient matching an @domain passthrough pattern must be accepted unencrypted")
	}
}

func TestDecideOutgoing_PassthroughRecipientMatchIsCaseSensitive(t *testing.T) {
	msg := parse(t, "Subject: hi\r\n\r\nhello\r\n")
	cfg := &config.Config{PassthroughRecipients: []string{"@other"}}

	accept, _ := Decide(msg, "a@dom", []string{"x@Other"}, cfg, Outgoing)
	if accept {
		t.Fatal("passthrough recipient matching must be case-sensitive; a case-differing recipient must be rejected")
	}
}

func TestDecideOutgoing_SelfSentAutocryptSetup(t *testing.T) {
	raw := "Subject: Autocrypt Setup Message\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
		"\r\n--b1--\r\n"
	msg := parse(t, raw)
	cfg := &config.Config{}

	accept, _ := Decide(msg, "a@dom", []string{"a@dom"}, cfg, Outgoing)
	if !accept {
		t.Fatal("a self-sent Autocrypt Setup Message must be accepted")
	}
}

func TestDecideOutgoing_AutocryptSetupToOthersNotExempt(t *testing.T) {
	raw := "Subject: Autocrypt Setup Message\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
		"\r\n--b1--\r\n"
	msg := parse(t, raw)
	cfg := &config.Config{}

	accept, _ := Decide(msg, "a@dom", []string{"someone-else@dom"}, cfg, Outgoing)
	if accept {
		t.Fatal("an Autocrypt Setup Message sent to someone else is not exempt")
	}
}

func TestDecideIncoming_MailerDaemonBounce(t *testing.T) {
	raw := "From: mailer-daemon@somemta\r\n" +
		"Auto-Submitted: auto-replied\r\n" +
		"Content-Type: multipart/report; boundary=\"b1\"\r\n" +
		"\r\n--b1--\r\n"
	msg := parse(t, raw)
	cfg := &config.Config{MailboxesDir: t.TempDir()}

	accept, _ := Decide(msg, "somemta", []string{"u@dom"}, cfg, Incoming)
	if !accept {
		t.Fatal("a mailer-daemon bounce must be accepted regardless of the opt-in marker")
	}
}

func TestDecideIncoming_CleartextAllowedByDefault(t *testing.T) {
	msg := parse(t, "Subject: hi\r\n\r\nhello\r\n")
	cfg := &config.Config{MailboxesDir: t.TempDir()}

	accept, _ := Decide(msg, "outside@world", []string{"u@dom"}, cfg, Incoming)
	if !accept {
		t.Fatal("cleartext incoming mail must be accepted when no opt-in marker exists")
	}
}

func TestDecideIncoming_RejectsWhenMarkerPresent(t *testing.T) {
	msg := parse(t, "Subject: hi\r\n\r\nhello\r\n")
	dir := t.TempDir()
	cfg := &config.Config{MailboxesDir: dir}

	mk := dir + "/u@dom"
	if err := mkdirAndMarker(mk); err != nil {
		t.Fatalf("setting up marker: %v", err)
	}

	accept, reject := Decide(msg, "outside@world", []string{"u@dom"}, cfg, Incoming)
	if accept {
		t.Fatal("cleartext mail to a recipient with the opt-in marker must be rejected")
	}
	if reject != rejectEncryptionNeeded {
		t.Fatalf("unexpected reject line: %q", reject)
	}
}
