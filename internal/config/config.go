// Package config loads the filter's INI configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

const section = "params"

const (
	defaultMaxUserSendPerMinute = 60
	defaultMaxMessageSize       = 31457280
)

// Config is the immutable-after-load configuration recognized under the
// [params] section.
type Config struct {
	MailDomain            string
	MaxUserSendPerMinute  uint
	MaxMessageSize        uint
	PassthroughSenders    []string
	PassthroughRecipients []string
	FiltermailSMTPPort    uint16
	FiltermailSMTPPortIn  uint16
	PostfixReinjectPort   uint16
	PostfixReinjectPortIn uint16
	MailboxesDir          string
}

// Load reads and validates the INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load ini: %w", err)
	}
	sec := f.Section(section)

	mailDomain := sec.Key("mail_domain").String()
	if mailDomain == "" {
		return nil, fmt.Errorf("mail_domain not found")
	}

	maxSend := sec.Key("max_user_send_per_minute").MustUint(defaultMaxUserSendPerMinute)
	maxSize := sec.Key("max_message_size").MustUint(defaultMaxMessageSize)

	smtpPort, err := requiredPort(sec, "filtermail_smtp_port")
	if err != nil {
		return nil, err
	}
	smtpPortIn, err := requiredPort(sec, "filtermail_smtp_port_incoming")
	if err != nil {
		return nil, err
	}
	reinjectPort, err := requiredPort(sec, "postfix_reinject_port")
	if err != nil {
		return nil, err
	}
	reinjectPortIn, err := requiredPort(sec, "postfix_reinject_port_incoming")
	if err != nil {
		return nil, err
	}

	mailboxesDir := sec.Key("mailboxes_dir").String()
	if mailboxesDir == "" {
		mailboxesDir = filepath.Join("/home/vmail/mail", mailDomain)
	}

	return &Config{
		MailDomain:            mailDomain,
		MaxUserSendPerMinute:  maxSend,
		MaxMessageSize:        maxSize,
		PassthroughSenders:    splitList(sec.Key("passthrough_senders").String()),
		PassthroughRecipients: splitList(sec.Key("passthrough_recipients").String()),
		FiltermailSMTPPort:    uint16(smtpPort),
		FiltermailSMTPPortIn:  uint16(smtpPortIn),
		PostfixReinjectPort:   uint16(reinjectPort),
		PostfixReinjectPortIn: uint16(reinjectPortIn),
		MailboxesDir:          mailboxesDir,
	}, nil
}

func requiredPort(sec *ini.Section, key string) (uint, error) {
	k := sec.Key(key)
	if k.String() == "" {
		return 0, fmt.Errorf("%s not found", key)
	}
	v, err := k.Uint()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v > 65535 {
		return 0, fmt.Errorf("%s: %d is not a valid port", key, v)
	}
	return v, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}

// IncomingCleartextAllowed reports whether addr has not opted into
// enforced incoming encryption, i.e. whether the marker file
// <MailboxesDir>/<addr>/enforceE2EEincoming is absent.
func (c *Config) IncomingCleartextAllowed(addr string) bool {
	markerPath := filepath.Join(c.MailboxesDir, addr, "enforceE2EEincoming")
	_, err := os.Stat(markerPath)
	return os.IsNotExist(err)
}
