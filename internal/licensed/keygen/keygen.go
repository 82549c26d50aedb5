package keygen

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

const (
	// DefaultPrefix is prepended to every license key.
	DefaultPrefix = "CK"
	// DefaultEmailDomain is the domain of generated display emails.
	DefaultEmailDomain = "ll222.com"

	// keyAlphabet omits visually ambiguous characters (0/O, 1/I).
	// len must divide 256 to keep byte%len unbiased.
	keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	keyGroups     = 3
	keyGroupLen   = 4
	emailLocalLen = 4
)

// Generator produces license keys and display emails.
type Generator struct {
	Prefix      string
	EmailDomain string
	Rand        io.Reader
}

// New returns a Generator using crypto/rand. Empty arguments fall back to the defaults.
func New(prefix, emailDomain string) *Generator {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	emailDomain = strings.TrimSpace(emailDomain)
	if emailDomain == "" {
		emailDomain = DefaultEmailDomain
	}
	return &Generator{Prefix: prefix, EmailDomain: emailDomain, Rand: rand.Reader}
}

func (g *Generator) reader() io.Reader {
	if g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}

// LicenseKey returns a key of the form PREFIX-XXXX-XXXX-XXXX.
func (g *Generator) LicenseKey() (string, error) {
	b := make([]byte, keyGroups*keyGroupLen)
	if _, err := io.ReadFull(g.reader(), b); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(g.Prefix)
	for i, v := range b {
		if i%keyGroupLen == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(keyAlphabet[int(v)%len(keyAlphabet)])
	}
	return sb.String(), nil
}

// DisplayEmail returns a random lowercase local part at the configured domain.
// The address is cosmetic and carries no authentication meaning.
func (g *Generator) DisplayEmail() (string, error) {
	b := make([]byte, emailLocalLen)
	if _, err := io.ReadFull(g.reader(), b); err != nil {
		return "", fmt.Errorf("generate display email: %w", err)
	}
	var sb strings.Builder
	for _, v := range b {
		sb.WriteByte('a' + v%26)
	}
	sb.WriteByte('@')
	sb.WriteString(g.EmailDomain)
	return sb.String(), nil
}

// KeyPrefix returns the prefix and first group of a key (e.g. "CK-ABCD"),
// safe to show in receipts and logs.
func KeyPrefix(key string) string {
	first := strings.IndexByte(key, '-')
	if first < 0 {
		return key
	}
	second := strings.IndexByte(key[first+1:], '-')
	if second < 0 {
		return key
	}
	return key[:first+1+second]
}
