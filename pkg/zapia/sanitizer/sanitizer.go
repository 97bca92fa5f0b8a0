// Package sanitizer normalizes and redacts raw inbound text before it reaches
// the conversation store or the completion provider. Identifiers are reduced
// to a safe character set and message bodies are capped, stripped of control
// characters, and scrubbed of sensitive data (CPF, cards, PIX keys, tokens,
// passwords, and phone numbers).
package sanitizer

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageLength is the maximum number of characters kept from a message.
	MaxMessageLength = 10000

	// TruncatedSuffix is appended to messages cut at MaxMessageLength.
	TruncatedSuffix = "... (mensagem truncada por exceder o limite)"
)

var (
	// idDisallowed matches anything that cannot appear in a WhatsApp JID.
	idDisallowed = regexp.MustCompile(`[^a-zA-Z0-9@.\-]`)

	// nonPrintable matches characters outside letters, numbers, punctuation,
	// separators, and symbols. Newlines and tabs are preserved separately.
	nonPrintable = regexp.MustCompile(`[^\p{L}\p{M}\p{N}\p{P}\p{Z}\p{S}\n\t]`)
)

// redaction pairs a pattern with its replacement. Order matters: more
// specific patterns run first so their digits are gone before the broader
// phone pattern runs.
type redaction struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{
		name:        "cpf",
		pattern:     regexp.MustCompile(`\b\d{3}[.\-]?\d{3}[.\-]?\d{3}[.\-]?\d{2}\b`),
		replacement: "[CPF REMOVIDO]",
	},
	{
		name:        "card",
		pattern:     regexp.MustCompile(`\b(?:\d{4}[\- ]?){3}\d{4}\b`),
		replacement: "[CARTÃO REMOVIDO]",
	},
	{
		name:        "email",
		pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		replacement: "[CHAVE PIX REMOVIDA]",
	},
	{
		name:        "token",
		pattern:     regexp.MustCompile(`\b[A-Za-z0-9_\-]{20,}\b`),
		replacement: "[POSSÍVEL TOKEN REMOVIDO]",
	},
	{
		name:        "password",
		pattern:     regexp.MustCompile(`(?i)\b(senha|password|pwd|secret)\s*[:=]?\s*["']?[A-Za-z0-9!@#$%^&*()_+]{4,16}["']?`),
		replacement: "${1}: [SENHA REMOVIDA]",
	},
	{
		name:        "phone",
		pattern:     regexp.MustCompile(`\b(?:\+55\s?)?(?:\(?\d{2}\)?[\s\-]?)?\d{4,5}[\s\-]?\d{4}\b`),
		replacement: "[TELEFONE REMOVIDO]",
	},
}

// SanitizeID strips every character that is not valid in a WhatsApp JID.
// Returns an empty string when nothing usable is left.
func SanitizeID(id string) string {
	return idDisallowed.ReplaceAllString(id, "")
}

// SanitizeMessage caps the message length, removes non-printable characters,
// trims whitespace and redacts sensitive data.
func SanitizeMessage(text string) string {
	if text == "" {
		return ""
	}

	if utf8.RuneCountInString(text) > MaxMessageLength {
		runes := []rune(text)
		text = string(runes[:MaxMessageLength]) + TruncatedSuffix
	}

	text = nonPrintable.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	return RemoveSensitiveData(text)
}

// RemoveSensitiveData applies every redaction pattern in order.
func RemoveSensitiveData(text string) string {
	for _, r := range redactions {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

// UserPart returns the part of a JID before the "@" (the phone number for
// individual chats).
func UserPart(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}
