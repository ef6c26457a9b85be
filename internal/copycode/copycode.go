// Package copycode implements the scan-code grammar for physical copy stickers
// and the extraction of codes from scanned deep-link payloads.
package copycode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	// Prefix is the fixed prefix of every copy code.
	Prefix = "COPY-"

	// Alphabet is the character set for the random part of a code. Ambiguous
	// glyphs (0/O/I/1) are excluded so printed stickers stay unambiguous.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// randomLen is the number of alphabet characters after the prefix.
	randomLen = 6

	// deepLinkParam is the query parameter carrying the code in a scanned
	// deep-link URL.
	deepLinkParam = "startapp"
)

// ErrMalformedCode is returned when a scanned payload does not contain a
// well-formed copy code.
var ErrMalformedCode = errors.New("payload does not contain a valid copy code")

var codePattern = regexp.MustCompile(`^COPY-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{6}$`)

// Valid reports whether code matches the copy-code grammar exactly.
func Valid(code string) bool {
	return codePattern.MatchString(code)
}

// Extract pulls a copy code out of a scanned payload. Accepted shapes:
//
//   - a bare code: "COPY-ABCDEF"
//   - a deep-link URL whose query carries the code: "https://t.me/bot/app?startapp=COPY-ABCDEF"
//   - a bare key=value query fragment: "startapp=COPY-ABCDEF"
//
// Anything else, or an embedded value failing the grammar, yields ErrMalformedCode.
func Extract(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrMalformedCode
	}

	if Valid(payload) {
		return payload, nil
	}

	candidate := ""
	if strings.Contains(payload, "://") {
		u, err := url.Parse(payload)
		if err != nil {
			return "", ErrMalformedCode
		}
		candidate = u.Query().Get(deepLinkParam)
	} else if strings.Contains(payload, "=") {
		vals, err := url.ParseQuery(strings.TrimPrefix(payload, "?"))
		if err != nil {
			return "", ErrMalformedCode
		}
		candidate = vals.Get(deepLinkParam)
	}

	if !Valid(candidate) {
		return "", ErrMalformedCode
	}
	return candidate, nil
}

// Generate returns a fresh random copy code drawn from Alphabet.
// Uniqueness against already-assigned codes is not checked here; the copies
// primary key rejects reuse at insert time.
func Generate() (string, error) {
	buf := make([]byte, randomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate copy code: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(Prefix)
	for _, b := range buf {
		sb.WriteByte(Alphabet[int(b)%len(Alphabet)])
	}
	return sb.String(), nil
}
