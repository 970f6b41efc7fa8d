// Package sanitize cleans message bodies before they reach persistence.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxLength is the largest accepted body, counted in runes.
const DefaultMaxLength = 5000

var (
	scriptBlock  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	jsProtocol   = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandler = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// Sanitize trims, bounds and strips unsafe markup from a raw body. It is a
// pure function: the same input always yields the same output.
//
// Rejections wrap types.ErrValidation. A body that is non-empty before
// stripping but empty afterwards is rejected as empty.
func Sanitize(raw string, maxLength int) (string, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return "", ErrEmptyBody
	}
	if n := utf8.RuneCountInString(body); n > maxLength {
		return "", fmt.Errorf("%w (%d > %d)", ErrBodyTooLong, n, maxLength)
	}

	// Removing one pattern can splice together another, so strip until
	// nothing changes. Every pass shrinks the body or ends the loop.
	for {
		cleaned := strip(body)
		if cleaned == body {
			break
		}
		body = cleaned
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	return body, nil
}

func strip(body string) string {
	body = scriptBlock.ReplaceAllString(body, "")
	body = jsProtocol.ReplaceAllString(body, "")
	body = eventHandler.ReplaceAllString(body, "")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '<' || r == '>':
			return -1
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, body)
}

// Sanitizer applies Sanitize with a fixed limit and, when configured,
// censors words with a Moderator afterwards.
type Sanitizer struct {
	maxLength int
	moderator *Moderator
}

// New returns a Sanitizer. moderator may be nil.
func New(maxLength int, moderator *Moderator) *Sanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Sanitizer{maxLength: maxLength, moderator: moderator}
}

// Sanitize cleans raw and censors it if a moderator is set.
func (s *Sanitizer) Sanitize(raw string) (string, error) {
	body, err := Sanitize(raw, s.maxLength)
	if err != nil {
		return "", err
	}
	if s.moderator != nil {
		body = s.moderator.Censor(body)
	}
	return body, nil
}

// MaxLength is the rune limit in effect.
func (s *Sanitizer) MaxLength() int {
	return s.maxLength
}
