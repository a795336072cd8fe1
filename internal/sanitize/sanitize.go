// Package sanitize strips and escapes hostile input and flags injection patterns.
package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	UsernameMinLen = 3
	UsernameMaxLen = 50
)

// ErrSanitization marks input that cannot be made acceptable (bad email or username).
var ErrSanitization = errors.New("invalid input")

var (
	htmlTagRe      = regexp.MustCompile(`<[^>]*>`)
	scriptRe       = regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`)
	sqlKeywordRe   = regexp.MustCompile(`(?i)(union|select|insert|update|delete|drop|create|alter|exec|execute)`)
	emailRe        = regexp.MustCompile(`^[A-Za-z0-9+_.-]+@([A-Za-z0-9.-]+\.[A-Za-z]{2,})$`)
	usernameDropRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// Input removes script blocks, HTML tags and SQL keywords, then HTML-escapes what is left.
func Input(s string) string {
	out := scriptRe.ReplaceAllString(s, "")
	out = htmlTagRe.ReplaceAllString(out, "")
	out = sqlKeywordRe.ReplaceAllString(out, "")
	return strings.TrimSpace(escaper.Replace(out))
}

// ContainsInjectionPattern reports whether s contains a SQL keyword. Matching is by
// substring, so it is an audit signal rather than a blocking rule.
func ContainsInjectionPattern(s string) bool {
	return sqlKeywordRe.MatchString(s)
}

// ContainsScript reports whether s contains a complete script element.
func ContainsScript(s string) bool {
	return scriptRe.MatchString(s)
}

// ContainsHTML reports whether s contains anything shaped like a tag.
func ContainsHTML(s string) bool {
	return htmlTagRe.MatchString(s)
}

// Email sanitizes s and checks it is a plausible address.
func Email(s string) (string, error) {
	out := Input(s)
	if !emailRe.MatchString(out) {
		return "", fmt.Errorf("%w: invalid email format", ErrSanitization)
	}
	return out, nil
}

// Username keeps only letters, digits, '_' and '-' and enforces the length bounds.
func Username(s string) (string, error) {
	out := usernameDropRe.ReplaceAllString(s, "")
	if len(out) < UsernameMinLen || len(out) > UsernameMaxLen {
		return "", fmt.Errorf("%w: username must be between %d and %d characters", ErrSanitization, UsernameMinLen, UsernameMaxLen)
	}
	return out, nil
}
