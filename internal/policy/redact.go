package policy

import (
	"net/url"
	"sort"
	"strings"

	"github.com/samhotchkiss/threadmask/internal/models"
)

// Mask returns the supervisor-safe form of a single violation.
func Mask(v Violation) string {
	switch v.Type {
	case models.ViolationPhone:
		digits := make([]byte, 0, len(v.Match))
		for i := 0; i < len(v.Match); i++ {
			if isDigit(v.Match[i]) {
				digits = append(digits, v.Match[i])
			}
		}
		if len(digits) < 4 {
			return "***-***-****"
		}
		return "***-***-" + string(digits[len(digits)-4:])
	case models.ViolationEmail:
		if at := strings.LastIndex(v.Match, "@"); at >= 0 {
			return "***@" + v.Match[at+1:]
		}
		return "***@***"
	case models.ViolationURL:
		raw := v.Match
		if !strings.HasPrefix(strings.ToLower(raw), "http") {
			raw = "https://" + raw
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Hostname() == "" {
			return "***[URL]"
		}
		return "***" + parsed.Hostname()
	case models.ViolationSocial:
		return "[REDACTED]"
	}
	return "[REDACTED]"
}

// Redact replaces every violation span in body with its masked form.
// When spans from different detectors overlap, the earlier span wins.
func Redact(body string, violations []Violation) string {
	if len(violations) == 0 {
		return body
	}
	ordered := append([]Violation(nil), violations...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start < ordered[j].Start
	})

	var b strings.Builder
	cursor := 0
	for _, v := range ordered {
		if v.Start < cursor || v.End > len(body) || v.Start >= v.End {
			continue
		}
		b.WriteString(body[cursor:v.Start])
		b.WriteString(Mask(v))
		cursor = v.End
	}
	b.WriteString(body[cursor:])
	return b.String()
}

// MaskedMatches returns the masked form of each violation, deduplicated in order.
func MaskedMatches(violations []Violation) []string {
	seen := make(map[string]struct{}, len(violations))
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		masked := Mask(v)
		if _, ok := seen[masked]; ok {
			continue
		}
		seen[masked] = struct{}{}
		out = append(out, masked)
	}
	return out
}

const (
	warningOpening = "Hi! For your safety and ours, we can't share personal contact information through this messaging system. "
	warningClosing = "If you need help, please contact our team directly through this number. Thank you!"
)

// WarningText builds the auto-reply sent to a sender whose message was blocked.
func WarningText(types []models.ViolationType) string {
	present := make(map[models.ViolationType]bool, len(types))
	for _, t := range types {
		present[t] = true
	}

	var b strings.Builder
	b.WriteString(warningOpening)
	if present[models.ViolationPhone] {
		b.WriteString("Please don't include phone numbers. ")
	}
	if present[models.ViolationEmail] {
		b.WriteString("Please don't include email addresses. ")
	}
	if present[models.ViolationURL] {
		b.WriteString("Please don't include external links. ")
	}
	if present[models.ViolationSocial] {
		b.WriteString("Please don't request contact outside our platform. ")
	}
	b.WriteString(warningClosing)
	return b.String()
}
