// Package policy detects and redacts attempts to exchange contact information
// outside the platform.
package policy

import (
	"regexp"
	"sort"
	"strings"

	"github.com/samhotchkiss/threadmask/internal/models"
)

// Violation is one matched span of contact-sharing content.
type Violation struct {
	Type   models.ViolationType `json:"type"`
	Match  string               `json:"match"`
	Reason string               `json:"reason"`
	Start  int                  `json:"start"`
	End    int                  `json:"end"`
}

// Detection is the result of scanning a message body.
type Detection struct {
	Detected   bool        `json:"detected"`
	Violations []Violation `json:"violations"`
}

// Types returns the distinct violation types in detector order.
func (d Detection) Types() []models.ViolationType {
	seen := make(map[models.ViolationType]struct{}, len(d.Violations))
	out := make([]models.ViolationType, 0, len(d.Violations))
	for _, v := range d.Violations {
		if _, ok := seen[v.Type]; ok {
			continue
		}
		seen[v.Type] = struct{}{}
		out = append(out, v.Type)
	}
	return out
}

// Detector finds one category of violation in a body.
type Detector func(body string) []Violation

// Engine runs detectors in order. Every detector runs; all findings are reported.
type Engine struct {
	Detectors []Detector
}

// DefaultDetectors is the ordered detector list: phone, email, url, social.
func DefaultDetectors() []Detector {
	return []Detector{DetectPhones, DetectEmails, DetectURLs, DetectSocial}
}

func NewEngine(detectors ...Detector) *Engine {
	if len(detectors) == 0 {
		detectors = DefaultDetectors()
	}
	return &Engine{Detectors: detectors}
}

var defaultEngine = NewEngine()

// Detect scans body with the default detectors.
func Detect(body string) Detection {
	return defaultEngine.Detect(body)
}

func (e *Engine) Detect(body string) Detection {
	result := Detection{Violations: []Violation{}}
	if strings.TrimSpace(body) == "" {
		return result
	}
	for _, detector := range e.Detectors {
		result.Violations = append(result.Violations, detector(body)...)
	}
	result.Detected = len(result.Violations) > 0
	return result
}

var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	regexp.MustCompile(`\+\d{1,3}[-.\s]?\d{1,4}[-.\s]?\d{1,4}[-.\s]?\d{1,9}`),
	regexp.MustCompile(`\d{10,15}`),
}

// DetectPhones finds phone-number-like sequences of 10 to 15 digits.
func DetectPhones(body string) []Violation {
	spans := collectSpans(body, phonePatterns, func(match string, start, end int) bool {
		if start > 0 && isDigit(body[start-1]) {
			return false
		}
		if end < len(body) && isDigit(body[end]) {
			return false
		}
		n := countDigits(match)
		return n >= 10 && n <= 15
	})
	return toViolations(body, spans, models.ViolationPhone, "Phone number detected")
}

var emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)

// DetectEmails finds email addresses.
func DetectEmails(body string) []Violation {
	spans := collectSpans(body, []*regexp.Regexp{emailPattern}, nil)
	return toViolations(body, spans, models.ViolationEmail, "Email address detected")
}

var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhttps?://\S+`),
	regexp.MustCompile(`(?i)\bwww\.\S+\.[a-z]{2,}\b\S*`),
	regexp.MustCompile(`(?i)\b[a-z0-9-]+\.[a-z]{2,}/\S*`),
}

var ipPattern = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// DetectURLs finds links, bare www hosts and domain/path references.
func DetectURLs(body string) []Violation {
	trimmed := make([][2]int, 0)
	for _, pattern := range urlPatterns {
		for _, loc := range pattern.FindAllStringIndex(body, -1) {
			start, end := loc[0], trimTrailingPunct(body, loc[0], loc[1])
			match := body[start:end]
			if strings.Contains(match, "@") || ipPattern.MatchString(match) {
				continue
			}
			trimmed = append(trimmed, [2]int{start, end})
		}
	}
	return toViolations(body, mergeSpans(trimmed), models.ViolationURL, "URL detected")
}

var socialPhrases = []string{
	`instagram`, `insta`, `ig`,
	`snapchat`, `snap`,
	`whatsapp`, `whats\s+app`, `what'?s\s+app`,
	`telegram`, `signal\s+me`,
	`facebook`, `fb`,
	`twitter`, `tiktok`,
	`dm\s+me`, `d\s+m\s+me`, `direct\s+message`,
	`text\s+me`, `txt\s+me`, `call\s+me`,
	`contact\s+me`, `reach\s+out`, `hit\s+me\s+up`,
	`my\s+number`, `my\s+phone`, `my\s+email`, `my\s+cell`,
	`private\s+message`, `pm\s+me`,
}

var socialPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(socialPhrases))
	for _, phrase := range socialPhrases {
		out = append(out, regexp.MustCompile(`(?i)\b`+phrase+`\b`))
	}
	return out
}()

// DetectSocial finds social-media references and off-platform solicitation phrases.
func DetectSocial(body string) []Violation {
	spans := collectSpans(body, socialPatterns, nil)
	return toViolations(body, spans, models.ViolationSocial, "Social media handle or solicitation phrase detected")
}

func collectSpans(body string, patterns []*regexp.Regexp, keep func(match string, start, end int) bool) [][2]int {
	spans := make([][2]int, 0)
	for _, pattern := range patterns {
		for _, loc := range pattern.FindAllStringIndex(body, -1) {
			start, end := loc[0], loc[1]
			match := body[start:end]
			if keep != nil && !keep(match, start, end) {
				continue
			}
			spans = append(spans, [2]int{start, end})
		}
	}
	return mergeSpans(spans)
}

// mergeSpans sorts spans and drops any that overlap an earlier, longer one.
func mergeSpans(spans [][2]int) [][2]int {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] == spans[j][0] {
			return spans[i][1] > spans[j][1]
		}
		return spans[i][0] < spans[j][0]
	})
	out := make([][2]int, 0, len(spans))
	for _, span := range spans {
		if n := len(out); n > 0 && span[0] < out[n-1][1] {
			continue
		}
		out = append(out, span)
	}
	return out
}

func toViolations(body string, spans [][2]int, kind models.ViolationType, reason string) []Violation {
	out := make([]Violation, 0, len(spans))
	for _, span := range spans {
		out = append(out, Violation{
			Type:   kind,
			Match:  strings.TrimSpace(body[span[0]:span[1]]),
			Reason: reason,
			Start:  span[0],
			End:    span[1],
		})
	}
	return out
}

func trimTrailingPunct(body string, start, end int) int {
	for end > start && strings.ContainsRune(".,!?;:)]}'\"", rune(body[end-1])) {
		end--
	}
	return end
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			n++
		}
	}
	return n
}
