package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// The bare-domain variant requires a trailing "/" so version strings like
	// "v2.0" and decimals like "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Anchored to whitespace so digits inside words and short numbers pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type spamCheck struct {
	name  string
	match func(string) bool
}

var (
	urlCheck   = spamCheck{name: "url", match: urlPattern.MatchString}
	phoneCheck = spamCheck{name: "phone", match: phonePattern.MatchString}

	floodChecks = []spamCheck{
		{name: "char_flood", match: hasCharFlood},
		{name: "word_flood", match: hasWordFlood},
	}
)

// hasCharFlood reports 8 or more consecutive identical non-space characters.
// RE2 has no backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 8

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev && !unicode.IsSpace(r) {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same word 4 or more times in a row,
// case-insensitively.
func hasWordFlood(text string) bool {
	const threshold = 4

	words := strings.Fields(text)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// checkSpamPatterns returns a blocking Result for the first matching check.
func (f *Filter) checkSpamPatterns(text string) Result {
	for _, sc := range f.checks {
		if sc.match(text) {
			return Result{Blocked: true, Reason: ReasonSpamPattern, Term: sc.name}
		}
	}
	return Result{}
}
