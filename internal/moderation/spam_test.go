package moderation

import "testing"

func TestLinkBlocking(t *testing.T) {
	strict := NewFilterWithTerms(nil, WithLinkBlocking())
	lenient := NewFilterWithTerms(nil)

	tests := []struct {
		name  string
		input string
		term  string
	}{
		{"http url", "check out http://evil.com", "url"},
		{"www url", "go to www.phishing.net", "url"},
		{"bare domain with path", "visit evil.com/free", "url"},
		{"dashed phone", "call me at 555-123-4567 okay?", "phone"},
		{"parenthesized phone", "(555) 123-4567", "phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := strict.Check(tt.input)
			if !result.Blocked || result.Term != tt.term || result.Reason != ReasonSpamPattern {
				t.Errorf("strict Check(%q) = %+v, want %s spam", tt.input, result, tt.term)
			}
			if lenient.Check(tt.input).Blocked {
				t.Errorf("lenient Check(%q) blocked", tt.input)
			}
		})
	}
}

func TestFloodChecks(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"seven repeats", "nooooooo", false, ""},
		{"eight repeats", "noooooooo", true, "char_flood"},
		{"repeated spaces", "a        b", false, ""},
		{"three words", "spam spam spam", false, ""},
		{"four words", "spam Spam SPAM spam", true, "word_flood"},
		{"interleaved", "buy now buy now buy now", false, ""},
		{"version string", "upgrade to v2.0 today", false, ""},
		{"decimal", "pi is 3.14159", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Fatalf("Check(%q).Blocked = %v, want %v (term=%q)", tt.input, result.Blocked, tt.blocked, result.Term)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
		})
	}
}

func TestKeywordTakesPriorityOverSpam(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword"}, WithLinkBlocking())

	if r := f.Check("badword http://evil.com"); r.Reason != ReasonBlockedKeyword {
		t.Errorf("Reason = %q, want %q", r.Reason, ReasonBlockedKeyword)
	}
	if r := f.Check("visit http://evil.com"); r.Reason != ReasonSpamPattern || r.Term != "url" {
		t.Errorf("got %+v, want url spam", r)
	}
}
